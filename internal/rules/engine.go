// Package rules provides the detection rules and the CEL predicates they decide with.
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Signal names available to rule conditions.
const (
	SignalCurrentCount  = "current_count"
	SignalPreviousCount = "previous_count"
	SignalCurrentTotal  = "current_total"
	SignalPreviousTotal = "previous_total"
	SignalBaselineTotal = "baseline_total"
	SignalBaselineMean  = "baseline_mean"
	SignalOpenAppeals   = "open_appeals"
)

// Engine compiles rule conditions against the behavioural signal environment.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*Predicate
}

// Predicate is a compiled boolean CEL condition.
type Predicate struct {
	Expression string
	program    cel.Program
}

// NewEngine creates the CEL environment for rule conditions.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable(SignalCurrentCount, cel.IntType),
		cel.Variable(SignalPreviousCount, cel.IntType),
		cel.Variable(SignalCurrentTotal, cel.DoubleType),
		cel.Variable(SignalPreviousTotal, cel.DoubleType),
		cel.Variable(SignalBaselineTotal, cel.DoubleType),
		cel.Variable(SignalBaselineMean, cel.DoubleType),
		cel.Variable(SignalOpenAppeals, cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		compiled: make(map[string]*Predicate),
	}, nil
}

// Compile returns the predicate for expr, compiling it on first use.
func (e *Engine) Compile(expr string) (*Predicate, error) {
	e.mu.RLock()
	p, ok := e.compiled[expr]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile condition %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition %q must return bool, got %s", expr, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for %q: %w", expr, err)
	}

	p = &Predicate{Expression: expr, program: program}

	e.mu.Lock()
	e.compiled[expr] = p
	e.mu.Unlock()

	return p, nil
}

// Eval runs the predicate against the given signals.
func (p *Predicate) Eval(signals map[string]any) (bool, error) {
	out, _, err := p.program.Eval(signals)
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}
	return toBool(out)
}

func toBool(val ref.Val) (bool, error) {
	if b, ok := val.(types.Bool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("condition returned %v, want bool", val.Type())
}
