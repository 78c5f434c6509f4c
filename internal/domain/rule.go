package domain

import "strings"

// RuleType is the unique key of a detection rule.
type RuleType string

// Built-in rule types, in evaluation order.
const (
	RuleOrderFrequencySpike RuleType = "ORDER_FREQUENCY_SPIKE"
	RuleOrderVolumeSpike    RuleType = "ORDER_VOLUME_SPIKE"
	RuleFrequentAppeals     RuleType = "FREQUENT_APPEALS"
)

// RuleInfo describes a registered rule.
type RuleInfo struct {
	Type        RuleType `json:"type"`
	Description string   `json:"description"`
	Score       int      `json:"score"`
	Condition   string   `json:"condition"`
}

// RuleResult is the output of one rule for one subject.
type RuleResult struct {
	RuleType    RuleType       `json:"ruleType"`
	Description string         `json:"description"`
	Condition   string         `json:"condition,omitempty"`
	Triggered   bool           `json:"triggered"`
	Score       int            `json:"score"` // awarded score, 0 unless triggered
	Signals     map[string]any `json:"signals,omitempty"`
	Error       string         `json:"error,omitempty"`
	ProcessMs   int64          `json:"processMs"`
}

// JoinRuleTypes renders rule types the way they are stored in flag_type.
func JoinRuleTypes(types []RuleType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

// SplitRuleTypes parses a stored flag_type value.
func SplitRuleTypes(s string) []RuleType {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	types := make([]RuleType, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			types = append(types, RuleType(p))
		}
	}
	return types
}
