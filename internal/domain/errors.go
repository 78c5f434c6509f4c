package domain

import "errors"

// Sentinel errors shared by stores and services. Callers wrap them with
// context and test with errors.Is.
var (
	ErrNotFound              = errors.New("record not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrInvalidTransition     = errors.New("invalid flag transition")
	ErrJustificationRequired = errors.New("justification is required")
	ErrActiveFlagExists      = errors.New("subject already has an active flag")
	ErrOperatorRequired      = errors.New("operator id is required")
)
