package core

import "errors"

// ErrValidation matches every ValidationError via errors.Is.
var ErrValidation = errors.New("validation error")

var (
	ErrInvalidAmount      = &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	ErrEmptyDescription   = &ValidationError{Field: "description", Reason: "must not be empty"}
	ErrDescriptionTooLong = &ValidationError{Field: "description", Reason: "too long (max 200 characters)"}
)

// ValidationError reports caller-supplied input that can never be accepted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
