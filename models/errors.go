package models

import "errors"

// Error kinds returned by the spending workflow. Callers match them with errors.Is;
// the wrapped message carries the detail.
var (
	ErrNotFound          = errors.New("not found")
	ErrAccessDenied      = errors.New("access denied")
	ErrSequenceViolation = errors.New("sequence violation")
	ErrBudgetExceeded    = errors.New("budget exceeded")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidFormat     = errors.New("invalid format")
	ErrFileTooLarge      = errors.New("file too large")
	ErrInvalidInput      = errors.New("invalid input")
)
