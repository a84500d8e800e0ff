package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition indicates a status change outside the allowed table.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict indicates a business-rule conflict.
	ErrConflict = errors.New("conflict")
)
