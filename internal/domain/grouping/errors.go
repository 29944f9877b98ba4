package grouping

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is against these; use errors.As against the typed errors
// below to get at the detail.
var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("already exists")
	ErrPermission = errors.New("permission denied")
	ErrTransient  = errors.New("store unavailable")
	ErrNotFound   = errors.New("not found")
)

// ValidationError is returned before any write happens
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError is a unique-constraint violation on insert
type ConflictError struct {
	Key string
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%q already exists", e.Key)
}

func (e *ConflictError) Unwrap() []error { return []error{ErrConflict, e.Err} }

// PermissionError is a write denied by access policy, typically on a global row
type PermissionError struct {
	Op  string
	Err error
}

func (e *PermissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: permission denied: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: permission denied", e.Op)
}

func (e *PermissionError) Unwrap() []error { return []error{ErrPermission, e.Err} }

// TransientError marks a failure that is safe to retry for the named item
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }

func validationErr(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// IsConflict reports whether err is a uniqueness conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsPermission reports whether err is an access-policy denial
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermission)
}

// IsTransient reports whether err is safe to retry
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
