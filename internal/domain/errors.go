// Package domain holds the error taxonomy shared by the store, index,
// retrieval and ingestion layers.
package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound marks a lookup that legitimately missed. Single-item lookups
// return (nil, nil) instead; ErrNotFound is used where an absent entity
// makes the requested operation impossible (for example linking a child
// code to a parent that does not exist).
var ErrNotFound = errors.New("not found")

// ValidationError reports malformed input. It is never retried and never
// silently coerced.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// TransientError wraps a failure of the embedding provider or one of the
// stores that may succeed on a later attempt.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: temporarily unavailable: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// InconsistencyWarning describes a vector hit whose document no longer
// exists in the relational store. Queries drop such hits and count them.
type InconsistencyWarning struct {
	DocumentID string
	PointID    string
}

func (w *InconsistencyWarning) Error() string {
	return fmt.Sprintf("vector point %s references missing document %s", w.PointID, w.DocumentID)
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsTransient reports whether err is or wraps a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
