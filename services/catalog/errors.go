package catalog

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that no record exists for the requested
// (artifact_id, version) pair.
var ErrNotFound = errors.New("catalog: record not found")

// ValidationError rejects a record that is malformed or incomplete for its
// declared type. Nothing is persisted when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("catalog: invalid record: %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
