package models

import (
	"errors"
	"fmt"
)

// ErrInvalidState is matched by every StateError.
var ErrInvalidState = errors.New("invalid state")

// StateError is returned when an operation requires a record to be in a
// state it is not in.
type StateError struct {
	Kind     string
	ID       string
	Current  string
	Required []string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s is %s, operation requires %v", e.Kind, e.ID, e.Current, e.Required)
}

// Is makes errors.Is(err, ErrInvalidState) true for any StateError.
func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}

// NewStateError builds a StateError for the given record.
func NewStateError(kind, id, current string, required ...string) *StateError {
	return &StateError{Kind: kind, ID: id, Current: current, Required: required}
}
