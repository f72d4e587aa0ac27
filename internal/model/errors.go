package model

import (
	"errors"
	"fmt"
	"strconv"
)

// ValidationError reports malformed input rejected before any computation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid is shorthand for a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// OutOfRangeError reports a configuration value outside its permitted range,
// such as a non-positive radius, capacity, speed or tick interval.
type OutOfRangeError struct {
	Field string
	Value float64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("out of range: %s = %s", e.Field, strconv.FormatFloat(e.Value, 'g', -1, 64))
}

// DegradedResultWarning marks a result computed without an external
// collaborator. It is reported alongside a valid result, not instead of one.
type DegradedResultWarning struct {
	Component string
	Reason    string
}

func (w *DegradedResultWarning) Error() string {
	return fmt.Sprintf("degraded: %s: %s", w.Component, w.Reason)
}

// ErrNotFound is returned when a zone, signal or stored record does not exist.
var ErrNotFound = errors.New("not found")
