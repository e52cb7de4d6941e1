package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an entity id does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a lifecycle move is not allowed
	// from the entity's current status.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrGraphCycle is returned when a dependency edge would close a cycle.
	ErrGraphCycle = errors.New("dependency cycle")

	ErrValidation = errors.New("validation failed")

	// ErrConcurrency is returned when a concurrent writer won a race on the
	// same row or event version.
	ErrConcurrency = errors.New("concurrent modification")
)

type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s (%s)", e.Entity, e.From, e.To, e.ID)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// NewTransitionError builds a TransitionError from any string-typed statuses.
func NewTransitionError[S ~string](entity, id string, from, to S) *TransitionError {
	return &TransitionError{Entity: entity, ID: id, From: string(from), To: string(to)}
}

type CycleError struct {
	Parent string
	Child  string
	Path   []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("dependency %s -> %s would create a cycle", e.Parent, e.Child)
	}
	return fmt.Sprintf("dependency %s -> %s would create a cycle: %s", e.Parent, e.Child, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrGraphCycle }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a ValidationError on field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFound wraps ErrNotFound with the entity kind and id.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}
