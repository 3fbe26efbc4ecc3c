package engine

import (
	"errors"
	"fmt"

	"casefile/internal/domain"
	"casefile/internal/repo"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = repo.ErrNotFound
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadySigned     = repo.ErrAlreadySigned
	// ErrRetriesExhausted means every sequence allocation attempt collided.
	ErrRetriesExhausted = errors.New("could not allocate a case number")
)

// ValidationError names the offending field.
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

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type TransitionError struct {
	From domain.Status
	To   domain.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid case transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
