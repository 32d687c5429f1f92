package booking

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("invalid booking request")
	// ErrSlotTaken means another active booking already holds an overlapping interval.
	ErrSlotTaken = errors.New("slot already taken")
	ErrNotFound  = errors.New("not found")
	ErrGuard     = errors.New("transition not allowed")
)

type validationError struct {
	msg string
}

func (e validationError) Error() string { return e.msg }

func (e validationError) Is(target error) bool { return target == ErrValidation }

func invalid(format string, args ...any) error {
	return validationError{msg: fmt.Sprintf(format, args...)}
}

// GuardError is a rejected state transition; Reason is safe to show to the caller.
type GuardError struct {
	Reason string
}

func (e *GuardError) Error() string { return "transition not allowed: " + e.Reason }

func (e *GuardError) Is(target error) bool { return target == ErrGuard }

func guard(format string, args ...any) error {
	return &GuardError{Reason: fmt.Sprintf(format, args...)}
}
