package engine

import (
	"errors"
	"fmt"
)

// Failure taxonomy. Every error the engine surfaces wraps exactly one of
// these sentinels so callers can branch without string matching; repo.ErrNotFound
// passes through for unresolved ids.
var (
	// ErrConflict: a second session start racing an active one, or a stale
	// concurrent write.
	ErrConflict = errors.New("conflict")
	// ErrPrecondition: the entity exists but its state forbids the operation.
	ErrPrecondition = errors.New("precondition failed")
	// ErrValidation: malformed input rejected before any write.
	ErrValidation = errors.New("validation failed")
)

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
