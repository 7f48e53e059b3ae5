package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"editorial/internal/repo"
)

var (
	// ErrInvalidInput means the caller's data was rejected before any mutation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound aliases the store sentinel so callers need one import.
	ErrNotFound                = repo.ErrNotFound
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrPhaseExecutionFailed    = errors.New("phase execution failed")
	ErrCacheInvalidationFailed = errors.New("cache invalidation failed")
	// ErrConflict means the target is busy or the change collides with existing data.
	ErrConflict = errors.New("conflict")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// storeErr classifies a persistence failure. Not-found and context errors
// keep their identity; anything else is reported as StoreUnavailable.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrConflict),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %s: %v", ErrConflict, op, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
	}
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
