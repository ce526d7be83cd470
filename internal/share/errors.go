package share

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned when a request fails validation; no backend call is made.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when no live share exists for a code.
	ErrNotFound = errors.New("share not found")

	// ErrBackend wraps failures of the metadata store, blob store or scheduler.
	ErrBackend = errors.New("backend failure")

	// ErrCodeTaken is returned by Store.Reserve when the code already has a record.
	ErrCodeTaken = errors.New("code already taken")

	// ErrCodeSpaceExhausted is matched by *ExhaustedError.
	ErrCodeSpaceExhausted = errors.New("code space exhausted")
)

// ExhaustedError reports that no free code was found within the attempt budget.
type ExhaustedError struct {
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("no free share code after %d attempts", e.Attempts)
}

// Is lets errors.Is(err, ErrCodeSpaceExhausted) match.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrCodeSpaceExhausted
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func backend(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrBackend, err)
}
