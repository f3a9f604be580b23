package spannounce

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers keys that never existed as well as ones that were
	// deleted or expired.
	ErrNotFound = errors.New("announcement not found")

	// ErrUnauthorized means a mutation needed the master password and it was
	// missing or wrong.
	ErrUnauthorized = errors.New("invalid master password")

	// ErrForbidden means a private announcement was read without its secret.
	ErrForbidden = errors.New("secret required or incorrect")

	// ErrInvalidSecret means a delete supplied the wrong secret.
	ErrInvalidSecret = errors.New("invalid secret")

	// ErrConflict means an announcement was replaced between a delete's read
	// and its write, so the delete was abandoned.
	ErrConflict = errors.New("announcement changed during delete")

	// ErrInvalidExpiry means an expiry was too large to represent.
	ErrInvalidExpiry = errors.New("expiry too large")

	ErrBackendUnavailable = errors.New("backend unavailable")
)

// BackendError wraps a failure from the key-value backend.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrBackendUnavailable, e.Err)
}

func (e *BackendError) Is(target error) bool { return target == ErrBackendUnavailable }

func (e *BackendError) Unwrap() error { return e.Err }
