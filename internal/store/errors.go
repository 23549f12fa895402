package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for the persistence engine. Callers match with errors.Is.
var (
	// ErrNotFound indicates the requested id or source does not exist
	// (or the policy has been soft-deleted).
	ErrNotFound = errors.New("not found")

	// ErrVersionNotFound indicates the (id, version) pair does not exist.
	ErrVersionNotFound = errors.New("version not found")

	// ErrInvalidInput indicates a malformed id or out-of-range parameter.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnavailable indicates the owning store is mid-restart. Callers
	// may retry after a short backoff.
	ErrUnavailable = errors.New("store unavailable")
)

// notFoundErr wraps ErrNotFound with the entity kind and id.
func notFoundErr(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// versionNotFoundErr wraps ErrVersionNotFound with the id and version.
func versionNotFoundErr(id string, version int64) error {
	return fmt.Errorf("policy %q version %d: %w", id, version, ErrVersionNotFound)
}

// invalidInputErr wraps ErrInvalidInput with a reason.
func invalidInputErr(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidInput)...)
}
