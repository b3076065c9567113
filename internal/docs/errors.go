package docs

import "errors"

var (
	// ErrNotFound is returned by mutating operations when the addressed record does not exist.
	// Read paths return a nil result instead.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an insert would violate a uniqueness invariant.
	ErrDuplicate = errors.New("duplicate record")

	// ErrInvalid is returned for malformed input (unknown file type, empty ids, bad collection references).
	ErrInvalid = errors.New("invalid input")

	// ErrNotLockOwner is returned when a session releases a lock held by another session.
	ErrNotLockOwner = errors.New("lock held by another session")
)
