package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a compare-and-swap update lost a race
	// and the retry budget was exhausted.
	ErrConflict = errors.New("concurrent modification")

	// ErrExists is returned when creating a record whose id is taken.
	ErrExists = errors.New("record already exists")
)
