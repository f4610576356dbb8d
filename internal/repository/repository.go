package repository

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("record already exists")
	// ErrStaleVersion is returned by compare-and-set writes when the stored
	// version no longer matches the expected one.
	ErrStaleVersion = errors.New("stale record version")
)
