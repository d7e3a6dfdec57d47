package storage

import (
	"errors"
	"fmt"
)

// Storage errors for append-only stores.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert a record
	// with a key that already exists. Append-only stores do not allow updates.
	ErrDuplicateKey = errors.New("duplicate key: append-only store does not allow updates")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)

// StorageWriteError is returned once a write has exhausted its retry budget.
// Callers treat it as fatal for the writer that produced it.
type StorageWriteError struct {
	Op       string // operation that failed, e.g. "insert raw_trades"
	Attempts int    // attempts made, including the first
	Err      error  // last underlying error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("storage write %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *StorageWriteError) Unwrap() error {
	return e.Err
}

// IsStorageWriteError reports whether err wraps a StorageWriteError.
func IsStorageWriteError(err error) bool {
	var swe *StorageWriteError
	return errors.As(err, &swe)
}
