package types

import (
	"errors"
	"fmt"
)

// Cache errors. These are the only error kinds the cache returns itself;
// everything else comes wrapped from a collaborator.
var (
	// ErrAlreadyRegistered is returned by Create for an id that is already
	// cached. It indicates a programming error and is not retried.
	ErrAlreadyRegistered = errors.New("row already registered")

	// ErrStorage matches every Mapper failure through errors.Is.
	ErrStorage = errors.New("storage failure")

	// ErrConcurrentModification is returned when a row written by this
	// session was concurrently invalidated by another writer. The caller
	// may retry the whole transaction.
	ErrConcurrentModification = errors.New("updating a concurrently modified value")
)

// StorageError wraps an error returned by a Mapper with the operation that
// failed. It matches ErrStorage and unwraps to the Mapper's error.
type StorageError struct {
	Op    string // Mapper operation, e.g. "read", "insert".
	Table string
	ID    ID // Empty for bulk operations.
	Err   error
}

func (e *StorageError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Table, e.ID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports ErrStorage as a match so callers need not know the wrapper type.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }
