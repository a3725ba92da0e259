package session

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict means another transition committed first; reload and retry.
	ErrVersionConflict = errors.New("session version conflict")
	// ErrAlreadyApplied means a transition for the same event id is already committed.
	ErrAlreadyApplied = errors.New("event already applied")
	// ErrNotFound is returned by lookups for users without a session.
	ErrNotFound = errors.New("session not found")
	// ErrStoreUnavailable marks I/O failures of the underlying database.
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrSchemaOutdated means migrations are pending.
	ErrSchemaOutdated = errors.New("session schema outdated")
	// ErrInvalidInput rejects malformed arguments before touching the database.
	ErrInvalidInput = errors.New("invalid session store input")
)

// StoreError carries the failed operation and the driver error.
//
// It matches ErrStoreUnavailable with errors.Is.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStoreUnavailable, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
