package model

import (
	"errors"
	"fmt"
)

var (
	ErrCycleDetected        = errors.New("dependency cycle detected")
	ErrDuplicateObject      = errors.New("object already exists in the model")
	ErrUnresolvedDependency = errors.New("dependency not found in the model or any federated model")
	ErrInvalidVersion       = errors.New("version must be a positive integer")
)

// LockError is a transient concurrency-control failure: a deadlock or a lock wait timeout. Apply operations retry
// on it with jittered backoff
type LockError struct {
	Deadlock bool
	Err      error
}

func (e *LockError) Error() string {
	if e.Deadlock {
		return fmt.Sprintf("deadlock detected: %s", e.Err)
	}
	return fmt.Sprintf("lock timeout: %s", e.Err)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// UndefinedNameError is returned when the target of a drop or alter does not exist. Drop-style orchestration logs
// and swallows it
type UndefinedNameError struct {
	Name string
	Err  error
}

func (e *UndefinedNameError) Error() string {
	return fmt.Sprintf("undefined name %q: %s", e.Name, e.Err)
}

func (e *UndefinedNameError) Unwrap() error {
	return e.Err
}

// DataAccessError signals that an expected artifact is missing, e.g. a primary key or a migration path
type DataAccessError struct {
	Msg string
	Err error
}

func (e *DataAccessError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Msg, e.Err)
}

func (e *DataAccessError) Unwrap() error {
	return e.Err
}

func IsLockError(err error) bool {
	var lockErr *LockError
	return errors.As(err, &lockErr)
}

func IsUndefinedName(err error) bool {
	var undefinedErr *UndefinedNameError
	return errors.As(err, &undefinedErr)
}
