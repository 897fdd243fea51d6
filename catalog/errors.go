package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrHandleClosed is returned by operations on a released handle.
	ErrHandleClosed = errors.New("catalog handle is closed")

	// ErrResultReleased is returned by accessors of an invalidated buffer.
	ErrResultReleased = errors.New("result buffer has been released")

	// ErrNoHandler is returned by QueryLarge without a row handler.
	ErrNoHandler = errors.New("row handler is required")

	// ErrMissingUser is returned when no user name is configured.
	ErrMissingUser = errors.New("a user name must be supplied")

	// ErrSchemaMismatch is returned when the Version table does not hold
	// the expected schema version.
	ErrSchemaMismatch = errors.New("catalog schema version mismatch")

	// ErrBatchDisabled is returned when batch insert is disabled.
	ErrBatchDisabled = errors.New("batch insert is disabled")

	// ErrBatchActive is returned when a batch session is streaming on the
	// handle and another operation is attempted.
	ErrBatchActive = errors.New("batch session is active")

	// ErrBatchNotActive is returned when a batch operation finds no session.
	ErrBatchNotActive = errors.New("no batch session is active")

	// ErrTransactionActive is returned when a batch session is started
	// inside a transaction.
	ErrTransactionActive = errors.New("transaction is active")

	// ErrNotRegistered is returned when releasing a handle the registry
	// does not own.
	ErrNotRegistered = errors.New("handle is not registered")

	// ErrNoSuchRow is returned by Seek for negative row indexes.
	ErrNoSuchRow = errors.New("row index out of range")
	// ErrNoSuchField is returned for field indexes outside the result.
	ErrNoSuchField = errors.New("field index out of range")
)

// ConnectError is returned when a connection could not be established.
type ConnectError struct {
	DB       string
	User     string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("unable to connect to catalog database %s as %s after %d attempts: %v",
		e.DB, e.User, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// DispatchError is returned when a statement could not be submitted.
type DispatchError struct {
	Stmt     string
	Attempts int
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("statement not dispatched after %d attempts: %v", e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// QueryError is returned when the server rejected a statement.
type QueryError struct {
	Stmt  string
	Fatal bool
	Err   error
}

func (e *QueryError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("fatal error in query %q: %v", e.Stmt, e.Err)
	}
	return fmt.Sprintf("query %q failed: %v", e.Stmt, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// BatchError is returned when a batch session step failed.
type BatchError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *BatchError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("batch %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("batch %s failed: %v", e.Op, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }
