package backend

import "errors"

var (
	// ErrDispatch is wrapped by Conn.Exec and Conn.CopyIn errors when the
	// statement never reached the server and retrying may succeed.
	ErrDispatch = errors.New("statement could not be dispatched")

	// ErrWouldBlock is returned by CopyStream writes on transient backpressure.
	ErrWouldBlock = errors.New("copy stream would block")

	// ErrCopyDone is returned when a CopyStream is used after PutEnd.
	ErrCopyDone = errors.New("copy stream already terminated")

	// ErrUnknownDriver is returned by Lookup for unregistered names.
	ErrUnknownDriver = errors.New("unknown catalog driver")
)
