package writebatch

import "errors"

var (
	// ErrManagerClosed is returned when records are enqueued on a closed manager
	ErrManagerClosed = errors.New("attribute spooler is closed")

	// ErrTimeout is returned when a record was not loaded in time
	ErrTimeout = errors.New("attribute spooler timeout")
)
