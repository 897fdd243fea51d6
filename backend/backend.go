// Package backend defines the capabilities a catalog database backend must
// provide. The catalog package drives connections exclusively through these
// interfaces; each concrete backend registers a named Driver with Register.
package backend

import (
	"context"
	"database/sql"
)

// Params holds the connection parameters for one catalog database.
type Params struct {
	Driver   string
	Name     string
	User     string
	Password string
	Address  string
	Port     int
	Socket   string
}

// Match reports whether p and o name the same database. Credentials and the
// socket path are not part of the identity.
func (p Params) Match(o Params) bool {
	return p.Driver == o.Driver &&
		p.Name == o.Name &&
		p.Address == o.Address &&
		p.Port == o.Port
}

// Status classifies the outcome of one statement.
type Status int

const (
	// StatusTuples is a successful statement that produced a row set.
	StatusTuples Status = iota
	// StatusCommand is a successful statement without a row set (DDL/DML).
	StatusCommand
	// StatusFatal means the connection or session is no longer usable.
	StatusFatal
	// StatusError is an ordinary statement error; the session is still usable.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusTuples:
		return "tuples"
	case StatusCommand:
		return "command"
	case StatusFatal:
		return "fatal"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// OK reports whether the status is one of the success statuses.
func (s Status) OK() bool {
	return s == StatusTuples || s == StatusCommand
}

// Field describes one column of a row set as reported by the backend.
type Field struct {
	Name    string
	TypeOID uint32
	Flags   int
}

// Result is the complete outcome of one statement.
type Result struct {
	Status       Status
	Fields       []Field
	Rows         [][][]byte // nil cell means SQL NULL
	RowsAffected int64
	Tag          string
	// Err carries the backend error text for StatusFatal and StatusError.
	Err error
}

// Conn is one physical connection. Implementations need not be safe for
// concurrent use; the catalog serializes all calls on a connection.
type Conn interface {
	// Exec dispatches one statement and collects its complete result. A
	// non-nil error means the statement could not be submitted at all; it
	// wraps ErrDispatch when retrying may help. Server side failures are
	// reported through Result.Status instead.
	Exec(ctx context.Context, stmt string) (*Result, error)

	// Reset closes and reopens the connection in place with the original
	// parameters. Session settings are lost.
	Reset(ctx context.Context) error

	// CopyIn starts a text format COPY FROM STDIN into table.
	CopyIn(ctx context.Context, table string, columns []string) (CopyStream, error)

	// EscapeString escapes text for inclusion inside a standard conforming
	// quoted literal. On failure it still returns a best-effort rendering.
	EscapeString(s string) (string, error)

	// EscapeBytea renders binary data for inclusion inside a quoted literal.
	EscapeBytea(b []byte) (string, error)

	// UnescapeBytea decodes a bytea value returned in text format.
	UnescapeBytea(s string) ([]byte, error)

	// Close releases all native resources. Calling it twice is harmless.
	Close(ctx context.Context) error
}

// CopyStream is an open COPY-in channel.
type CopyStream interface {
	// PutData sends one chunk of COPY text. ErrWouldBlock reports transient
	// backpressure; any other error is final.
	PutData(data []byte) error

	// PutEnd terminates the stream. A non-empty errMsg aborts the load on the
	// server instead of committing it. ErrWouldBlock reports backpressure.
	PutEnd(errMsg string) error

	// Result waits for the terminal acknowledgement of the COPY.
	Result(ctx context.Context) (*Result, error)
}

// Driver opens connections and answers dialect questions for one backend.
type Driver interface {
	Open(ctx context.Context, p Params) (Conn, error)

	// IsNumericType reports whether values of the given type tag are numbers.
	IsNumericType(typeOID uint32) bool

	// IsNotNull reports whether field flags mark a column NOT NULL.
	IsNotNull(flags int) bool
}

// NullString converts a raw cell into its nullable text form.
func NullString(cell []byte) sql.NullString {
	if cell == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(cell), Valid: true}
}

// IsFatalError reports whether a server error with the given severity and
// SQLSTATE code leaves the session unusable.
func IsFatalError(severity, code string) bool {
	switch severity {
	case "FATAL", "PANIC":
		return true
	}
	if len(code) == 5 && code[:2] == "08" {
		return true
	}
	switch code {
	case "57P01", "57P02", "57P03":
		return true
	}
	return false
}
