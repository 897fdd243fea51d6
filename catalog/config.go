package catalog

import (
	"time"

	"github.com/mevdschee/tqcatalog/backend"
)

const (
	// ConnectAttempts bounds the dial attempts of one open.
	ConnectAttempts = 6
	// ConnectRetryDelay separates dial attempts.
	ConnectRetryDelay = 5 * time.Second

	// DispatchAttempts bounds the submissions of one statement.
	DispatchAttempts = 10
	// DispatchRetryDelay separates submissions.
	DispatchRetryDelay = 5 * time.Second

	// StreamAttempts bounds the writes of one batch line or terminator
	// while the stream reports backpressure.
	StreamAttempts = 30

	// TransactionCeiling is the number of changes after which an open
	// transaction is committed and restarted.
	TransactionCeiling = 25000

	// CursorPageSize is the number of rows fetched per cursor round.
	CursorPageSize = 100
	// CursorName names the server side cursor used by QueryLarge.
	CursorName = "_catalog_cursor"

	// DefaultSchemaVersion is the catalog schema this package works with.
	DefaultSchemaVersion = 2171

	// ExpectedEncoding is the database encoding the catalog is designed for.
	ExpectedEncoding = "SQL_ASCII"
)

// sessionDefaults are applied after every successful connect or reset.
var sessionDefaults = []string{
	"SET datestyle TO 'ISO, YMD'",
	"SET cursor_tuple_fraction=1",
	"SET standard_conforming_strings=on",
}

// Config describes one catalog connection.
type Config struct {
	backend.Params

	// MultipleConnections gives the caller a connection of its own and
	// allows explicit transactions on it.
	MultipleConnections bool
	// DisableBatchInsert rejects batch sessions.
	DisableBatchInsert bool
	// TryReconnect allows one reset and retry after a fatal statement error
	// outside a transaction.
	TryReconnect bool
	// ExitOnFatal terminates the process on any fatal statement error.
	ExitOnFatal bool
	// Private keeps the connection out of sharing.
	Private bool
	// SchemaVersion is the VersionId the Version table must hold. Zero
	// skips the check.
	SchemaVersion int
}

// Shareable reports whether the connection may be handed to other callers
// with matching parameters.
func (c Config) Shareable() bool {
	return !c.MultipleConnections && !c.Private
}

// TransactionsAllowed reports whether StartTransaction opens transactions.
func (c Config) TransactionsAllowed() bool {
	return c.MultipleConnections
}
