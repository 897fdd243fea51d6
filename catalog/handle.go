package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/mevdschee/tqcatalog/backend"
	"github.com/mevdschee/tqcatalog/metrics"
)

// State is the lifecycle state of a handle's connection.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stats are per-handle counters.
type Stats struct {
	Statements      int64
	DispatchRetries int64
	Reconnects      int64
	ImplicitFlushes int64
}

// Handle is one catalog connection. All statement, transaction and batch
// operations take the handle lock exclusively, so a handle can be shared by
// goroutines; escaping only needs the read lock.
type Handle struct {
	id     uuid.UUID
	cfg    Config
	driver backend.Driver
	conn   backend.Conn
	log    *slog.Logger
	sleep  Sleeper
	exit   func(int)

	mu       sync.RWMutex
	state    State
	errmsg   string
	affected int64
	txActive bool
	cursorTx bool
	changes  int
	batch    *batchSession
	view     Row
	healthy  bool
	stats    Stats
}

func newHandle(cfg Config, driver backend.Driver, r *Registry) *Handle {
	id := uuid.New()
	return &Handle{
		id:     id,
		cfg:    cfg,
		driver: driver,
		sleep:  r.sleep,
		exit:   r.exit,
		log: r.log.With(
			slog.String("component", "catalog"),
			slog.String("handle", id.String()),
			slog.String("db", cfg.Name),
		),
	}
}

// open connects, checks the schema version and prepares the session.
func (h *Handle) open(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = StateConnecting
	var err error
	attempts := 0
	for attempt := 1; attempt <= ConnectAttempts; attempt++ {
		attempts = attempt
		var conn backend.Conn
		conn, err = h.driver.Open(ctx, h.cfg.Params)
		if err == nil {
			metrics.ConnectAttempts.WithLabelValues(h.cfg.Driver, "ok").Inc()
			h.conn = conn
			break
		}
		metrics.ConnectAttempts.WithLabelValues(h.cfg.Driver, "failed").Inc()
		h.log.Warn("Connect attempt failed", "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
		if attempt < ConnectAttempts {
			h.sleep(ConnectRetryDelay)
		}
	}
	if h.conn == nil {
		h.state = StateFailed
		h.errmsg = err.Error()
		return &ConnectError{DB: h.cfg.Name, User: h.cfg.User, Attempts: attempts, Err: err}
	}
	h.state = StateOpen
	h.healthy = true

	if err := h.checkSchema(ctx); err != nil {
		h.closeConn(ctx)
		h.state = StateFailed
		h.errmsg = err.Error()
		return err
	}
	if err := h.applySessionDefaults(ctx); err != nil {
		h.log.Warn("Applying session defaults failed", "error", err)
	}
	h.checkEncoding(ctx)

	h.log.Info("Catalog connection opened", "driver", h.cfg.Driver, "address", h.cfg.Address)
	return nil
}

func (h *Handle) checkSchema(ctx context.Context) error {
	if h.cfg.SchemaVersion == 0 {
		return nil
	}
	res, err := h.execute(ctx, "SELECT VersionId FROM Version")
	if err != nil {
		return fmt.Errorf("checking catalog schema version: %w", err)
	}
	found := ""
	if len(res.Rows) > 0 && len(res.Rows[0]) > 0 {
		found = string(res.Rows[0][0])
	}
	if found != strconv.Itoa(h.cfg.SchemaVersion) {
		return fmt.Errorf("%w: database has version %q, expected %d", ErrSchemaMismatch, found, h.cfg.SchemaVersion)
	}
	return nil
}

// applySessionDefaults bypasses the reconnect policy since it is part of it.
func (h *Handle) applySessionDefaults(ctx context.Context) error {
	for _, stmt := range sessionDefaults {
		res, err := h.dispatch(ctx, stmt)
		if err != nil {
			return err
		}
		if !res.Status.OK() {
			return &QueryError{Stmt: stmt, Fatal: res.Status == backend.StatusFatal, Err: res.Err}
		}
	}
	return nil
}

// checkEncoding forces the client encoding and warns when the database
// was created with a different one.
func (h *Handle) checkEncoding(ctx context.Context) {
	encoding := ""
	if res, err := h.execute(ctx, "SELECT getdatabaseencoding()"); err == nil && len(res.Rows) > 0 {
		encoding = string(res.Rows[0][0])
	}
	if _, err := h.execute(ctx, "SET client_encoding TO '"+ExpectedEncoding+"'"); err != nil {
		h.log.Warn("Setting client encoding failed", "error", err)
	}
	if encoding != ExpectedEncoding {
		h.log.Warn("Database encoding differs from the expected encoding",
			"encoding", encoding, "expected", ExpectedEncoding)
	}
}

// reconnect resets the connection in place and reapplies the session
// defaults. Caller holds h.mu.
func (h *Handle) reconnect(ctx context.Context, reason string) bool {
	h.stats.Reconnects++
	if err := h.conn.Reset(ctx); err != nil {
		h.state = StateFailed
		h.log.Error("Reconnect failed", "reason", reason, "error", err)
		metrics.Reconnects.WithLabelValues(reason, "failed").Inc()
		return false
	}
	h.state = StateOpen
	if err := h.applySessionDefaults(ctx); err != nil {
		h.log.Error("Reconnected but session setup failed", "reason", reason, "error", err)
		metrics.Reconnects.WithLabelValues(reason, "failed").Inc()
		return false
	}
	h.log.Info("Reconnected", "reason", reason)
	metrics.Reconnects.WithLabelValues(reason, "ok").Inc()
	return true
}

// close ends a streaming batch and drops the connection. Caller holds h.mu.
func (h *Handle) close(ctx context.Context) error {
	if h.state == StateClosed {
		return nil
	}
	if h.batch != nil {
		s := h.batch.stream
		h.batch = nil
		if err := s.PutEnd("catalog connection closed"); err == nil {
			s.Result(ctx)
		}
	}
	err := h.closeConn(ctx)
	h.state = StateClosed
	h.view = nil
	h.log.Info("Catalog connection closed")
	return err
}

func (h *Handle) closeConn(ctx context.Context) error {
	if h.conn == nil {
		return nil
	}
	conn := h.conn
	h.conn = nil
	return conn.Close(ctx)
}

// usable rejects operations on closed handles and during batch streaming.
// Caller holds h.mu.
func (h *Handle) usable() error {
	if h.state == StateClosed || h.conn == nil {
		return ErrHandleClosed
	}
	if h.batch != nil {
		return ErrBatchActive
	}
	return nil
}

// Validate checks the connection with SELECT 1. A failed check triggers one
// reset, after which the check is repeated.
func (h *Handle) Validate(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateClosed || h.conn == nil {
		return false
	}
	if h.batch != nil {
		return h.healthy
	}

	ok := h.ping(ctx)
	if !ok && h.reconnect(ctx, "validate") {
		ok = h.ping(ctx)
	}
	h.healthy = ok
	gauge := 0.0
	if ok {
		gauge = 1
	}
	metrics.HandleHealthy.WithLabelValues(h.cfg.Name).Set(gauge)
	return ok
}

func (h *Handle) ping(ctx context.Context) bool {
	_, err := h.execute(ctx, "SELECT 1")
	return err == nil
}

// Escape escapes text for use inside a quoted literal. Faults are logged
// and the best-effort rendering is returned.
func (h *Handle) Escape(s string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.conn == nil {
		return s
	}
	out, err := h.conn.EscapeString(s)
	if err != nil {
		h.log.Error("Escaping string failed", "error", err)
	}
	return out
}

// EscapeBinary renders binary data for use inside a quoted literal.
func (h *Handle) EscapeBinary(b []byte) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.conn == nil {
		return ""
	}
	out, err := h.conn.EscapeBytea(b)
	if err != nil {
		h.log.Error("Escaping binary data failed", "error", err)
	}
	return out
}

// UnescapeBinary decodes binary data returned in text form.
func (h *Handle) UnescapeBinary(s string) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.conn == nil {
		return nil
	}
	out, err := h.conn.UnescapeBytea(s)
	if err != nil {
		h.log.Error("Unescaping binary data failed", "error", err)
	}
	return out
}

// ID identifies the handle in logs.
func (h *Handle) ID() uuid.UUID { return h.id }

// Config returns the configuration the handle was opened with.
func (h *Handle) Config() Config { return h.cfg }

func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// ErrorMessage returns the text of the last failure, empty after a
// successful statement.
func (h *Handle) ErrorMessage() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.errmsg
}

// AffectedRows returns the row count of the last successful statement.
func (h *Handle) AffectedRows() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.affected
}

// InTransaction reports whether an explicit transaction is open.
func (h *Handle) InTransaction() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.txActive
}

// Changes returns the change counter of the current transaction.
func (h *Handle) Changes() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.changes
}

// BatchActive reports whether a batch session is streaming.
func (h *Handle) BatchActive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.batch != nil
}

// Healthy returns the outcome of the last validation.
func (h *Handle) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthy
}

func (h *Handle) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

// FieldIsNumeric reports whether a column type holds numbers.
func (h *Handle) FieldIsNumeric(typeOID uint32) bool {
	return h.driver.IsNumericType(typeOID)
}

// FieldIsNotNull reports whether column flags mark it NOT NULL.
func (h *Handle) FieldIsNotNull(flags int) bool {
	return h.driver.IsNotNull(flags)
}
