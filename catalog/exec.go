package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/mevdschee/tqcatalog/backend"
	"github.com/mevdschee/tqcatalog/metrics"
	"github.com/mevdschee/tqcatalog/parser"
)

// Sleeper blocks for the given duration. Retry delays go through it; they
// are not interrupted by context cancellation.
type Sleeper func(time.Duration)

// RowHandler is called once per result row. Returning true stops the
// iteration. The row is only valid during the call.
type RowHandler func(row Row) (done bool)

// Exec runs a statement whose rows, if any, are discarded.
func (h *Handle) Exec(ctx context.Context, stmt string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.usable(); err != nil {
		return err
	}
	if err := h.beginForMutation(ctx, stmt); err != nil {
		return err
	}
	if _, err := h.execute(ctx, stmt); err != nil {
		return err
	}
	return h.countMutation(ctx, stmt)
}

// Query runs stmt and calls fn for each row in order until fn returns true.
// A nil fn only executes the statement.
func (h *Handle) Query(ctx context.Context, stmt string, fn RowHandler) error {
	return h.QueryResult(ctx, stmt, func(buf *ResultBuffer) error {
		if fn == nil {
			return nil
		}
		for row := buf.nextRow(); row != nil; row = buf.nextRow() {
			if fn(row) {
				break
			}
		}
		return nil
	})
}

// QueryResult runs stmt and passes the complete result to fn. The buffer is
// released when fn returns.
func (h *Handle) QueryResult(ctx context.Context, stmt string, fn func(*ResultBuffer) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.usable(); err != nil {
		return err
	}
	if err := h.beginForMutation(ctx, stmt); err != nil {
		return err
	}
	res, err := h.execute(ctx, stmt)
	if err != nil {
		return err
	}
	buf := newResultBuffer(res, h.view)
	err = fn(buf)
	h.view = buf.release()
	if err != nil {
		return err
	}
	return h.countMutation(ctx, stmt)
}

// beginForMutation opens a transaction ahead of the first INSERT, UPDATE or
// DELETE when the configuration allows transactions. Caller holds h.mu.
func (h *Handle) beginForMutation(ctx context.Context, stmt string) error {
	if h.txActive || !h.cfg.TransactionsAllowed() || !parser.Parse(stmt).IsMutating() {
		return nil
	}
	return h.begin(ctx)
}

// countMutation advances the change counter for INSERT, UPDATE and DELETE
// statements. Caller holds h.mu.
func (h *Handle) countMutation(ctx context.Context, stmt string) error {
	if !parser.Parse(stmt).IsMutating() {
		return nil
	}
	return h.countChange(ctx)
}

// countChange advances the change counter and restarts an open transaction
// once it grows past the ceiling. Caller holds h.mu.
func (h *Handle) countChange(ctx context.Context) error {
	h.changes++
	if h.txActive && h.changes > TransactionCeiling {
		return h.flushTransaction(ctx, "ceiling")
	}
	return nil
}

// inTransaction includes the implicit transaction of a cursor stream.
func (h *Handle) inTransaction() bool {
	return h.txActive || h.cursorTx
}

// execute runs stmt under the dispatch retry and fatal error policy.
// Caller holds h.mu.
func (h *Handle) execute(ctx context.Context, stmt string) (*backend.Result, error) {
	if h.conn == nil {
		return nil, ErrHandleClosed
	}
	p := parser.Parse(stmt)
	h.log.Debug("Executing statement", "query", stmt, "file", p.File, "line", p.Line)

	start := time.Now()
	defer func() {
		metrics.QueryLatency.WithLabelValues(p.Label()).Observe(time.Since(start).Seconds())
	}()

	reconnected := false
	for {
		h.stats.Statements++
		res, err := h.dispatch(ctx, stmt)
		if err != nil {
			h.errmsg = err.Error()
			h.affected = 0
			metrics.QueryTotal.WithLabelValues(h.cfg.Driver, p.Label(), "dispatch").Inc()
			return nil, err
		}
		metrics.QueryTotal.WithLabelValues(h.cfg.Driver, p.Label(), res.Status.String()).Inc()

		switch res.Status {
		case backend.StatusTuples, backend.StatusCommand:
			h.errmsg = ""
			h.affected = res.RowsAffected
			return res, nil

		case backend.StatusFatal:
			cause := h.setFailure(res)
			h.log.Error("Fatal catalog error", "query", stmt, "error", cause)
			if h.cfg.ExitOnFatal {
				h.log.Error("Exiting on fatal catalog error")
				h.exit(1)
			}
			if h.cfg.TryReconnect && !reconnected && !h.inTransaction() {
				reconnected = true
				if h.reconnect(ctx, "fatal") {
					continue
				}
			}
			return nil, &QueryError{Stmt: stmt, Fatal: true, Err: cause}

		default:
			cause := h.setFailure(res)
			h.log.Debug("Statement failed", "query", stmt, "error", cause)
			return nil, &QueryError{Stmt: stmt, Err: cause}
		}
	}
}

func (h *Handle) setFailure(res *backend.Result) error {
	h.affected = 0
	cause := res.Err
	if cause == nil {
		cause = errors.New(res.Status.String())
	}
	h.errmsg = cause.Error()
	return cause
}

// dispatch submits stmt, resubmitting while the backend reports that it
// could not be sent. Caller holds h.mu.
func (h *Handle) dispatch(ctx context.Context, stmt string) (*backend.Result, error) {
	var err error
	for attempt := 1; attempt <= DispatchAttempts; attempt++ {
		if attempt > 1 {
			h.stats.DispatchRetries++
			metrics.DispatchRetries.Inc()
			h.sleep(DispatchRetryDelay)
		}
		var res *backend.Result
		res, err = h.conn.Exec(ctx, stmt)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, backend.ErrDispatch) {
			return nil, err
		}
		h.log.Warn("Statement dispatch failed", "attempt", attempt, "error", err)
	}
	return nil, &DispatchError{Stmt: stmt, Attempts: DispatchAttempts, Err: err}
}
