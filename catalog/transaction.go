package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mevdschee/tqcatalog/metrics"
)

// AttributeCache holds an attribute record whose write was deferred. It is
// flushed through the handle before the transaction ends.
type AttributeCache interface {
	FlushCached(ctx context.Context, h *Handle) error
}

// StartTransaction opens a transaction when the configuration allows
// transactions, committing and restarting one that grew past
// TransactionCeiling. Without transaction support it does nothing. Mutating
// statements open the transaction themselves when none is active, so an
// explicit start is only needed to group reads with them.
func (h *Handle) StartTransaction(ctx context.Context) error {
	if !h.cfg.TransactionsAllowed() {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.usable(); err != nil {
		return err
	}

	if h.txActive && h.changes > TransactionCeiling {
		return h.flushTransaction(ctx, "ceiling")
	}
	if !h.txActive {
		return h.begin(ctx)
	}
	return nil
}

// begin opens a transaction. Caller holds h.mu.
func (h *Handle) begin(ctx context.Context) error {
	if _, err := h.execute(ctx, "BEGIN"); err != nil {
		return err
	}
	h.txActive = true
	h.log.Debug("Transaction started")
	return nil
}

// EndTransaction flushes cache, then commits an open transaction. The change
// counter is reset in every case. cache may be nil.
func (h *Handle) EndTransaction(ctx context.Context, cache AttributeCache) error {
	var errs []error
	// cache writes take the handle lock themselves
	if cache != nil {
		if err := cache.FlushCached(ctx, h); err != nil {
			h.log.Error("Flushing cached attribute failed", "error", err)
			errs = append(errs, fmt.Errorf("flushing cached attribute: %w", err))
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.txActive && h.conn != nil {
		errs = append(errs, h.commit(ctx, "explicit"))
	}
	h.txActive = false
	h.changes = 0
	return errors.Join(errs...)
}

// flushTransaction commits the open transaction and begins a new one.
// Caller holds h.mu.
func (h *Handle) flushTransaction(ctx context.Context, reason string) error {
	h.stats.ImplicitFlushes++
	if err := h.commit(ctx, reason); err != nil {
		h.txActive = false
		return err
	}
	h.txActive = false
	if _, err := h.execute(ctx, "BEGIN"); err != nil {
		return err
	}
	h.txActive = true
	return nil
}

func (h *Handle) commit(ctx context.Context, reason string) error {
	changes := h.changes
	h.changes = 0
	_, err := h.execute(ctx, "COMMIT")
	if err != nil {
		return err
	}
	metrics.TransactionFlushes.WithLabelValues(reason).Inc()
	h.log.Debug("Transaction committed", "reason", reason, "changes", changes)
	return nil
}

// WriteBehind is a one-record AttributeCache: each Put writes the previously
// held record and keeps the new one.
type WriteBehind struct {
	mu      sync.Mutex
	pending *AttributesRecord
	write   func(ctx context.Context, h *Handle, rec AttributesRecord) error
}

// NewWriteBehind returns a cache that stores records with write. A nil
// write streams them into the handle's batch session.
func NewWriteBehind(write func(ctx context.Context, h *Handle, rec AttributesRecord) error) *WriteBehind {
	if write == nil {
		write = func(ctx context.Context, h *Handle, rec AttributesRecord) error {
			return h.InsertAttributeRow(ctx, rec)
		}
	}
	return &WriteBehind{write: write}
}

// Put writes the held record, if any, and holds rec in its place.
func (w *WriteBehind) Put(ctx context.Context, h *Handle, rec AttributesRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		if err := w.write(ctx, h, *w.pending); err != nil {
			return err
		}
	}
	w.pending = &rec
	return nil
}

// Pending reports whether a record is held.
func (w *WriteBehind) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending != nil
}

// FlushCached writes the held record. The record is dropped even when the
// write fails.
func (w *WriteBehind) FlushCached(ctx context.Context, h *Handle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		return nil
	}
	rec := *w.pending
	w.pending = nil
	return w.write(ctx, h, rec)
}
