// Package catalog drives a catalog database through a backend: statement
// execution with retry and reconnect, cursor streaming, change-bounded
// transactions, COPY based attribute batches and reference counted
// connection sharing.
package catalog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mevdschee/tqcatalog/backend"
	"github.com/mevdschee/tqcatalog/metrics"
)

type entry struct {
	h    *Handle
	refs int
}

// Registry owns open handles and shares them between callers with matching
// parameters. The entry table exists only while at least one handle is
// registered.
type Registry struct {
	mu      sync.Mutex
	entries []*entry

	drivers map[string]backend.Driver
	sleep   Sleeper
	log     *slog.Logger
	exit    func(int)
}

// Option configures a Registry.
type Option func(*Registry)

// WithSleeper replaces time.Sleep for retry delays.
func WithSleeper(s Sleeper) Option {
	return func(r *Registry) { r.sleep = s }
}

// WithLogger sets the logger handles derive their loggers from.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithExitFunc replaces os.Exit for exit-on-fatal.
func WithExitFunc(f func(int)) Option {
	return func(r *Registry) { r.exit = f }
}

// WithDriver makes name resolve to d for this registry only, ahead of the
// drivers registered with backend.Register.
func WithDriver(name string, d backend.Driver) Option {
	return func(r *Registry) { r.drivers[name] = d }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		drivers: make(map[string]backend.Driver),
		sleep:   time.Sleep,
		log:     slog.Default(),
		exit:    os.Exit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) driver(name string) (backend.Driver, error) {
	if d, ok := r.drivers[name]; ok {
		return d, nil
	}
	return backend.Lookup(name)
}

// Acquire returns a handle for cfg. A shareable configuration reuses an
// open, non-private handle with matching driver, database name, address and
// port; otherwise a new connection is opened. Every Acquire must be paired
// with a Release.
func (r *Registry) Acquire(ctx context.Context, cfg Config) (*Handle, error) {
	if cfg.User == "" {
		return nil, ErrMissingUser
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg.Shareable() {
		for _, e := range r.entries {
			if e.h.cfg.Private || !e.h.cfg.Params.Match(cfg.Params) {
				continue
			}
			e.refs++
			e.h.log.Debug("Catalog connection reused", "refs", e.refs)
			return e.h, nil
		}
	}

	drv, err := r.driver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	h := newHandle(cfg, drv, r)
	// r.mu stays held through the connect retries so two callers never open
	// the same shareable connection twice.
	if err := h.open(ctx); err != nil {
		return nil, err
	}
	r.entries = append(r.entries, &entry{h: h, refs: 1})
	metrics.OpenHandles.Inc()
	return h, nil
}

// Release drops one reference to h. The last release ends an open
// transaction, closes the connection and unregisters the handle.
func (r *Registry) Release(ctx context.Context, h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(h)
	if idx < 0 {
		return ErrNotRegistered
	}
	e := r.entries[idx]
	e.refs--
	if e.refs > 0 {
		return nil
	}

	var errs []error
	errs = append(errs, h.EndTransaction(ctx, nil))
	h.mu.Lock()
	errs = append(errs, h.close(ctx))
	h.mu.Unlock()

	r.entries = append(r.entries[:idx], r.entries[idx+1:]...)
	if len(r.entries) == 0 {
		r.entries = nil
	}
	metrics.OpenHandles.Dec()
	return errors.Join(errs...)
}

// Close releases every handle regardless of its reference count.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	entries := r.entries
	for _, e := range entries {
		e.refs = 1
	}
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		errs = append(errs, r.Release(ctx, e.h))
	}
	return errors.Join(errs...)
}

func (r *Registry) indexOf(h *Handle) int {
	for i, e := range r.entries {
		if e.h == h {
			return i
		}
	}
	return -1
}

// Active reports whether the entry table exists.
func (r *Registry) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries != nil
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Refs returns the reference count of h, 0 when it is not registered.
func (r *Registry) Refs(h *Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx := r.indexOf(h); idx >= 0 {
		return r.entries[idx].refs
	}
	return 0
}

// Handles returns the registered handles.
func (r *Registry) Handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs := make([]*Handle, len(r.entries))
	for i, e := range r.entries {
		hs[i] = e.h
	}
	return hs
}
