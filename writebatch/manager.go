// Package writebatch spools attribute records from concurrent producers and
// loads them per job through a catalog batch session.
package writebatch

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mevdschee/tqcatalog/catalog"
)

// Loader is the part of a catalog handle a load needs
type Loader interface {
	BeginAttributeBatch(ctx context.Context) error
	InsertAttributeRow(ctx context.Context, rec catalog.AttributesRecord) error
	EndAttributeBatch(ctx context.Context, errMarker string) error
	Exec(ctx context.Context, stmt string) error
	EndTransaction(ctx context.Context, cache catalog.AttributeCache) error
}

// Manager groups records by job and loads each group once it is full or its
// delay has passed
type Manager struct {
	groups sync.Map // map[string]*Group
	config Config
	loader Loader
	log    *slog.Logger

	// loadMu serializes loads, a handle runs one batch session at a time
	loadMu sync.Mutex
	// closeMu is held shared by enqueues and loads, exclusively by Close
	closeMu sync.RWMutex

	currentDelay atomic.Int64 // in microseconds
	opsPerSecond atomic.Uint64
	opsCount     atomic.Uint64
	windowStart  atomic.Int64 // unix nanoseconds
	closed       atomic.Bool
}

// New creates a new spooler loading through loader
func New(loader Loader, config Config) *Manager {
	m := &Manager{
		loader: loader,
		config: config,
		log:    slog.Default().With(slog.String("component", "writebatch")),
	}
	m.currentDelay.Store(int64(config.InitialDelayMs * 1000))
	m.windowStart.Store(time.Now().UnixNano())
	return m
}

// Enqueue adds a record to the group of its job and waits for the load
// that carries it
func (m *Manager) Enqueue(ctx context.Context, rec catalog.AttributesRecord) Result {
	m.closeMu.RLock()
	if m.closed.Load() {
		m.closeMu.RUnlock()
		return Result{Error: ErrManagerClosed}
	}

	req := &Request{
		Record:     rec,
		ResultChan: make(chan Result, 1),
		EnqueuedAt: time.Now(),
	}
	key := strconv.FormatUint(uint64(rec.JobID), 10)

	// Get or create the group of this job
	v, _ := m.groups.LoadOrStore(key, &Group{
		Key:       key,
		Requests:  make([]*Request, 0, min(m.config.MaxBatchSize, 64)),
		FirstSeen: time.Now(),
	})
	group := v.(*Group)

	group.mu.Lock()
	if group.Requests == nil {
		// Claimed by a load after our lookup
		group.mu.Unlock()
		m.closeMu.RUnlock()
		return m.Enqueue(ctx, rec)
	}
	isFirst := len(group.Requests) == 0
	group.Requests = append(group.Requests, req)

	switch {
	case len(group.Requests) >= m.config.MaxBatchSize:
		// Group full - load now on the producer that filled it
		if group.timer != nil {
			group.timer.Stop()
		}
		group.mu.Unlock()
		m.loadGroup(group)
	case isFirst:
		delay := time.Duration(m.currentDelay.Load()) * time.Microsecond
		group.timer = time.AfterFunc(delay, func() {
			m.executeBatch(group)
		})
		group.mu.Unlock()
	default:
		group.mu.Unlock()
	}
	m.closeMu.RUnlock()

	timeout := time.NewTimer(m.config.Timeout)
	defer timeout.Stop()

	select {
	case result := <-req.ResultChan:
		return result
	case <-ctx.Done():
		return Result{Error: ctx.Err()}
	case <-timeout.C:
		return Result{Error: ErrTimeout}
	}
}

// Pending returns the number of records waiting for a load
func (m *Manager) Pending() int {
	n := 0
	m.groups.Range(func(_, v any) bool {
		g := v.(*Group)
		g.mu.Lock()
		n += len(g.Requests)
		g.mu.Unlock()
		return true
	})
	return n
}

// SetDelay updates the current delay for new groups
func (m *Manager) SetDelay(delayMicros int64) {
	m.currentDelay.Store(delayMicros)
}

// GetDelay returns the current delay in microseconds
func (m *Manager) GetDelay() int64 {
	return m.currentDelay.Load()
}

// Close rejects new records, loads every pending group and waits for
// running loads to finish
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	m.groups.Range(func(_, v any) bool {
		g := v.(*Group)
		g.mu.Lock()
		if g.timer != nil {
			g.timer.Stop()
		}
		g.mu.Unlock()
		m.loadGroup(g)
		return true
	})
	return nil
}
