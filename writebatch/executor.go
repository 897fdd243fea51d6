package writebatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mevdschee/tqcatalog/metrics"
)

// executeBatch loads a group whose delay has passed
func (m *Manager) executeBatch(group *Group) {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	m.loadGroup(group)
}

// loadGroup claims the requests of group, loads them and answers every
// producer with the outcome. Caller holds closeMu.
func (m *Manager) loadGroup(group *Group) {
	group.mu.Lock()
	requests := group.Requests
	firstSeen := group.FirstSeen
	group.Requests = nil
	// New records for this job start a fresh group
	m.groups.CompareAndDelete(group.Key, group)
	group.mu.Unlock()

	batchSize := len(requests)
	if batchSize == 0 {
		return
	}

	metrics.SpoolBatchSize.Observe(float64(batchSize))
	metrics.SpoolBatchDelay.Observe(time.Since(firstSeen).Seconds())
	batchStart := time.Now()

	// a load serves many producers, none of their contexts applies
	err := m.load(context.Background(), requests)

	metrics.SpoolBatchLatency.Observe(time.Since(batchStart).Seconds())
	result := Result{Rows: int64(batchSize), Error: err}
	if err != nil {
		result.Rows = 0
		metrics.SpoolRecords.WithLabelValues("failed").Add(float64(batchSize))
		m.log.Error("Attribute load failed", "job", group.Key, "records", batchSize, "error", err)
	} else {
		metrics.SpoolRecords.WithLabelValues("ok").Add(float64(batchSize))
		m.log.Debug("Attribute load done", "job", group.Key, "records", batchSize)
	}
	for _, req := range requests {
		req.ResultChan <- result
	}

	m.updateThroughput(batchSize)
}

// load streams records through one batch session and merges the batch
// table into the catalog
func (m *Manager) load(ctx context.Context, requests []*Request) error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	err := m.stream(ctx, requests)
	if err == nil {
		for _, stmt := range m.config.Merge {
			if err = m.loader.Exec(ctx, stmt); err != nil {
				err = fmt.Errorf("merging batch: %w", err)
				break
			}
		}
	}
	if m.config.Cleanup != "" {
		if cerr := m.loader.Exec(ctx, m.config.Cleanup); cerr != nil {
			m.log.Warn("Batch cleanup failed", "error", cerr)
		}
	}
	// merge inserts open a transaction on handles that allow them; the next
	// batch session can only start once it is committed
	if terr := m.loader.EndTransaction(ctx, nil); terr != nil && err == nil {
		err = fmt.Errorf("committing merge: %w", terr)
	}
	return err
}

func (m *Manager) stream(ctx context.Context, requests []*Request) error {
	if err := m.loader.BeginAttributeBatch(ctx); err != nil {
		return err
	}
	for _, req := range requests {
		if err := m.loader.InsertAttributeRow(ctx, req.Record); err != nil {
			return errors.Join(err, m.loader.EndAttributeBatch(ctx, "attribute insert failed"))
		}
	}
	return m.loader.EndAttributeBatch(ctx, "")
}

// updateThroughput counts loaded records and refreshes the per second rate
// once a second has passed
func (m *Manager) updateThroughput(n int) {
	m.opsCount.Add(uint64(n))
	now := time.Now().UnixNano()
	start := m.windowStart.Load()
	elapsed := time.Duration(now - start)
	if elapsed < time.Second {
		return
	}
	if m.windowStart.CompareAndSwap(start, now) {
		ops := m.opsCount.Swap(0)
		m.opsPerSecond.Store(uint64(float64(ops) / elapsed.Seconds()))
	}
}
