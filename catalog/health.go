package catalog

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// healthCheckParallelism bounds concurrent validations per round.
	healthCheckParallelism = 4
	// DefaultHealthInterval is used when StartHealthChecks gets no usable
	// interval.
	DefaultHealthInterval = 10 * time.Second
)

// StartHealthChecks validates every registered handle now and then on each
// tick until ctx is done. A non-positive interval means
// DefaultHealthInterval.
func (r *Registry) StartHealthChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.CheckAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckAll(ctx)
		}
	}
}

// CheckAll validates every registered handle and returns how many are
// healthy.
func (r *Registry) CheckAll(ctx context.Context) int {
	handles := r.Handles()
	results := make([]bool, len(handles))

	var g errgroup.Group
	g.SetLimit(healthCheckParallelism)
	for i, h := range handles {
		g.Go(func() error {
			results[i] = h.Validate(ctx)
			if !results[i] {
				h.log.Warn("Catalog connection unhealthy")
			}
			return nil
		})
	}
	g.Wait()

	healthy := 0
	for _, ok := range results {
		if ok {
			healthy++
		}
	}
	return healthy
}

// HealthyCount returns the number of handles whose last validation
// succeeded.
func (r *Registry) HealthyCount() int {
	count := 0
	for _, h := range r.Handles() {
		if h.Healthy() {
			count++
		}
	}
	return count
}
