package writebatch

import (
	"context"
	"time"

	"github.com/mevdschee/tqcatalog/metrics"
)

// StartAdaptiveAdjustment retunes the load delay every MetricsInterval
// seconds until ctx is done.
func (m *Manager) StartAdaptiveAdjustment(ctx context.Context) {
	interval := time.Duration(max(m.config.MetricsInterval, 1)) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.adjustDelay()
		}
	}
}

func (m *Manager) adjustDelay() {
	ops := m.opsPerSecond.Load()
	delay := m.currentDelay.Load()

	metrics.SpoolOpsPerSecond.Set(float64(ops))
	metrics.SpoolCurrentDelay.Set(float64(delay) / 1000)

	next, direction := m.config.nextDelay(ops, delay)
	if next == delay {
		return
	}
	m.currentDelay.Store(next)
	metrics.SpoolDelayAdjustments.WithLabelValues(direction).Inc()
}

// nextDelay returns the delay in microseconds for a measured record rate.
// Above WriteThreshold records per second groups are held longer so each
// load carries more rows; below half of it (but not idle) they are loaded
// sooner. Results stay within [MinDelayMs, MaxDelayMs].
func (c Config) nextDelay(ops uint64, delay int64) (int64, string) {
	threshold := uint64(c.WriteThreshold)
	switch {
	case ops > threshold:
		// a zero delay grows to 1ms
		grown := max(int64(float64(delay)*c.AdaptiveStep), 1000)
		return min(grown, int64(c.MaxDelayMs)*1000), "increase"
	case ops > 0 && ops < threshold/2:
		shrunk := int64(float64(delay) / c.AdaptiveStep)
		return max(shrunk, int64(c.MinDelayMs)*1000), "decrease"
	default:
		return delay, ""
	}
}

// DelayMs returns the current load delay in milliseconds.
func (m *Manager) DelayMs() float64 {
	return float64(m.currentDelay.Load()) / 1000
}

// OpsPerSecond returns the record rate of the last full measurement window.
func (m *Manager) OpsPerSecond() uint64 {
	return m.opsPerSecond.Load()
}
