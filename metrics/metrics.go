package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueryTotal counts statements by driver, query_type and outcome status
	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqcatalog_query_total",
			Help: "Total number of catalog statements executed",
		},
		[]string{"driver", "query_type", "status"},
	)

	// QueryLatency tracks statement latency by query_type
	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tqcatalog_query_latency_seconds",
			Help:    "Catalog statement latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_type"},
	)

	// DispatchRetries counts statements that had to be dispatched again
	DispatchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tqcatalog_dispatch_retries_total",
			Help: "Total number of statement dispatch retries",
		},
	)

	// Reconnects counts reconnect cycles by reason (fatal, validate)
	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqcatalog_reconnects_total",
			Help: "Total number of connection reset cycles",
		},
		[]string{"reason", "result"},
	)

	// ConnectAttempts counts connection attempts by result
	ConnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqcatalog_connect_attempts_total",
			Help: "Total number of connection attempts",
		},
		[]string{"driver", "result"},
	)

	// TransactionFlushes counts transaction commits by reason (explicit, ceiling)
	TransactionFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqcatalog_transaction_flushes_total",
			Help: "Total number of transaction commits",
		},
		[]string{"reason"},
	)

	// BatchRows counts attribute rows streamed through batch sessions
	BatchRows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tqcatalog_batch_rows_total",
			Help: "Total number of attribute rows streamed in batch mode",
		},
	)

	// BatchSessions counts finished batch sessions by result
	BatchSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqcatalog_batch_sessions_total",
			Help: "Total number of batch sessions",
		},
		[]string{"result"},
	)

	// CursorPages counts FETCH rounds of streamed queries
	CursorPages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tqcatalog_cursor_pages_total",
			Help: "Total number of cursor fetch rounds",
		},
	)

	// OpenHandles is the number of physical connections held by registries
	OpenHandles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tqcatalog_open_handles",
			Help: "Number of open catalog connections",
		},
	)

	// HandleHealthy reports the last validation outcome per handle
	HandleHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tqcatalog_handle_healthy",
			Help: "Whether the last health check of a catalog connection succeeded",
		},
		[]string{"db"},
	)

	// SpoolBatchSize tracks records per spooled load
	SpoolBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tqcatalog_spool_batch_size",
			Help:    "Number of attribute records per spooled load",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
		},
	)

	// SpoolBatchDelay tracks how long the first record of a load waited
	SpoolBatchDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tqcatalog_spool_batch_delay_seconds",
			Help:    "Time from the first enqueued record to the start of its load",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
	)

	// SpoolBatchLatency tracks the duration of spooled loads
	SpoolBatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tqcatalog_spool_batch_latency_seconds",
			Help:    "Duration of a spooled load including the merge statements",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SpoolRecords counts spooled records by load result
	SpoolRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqcatalog_spool_records_total",
			Help: "Total number of attribute records loaded by the spooler",
		},
		[]string{"result"},
	)

	// SpoolOpsPerSecond is the measured spooler throughput
	SpoolOpsPerSecond = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tqcatalog_spool_ops_per_second",
			Help: "Spooled attribute records per second",
		},
	)

	// SpoolCurrentDelay is the flush delay in milliseconds
	SpoolCurrentDelay = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tqcatalog_spool_current_delay_ms",
			Help: "Current spooler flush delay in milliseconds",
		},
	)

	// SpoolDelayAdjustments counts delay changes by direction
	SpoolDelayAdjustments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqcatalog_spool_delay_adjustments_total",
			Help: "Total number of spooler delay adjustments",
		},
		[]string{"direction"},
	)

	once sync.Once
)

// Init registers all metrics with Prometheus
func Init() {
	once.Do(func() {
		prometheus.MustRegister(QueryTotal)
		prometheus.MustRegister(QueryLatency)
		prometheus.MustRegister(DispatchRetries)
		prometheus.MustRegister(Reconnects)
		prometheus.MustRegister(ConnectAttempts)
		prometheus.MustRegister(TransactionFlushes)
		prometheus.MustRegister(BatchRows)
		prometheus.MustRegister(BatchSessions)
		prometheus.MustRegister(CursorPages)
		prometheus.MustRegister(OpenHandles)
		prometheus.MustRegister(HandleHealthy)
		prometheus.MustRegister(SpoolBatchSize)
		prometheus.MustRegister(SpoolBatchDelay)
		prometheus.MustRegister(SpoolBatchLatency)
		prometheus.MustRegister(SpoolRecords)
		prometheus.MustRegister(SpoolOpsPerSecond)
		prometheus.MustRegister(SpoolCurrentDelay)
		prometheus.MustRegister(SpoolDelayAdjustments)
	})
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
