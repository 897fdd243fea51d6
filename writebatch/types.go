package writebatch

import (
	"sync"
	"time"

	"github.com/mevdschee/tqcatalog/catalog"
)

// Request is one attribute record waiting for its load
type Request struct {
	Record     catalog.AttributesRecord
	ResultChan chan Result
	EnqueuedAt time.Time
}

// Result is the outcome of the load that carried a request
type Result struct {
	Rows  int64 // records in the load
	Error error
}

// Group holds the pending requests of one job
type Group struct {
	Key       string
	Requests  []*Request
	FirstSeen time.Time
	mu        sync.Mutex
	timer     *time.Timer
}

// Config holds configuration for the spooler
type Config struct {
	InitialDelayMs  int     // Initial delay before a group is loaded (1ms default)
	MaxDelayMs      int     // Maximum delay before a group is loaded (100ms default)
	MinDelayMs      int     // Minimum delay (0ms default)
	MaxBatchSize    int     // Maximum number of records per load (1000 default)
	WriteThreshold  int     // Records per second above which the delay grows
	AdaptiveStep    float64 // Factor the delay is multiplied or divided by
	MetricsInterval int     // Seconds between delay adjustments

	// Timeout bounds how long Enqueue waits for its load.
	Timeout time.Duration

	// Merge runs after every successful load, in order, until one fails.
	Merge []string
	// Cleanup runs after every load attempt.
	Cleanup string
}

// DefaultMerge moves the loaded attributes into the Path and File tables.
var DefaultMerge = []string{
	"INSERT INTO Path (Path) " +
		"SELECT a.Path FROM (SELECT DISTINCT Path FROM batch) AS a " +
		"WHERE NOT EXISTS (SELECT Path FROM Path WHERE Path = a.Path)",
	"INSERT INTO File (FileIndex, JobId, PathId, Name, LStat, MD5, DeltaSeq, Fhinfo, Fhnode) " +
		"SELECT batch.FileIndex, batch.JobId, Path.PathId, batch.Name, batch.LStat, batch.MD5, " +
		"batch.DeltaSeq, batch.Fhinfo, batch.Fhnode " +
		"FROM batch JOIN Path ON (batch.Path = Path.Path)",
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		InitialDelayMs:  1,
		MaxDelayMs:      100,
		MinDelayMs:      0,
		MaxBatchSize:    1000,
		WriteThreshold:  1000,
		AdaptiveStep:    1.5,
		MetricsInterval: 1,
		Timeout:         30 * time.Second,
		Merge:           DefaultMerge,
		Cleanup:         "DROP TABLE " + catalog.BatchTable,
	}
}
