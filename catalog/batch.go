package catalog

import (
	"context"
	"errors"
	"strconv"

	"github.com/mevdschee/tqcatalog/backend"
	"github.com/mevdschee/tqcatalog/copyline"
	"github.com/mevdschee/tqcatalog/metrics"
)

// BatchTable is the temporary relation a batch session loads into.
const BatchTable = "batch"

const createBatchTable = "CREATE TEMPORARY TABLE batch (" +
	"FileIndex int," +
	"JobId int," +
	"Path varchar," +
	"Name varchar," +
	"LStat varchar," +
	"Md5 varchar," +
	"DeltaSeq smallint," +
	"Fhinfo NUMERIC(20)," +
	"Fhnode NUMERIC(20))"

// AttributesRecord is one file attribute row of a backup job.
type AttributesRecord struct {
	FileIndex uint32
	JobID     uint32
	Path      string
	Name      string
	Attr      string // encoded stat blob
	Digest    string
	DeltaSeq  uint32
	Fhinfo    uint64
	Fhnode    uint64
}

// AppendBatchLine appends rec as one COPY text line of the batch table.
// Path and Name are escaped, an empty digest is written as "0".
func AppendBatchLine(dst []byte, rec AttributesRecord) []byte {
	dst = strconv.AppendUint(dst, uint64(rec.FileIndex), 10)
	dst = append(dst, copyline.Delimiter)
	dst = strconv.AppendUint(dst, uint64(rec.JobID), 10)
	dst = append(dst, copyline.Delimiter)
	dst = copyline.AppendEscaped(dst, rec.Path)
	dst = append(dst, copyline.Delimiter)
	dst = copyline.AppendEscaped(dst, rec.Name)
	dst = append(dst, copyline.Delimiter)
	dst = append(dst, rec.Attr...)
	dst = append(dst, copyline.Delimiter)
	if rec.Digest == "" {
		dst = append(dst, '0')
	} else {
		dst = append(dst, rec.Digest...)
	}
	dst = append(dst, copyline.Delimiter)
	dst = strconv.AppendUint(dst, uint64(rec.DeltaSeq), 10)
	dst = append(dst, copyline.Delimiter)
	dst = strconv.AppendUint(dst, rec.Fhinfo, 10)
	dst = append(dst, copyline.Delimiter)
	dst = strconv.AppendUint(dst, rec.Fhnode, 10)
	return append(dst, copyline.Terminator)
}

type batchSession struct {
	stream backend.CopyStream
	line   []byte
	rows   int64
}

// BeginAttributeBatch creates the batch table and opens a COPY stream into
// it. Until EndAttributeBatch every other statement on the handle is
// rejected with ErrBatchActive.
//
// The batch table is a session temporary table and survives
// EndAttributeBatch, so the caller must drop it (DROP TABLE batch) after
// merging the rows before the next session on the same handle, otherwise
// the CREATE fails. The writebatch spooler does this with its Cleanup
// statement.
func (h *Handle) BeginAttributeBatch(ctx context.Context) error {
	if h.cfg.DisableBatchInsert {
		return ErrBatchDisabled
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.usable(); err != nil {
		return err
	}
	if h.inTransaction() {
		return ErrTransactionActive
	}

	if _, err := h.execute(ctx, createBatchTable); err != nil {
		return &BatchError{Op: "start", Attempts: 1, Err: err}
	}
	stream, attempts, err := h.copyIn(ctx)
	if err != nil {
		h.errmsg = err.Error()
		metrics.BatchSessions.WithLabelValues("failed").Inc()
		return &BatchError{Op: "start", Attempts: attempts, Err: err}
	}
	h.batch = &batchSession{stream: stream}
	h.log.Debug("Batch session started")
	return nil
}

func (h *Handle) copyIn(ctx context.Context) (backend.CopyStream, int, error) {
	var err error
	for attempt := 1; attempt <= DispatchAttempts; attempt++ {
		if attempt > 1 {
			h.stats.DispatchRetries++
			metrics.DispatchRetries.Inc()
			h.sleep(DispatchRetryDelay)
		}
		var stream backend.CopyStream
		stream, err = h.conn.CopyIn(ctx, BatchTable, nil)
		if err == nil {
			return stream, attempt, nil
		}
		if !errors.Is(err, backend.ErrDispatch) {
			return nil, attempt, err
		}
		h.log.Warn("Starting batch copy failed", "attempt", attempt, "error", err)
	}
	return nil, DispatchAttempts, err
}

// InsertAttributeRow streams one record into the batch session.
func (h *Handle) InsertAttributeRow(ctx context.Context, rec AttributesRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.batch == nil {
		return ErrBatchNotActive
	}
	s := h.batch
	s.line = AppendBatchLine(s.line[:0], rec)

	attempts, err := retryStream(func() error { return s.stream.PutData(s.line) })
	if err != nil {
		h.errmsg = err.Error()
		h.log.Error("Batch insert failed", "attempts", attempts, "error", err)
		return &BatchError{Op: "insert", Attempts: attempts, Err: err}
	}
	s.rows++
	h.changes++
	metrics.BatchRows.Inc()
	return nil
}

// EndAttributeBatch terminates the COPY stream. A non-empty errMarker aborts
// the load. Anything but a successful acknowledgement from the server,
// including the acknowledgement of an abort, is returned as a BatchError.
// The session is over in either case.
func (h *Handle) EndAttributeBatch(ctx context.Context, errMarker string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.batch == nil {
		return ErrBatchNotActive
	}
	s := h.batch
	h.batch = nil

	attempts, err := retryStream(func() error { return s.stream.PutEnd(errMarker) })
	if err != nil {
		return h.batchFailed(&BatchError{Op: "end", Attempts: attempts, Err: err})
	}
	res, err := s.stream.Result(ctx)
	if err != nil {
		return h.batchFailed(&BatchError{Op: "end", Attempts: attempts, Err: err})
	}
	if !res.Status.OK() {
		cause := res.Err
		if cause == nil {
			cause = errors.New(res.Status.String())
		}
		return h.batchFailed(&BatchError{Op: "end", Attempts: attempts, Err: cause})
	}

	h.errmsg = ""
	h.affected = res.RowsAffected
	metrics.BatchSessions.WithLabelValues("ok").Inc()
	h.log.Debug("Batch session ended", "rows", s.rows)
	return nil
}

func (h *Handle) batchFailed(err *BatchError) error {
	h.errmsg = err.Error()
	metrics.BatchSessions.WithLabelValues("failed").Inc()
	h.log.Error("Batch session failed", "error", err)
	return err
}

// retryStream calls put until it stops reporting backpressure, at most
// StreamAttempts times.
func retryStream(put func() error) (int, error) {
	var err error
	for attempt := 1; attempt <= StreamAttempts; attempt++ {
		err = put()
		if !errors.Is(err, backend.ErrWouldBlock) {
			return attempt, err
		}
	}
	return StreamAttempts, err
}
