package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mevdschee/tqcatalog/backend"
)

// CopyIn starts COPY table FROM STDIN. The protocol exchange runs in its own
// goroutine that drains the chunks handed to PutData.
func (c *Conn) CopyIn(ctx context.Context, table string, columns []string) (backend.CopyStream, error) {
	if c.pg == nil || c.pg.IsClosed() {
		return nil, fmt.Errorf("%w: connection is closed", backend.ErrDispatch)
	}
	sql := copySQL(table, columns)
	pg := c.pg
	run := func(r io.Reader) (pgconn.CommandTag, error) {
		return pg.CopyFrom(context.WithoutCancel(ctx), r, sql)
	}
	return newCopyStream(run, c.copyBuffer, c.copyWait, func(err error) backend.Status {
		return classify(err, pg.IsClosed())
	}), nil
}

func copySQL(table string, columns []string) string {
	if len(columns) == 0 {
		return "COPY " + table + " FROM STDIN"
	}
	return "COPY " + table + " (" + strings.Join(columns, ", ") + ") FROM STDIN"
}

type copyResult struct {
	tag pgconn.CommandTag
	err error
}

// copyStream feeds a COPY through a bounded queue. The queue is the
// backpressure point: a full queue that does not drain within wait makes
// PutData report backend.ErrWouldBlock.
type copyStream struct {
	chunks   chan []byte
	pending  []byte
	abortMsg string
	ended    bool
	wait     time.Duration
	done     chan struct{}
	result   copyResult
	classify func(error) backend.Status
}

func newCopyStream(run func(io.Reader) (pgconn.CommandTag, error), buffer int, wait time.Duration, classify func(error) backend.Status) *copyStream {
	s := &copyStream{
		chunks:   make(chan []byte, buffer),
		wait:     wait,
		done:     make(chan struct{}),
		classify: classify,
	}
	go func() {
		defer close(s.done)
		tag, err := run(s)
		s.result = copyResult{tag: tag, err: err}
	}()
	return s
}

// Read implements io.Reader for the protocol goroutine. A non-empty abort
// message turns the end of the queue into an error, which makes the sender
// fail the COPY instead of completing it.
func (s *copyStream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		chunk, ok := <-s.chunks
		if !ok {
			if s.abortMsg != "" {
				return 0, errors.New(s.abortMsg)
			}
			return 0, io.EOF
		}
		s.pending = chunk
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *copyStream) PutData(data []byte) error {
	if s.ended {
		return backend.ErrCopyDone
	}
	chunk := append([]byte(nil), data...)
	select {
	case s.chunks <- chunk:
		return nil
	default:
	}
	timer := time.NewTimer(s.wait)
	defer timer.Stop()
	select {
	case s.chunks <- chunk:
		return nil
	case <-s.done:
		if s.result.err != nil {
			return s.result.err
		}
		return backend.ErrCopyDone
	case <-timer.C:
		return backend.ErrWouldBlock
	}
}

func (s *copyStream) PutEnd(errMsg string) error {
	if s.ended {
		return backend.ErrCopyDone
	}
	s.ended = true
	s.abortMsg = errMsg
	close(s.chunks)
	return nil
}

func (s *copyStream) Result(ctx context.Context) (*backend.Result, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.result.err != nil {
		return &backend.Result{Status: s.classify(s.result.err), Err: s.result.err}, nil
	}
	return &backend.Result{
		Status:       backend.StatusCommand,
		RowsAffected: s.result.tag.RowsAffected(),
		Tag:          s.result.tag.String(),
	}, nil
}
