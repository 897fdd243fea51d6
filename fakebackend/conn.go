package fakebackend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/mevdschee/tqcatalog/backend"
)

// Conn is a fake connection bound to its Backend.
type Conn struct {
	b      *Backend
	types  *pgtype.Map
	closed bool
}

func (c *Conn) Exec(ctx context.Context, stmt string) (*backend.Result, error) {
	if c.closed {
		return &backend.Result{Status: backend.StatusFatal, Err: errors.New("fakebackend: connection is closed")}, nil
	}
	return c.b.handle(stmt)
}

func (c *Conn) Reset(ctx context.Context) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.resets++
	return c.b.resetErr
}

func (c *Conn) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.closes++
	return nil
}

func (c *Conn) EscapeString(s string) (string, error) {
	var err error
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
		err = ErrNulInString
	}
	return strings.ReplaceAll(s, "'", "''"), err
}

func (c *Conn) EscapeBytea(b []byte) (string, error) {
	buf, err := c.types.Encode(pgtype.ByteaOID, pgtype.TextFormatCode, b, nil)
	return string(buf), err
}

func (c *Conn) UnescapeBytea(s string) ([]byte, error) {
	var out []byte
	err := c.types.Scan(pgtype.ByteaOID, pgtype.TextFormatCode, []byte(s), &out)
	return out, err
}

// CopyRecord is what one COPY session received.
type CopyRecord struct {
	Table    string
	Columns  []string
	Data     []byte
	Ended    bool
	AbortMsg string
}

// Lines splits the received data into lines without terminators.
func (r CopyRecord) Lines() []string {
	data := bytes.TrimSuffix(r.Data, []byte{'\n'})
	if len(data) == 0 {
		return nil
	}
	return strings.Split(string(data), "\n")
}

func (c *Conn) CopyIn(ctx context.Context, table string, columns []string) (backend.CopyStream, error) {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queryCalled[normalize("COPY "+table+" FROM STDIN")]++
	if b.copyDispatchFailures > 0 {
		b.copyDispatchFailures--
		return nil, fmt.Errorf("%w: fakebackend: copy not started", backend.ErrDispatch)
	}
	rec := &CopyRecord{Table: table, Columns: columns}
	b.copies = append(b.copies, rec)
	return &copyStream{b: b, rec: rec}, nil
}

type copyStream struct {
	b   *Backend
	rec *CopyRecord
}

func (s *copyStream) PutData(data []byte) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.rec.Ended {
		return backend.ErrCopyDone
	}
	if s.b.copyBlocks > 0 {
		s.b.copyBlocks--
		return backend.ErrWouldBlock
	}
	s.rec.Data = append(s.rec.Data, data...)
	return nil
}

func (s *copyStream) PutEnd(errMsg string) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.rec.Ended {
		return backend.ErrCopyDone
	}
	if s.b.copyBlocks > 0 {
		s.b.copyBlocks--
		return backend.ErrWouldBlock
	}
	s.rec.Ended = true
	s.rec.AbortMsg = errMsg
	return nil
}

func (s *copyStream) Result(ctx context.Context) (*backend.Result, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if !s.rec.Ended {
		return nil, errors.New("fakebackend: copy result requested before end")
	}
	if s.rec.AbortMsg != "" {
		return &backend.Result{Status: backend.StatusError, Err: fmt.Errorf("COPY from stdin failed: %s", s.rec.AbortMsg)}, nil
	}
	if s.b.copyFailure != "" {
		return &backend.Result{Status: backend.StatusError, Err: errors.New(s.b.copyFailure)}, nil
	}
	n := int64(bytes.Count(s.rec.Data, []byte{'\n'}))
	return &backend.Result{Status: backend.StatusCommand, Tag: fmt.Sprintf("COPY %d", n), RowsAffected: n}, nil
}
