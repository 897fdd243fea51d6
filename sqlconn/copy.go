package sqlconn

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"

	"github.com/mevdschee/tqcatalog/backend"
	"github.com/mevdschee/tqcatalog/copyline"
)

// CopyIn opens a load into table. Lines handed to PutData are decoded from
// COPY text and fed to a prepared statement: a COPY FROM STDIN statement for
// lib/pq, a plain INSERT otherwise. The load runs inside its own
// transaction unless one is already open on the connection.
func (c *Conn) CopyIn(ctx context.Context, table string, columns []string) (backend.CopyStream, error) {
	if c.conn == nil {
		return nil, sql.ErrConnDone
	}
	_, beginErr := c.conn.ExecContext(ctx, "BEGIN")

	var query string
	switch {
	case c.useCopy && len(columns) > 0:
		query = pq.CopyIn(table, columns...)
	case c.useCopy:
		query = "COPY " + table + " FROM STDIN"
	}

	s := &copyStream{
		ctx:     context.WithoutCancel(ctx),
		conn:    c.conn,
		table:   table,
		columns: columns,
		ownTx:   beginErr == nil,
		useCopy: c.useCopy,
	}
	if query != "" {
		stmt, err := c.conn.PrepareContext(ctx, query)
		if err != nil {
			s.rollback()
			return nil, err
		}
		s.stmt = stmt
	}
	return s, nil
}

// copyStream is synchronous; it never reports backpressure.
type copyStream struct {
	ctx     context.Context
	conn    *sql.Conn
	table   string
	columns []string
	ownTx   bool
	useCopy bool

	stmt    *sql.Stmt
	partial []byte
	rows    int64
	err     error
	ended   bool
	result  *backend.Result
}

func (s *copyStream) PutData(data []byte) error {
	if s.ended {
		return backend.ErrCopyDone
	}
	if s.err != nil {
		return s.err
	}
	s.partial = append(s.partial, data...)
	for {
		i := bytes.IndexByte(s.partial, copyline.Terminator)
		if i < 0 {
			return nil
		}
		line := s.partial[:i+1]
		if err := s.putLine(line); err != nil {
			s.err = err
			return err
		}
		s.partial = s.partial[i+1:]
	}
}

func (s *copyStream) putLine(line []byte) error {
	fields, err := copyline.Decode(line)
	if err != nil {
		return err
	}
	args := make([]any, len(fields))
	for i, f := range fields {
		if f.Valid {
			args[i] = f.String
		}
	}
	if s.stmt == nil {
		if s.stmt, err = s.conn.PrepareContext(s.ctx, s.insertSQL(len(fields))); err != nil {
			return err
		}
	}
	if _, err := s.stmt.ExecContext(s.ctx, args...); err != nil {
		return err
	}
	s.rows++
	return nil
}

func (s *copyStream) insertSQL(n int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(s.table)
	if len(s.columns) > 0 {
		b.WriteString(" (" + strings.Join(s.columns, ", ") + ")")
	}
	b.WriteString(" VALUES (")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('?')
	}
	b.WriteString(")")
	return b.String()
}

func (s *copyStream) PutEnd(errMsg string) error {
	if s.ended {
		return backend.ErrCopyDone
	}
	s.ended = true
	if errMsg == "" && s.err == nil && len(s.partial) > 0 {
		s.err = errors.New("sqlconn: copy data ends with an unterminated line")
	}

	switch {
	case errMsg != "":
		s.abort(errors.New(errMsg))
	case s.err != nil:
		s.abort(s.err)
	default:
		s.finish()
	}
	return nil
}

func (s *copyStream) finish() {
	affected := s.rows
	if s.useCopy && s.stmt != nil {
		// an argument-less Exec flushes the COPY and reports its row count
		r, err := s.stmt.ExecContext(s.ctx)
		if err != nil {
			s.abort(err)
			return
		}
		if n, err := r.RowsAffected(); err == nil {
			affected = n
		}
	}
	if s.stmt != nil {
		if err := s.stmt.Close(); err != nil {
			s.abort(err)
			return
		}
	}
	if s.ownTx {
		if _, err := s.conn.ExecContext(s.ctx, "COMMIT"); err != nil {
			s.result = &backend.Result{Status: classify(err), Err: err}
			return
		}
	}
	s.result = &backend.Result{Status: backend.StatusCommand, RowsAffected: affected}
}

func (s *copyStream) abort(cause error) {
	if s.stmt != nil {
		s.stmt.Close()
	}
	s.rollback()
	s.result = &backend.Result{Status: classify(cause), Err: cause}
}

func (s *copyStream) rollback() {
	if s.ownTx {
		s.conn.ExecContext(s.ctx, "ROLLBACK")
	}
}

func (s *copyStream) Result(ctx context.Context) (*backend.Result, error) {
	if !s.ended {
		return nil, errors.New("sqlconn: copy result requested before end")
	}
	return s.result, nil
}
