// Package postgres is the reference catalog backend. It speaks the
// PostgreSQL protocol through pgconn, the low level layer of pgx, which
// exposes the simple query protocol, command tags and COPY directly.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/mevdschee/tqcatalog/backend"
)

// DriverName is the name the backend registers under.
const DriverName = "postgresql"

const (
	defaultCopyWait   = time.Second
	defaultCopyBuffer = 256
)

func init() {
	backend.Register(DriverName, &Driver{})
}

// Driver opens pgconn connections.
type Driver struct {
	// CopyWait is how long a COPY write waits for the sender before it
	// reports backpressure. Zero means one second.
	CopyWait time.Duration
	// CopyBuffer is the number of COPY chunks queued ahead of the sender.
	CopyBuffer int
}

// Open dials the server described by p.
func (d *Driver) Open(ctx context.Context, p backend.Params) (backend.Conn, error) {
	cfg, err := pgconn.ParseConfig(ConnString(p))
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid connection parameters: %w", err)
	}
	pc, err := pgconn.ConnectConfig(ctx, cfg.Copy())
	if err != nil {
		return nil, err
	}
	return &Conn{
		pg:         pc,
		cfg:        cfg,
		types:      pgtype.NewMap(),
		copyWait:   d.copyWait(),
		copyBuffer: d.copyBuffer(),
	}, nil
}

func (d *Driver) copyWait() time.Duration {
	if d.CopyWait > 0 {
		return d.CopyWait
	}
	return defaultCopyWait
}

func (d *Driver) copyBuffer() int {
	if d.CopyBuffer > 0 {
		return d.CopyBuffer
	}
	return defaultCopyBuffer
}

// IsNumericType reports integer and floating point column types. NUMERIC is
// left out on purpose, its text form is not a plain machine number.
func (d *Driver) IsNumericType(typeOID uint32) bool {
	switch typeOID {
	case pgtype.Int8OID, pgtype.Int2OID, pgtype.Int4OID, pgtype.Float4OID, pgtype.Float8OID:
		return true
	}
	return false
}

// IsNotNull reports the not null flag.
func (d *Driver) IsNotNull(flags int) bool {
	return flags == 1
}

// ConnString renders p as a keyword/value connection string. A socket path
// takes precedence over the address.
func ConnString(p backend.Params) string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+quoteValue(v))
		}
	}
	host := p.Address
	if p.Socket != "" {
		host = p.Socket
	}
	add("host", host)
	if p.Port > 0 {
		add("port", strconv.Itoa(p.Port))
	}
	add("dbname", p.Name)
	add("user", p.User)
	add("password", p.Password)
	return strings.Join(parts, " ")
}

func quoteValue(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// Conn is one pgconn connection.
type Conn struct {
	pg         *pgconn.PgConn
	cfg        *pgconn.Config
	types      *pgtype.Map
	copyWait   time.Duration
	copyBuffer int
}

// Exec runs stmt through the simple query protocol. When stmt holds several
// statements the last result is returned, unless an earlier one failed.
func (c *Conn) Exec(ctx context.Context, stmt string) (*backend.Result, error) {
	if c.pg == nil || c.pg.IsClosed() {
		return &backend.Result{Status: backend.StatusFatal, Err: errors.New("connection is closed")}, nil
	}

	var res *backend.Result
	mrr := c.pg.Exec(ctx, stmt)
	for mrr.NextResult() {
		rr := mrr.ResultReader()
		fds := append([]pgconn.FieldDescription(nil), rr.FieldDescriptions()...)
		r := rr.Read()
		if r.Err != nil {
			if res == nil || res.Err == nil {
				res = c.failure(r.Err)
			}
			continue
		}
		if res != nil && res.Err != nil {
			continue
		}
		res = convert(fds, r)
	}
	err := mrr.Close()

	if err != nil && (res == nil || res.Err == nil) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if pgconn.SafeToRetry(err) && !c.pg.IsClosed() {
			return nil, fmt.Errorf("%w: %v", backend.ErrDispatch, err)
		}
		res = c.failure(err)
	}
	if res == nil {
		// empty query string
		res = &backend.Result{Status: backend.StatusCommand}
	}
	return res, nil
}

func convert(fds []pgconn.FieldDescription, r *pgconn.Result) *backend.Result {
	res := &backend.Result{
		Status:       backend.StatusCommand,
		Rows:         r.Rows,
		RowsAffected: r.CommandTag.RowsAffected(),
		Tag:          r.CommandTag.String(),
	}
	if len(fds) > 0 {
		res.Status = backend.StatusTuples
		res.Fields = make([]backend.Field, len(fds))
		for i, fd := range fds {
			res.Fields[i] = backend.Field{Name: fd.Name, TypeOID: fd.DataTypeOID}
		}
	}
	return res
}

// failure classifies err. Lost connections and server errors that end the
// session are fatal, everything else is an ordinary statement error.
func (c *Conn) failure(err error) *backend.Result {
	return &backend.Result{Status: classify(err, c.pg.IsClosed()), Err: err}
}

func classify(err error, closed bool) backend.Status {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if backend.IsFatalError(pgErr.Severity, pgErr.Code) {
			return backend.StatusFatal
		}
		return backend.StatusError
	}
	var netErr net.Error
	if closed || errors.As(err, &netErr) {
		return backend.StatusFatal
	}
	return backend.StatusError
}

// Reset drops the connection and dials again with the original config.
func (c *Conn) Reset(ctx context.Context) error {
	if c.pg != nil {
		_ = c.pg.Close(ctx)
	}
	pc, err := pgconn.ConnectConfig(ctx, c.cfg.Copy())
	if err != nil {
		c.pg = nil
		return err
	}
	c.pg = pc
	return nil
}

// Close terminates the session.
func (c *Conn) Close(ctx context.Context) error {
	if c.pg == nil {
		return nil
	}
	pc := c.pg
	c.pg = nil
	return pc.Close(ctx)
}
