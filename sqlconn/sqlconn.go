// Package sqlconn is a catalog backend on top of database/sql. Each
// connection is pinned with DB.Conn so session state (transactions,
// cursors, currval) behaves as on a native connection.
//
// The package registers "postgresql-pq", backed by lib/pq. Any other
// database/sql driver can be wrapped by constructing a Driver directly.
package sqlconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq"

	"github.com/mevdschee/tqcatalog/backend"
	"github.com/mevdschee/tqcatalog/parser"
	"github.com/mevdschee/tqcatalog/postgres"
)

// DriverName is the name of the lib/pq backed driver.
const DriverName = "postgresql-pq"

func init() {
	backend.Register(DriverName, &Driver{
		SQLDriver: "postgres",
		DSN:       postgres.ConnString,
		UseCopy:   true,
	})
}

// Driver adapts a database/sql driver.
type Driver struct {
	// SQLDriver is the name passed to sql.Open.
	SQLDriver string
	// DSN renders connection parameters for SQLDriver.
	DSN func(backend.Params) string
	// UseCopy loads batches with COPY FROM STDIN (lib/pq). Without it rows
	// are loaded with prepared INSERT statements.
	UseCopy bool
}

// Open opens a single pinned connection.
func (d *Driver) Open(ctx context.Context, p backend.Params) (backend.Conn, error) {
	db, err := sql.Open(d.SQLDriver, d.DSN(p))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, err
	}
	return &Conn{db: db, conn: conn, useCopy: d.UseCopy, types: pgtype.NewMap()}, nil
}

// IsNumericType reports integer and floating point types.
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

// Conn is a pinned database/sql connection.
type Conn struct {
	db      *sql.DB
	conn    *sql.Conn
	useCopy bool
	types   *pgtype.Map
}

// Exec runs stmt. Statements that produce rows go through QueryContext,
// everything else through ExecContext.
func (c *Conn) Exec(ctx context.Context, stmt string) (*backend.Result, error) {
	if c.conn == nil {
		return &backend.Result{Status: backend.StatusFatal, Err: sql.ErrConnDone}, nil
	}
	if returnsRows(stmt) {
		return c.query(ctx, stmt)
	}

	r, err := c.conn.ExecContext(ctx, stmt)
	if err != nil {
		return c.failure(ctx, err)
	}
	res := &backend.Result{Status: backend.StatusCommand}
	if n, err := r.RowsAffected(); err == nil {
		res.RowsAffected = n
	}
	return res, nil
}

func returnsRows(stmt string) bool {
	p := parser.Parse(stmt)
	if p.IsSelect() {
		return true
	}
	if p.Type == parser.QueryCursor {
		return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(p.Query)), "FETCH")
	}
	return false
}

func (c *Conn) query(ctx context.Context, stmt string) (*backend.Result, error) {
	rows, err := c.conn.QueryContext(ctx, stmt)
	if err != nil {
		return c.failure(ctx, err)
	}
	defer rows.Close()

	cols, err := rows.ColumnTypes()
	if err != nil {
		return c.failure(ctx, err)
	}
	res := &backend.Result{Status: backend.StatusTuples, Fields: make([]backend.Field, len(cols))}
	for i, ct := range cols {
		f := backend.Field{Name: ct.Name(), TypeOID: c.typeOID(ct.DatabaseTypeName())}
		if nullable, ok := ct.Nullable(); ok && !nullable {
			f.Flags = 1
		}
		res.Fields[i] = f
	}

	raw := make([]sql.RawBytes, len(cols))
	dest := make([]any, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return c.failure(ctx, err)
		}
		row := make([][]byte, len(raw))
		for i, b := range raw {
			if b != nil {
				row[i] = append([]byte{}, b...)
			}
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return c.failure(ctx, err)
	}
	res.RowsAffected = int64(len(res.Rows))
	return res, nil
}

var typeAliases = map[string]string{
	"integer":          "int8",
	"int":              "int4",
	"smallint":         "int2",
	"bigint":           "int8",
	"real":             "float8",
	"double":           "float8",
	"double precision": "float8",
	"blob":             "bytea",
	"datetime":         "timestamp",
}

// typeOID maps a driver type name onto a PostgreSQL type OID. Unknown
// names map to 0.
func (c *Conn) typeOID(name string) uint32 {
	name = strings.ToLower(name)
	if alias, ok := typeAliases[name]; ok {
		name = alias
	}
	if t, ok := c.types.TypeForName(name); ok {
		return t.OID
	}
	return 0
}

func (c *Conn) failure(ctx context.Context, err error) (*backend.Result, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return &backend.Result{Status: classify(err), Err: err}, nil
}

func classify(err error) backend.Status {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if backend.IsFatalError(pqErr.Severity, string(pqErr.Code)) {
			return backend.StatusFatal
		}
		return backend.StatusError
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return backend.StatusFatal
	}
	return backend.StatusError
}

// Reset discards the pinned connection and pins a freshly dialed one.
func (c *Conn) Reset(ctx context.Context) error {
	if c.conn != nil {
		// returning ErrBadConn makes database/sql drop the connection
		// instead of putting it back in the pool
		_ = c.conn.Raw(func(any) error { return driver.ErrBadConn })
		c.conn.Close()
		c.conn = nil
	}
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return err
	}
	c.conn = conn
	return nil
}

// Close closes the connection and its pool.
func (c *Conn) Close(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	var errs []error
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
		c.conn = nil
	}
	errs = append(errs, c.db.Close())
	c.db = nil
	return errors.Join(errs...)
}

// ErrNulInString is reported when text contains a NUL byte.
var ErrNulInString = errors.New("sqlconn: string contains NUL byte")

// EscapeString doubles single quotes. Output is cut at an embedded NUL.
func (c *Conn) EscapeString(s string) (string, error) {
	var err error
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
		err = ErrNulInString
	}
	return strings.ReplaceAll(s, "'", "''"), err
}

// EscapeBytea renders b in hex format.
func (c *Conn) EscapeBytea(b []byte) (string, error) {
	buf, err := c.types.Encode(pgtype.ByteaOID, pgtype.TextFormatCode, b, nil)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// UnescapeBytea decodes hex format bytea text.
func (c *Conn) UnescapeBytea(s string) ([]byte, error) {
	var out []byte
	if err := c.types.Scan(pgtype.ByteaOID, pgtype.TextFormatCode, []byte(s), &out); err != nil {
		return nil, fmt.Errorf("sqlconn: %w", err)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}
