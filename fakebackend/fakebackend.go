// Package fakebackend provides an in-process scripted catalog backend for
// testing. It registers nothing globally; tests hand a *Backend to the
// catalog as its driver. Statements are answered from pre-configured
// results and every call is recorded. All methods are thread-safe.
package fakebackend

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/mevdschee/tqcatalog/backend"
)

// ErrNulInString is reported by EscapeString for text with a NUL byte.
var ErrNulInString = errors.New("fakebackend: string contains NUL byte")

type exprResult struct {
	queryPattern string
	expr         *regexp.Regexp
	result       *backend.Result
}

// Backend is a fake backend.Driver.
type Backend struct {
	// mu protects all the following fields.
	mu sync.Mutex

	// data maps tolower(query) to a result.
	data map[string]*backend.Result

	// funcs maps tolower(query) to a result generator.
	funcs map[string]func(stmt string) *backend.Result

	// rejected maps tolower(query) to the error text of a failing statement.
	rejected map[string]string

	// patterns are checked when no exact query matched.
	patterns []exprResult

	// fatal and dispatch hold pending injected failures per tolower(query).
	fatal    map[string]int
	dispatch map[string]int

	queryCalled   map[string]int
	patternCalled map[string]int
	querylog      []string

	neverFail bool

	openFailures int
	opens        int
	closes       int
	resets       int
	resetErr     error
	params       []backend.Params

	copyDispatchFailures int
	copyBlocks           int
	copyFailure          string
	copies               []*CopyRecord
}

// New returns a fake backend that answers the session setup a catalog
// connection performs: SET statements, transaction control, the database
// encoding query and a schema version of 2171.
func New() *Backend {
	b := &Backend{
		data:          make(map[string]*backend.Result),
		funcs:         make(map[string]func(string) *backend.Result),
		rejected:      make(map[string]string),
		fatal:         make(map[string]int),
		dispatch:      make(map[string]int),
		queryCalled:   make(map[string]int),
		patternCalled: make(map[string]int),
	}
	b.AddQueryPattern(`SET .*`, CommandResult("SET", 0))
	b.AddQuery("BEGIN", CommandResult("BEGIN", 0))
	b.AddQuery("COMMIT", CommandResult("COMMIT", 0))
	b.AddQuery("ROLLBACK", CommandResult("ROLLBACK", 0))
	b.AddQuery("SELECT 1", MakeResult([]string{"?column?"}, [][]any{{1}}))
	b.AddQuery("SELECT getdatabaseencoding()", MakeResult([]string{"getdatabaseencoding"}, [][]any{{"SQL_ASCII"}}))
	b.SetSchemaVersion(2171)
	return b
}

// SetSchemaVersion changes the answer to the schema version query.
func (b *Backend) SetSchemaVersion(v int) {
	b.AddQuery("SELECT VersionId FROM Version", MakeResult([]string{"versionid"}, [][]any{{v}}))
}

//
// Methods to add expected queries and results.
//

// AddQuery adds a query and its result.
func (b *Backend) AddQuery(q string, result *backend.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := normalize(q)
	b.data[key] = result
	delete(b.rejected, key)
}

// AddQueryFunc answers q with the result of fn, called on every execution.
func (b *Backend) AddQueryFunc(q string, fn func(stmt string) *backend.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.funcs[normalize(q)] = fn
}

// AddQueryPattern adds a result for every statement matching queryPattern.
// Patterns are anchored and case-insensitive, and are only consulted when
// no exact query matched.
func (b *Backend) AddQueryPattern(queryPattern string, result *backend.Result) {
	expr := regexp.MustCompile("(?is)^" + queryPattern + "$")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.patterns = append(b.patterns, exprResult{queryPattern: queryPattern, expr: expr, result: result})
}

// AddRejectedQuery makes q fail with an ordinary statement error.
func (b *Backend) AddRejectedQuery(q string, errMsg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejected[normalize(q)] = errMsg
}

// InjectFatal makes the next n executions of q report a fatal error.
func (b *Backend) InjectFatal(q string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fatal[normalize(q)] += n
}

// FailDispatch makes the next n executions of q fail before reaching the
// server.
func (b *Backend) FailDispatch(q string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatch[normalize(q)] += n
}

// SetNeverFail answers unknown statements with an empty command result
// instead of an error.
func (b *Backend) SetNeverFail(neverFail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.neverFail = neverFail
}

// FailOpen makes the next n Open calls fail.
func (b *Backend) FailOpen(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openFailures = n
}

// FailReset makes every Reset return err. A nil err restores success.
func (b *Backend) FailReset(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetErr = err
}

// FailCopyIn makes the next n CopyIn calls fail to dispatch.
func (b *Backend) FailCopyIn(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.copyDispatchFailures = n
}

// BlockCopy makes the next n stream writes report backpressure.
func (b *Backend) BlockCopy(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.copyBlocks = n
}

// FailCopy makes the terminal acknowledgement of every following COPY an
// error with the given text. An empty text restores success.
func (b *Backend) FailCopy(errMsg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.copyFailure = errMsg
}

//
// Methods to inspect what happened.
//

// GetQueryCalledNum returns how many times q was executed.
func (b *Backend) GetQueryCalledNum(q string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queryCalled[normalize(q)]
}

// GetPatternCalledNum returns how many times a pattern answered a statement.
func (b *Backend) GetPatternCalledNum(pattern string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.patternCalled[pattern]
}

// Queries returns every executed statement in order.
func (b *Backend) Queries() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.querylog...)
}

// ResetQueryLog clears the statement log and call counters.
func (b *Backend) ResetQueryLog() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.querylog = nil
	b.queryCalled = make(map[string]int)
	b.patternCalled = make(map[string]int)
}

// Opens returns the number of successful Open calls.
func (b *Backend) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

// Closes returns the number of connections closed.
func (b *Backend) Closes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

// Resets returns the number of Reset calls.
func (b *Backend) Resets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resets
}

// OpenedWith returns the parameters of every successful Open call.
func (b *Backend) OpenedWith() []backend.Params {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.Params(nil), b.params...)
}

// Copies returns the recorded COPY sessions.
func (b *Backend) Copies() []CopyRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CopyRecord, len(b.copies))
	for i, c := range b.copies {
		out[i] = *c
		out[i].Data = append([]byte(nil), c.Data...)
	}
	return out
}

//
// backend.Driver
//

// Open returns a new fake connection.
func (b *Backend) Open(ctx context.Context, p backend.Params) (backend.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openFailures > 0 {
		b.openFailures--
		return nil, fmt.Errorf("fakebackend: could not connect to %s", p.Name)
	}
	b.opens++
	b.params = append(b.params, p)
	return &Conn{b: b, types: pgtype.NewMap()}, nil
}

// IsNumericType reports integer and floating point types.
func (b *Backend) IsNumericType(typeOID uint32) bool {
	switch typeOID {
	case pgtype.Int8OID, pgtype.Int2OID, pgtype.Int4OID, pgtype.Float4OID, pgtype.Float8OID:
		return true
	}
	return false
}

// IsNotNull reports the not null flag.
func (b *Backend) IsNotNull(flags int) bool {
	return flags == 1
}

func (b *Backend) handle(stmt string) (*backend.Result, error) {
	key := normalize(stmt)
	b.mu.Lock()
	b.queryCalled[key]++
	b.querylog = append(b.querylog, stmt)

	if b.dispatch[key] > 0 {
		b.dispatch[key]--
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: fakebackend: connection busy", backend.ErrDispatch)
	}
	if b.fatal[key] > 0 {
		b.fatal[key]--
		b.mu.Unlock()
		return &backend.Result{Status: backend.StatusFatal, Err: errors.New("fakebackend: server closed the connection unexpectedly")}, nil
	}
	if msg, ok := b.rejected[key]; ok {
		b.mu.Unlock()
		return &backend.Result{Status: backend.StatusError, Err: errors.New(msg)}, nil
	}
	if result, ok := b.data[key]; ok {
		b.mu.Unlock()
		return result, nil
	}
	if fn, ok := b.funcs[key]; ok {
		b.mu.Unlock()
		return fn(stmt), nil
	}
	for _, pat := range b.patterns {
		if pat.expr.MatchString(strings.TrimSpace(stmt)) {
			b.patternCalled[pat.queryPattern]++
			b.mu.Unlock()
			return pat.result, nil
		}
	}
	neverFail := b.neverFail
	b.mu.Unlock()

	if neverFail {
		return CommandResult("", 0), nil
	}
	return &backend.Result{
		Status: backend.StatusError,
		Err:    fmt.Errorf("fakebackend: query '%s' is not supported", stmt),
	}, nil
}

func normalize(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

//
// Result helpers.
//

// CommandResult is a successful statement without rows.
func CommandResult(tag string, affected int64) *backend.Result {
	return &backend.Result{Status: backend.StatusCommand, Tag: tag, RowsAffected: affected}
}

// MakeResult builds a row set of text columns. A nil value is NULL, every
// other value is formatted with %v.
func MakeResult(columns []string, rows [][]any) *backend.Result {
	fields := make([]backend.Field, len(columns))
	for i, col := range columns {
		fields[i] = backend.Field{Name: col, TypeOID: pgtype.TextOID}
	}
	return MakeTypedResult(fields, rows)
}

// MakeTypedResult builds a row set with explicit field descriptions.
func MakeTypedResult(fields []backend.Field, rows [][]any) *backend.Result {
	res := &backend.Result{
		Status:       backend.StatusTuples,
		Fields:       fields,
		Rows:         make([][][]byte, len(rows)),
		RowsAffected: int64(len(rows)),
		Tag:          fmt.Sprintf("SELECT %d", len(rows)),
	}
	for i, row := range rows {
		cells := make([][]byte, len(row))
		for j, v := range row {
			if v != nil {
				cells[j] = fmt.Appendf(nil, "%v", v)
			}
		}
		res.Rows[i] = cells
	}
	return res
}
