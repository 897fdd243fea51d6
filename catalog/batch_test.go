package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevdschee/tqcatalog/backend"
	"github.com/mevdschee/tqcatalog/copyline"
	"github.com/mevdschee/tqcatalog/fakebackend"
)

func newBatchBackend() *fakebackend.Backend {
	fb := fakebackend.New()
	fb.AddQuery(createBatchTable, fakebackend.CommandResult("CREATE TABLE", 0))
	return fb
}

func sampleRecord(i uint32) AttributesRecord {
	return AttributesRecord{
		FileIndex: i,
		JobID:     42,
		Path:      "/srv/data/",
		Name:      "file.txt",
		Attr:      "P0A V9T EHt C GHH GHH A BAA BAA I BWDNOj BZwlgI BZwlgI A A C",
		Digest:    "d41d8cd98f00b204e9800998ecf8427e",
		DeltaSeq:  0,
		Fhinfo:    1,
		Fhnode:    2,
	}
}

func TestAppendBatchLine(t *testing.T) {
	rec := AttributesRecord{
		FileIndex: 3,
		JobID:     9,
		Path:      "/tmp/dir\twith\ttabs/",
		Name:      "new\nline\\back",
		Attr:      "P0A",
		DeltaSeq:  1,
		Fhinfo:    18446744073709551615,
		Fhnode:    7,
	}
	line := AppendBatchLine(nil, rec)
	assert.Equal(t, "3\t9\t/tmp/dir\\twith\\ttabs/\tnew\\nline\\\\back\tP0A\t0\t1\t18446744073709551615\t7\n", string(line))

	fields, err := copyline.Decode(line)
	require.NoError(t, err)
	require.Len(t, fields, 9)
	assert.Equal(t, rec.Path, fields[2].String)
	assert.Equal(t, rec.Name, fields[3].String)
	assert.Equal(t, "0", fields[5].String)
}

func TestBatchSession(t *testing.T) {
	fb := newBatchBackend()
	r, _ := newTestRegistry(fb)
	h := acquire(t, r, testConfig())
	ctx := context.Background()

	require.NoError(t, h.BeginAttributeBatch(ctx))
	assert.True(t, h.BatchActive())
	assert.Equal(t, 1, fb.GetQueryCalledNum(createBatchTable))

	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, h.InsertAttributeRow(ctx, sampleRecord(i)))
	}
	assert.Equal(t, 3, h.Changes())

	require.NoError(t, h.EndAttributeBatch(ctx, ""))
	assert.False(t, h.BatchActive())
	assert.Equal(t, int64(3), h.AffectedRows())

	copies := fb.Copies()
	require.Len(t, copies, 1)
	assert.Equal(t, BatchTable, copies[0].Table)
	assert.True(t, copies[0].Ended)
	lines := copies[0].Lines()
	require.Len(t, lines, 3)
	for i, line := range lines {
		fields, err := copyline.Decode([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, sampleRecord(uint32(i+1)).Digest, fields[5].String)
	}

	require.NoError(t, h.Exec(ctx, "SELECT 1"))
}

func TestBatchTableOutlivesSession(t *testing.T) {
	fb := fakebackend.New()
	exists := false
	fb.AddQueryFunc(createBatchTable, func(string) *backend.Result {
		if exists {
			return &backend.Result{Status: backend.StatusError, Err: errors.New(`relation "batch" already exists`)}
		}
		exists = true
		return fakebackend.CommandResult("CREATE TABLE", 0)
	})
	fb.AddQueryFunc("DROP TABLE batch", func(string) *backend.Result {
		exists = false
		return fakebackend.CommandResult("DROP TABLE", 0)
	})
	r, _ := newTestRegistry(fb)
	h := acquire(t, r, testConfig())
	ctx := context.Background()

	require.NoError(t, h.BeginAttributeBatch(ctx))
	require.NoError(t, h.InsertAttributeRow(ctx, sampleRecord(1)))
	require.NoError(t, h.EndAttributeBatch(ctx, ""))
	assert.True(t, exists)

	var berr *BatchError
	require.ErrorAs(t, h.BeginAttributeBatch(ctx), &berr)
	assert.Equal(t, "start", berr.Op)
	assert.False(t, h.BatchActive())

	require.NoError(t, h.Exec(ctx, "DROP TABLE "+BatchTable))
	require.NoError(t, h.BeginAttributeBatch(ctx))
	require.NoError(t, h.EndAttributeBatch(ctx, ""))
	assert.Len(t, fb.Copies(), 2)
}

func TestBatchBlocksOtherOperations(t *testing.T) {
	fb := newBatchBackend()
	r, _ := newTestRegistry(fb)
	h := acquire(t, r, multiConfig())
	other := acquire(t, r, multiConfig())
	ctx := context.Background()

	require.NoError(t, h.BeginAttributeBatch(ctx))

	assert.ErrorIs(t, h.Exec(ctx, "SELECT 1"), ErrBatchActive)
	assert.ErrorIs(t, h.Query(ctx, "SELECT 1", nil), ErrBatchActive)
	assert.ErrorIs(t, h.QueryLarge(ctx, "SELECT 1", func(Row) bool { return false }), ErrBatchActive)
	assert.ErrorIs(t, h.StartTransaction(ctx), ErrBatchActive)
	assert.ErrorIs(t, h.BeginAttributeBatch(ctx), ErrBatchActive)
	_, err := h.InsertWithGeneratedKey(ctx, insertPath, "Path")
	assert.ErrorIs(t, err, ErrBatchActive)
	assert.True(t, h.Validate(ctx))

	require.NoError(t, other.StartTransaction(ctx))
	require.NoError(t, other.Exec(ctx, "SELECT 1"))
	require.NoError(t, other.EndTransaction(ctx, nil))

	require.NoError(t, h.EndAttributeBatch(ctx, ""))
	require.NoError(t, h.StartTransaction(ctx))
	require.NoError(t, h.EndTransaction(ctx, nil))
}

func TestBatchOnSharedHandle(t *testing.T) {
	fb := newBatchBackend()
	r, _ := newTestRegistry(fb)
	ctx := context.Background()

	h1 := acquire(t, r, testConfig())
	h2 := acquire(t, r, testConfig())
	require.Same(t, h1, h2)
	assert.Equal(t, 2, r.Refs(h1))

	// shared handles do not run transactions, so the batch is accepted
	require.NoError(t, h1.StartTransaction(ctx))
	assert.False(t, h1.InTransaction())
	require.NoError(t, h2.BeginAttributeBatch(ctx))

	// the session belongs to the handle, both references see it
	assert.ErrorIs(t, h1.BeginAttributeBatch(ctx), ErrBatchActive)
	assert.ErrorIs(t, h1.StartTransaction(ctx), ErrBatchActive)
	assert.ErrorIs(t, h1.Exec(ctx, "SELECT 1"), ErrBatchActive)
	for i := range 3 {
		require.NoError(t, h1.InsertAttributeRow(ctx, sampleRecord(uint32(i+1))))
	}
	require.NoError(t, h2.EndAttributeBatch(ctx, ""))

	copies := fb.Copies()
	require.Len(t, copies, 1)
	assert.Len(t, copies[0].Lines(), 3)
}

func TestBatchBesideTransactionOnOtherHandle(t *testing.T) {
	fb := newBatchBackend()
	r, _ := newTestRegistry(fb)
	ctx := context.Background()

	h1 := acquire(t, r, multiConfig())
	h2 := acquire(t, r, multiConfig())
	require.NotSame(t, h1, h2)
	assert.Equal(t, 1, r.Refs(h1))

	require.NoError(t, h1.StartTransaction(ctx))
	assert.ErrorIs(t, h1.BeginAttributeBatch(ctx), ErrTransactionActive)

	require.NoError(t, h2.BeginAttributeBatch(ctx))
	for i := range 3 {
		require.NoError(t, h2.InsertAttributeRow(ctx, sampleRecord(uint32(i+1))))
	}
	require.NoError(t, h2.EndAttributeBatch(ctx, ""))
	assert.True(t, h1.InTransaction())
	require.NoError(t, h1.EndTransaction(ctx, nil))

	copies := fb.Copies()
	require.Len(t, copies, 1)
	assert.Len(t, copies[0].Lines(), 3)
}

func TestBatchRejectedInTransaction(t *testing.T) {
	fb := newBatchBackend()
	r, _ := newTestRegistry(fb)
	h := acquire(t, r, multiConfig())
	ctx := context.Background()

	require.NoError(t, h.StartTransaction(ctx))
	assert.ErrorIs(t, h.BeginAttributeBatch(ctx), ErrTransactionActive)
	assert.False(t, h.BatchActive())
	assert.Equal(t, 0, fb.GetQueryCalledNum(createBatchTable))
}

func TestBatchDisabled(t *testing.T) {
	fb := newBatchBackend()
	r, _ := newTestRegistry(fb)
	cfg := testConfig()
	cfg.DisableBatchInsert = true
	h := acquire(t, r, cfg)

	assert.ErrorIs(t, h.BeginAttributeBatch(context.Background()), ErrBatchDisabled)
}

func TestBatchWithoutSession(t *testing.T) {
	fb := newBatchBackend()
	r, _ := newTestRegistry(fb)
	h := acquire(t, r, testConfig())
	ctx := context.Background()

	assert.ErrorIs(t, h.InsertAttributeRow(ctx, sampleRecord(1)), ErrBatchNotActive)
	assert.ErrorIs(t, h.EndAttributeBatch(ctx, ""), ErrBatchNotActive)
}

func TestBatchStartRetries(t *testing.T) {
	fb := newBatchBackend()
	r, rec := newTestRegistry(fb)
	h := acquire(t, r, testConfig())
	ctx := context.Background()
	before := rec.sleepCount()

	fb.FailCopyIn(3)
	require.NoError(t, h.BeginAttributeBatch(ctx))
	assert.Equal(t, 3, rec.sleepCount()-before)
	require.NoError(t, h.EndAttributeBatch(ctx, ""))
}

func TestBatchStartGivesUp(t *testing.T) {
	fb := newBatchBackend()
	r, _ := newTestRegistry(fb)
	h := acquire(t, r, testConfig())

	fb.FailCopyIn(DispatchAttempts)
	err := h.BeginAttributeBatch(context.Background())

	var berr *BatchError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "start", berr.Op)
	assert.Equal(t, DispatchAttempts, berr.Attempts)
	assert.ErrorIs(t, err, backend.ErrDispatch)
	assert.False(t, h.BatchActive())
	assert.Equal(t, DispatchAttempts, fb.GetQueryCalledNum("COPY batch FROM STDIN"))
}

func TestBatchBackpressure(t *testing.T) {
	fb := newBatchBackend()
	r, _ := newTestRegistry(fb)
	h := acquire(t, r, testConfig())
	ctx := context.Background()
	require.NoError(t, h.BeginAttributeBatch(ctx))

	fb.BlockCopy(StreamAttempts - 1)
	require.NoError(t, h.InsertAttributeRow(ctx, sampleRecord(1)))

	fb.BlockCopy(StreamAttempts)
	err := h.InsertAttributeRow(ctx, sampleRecord(2))
	var berr *BatchError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "insert", berr.Op)
	assert.Equal(t, StreamAttempts, berr.Attempts)
	assert.ErrorIs(t, err, backend.ErrWouldBlock)
	assert.True(t, h.BatchActive())

	require.NoError(t, h.EndAttributeBatch(ctx, ""))
	assert.Len(t, fb.Copies()[0].Lines(), 1)
}

func TestBatchEndFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*fakebackend.Backend)
		marker  string
		wantMsg string
	}{
		{"abort", func(*fakebackend.Backend) {}, "job canceled", "job canceled"},
		{"server error", func(fb *fakebackend.Backend) {
			fb.FailCopy(`duplicate key value violates unique constraint`)
		}, "", "duplicate key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := newBatchBackend()
			r, _ := newTestRegistry(fb)
			h := acquire(t, r, testConfig())
			ctx := context.Background()

			require.NoError(t, h.BeginAttributeBatch(ctx))
			require.NoError(t, h.InsertAttributeRow(ctx, sampleRecord(1)))
			tt.setup(fb)

			err := h.EndAttributeBatch(ctx, tt.marker)
			var berr *BatchError
			require.ErrorAs(t, err, &berr)
			assert.Equal(t, "end", berr.Op)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.False(t, h.BatchActive())
			assert.NotEmpty(t, h.ErrorMessage())
			assert.Equal(t, tt.marker, fb.Copies()[0].AbortMsg)

			require.NoError(t, h.Exec(ctx, "SELECT 1"))
		})
	}
}

func TestReleaseEndsActiveBatch(t *testing.T) {
	fb := newBatchBackend()
	r, _ := newTestRegistry(fb)
	ctx := context.Background()
	h, err := r.Acquire(ctx, testConfig())
	require.NoError(t, err)
	require.NoError(t, h.BeginAttributeBatch(ctx))

	require.NoError(t, r.Release(ctx, h))
	copies := fb.Copies()
	require.Len(t, copies, 1)
	assert.True(t, copies[0].Ended)
	assert.NotEmpty(t, copies[0].AbortMsg)
	assert.Equal(t, 1, fb.Closes())
}

func TestWriteBehindIntoBatch(t *testing.T) {
	fb := newBatchBackend()
	r, _ := newTestRegistry(fb)
	h := acquire(t, r, testConfig())
	ctx := context.Background()
	require.NoError(t, h.BeginAttributeBatch(ctx))

	cache := NewWriteBehind(nil)
	require.NoError(t, cache.Put(ctx, h, sampleRecord(1)))
	require.NoError(t, cache.Put(ctx, h, sampleRecord(2)))
	require.NoError(t, cache.FlushCached(ctx, h))
	require.NoError(t, h.EndAttributeBatch(ctx, ""))

	assert.Len(t, fb.Copies()[0].Lines(), 2)
}
