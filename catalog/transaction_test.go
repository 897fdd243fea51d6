package catalog

import (
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevdschee/tqcatalog/fakebackend"
)

const insertPath = "INSERT INTO Path (Path) VALUES ('/etc/')"

func multiConfig() Config {
	cfg := testConfig()
	cfg.MultipleConnections = true
	return cfg
}

func TestStartTransactionWithoutSupport(t *testing.T) {
	fb := fakebackend.New()
	r, _ := newTestRegistry(fb)
	h := acquire(t, r, testConfig())
	ctx := context.Background()

	require.NoError(t, h.StartTransaction(ctx))
	assert.False(t, h.InTransaction())
	assert.Equal(t, 0, fb.GetQueryCalledNum("BEGIN"))

	require.NoError(t, h.EndTransaction(ctx, nil))
	assert.Equal(t, 0, fb.GetQueryCalledNum("COMMIT"))
}

func TestTransactionLifecycle(t *testing.T) {
	fb := fakebackend.New()
	fb.AddQuery(insertPath, fakebackend.CommandResult("INSERT 0 1", 1))
	r, _ := newTestRegistry(fb)
	h := acquire(t, r, multiConfig())
	ctx := context.Background()

	require.NoError(t, h.StartTransaction(ctx))
	require.NoError(t, h.StartTransaction(ctx))
	assert.True(t, h.InTransaction())
	assert.Equal(t, 1, fb.GetQueryCalledNum("BEGIN"))

	require.NoError(t, h.Exec(ctx, insertPath))
	require.NoError(t, h.Exec(ctx, insertPath))
	assert.Equal(t, 2, h.Changes())

	require.NoError(t, h.EndTransaction(ctx, nil))
	assert.False(t, h.InTransaction())
	assert.Equal(t, 0, h.Changes())
	assert.Equal(t, 1, fb.GetQueryCalledNum("COMMIT"))
}

func TestTransactionCeiling(t *testing.T) {
	fb := fakebackend.New()
	fb.AddQuery(insertPath, fakebackend.CommandResult("INSERT 0 1", 1))
	r, _ := newTestRegistry(fb)
	h := acquire(t, r, multiConfig())
	ctx := context.Background()
	require.NoError(t, h.StartTransaction(ctx))

	for range TransactionCeiling {
		require.NoError(t, h.Exec(ctx, insertPath))
	}
	assert.Equal(t, 0, fb.GetQueryCalledNum("COMMIT"))
	assert.Equal(t, TransactionCeiling, h.Changes())

	require.NoError(t, h.Exec(ctx, insertPath))
	assert.Equal(t, 1, fb.GetQueryCalledNum("COMMIT"))
	assert.Equal(t, 2, fb.GetQueryCalledNum("BEGIN"))
	assert.Equal(t, 0, h.Changes())
	assert.True(t, h.InTransaction())
	assert.Equal(t, int64(1), h.Stats().ImplicitFlushes)
}

func TestMutationStartsTransaction(t *testing.T) {
	fb := fakebackend.New()
	fb.AddQuery(insertPath, fakebackend.CommandResult("INSERT 0 1", 1))
	r, _ := newTestRegistry(fb)
	h := acquire(t, r, multiConfig())
	ctx := context.Background()

	require.NoError(t, h.Exec(ctx, "SELECT 1"))
	assert.False(t, h.InTransaction())
	assert.Equal(t, 0, fb.GetQueryCalledNum("BEGIN"))

	fb.ResetQueryLog()
	require.NoError(t, h.Exec(ctx, insertPath))
	assert.True(t, h.InTransaction())
	assert.Equal(t, []string{"BEGIN", insertPath}, fb.Queries())

	require.NoError(t, h.Query(ctx, insertPath, nil))
	assert.Equal(t, 1, fb.GetQueryCalledNum("BEGIN"))
	assert.Equal(t, 2, h.Changes())

	require.NoError(t, h.EndTransaction(ctx, nil))
	assert.False(t, h.InTransaction())
	assert.Equal(t, 1, fb.GetQueryCalledNum("COMMIT"))
}

func TestTransactionCeilingWithoutExplicitStart(t *testing.T) {
	fb := fakebackend.New()
	fb.AddQuery(insertPath, fakebackend.CommandResult("INSERT 0 1", 1))
	r, _ := newTestRegistry(fb)
	h := acquire(t, r, multiConfig())
	ctx := context.Background()

	for range TransactionCeiling + 1 {
		require.NoError(t, h.Exec(ctx, insertPath))
	}
	assert.Equal(t, 2, fb.GetQueryCalledNum("BEGIN"))
	assert.Equal(t, 1, fb.GetQueryCalledNum("COMMIT"))
	assert.Equal(t, int64(1), h.Stats().ImplicitFlushes)
	assert.Equal(t, 0, h.Changes())
	assert.True(t, h.InTransaction())
}

func TestGeneratedKeyInsertStartsTransaction(t *testing.T) {
	fb := fakebackend.New()
	fb.AddQuery(insertPath, fakebackend.CommandResult("INSERT 0 1", 1))
	fb.AddQuery("SELECT currval('path_pathid_seq')", fakebackend.MakeResult([]string{"currval"}, [][]any{{12}}))
	r, _ := newTestRegistry(fb)
	h := acquire(t, r, multiConfig())

	key, err := h.InsertWithGeneratedKey(context.Background(), insertPath, "path")
	require.NoError(t, err)
	assert.Equal(t, GeneratedKey{ID: 12, Determinate: true}, key)
	assert.True(t, h.InTransaction())
	assert.Equal(t, 1, fb.GetQueryCalledNum("BEGIN"))
}

func TestEndTransactionResetsCounter(t *testing.T) {
	fb := fakebackend.New()
	fb.AddQuery(insertPath, fakebackend.CommandResult("INSERT 0 1", 1))
	r, _ := newTestRegistry(fb)
	h := acquire(t, r, testConfig())
	ctx := context.Background()

	for range 3 {
		require.NoError(t, h.Exec(ctx, insertPath))
	}
	assert.Equal(t, 3, h.Changes())
	assert.False(t, h.InTransaction())
	assert.Equal(t, 0, fb.GetQueryCalledNum("BEGIN"))

	require.NoError(t, h.EndTransaction(ctx, nil))
	assert.Equal(t, 0, h.Changes())
	assert.Equal(t, 0, fb.GetQueryCalledNum("COMMIT"))
}

func TestEndTransactionFlushesCacheFirst(t *testing.T) {
	fb := fakebackend.New()
	fb.AddQuery(insertPath, fakebackend.CommandResult("INSERT 0 1", 1))
	r, _ := newTestRegistry(fb)
	h := acquire(t, r, multiConfig())
	ctx := context.Background()

	var written []AttributesRecord
	cache := NewWriteBehind(func(ctx context.Context, h *Handle, rec AttributesRecord) error {
		written = append(written, rec)
		return h.Exec(ctx, insertPath)
	})

	require.NoError(t, h.StartTransaction(ctx))
	require.NoError(t, cache.Put(ctx, h, AttributesRecord{FileIndex: 1}))
	require.NoError(t, cache.Put(ctx, h, AttributesRecord{FileIndex: 2}))
	assert.Len(t, written, 1)
	assert.True(t, cache.Pending())

	fb.ResetQueryLog()
	require.NoError(t, h.EndTransaction(ctx, cache))

	assert.Equal(t, []string{insertPath, "COMMIT"}, fb.Queries())
	require.Len(t, written, 2)
	assert.Equal(t, uint32(2), written[1].FileIndex)
	assert.False(t, cache.Pending())
	assert.Equal(t, 0, h.Changes())
}

func TestEndTransactionReportsCacheFailure(t *testing.T) {
	fb := fakebackend.New()
	r, _ := newTestRegistry(fb)
	h := acquire(t, r, multiConfig())
	ctx := context.Background()

	cache := NewWriteBehind(func(context.Context, *Handle, AttributesRecord) error {
		return assert.AnError
	})
	require.NoError(t, h.StartTransaction(ctx))
	require.NoError(t, cache.Put(ctx, h, AttributesRecord{FileIndex: 1}))

	err := h.EndTransaction(ctx, cache)
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, cache.Pending())
	assert.Equal(t, 1, fb.GetQueryCalledNum("COMMIT"))
	assert.False(t, h.InTransaction())
}

func TestTransactionsOnSeparateHandles(t *testing.T) {
	fb := fakebackend.New()
	r, _ := newTestRegistry(fb)
	ctx := context.Background()
	h1 := acquire(t, r, multiConfig())
	h2 := acquire(t, r, multiConfig())

	require.NoError(t, h1.StartTransaction(ctx))
	assert.True(t, h1.InTransaction())
	assert.False(t, h2.InTransaction())

	require.NoError(t, h1.EndTransaction(ctx, nil))
	assert.True(t, slices.Contains(fb.Queries(), "COMMIT"))
}
