package txcontext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/statengine/pkg/store"
	"github.com/blockberries/statengine/pkg/types"
)

func TestContext_GetRecordsReadSetEvenOnMiss(t *testing.T) {
	ctx := New(store.NewMapStore())

	v, err := ctx.Get([]byte("missing"))
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.True(t, ctx.ReadSet().Has([]byte("missing")))
}

func TestContext_PutRecordsWriteSet(t *testing.T) {
	ctx := New(store.NewMapStore())

	require.NoError(t, ctx.Put([]byte("k"), []byte("v")))
	assert.True(t, ctx.WriteSet().Has([]byte("k")))

	v, err := ctx.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestContext_CommitMergesIntoParent(t *testing.T) {
	parent := store.NewMapStore()
	ctx := New(parent)

	require.NoError(t, ctx.Put([]byte("k"), []byte("v")))
	reads, writes, err := ctx.Commit()
	require.NoError(t, err)
	assert.Equal(t, 0, reads.Len())
	assert.Equal(t, 1, writes.Len())

	got, err := parent.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestContext_AbortDiscardsDeltaButReturnsSets(t *testing.T) {
	parent := store.NewMapStore()
	ctx := New(parent)

	require.NoError(t, ctx.Put([]byte("k"), []byte("v")))
	_, _ = ctx.Get([]byte("other"))

	reads, writes := ctx.Abort()
	assert.True(t, reads.Has([]byte("other")))
	assert.True(t, writes.Has([]byte("k")))

	got, err := parent.Get([]byte("k"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestContext_DoubleCommitIsDeterminismViolation(t *testing.T) {
	ctx := New(store.NewMapStore())
	_, _, err := ctx.Commit()
	require.NoError(t, err)

	_, _, err = ctx.Commit()
	assert.Error(t, err)
}

func TestContext_ReadValueHashReflectsObservedValue(t *testing.T) {
	parent := store.NewMapStore()
	require.NoError(t, parent.Put([]byte("k"), []byte("v")))

	ctx := New(parent)
	_, err := ctx.Get([]byte("k"))
	require.NoError(t, err)

	h := ctx.ReadValueHash([]byte("k"))
	assert.False(t, h.IsEmpty())
}

func TestContext_RangeTracksEveryYieldedKey(t *testing.T) {
	parent := store.NewMapStore()
	require.NoError(t, parent.Put([]byte("a"), []byte("1")))
	require.NoError(t, parent.Put([]byte("b"), []byte("2")))

	ctx := New(parent)
	it := ctx.Range(nil, nil)
	count := 0
	for it.Next() {
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 2, count)
	assert.True(t, ctx.ReadSet().Has([]byte("a")))
	assert.True(t, ctx.ReadSet().Has([]byte("b")))
}

func TestContext_ChargeExceedsGasLimit(t *testing.T) {
	ctx := New(store.NewMapStore())
	ctx.SetGasLimit(100)

	require.NoError(t, ctx.Charge(60))
	require.NoError(t, ctx.Charge(40))
	assert.Equal(t, uint64(100), ctx.GasUsed())

	err := ctx.Charge(1)
	assert.ErrorIs(t, err, types.ErrOutOfBudget)
}

func TestContext_UnmeteredWhenGasLimitZero(t *testing.T) {
	ctx := New(store.NewMapStore())
	require.NoError(t, ctx.Charge(1_000_000))
	assert.Equal(t, uint64(1_000_000), ctx.GasUsed())
}
