package mempool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/statengine/pkg/resultcache"
	"github.com/blockberries/statengine/pkg/store"
	"github.com/blockberries/statengine/pkg/txcontext"
	"github.com/blockberries/statengine/pkg/types"
)

// echoChecker accepts every transaction, writing payload under its own
// bytes as both key and value so tests can assert on what landed in a
// slot's buffered state.
type echoChecker struct{}

func (echoChecker) CheckTx(ctx *txcontext.Context, payload []byte) ([]byte, error) {
	if err := ctx.Put(payload, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// hintedChecker additionally implements keyHinter, declaring its
// write-hint as the payload itself.
type hintedChecker struct{ echoChecker }

func (hintedChecker) KeyHint(payload []byte) ([][]byte, [][]byte, bool) {
	return nil, [][]byte{payload}, true
}

func newPool(t *testing.T, cfg Config, checker Checker) *Pool {
	t.Helper()
	backend := store.NewMemoryBackend()
	cache, err := resultcache.New(64)
	require.NoError(t, err)
	p, err := New(cfg, checker, backend, cache)
	require.NoError(t, err)
	return p
}

func TestPool_SimpleStrategyRoutesToSingleSlot(t *testing.T) {
	p := newPool(t, Config{Workers: 4, Strategy: StrategySimple}, echoChecker{})

	for i := 0; i < 3; i++ {
		_, err := p.CheckTx(context.Background(), []byte{byte('a' + i)})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, p.slots[0].write.Len())
	for _, s := range p.slots[1:] {
		assert.Equal(t, 0, s.write.Len())
	}
}

func TestPool_CorrelatedStrategyIsDeterministicPerPayload(t *testing.T) {
	p := newPool(t, Config{Workers: 4, Strategy: StrategyCorrelated}, echoChecker{})

	payload := []byte("same-payload")
	first := p.selectSlot(payload)
	second := p.selectSlot(payload)
	assert.Same(t, first, second)
}

func TestPool_ScheduledStrategyPrefersDisjointSlot(t *testing.T) {
	p := newPool(t, Config{Workers: 2, Strategy: StrategyScheduled}, hintedChecker{})

	_, err := p.CheckTx(context.Background(), []byte("alice"))
	require.NoError(t, err)

	// "alice" now occupies slot 0's write-set; another payload hinting a
	// write to "alice" conflicts with slot 0 and should land in the
	// disjoint slot 1 instead.
	chosen := p.scheduledSlot([]byte("alice"))
	assert.Same(t, p.slots[1], chosen)
}

func TestPool_ScheduledStrategyFallsBackToRoundRobinWithoutHint(t *testing.T) {
	p := newPool(t, Config{Workers: 3, Strategy: StrategyScheduled}, echoChecker{})

	first := p.scheduledSlot([]byte("x"))
	second := p.scheduledSlot([]byte("y"))
	third := p.scheduledSlot([]byte("z"))

	assert.Same(t, p.slots[0], first)
	assert.Same(t, p.slots[1], second)
	assert.Same(t, p.slots[2], third)
}

func TestPool_CheckTxInstallsResultCacheEntry(t *testing.T) {
	backend := store.NewMemoryBackend()
	cache, err := resultcache.New(64)
	require.NoError(t, err)
	p, err := New(Config{Workers: 1, Strategy: StrategySimple}, echoChecker{}, backend, cache)
	require.NoError(t, err)

	payload := []byte("tx-payload")
	result, err := p.CheckTx(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, payload, result)

	entry, ok := cache.Lookup(types.Fingerprint(payload))
	require.True(t, ok)
	assert.True(t, entry.WriteSet.Has(payload))
}

func TestPool_CheckTxPropagatesCheckerError(t *testing.T) {
	p := newPool(t, Config{Workers: 1}, rejectingChecker{})

	_, err := p.CheckTx(context.Background(), []byte("nope"))
	assert.Error(t, err)
}

type rejectingChecker struct{}

func (rejectingChecker) CheckTx(ctx *txcontext.Context, payload []byte) ([]byte, error) {
	return nil, errors.New("rejected")
}
