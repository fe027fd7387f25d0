package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/statengine/pkg/metrics"
	"github.com/blockberries/statengine/pkg/store"
	"github.com/blockberries/statengine/pkg/txcontext"
	"github.com/blockberries/statengine/pkg/types"
)

// countingMetrics is a fake metrics.Metrics recording call counts, used
// to assert the scheduler actually reports epoch and store activity
// rather than leaving a real sink's gauges permanently at zero.
type countingMetrics struct {
	mu sync.Mutex
	metrics.Nop

	epochs     int
	utilization []float64
	storeGets  int
	storeWrites int
}

func (m *countingMetrics) IncEpochs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochs++
}

func (m *countingMetrics) SetWorkerUtilization(fraction float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.utilization = append(m.utilization, fraction)
}

func (m *countingMetrics) IncStoreGets() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeGets++
}

func (m *countingMetrics) IncStoreWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeWrites++
}

func transfer(from, to string, amount int64) func(ctx *txcontext.Context) ([]byte, error) {
	return func(ctx *txcontext.Context) ([]byte, error) {
		fromBal, err := ctx.Get([]byte(from))
		if err != nil {
			return nil, err
		}
		toBal, err := ctx.Get([]byte(to))
		if err != nil {
			return nil, err
		}
		fb := decodeInt(fromBal) - amount
		tb := decodeInt(toBal) + amount
		if err := ctx.Put([]byte(from), encodeInt(fb)); err != nil {
			return nil, err
		}
		if err := ctx.Put([]byte(to), encodeInt(tb)); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

func encodeInt(v int64) []byte {
	return []byte{byte(v)}
}

func decodeInt(v []byte) int64 {
	if len(v) == 0 {
		return 0
	}
	return int64(v[0])
}

func hinted(id string, read, write []string, fn func(*txcontext.Context) ([]byte, error)) *Transition {
	rs := types.NewKeySet()
	for _, k := range read {
		rs.Add([]byte(k))
	}
	ws := types.NewKeySet()
	for _, k := range write {
		ws.Add([]byte(k))
	}
	return &Transition{ID: types.Fingerprint([]byte(id)), Kind: types.KindTx, ReadHint: rs, WriteHint: ws, Execute: fn}
}

func TestScheduler_DisjointPaymentsRunConcurrently(t *testing.T) {
	base := store.NewMapStore()
	require.NoError(t, base.Put([]byte("alice"), encodeInt(100)))
	require.NoError(t, base.Put([]byte("bob"), encodeInt(50)))
	require.NoError(t, base.Put([]byte("carol"), encodeInt(0)))
	require.NoError(t, base.Put([]byte("dave"), encodeInt(0)))

	block := store.NewBufferedStore(base)
	sched := New(Config{WorkerCount: 2, BloomBits: 1024, BloomHashes: 4}, block)

	t1 := hinted("t1", []string{"alice", "bob"}, []string{"alice", "bob"}, transfer("alice", "bob", 10))
	t2 := hinted("t2", []string{"carol", "dave"}, []string{"carol", "dave"}, transfer("carol", "dave", 0))

	results, err := sched.RunBatch(context.Background(), []*Transition{t1, t2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)

	require.NoError(t, block.Flush())
	alice, _ := base.Get([]byte("alice"))
	bob, _ := base.Get([]byte("bob"))
	assert.Equal(t, int64(90), decodeInt(alice))
	assert.Equal(t, int64(60), decodeInt(bob))
}

func TestScheduler_DependentPaymentsForceSerial(t *testing.T) {
	base := store.NewMapStore()
	require.NoError(t, base.Put([]byte("alice"), encodeInt(10)))
	require.NoError(t, base.Put([]byte("bob"), encodeInt(0)))
	require.NoError(t, base.Put([]byte("carol"), encodeInt(0)))

	block := store.NewBufferedStore(base)
	sched := New(Config{WorkerCount: 2, BloomBits: 1024, BloomHashes: 4}, block)

	t1 := hinted("t1", []string{"alice", "bob"}, []string{"alice", "bob"}, transfer("alice", "bob", 5))
	t2 := hinted("t2", []string{"bob", "carol"}, []string{"bob", "carol"}, transfer("bob", "carol", 5))

	results, err := sched.RunBatch(context.Background(), []*Transition{t1, t2})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)

	require.NoError(t, block.Flush())
	alice, _ := base.Get([]byte("alice"))
	bob, _ := base.Get([]byte("bob"))
	carol, _ := base.Get([]byte("carol"))
	assert.Equal(t, int64(5), decodeInt(alice))
	assert.Equal(t, int64(0), decodeInt(bob))
	assert.Equal(t, int64(5), decodeInt(carol))
}

func TestScheduler_WriteSkewWithA3Enabled(t *testing.T) {
	base := store.NewMapStore()
	require.NoError(t, base.Put([]byte("last_sender"), nil))

	block := store.NewBufferedStore(base)
	sched := New(Config{WorkerCount: 2, BloomBits: 1024, BloomHashes: 4, EnableAxiomA3: true}, block)

	writeOnly := func(value string) func(*txcontext.Context) ([]byte, error) {
		return func(ctx *txcontext.Context) ([]byte, error) {
			return nil, ctx.Put([]byte("last_sender"), []byte(value))
		}
	}

	t1 := hinted("t1", nil, []string{"last_sender"}, writeOnly("alice"))
	t2 := hinted("t2", nil, []string{"last_sender"}, writeOnly("bob"))

	results, err := sched.RunBatch(context.Background(), []*Transition{t1, t2})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)

	require.NoError(t, block.Flush())
	v, _ := base.Get([]byte("last_sender"))
	assert.Equal(t, "bob", string(v))
}

func TestScheduler_KeyHintViolationReschedulesAndSucceeds(t *testing.T) {
	base := store.NewMapStore()
	require.NoError(t, base.Put([]byte("alice"), encodeInt(10)))
	require.NoError(t, base.Put([]byte("bob"), encodeInt(0)))

	block := store.NewBufferedStore(base)
	sched := New(Config{WorkerCount: 2, BloomBits: 1024, BloomHashes: 4}, block)

	// declares only a write-hint for alice, but actually touches bob too.
	t1 := hinted("t1", []string{"alice"}, []string{"alice"}, transfer("alice", "bob", 5))

	results, err := sched.RunBatch(context.Background(), []*Transition{t1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.GreaterOrEqual(t, results[0].Rescheduled, 1)

	require.NoError(t, block.Flush())
	alice, _ := base.Get([]byte("alice"))
	bob, _ := base.Get([]byte("bob"))
	assert.Equal(t, int64(5), decodeInt(alice))
	assert.Equal(t, int64(5), decodeInt(bob))
}

func TestScheduler_DiscoveryModeIsSerializedAgainstEverything(t *testing.T) {
	base := store.NewMapStore()
	require.NoError(t, base.Put([]byte("x"), encodeInt(1)))
	require.NoError(t, base.Put([]byte("y"), encodeInt(1)))

	block := store.NewBufferedStore(base)
	sched := New(Config{WorkerCount: 4, BloomBits: 1024, BloomHashes: 4}, block)

	discover := &Transition{
		ID:   types.Fingerprint([]byte("discover")),
		Kind: types.KindTx,
		Execute: func(ctx *txcontext.Context) ([]byte, error) {
			v, err := ctx.Get([]byte("x"))
			if err != nil {
				return nil, err
			}
			return nil, ctx.Put([]byte("x"), encodeInt(decodeInt(v)+1))
		},
	}
	hintedTx := hinted("hinted", []string{"y"}, []string{"y"}, func(ctx *txcontext.Context) ([]byte, error) {
		v, err := ctx.Get([]byte("y"))
		if err != nil {
			return nil, err
		}
		return nil, ctx.Put([]byte("y"), encodeInt(decodeInt(v)+1))
	})

	results, err := sched.RunBatch(context.Background(), []*Transition{discover, hintedTx})
	require.NoError(t, err)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)

	require.NoError(t, block.Flush())
	x, _ := base.Get([]byte("x"))
	y, _ := base.Get([]byte("y"))
	assert.Equal(t, int64(2), decodeInt(x))
	assert.Equal(t, int64(2), decodeInt(y))
}

func TestScheduler_ReportsEpochAndStoreMetrics(t *testing.T) {
	base := store.NewMapStore()
	require.NoError(t, base.Put([]byte("alice"), encodeInt(100)))
	require.NoError(t, base.Put([]byte("bob"), encodeInt(0)))

	block := store.NewBufferedStore(base)
	sched := New(Config{WorkerCount: 2, BloomBits: 1024, BloomHashes: 4}, block)
	m := &countingMetrics{}
	sched.SetMetrics(m)

	t1 := hinted("t1", []string{"alice", "bob"}, []string{"alice", "bob"}, transfer("alice", "bob", 10))
	_, err := sched.RunBatch(context.Background(), []*Transition{t1})
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 1, m.epochs)
	require.Len(t, m.utilization, 1)
	assert.InDelta(t, 0.5, m.utilization[0], 0.001)
	assert.Equal(t, 2, m.storeGets)
	assert.Equal(t, 2, m.storeWrites)
}
