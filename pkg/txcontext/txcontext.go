// Package txcontext implements the per-transition execution context: a
// buffered overlay over the block's working state plus a read/write key
// tracker, grounded on original_source/src/store/rw_log.rs's RWLog. Every
// transition (BeginBlock, a tx, EndBlock) runs against its own Context so
// the scheduler can observe exactly which keys it touched.
package txcontext

import (
	"time"

	"github.com/blockberries/statengine/pkg/metrics"
	"github.com/blockberries/statengine/pkg/store"
	"github.com/blockberries/statengine/pkg/types"
)

// Context wraps a store.BufferedStore and records every key observed by
// Get, Put, or Delete into a read-set or write-set, the way RWLog wraps a
// Store and appends to read_set/write_set on every access.
type Context struct {
	buf *store.BufferedStore

	readSet  types.KeySet
	writeSet types.KeySet

	// readValues holds the value observed for each read key, so the
	// scheduler/result cache can later hash them for replay validity
	// checks (spec.md §4.4).
	readValues map[string][]byte

	// onAccess, if set, is consulted on every Get/Put/Delete before the
	// access is applied. The scheduler's speculative-discovery mode
	// (spec.md §4.3 "Mid-execution conflict detection") uses this to
	// abort a discovery-mode transition the instant it touches a key
	// already claimed by another worker's published write-set, rather
	// than waiting for the full run to complete.
	onAccess func(key []byte, isWrite bool) error

	done bool

	// gasLimit is the per-transition budget (0 = unmetered); gasUsed
	// accumulates via Charge. Grounded on spec.md §7's
	// ExecError::OutOfBudget and the engine's gas_ceiling_per_tx config.
	gasLimit uint64
	gasUsed  uint64

	metrics metrics.Metrics
}

// New wraps parent in a fresh BufferedStore and an empty Context. Metrics
// default to a no-op sink; the scheduler calls SetMetrics after New to
// attach the engine's real sink.
func New(parent store.KVStore) *Context {
	return &Context{
		buf:        store.NewBufferedStore(parent),
		readSet:    types.NewKeySet(),
		writeSet:   types.NewKeySet(),
		readValues: make(map[string][]byte),
		metrics:    metrics.NewNop(),
	}
}

// SetMetrics installs the sink Get/Put/Delete report store-level
// operation counts and latency to.
func (c *Context) SetMetrics(m metrics.Metrics) {
	if m != nil {
		c.metrics = m
	}
}

// SetGasLimit installs a per-transition gas ceiling; 0 leaves the
// context unmetered. Must be called before Execute runs.
func (c *Context) SetGasLimit(limit uint64) {
	c.gasLimit = limit
}

// Charge debits amount from the gas budget, returning
// types.ErrOutOfBudget if doing so would exceed the configured ceiling.
// A zero gasLimit means unmetered: Charge always succeeds.
func (c *Context) Charge(amount uint64) error {
	if c.gasLimit == 0 {
		c.gasUsed += amount
		return nil
	}
	if c.gasUsed+amount > c.gasLimit {
		return types.ErrOutOfBudget
	}
	c.gasUsed += amount
	return nil
}

// GasUsed returns the gas charged so far.
func (c *Context) GasUsed() uint64 {
	return c.gasUsed
}

// SetConflictChecker installs a speculative mid-execution conflict
// check, consulted before every Get/Put/Delete. Only used in the
// scheduler's speculative-discovery mode; a Context otherwise has none.
func (c *Context) SetConflictChecker(fn func(key []byte, isWrite bool) error) {
	c.onAccess = fn
}

// Get records key in the read-set — even on a miss, since a transition
// that observed an absent key is still sensitive to that key coming into
// existence — then returns the value from the underlying buffered store.
func (c *Context) Get(key []byte) ([]byte, error) {
	if c.onAccess != nil {
		if err := c.onAccess(key, false); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	v, err := c.buf.Get(key)
	c.metrics.IncStoreGets()
	c.metrics.ObserveStoreLatency("get", time.Since(start))
	if err != nil {
		return nil, err
	}
	c.readSet.Add(key)
	c.readValues[string(key)] = v
	return v, nil
}

// Put records key in the write-set and applies the write to the
// underlying delta.
func (c *Context) Put(key, value []byte) error {
	if c.onAccess != nil {
		if err := c.onAccess(key, true); err != nil {
			return err
		}
	}
	start := time.Now()
	err := c.buf.Put(key, value)
	c.metrics.IncStoreWrites()
	c.metrics.ObserveStoreLatency("put", time.Since(start))
	if err != nil {
		return err
	}
	c.writeSet.Add(key)
	return nil
}

// Delete records key in the write-set and applies a tombstone.
func (c *Context) Delete(key []byte) error {
	if c.onAccess != nil {
		if err := c.onAccess(key, true); err != nil {
			return err
		}
	}
	start := time.Now()
	err := c.buf.Delete(key)
	c.metrics.IncStoreWrites()
	c.metrics.ObserveStoreLatency("delete", time.Since(start))
	if err != nil {
		return err
	}
	c.writeSet.Add(key)
	return nil
}

// Range is a read over the merged delta/parent view. Every key the
// iterator yields is added to the read-set; keys in [lo, hi) that are
// absent, and keys past the point where the caller stops iterating, are
// not recorded.
func (c *Context) Range(lo, hi []byte) store.Iterator {
	return &trackingIterator{inner: c.buf.Range(lo, hi), ctx: c}
}

// ReadSet returns the keys observed by Get or Range so far.
func (c *Context) ReadSet() types.KeySet {
	return c.readSet
}

// WriteSet returns the keys written by Put or Delete so far.
func (c *Context) WriteSet() types.KeySet {
	return c.writeSet
}

// ReadValueHash returns a fingerprint of every value observed for key,
// used by the result cache to decide whether a replay is still valid. A
// key never read returns a nil hash.
func (c *Context) ReadValueHash(key []byte) types.Hash {
	v, ok := c.readValues[string(key)]
	if !ok {
		return types.Hash{}
	}
	return types.Fingerprint(v)
}

// ReadValueHashes returns a content hash for every key in the read-set,
// for installing into the result cache.
func (c *Context) ReadValueHashes() map[string]types.Hash {
	out := make(map[string]types.Hash, len(c.readValues))
	for k, v := range c.readValues {
		out[k] = types.Fingerprint(v)
	}
	return out
}

// Commit merges the accumulated delta into the parent store by key-wise
// overwrite and returns the observed read/write sets. A Context may only
// be committed or aborted once.
func (c *Context) Commit() (types.KeySet, types.KeySet, error) {
	if c.done {
		return nil, nil, types.ErrDeterminismViolation
	}
	c.done = true
	if err := c.buf.Flush(); err != nil {
		return nil, nil, err
	}
	return c.readSet, c.writeSet, nil
}

// Delta exposes the context's pending writeset without flushing it. The
// mempool pool reads it before Commit to store the writeset in the
// result cache.
func (c *Context) Delta() store.Delta {
	return c.buf.Delta()
}

// Abort discards the delta without touching the parent. The observed
// read/write sets are still returned since the scheduler needs them to
// decide whether the aborted run's key-set assumptions were wrong.
func (c *Context) Abort() (types.KeySet, types.KeySet) {
	c.done = true
	c.buf.Reset()
	return c.readSet, c.writeSet
}

type trackingIterator struct {
	inner store.Iterator
	ctx   *Context
}

func (it *trackingIterator) Next() bool {
	ok := it.inner.Next()
	if ok {
		it.ctx.readSet.Add(it.inner.Key())
		it.ctx.readValues[string(it.inner.Key())] = it.inner.Value()
	}
	return ok
}

func (it *trackingIterator) Key() []byte   { return it.inner.Key() }
func (it *trackingIterator) Value() []byte { return it.inner.Value() }
func (it *trackingIterator) Err() error    { return it.inner.Err() }
func (it *trackingIterator) Close() error  { return it.inner.Close() }
