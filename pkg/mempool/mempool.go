// Package mempool implements the mempool-side divergence strategies
// left open by spec.md §9: simple, correlated, and scheduled routing of
// CheckTx across M parallel buffered mempool stores. Grounded on
// blockberries-blockberry's pkg/mempool/factory.go (strategy selection
// by configuration) and mempool/simple_mempool.go /
// mempool/priority_mempool.go for the per-strategy insertion mechanics,
// simplified to this spec's single concern: routing CheckTx across M
// buffered states and installing observed key-sets into the result
// cache so a matching DeliverTx can replay instead of re-executing. No
// TTL, no P2P gossip, no DAG certification — those are out of scope
// per spec.md §1.
package mempool

import (
	"context"
	"fmt"
	"sync"

	"github.com/blockberries/statengine/pkg/resultcache"
	"github.com/blockberries/statengine/pkg/store"
	"github.com/blockberries/statengine/pkg/txcontext"
	"github.com/blockberries/statengine/pkg/types"
)

// Strategy selects how CheckTx payloads are routed across the pool's M
// buffered mempool stores.
type Strategy string

// Built-in strategies, per spec.md §9's Open Question.
const (
	// StrategySimple routes every payload to a single buffered store
	// (slot 0), the way a single-mempool driver would.
	StrategySimple Strategy = "simple"

	// StrategyCorrelated routes a payload to the slot chosen by its
	// fingerprint, so repeated CheckTx calls for the same payload (e.g.
	// a resubmission) land in the same slot and reuse its buffered
	// state.
	StrategyCorrelated Strategy = "correlated"

	// StrategyScheduled routes a payload to whichever slot's
	// accumulated write-set is disjoint from its key-hint, the same
	// axiom the block scheduler uses to admit concurrent work, and is
	// the default: maximizing disjoint routing keeps each slot's
	// buffered state stable for longer, maximizing the result cache's
	// hit rate once the transaction reaches block processing.
	StrategyScheduled Strategy = "scheduled"
)

// Checker is the slice of Application the mempool pool needs: just
// CheckTx. Defined locally (rather than importing pkg/engine.Application)
// to avoid a cycle, since pkg/engine itself depends on this package for
// CheckTx fan-out. Go's structural typing means engine.Application
// already satisfies this interface without either package naming the
// other.
type Checker interface {
	CheckTx(ctx *txcontext.Context, payload []byte) ([]byte, error)
}

// keyHinter mirrors engine.KeyHinter structurally, for the same
// import-cycle reason as Checker. Only consulted by StrategyScheduled.
type keyHinter interface {
	KeyHint(payload []byte) (readPrefixes, writePrefixes [][]byte, ok bool)
}

// Config holds the pool's tunables, per spec.md §6's mempool_workers
// option.
type Config struct {
	// Workers is M, the number of parallel buffered mempool stores.
	Workers int

	// Strategy selects the routing rule. Empty defaults to
	// StrategyScheduled.
	Strategy Strategy
}

// slot is one of the pool's M buffered mempool stores, each its own
// BufferedStore over a pinned snapshot of the backend.
type slot struct {
	mu    sync.Mutex
	buf   *store.BufferedStore
	write types.KeySet
}

// Pool fans CheckTx calls out across M buffered mempool stores and
// installs successful results into the shared result cache, so that a
// transaction later delivered in a block with an unchanged read-set can
// replay its mempool-checked writeset instead of re-executing.
type Pool struct {
	cfg     Config
	checker Checker
	cache   *resultcache.Cache

	slots []*slot

	mu sync.Mutex
	rr int
}

// New builds a Pool with cfg.Workers buffered stores, each snapshotting
// backend at construction time.
func New(cfg Config, checker Checker, backend store.Backend, cache *resultcache.Cache) (*Pool, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyScheduled
	}

	slots := make([]*slot, cfg.Workers)
	for i := range slots {
		snap, err := backend.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("mempool: snapshotting slot %d: %w", i, err)
		}
		slots[i] = &slot{buf: store.NewBufferedStore(snap), write: types.NewKeySet()}
	}

	return &Pool{cfg: cfg, checker: checker, cache: cache, slots: slots}, nil
}

// CheckTx routes payload to a slot per the pool's strategy, runs it
// through a fresh Context over that slot's buffered state, and on
// success installs the observed key-sets and writeset into the result
// cache under the payload's fingerprint.
func (p *Pool) CheckTx(ctx context.Context, payload []byte) ([]byte, error) {
	s := p.selectSlot(payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	actx := txcontext.New(s.buf)
	result, err := p.checker.CheckTx(actx, payload)
	if err != nil {
		actx.Abort()
		return nil, err
	}

	delta := actx.Delta()
	readSet, writeSet, err := actx.Commit()
	if err != nil {
		return nil, err
	}
	s.write = s.write.Union(writeSet)

	fp := types.Fingerprint(payload)
	p.cache.Install(fp, &resultcache.Entry{
		ReadSet:         readSet,
		WriteSet:        writeSet,
		Writeset:        delta,
		ReadValueHashes: actx.ReadValueHashes(),
	})

	return result, nil
}

// selectSlot applies the pool's configured Strategy.
func (p *Pool) selectSlot(payload []byte) *slot {
	switch p.cfg.Strategy {
	case StrategySimple:
		return p.slots[0]
	case StrategyCorrelated:
		fp := types.Fingerprint(payload)
		idx := int(fp[0]) % len(p.slots)
		return p.slots[idx]
	default:
		return p.scheduledSlot(payload)
	}
}

// scheduledSlot implements StrategyScheduled: prefer a slot whose
// accumulated write-set is disjoint from payload's hinted write-set,
// falling back to round robin when the checker supplies no hint or no
// slot is disjoint. The disjointness check and the eventual lock of the
// chosen slot are not atomic, so under concurrent CheckTx calls two
// payloads may still race onto the same slot; that only costs a cache
// opportunity, never correctness, since CheckReplayValid always
// re-validates at delivery time.
func (p *Pool) scheduledSlot(payload []byte) *slot {
	hinter, ok := p.checker.(keyHinter)
	if !ok {
		return p.roundRobin()
	}
	_, writePrefixes, ok := hinter.KeyHint(payload)
	if !ok {
		return p.roundRobin()
	}

	writeHint := types.NewKeySet()
	for _, k := range writePrefixes {
		writeHint.Add(k)
	}

	for _, s := range p.slots {
		s.mu.Lock()
		disjoint := !s.write.Intersects(writeHint)
		s.mu.Unlock()
		if disjoint {
			return s
		}
	}
	return p.roundRobin()
}

func (p *Pool) roundRobin() *slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[p.rr%len(p.slots)]
	p.rr++
	return s
}

// Len returns the number of configured mempool slots (M).
func (p *Pool) Len() int {
	return len(p.slots)
}
