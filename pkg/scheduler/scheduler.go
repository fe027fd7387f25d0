// Package scheduler implements the deterministic epoch scheduler of
// spec.md §4.3: it dispatches a canonically ordered batch of transitions
// across N virtual workers under concurrency axioms A1-A4, using
// Bloom-filter pre-checks (package bloom) to short-circuit disjointness
// tests, and merges completed worker deltas into the block buffered
// store strictly in canonical order. There is no prior art for this in
// original_source/ (the Rust source has no parallel scheduler); this
// package is grounded on golang.org/x/sync/errgroup's worker-pool
// lifecycle pattern (as used for bounded concurrent fan-out in
// ava-labs-timestampvm/tests/load/load_test.go) plus the axiom algebra
// spec.md itself defines.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/blockberries/statengine/pkg/metrics"
	"github.com/blockberries/statengine/pkg/store"
	"github.com/blockberries/statengine/pkg/txcontext"
	"github.com/blockberries/statengine/pkg/types"
)

// errSpeculativeAbort signals that a speculatively-run discovery-mode
// transition touched a key already claimed by another worker's
// published write-set (spec.md §4.3 "Mid-execution conflict detection").
var errSpeculativeAbort = errors.New("scheduler: speculative conflict detected")

// Config holds the scheduler's tunables, per spec.md §6's configuration
// list.
type Config struct {
	WorkerCount                int
	BloomBits                  uint64
	BloomHashes                uint32
	EnableAxiomA3              bool
	EnableSpeculativeDiscovery bool
}

// DefaultConfig mirrors spec.md §6's stated defaults (A3 and speculative
// discovery both off).
func DefaultConfig(workerCount int) Config {
	if workerCount <= 0 {
		workerCount = 1
	}
	return Config{
		WorkerCount: workerCount,
		BloomBits:   4096,
		BloomHashes: 4,
	}
}

// Transition is one unit of scheduled work: a begin/end-of-block hook or
// a transaction, with an optional application-supplied key-hint. A nil
// ReadHint and WriteHint together mean "discovery mode" (spec.md §4.3
// "Unknown key-sets").
type Transition struct {
	ID        types.Hash
	Kind      types.TransitionKind
	ReadHint  types.KeySet
	WriteHint types.KeySet

	// Execute is the pure transition function, run against ctx to
	// completion. A non-nil error aborts the transition: its delta is
	// discarded and the error is reported in the Result.
	Execute func(ctx *txcontext.Context) (output []byte, err error)

	// lastOutput, lastErr hold the most recent Execute attempt's result,
	// set by runEpoch and consumed by mergeEpoch. rescheduled counts
	// prior retries after a key-hint violation or a speculative abort.
	lastOutput  []byte
	lastErr     error
	rescheduled int
}

func (t *Transition) discovery() bool {
	return t.ReadHint == nil && t.WriteHint == nil
}

// Result is the outcome of scheduling one Transition.
type Result struct {
	ID       types.Hash
	Output   []byte
	Err      error
	ReadSet  types.KeySet
	WriteSet types.KeySet

	// Rescheduled counts how many times this transition was aborted and
	// retried due to a key-hint violation (spec.md §4.3 "Key-set
	// drift") or a speculative-discovery conflict. Zero means it ran to
	// completion on the first attempt.
	Rescheduled int
}

// workerSlot is spec.md §3's "virtual worker slot": a record of the
// read/write sets the currently dispatched transition was seeded with,
// indexed 0..N-1 for the canonical idle-worker tie-break.
type workerSlot struct {
	idx  int
	busy bool
	read keyspan
	write keyspan
}

// Scheduler runs ordered batches of transitions against a block working
// state (a store.BufferedStore over the committed snapshot) under the
// axioms of spec.md §4.3. One Scheduler instance is used per block; the
// scheduler thread (the goroutine calling RunBatch) performs all
// dispatch, classification, and merge work, per spec.md §5's
// single-scheduler-thread model.
type Scheduler struct {
	cfg     Config
	block   *store.BufferedStore
	workers []*workerSlot
	metrics metrics.Metrics
}

// New creates a Scheduler with cfg.WorkerCount virtual workers operating
// against block.
func New(cfg Config, block *store.BufferedStore) *Scheduler {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	workers := make([]*workerSlot, cfg.WorkerCount)
	for i := range workers {
		workers[i] = &workerSlot{idx: i}
	}
	return &Scheduler{cfg: cfg, block: block, workers: workers, metrics: metrics.NewNop()}
}

// SetMetrics installs the sink epoch counts, worker utilization, and
// every dispatched Context's store-operation metrics report to.
func (s *Scheduler) SetMetrics(m metrics.Metrics) {
	if m != nil {
		s.metrics = m
	}
}

type queued struct {
	t   *Transition
	idx int
}

type assignment struct {
	q      queued
	worker *workerSlot
	actx   *txcontext.Context
}

// RunBatch schedules transitions to completion, epoch by epoch, and
// returns one Result per transition in the same (canonical) order they
// were given. Errors returned are infrastructure failures only;
// transition-level failures surface inside each Result.Err, per spec.md
// §7's policy that execution errors are local.
func (s *Scheduler) RunBatch(ctx context.Context, transitions []*Transition) ([]*Result, error) {
	results := make([]*Result, len(transitions))
	queue := make([]queued, len(transitions))
	for i, t := range transitions {
		queue[i] = queued{t: t, idx: i}
	}

	for len(queue) > 0 {
		assignments, waitQueue := s.sweep(queue)

		if len(assignments) == 0 {
			// Nothing in the queue was dispatchable against currently
			// busy workers (all slots busy, or every candidate conflicts
			// with every idle slot's neighbors). Force progress on the
			// head of the wait-queue alone against the lowest-indexed
			// worker, since an otherwise-idle scheduler must never
			// stall: spec.md's axioms only gate concurrency, not
			// eventual serial execution.
			if len(waitQueue) == 0 {
				break
			}
			head := waitQueue[0]
			waitQueue = waitQueue[1:]
			worker := s.lowestIdleWorker()
			if worker == nil {
				worker = s.workers[0]
			}
			s.dispatch(worker, head)
			actx := txcontext.New(s.block)
			actx.SetMetrics(s.metrics)
			assignments = []assignment{{q: head, worker: worker, actx: actx}}
		}

		if err := s.runEpoch(ctx, assignments); err != nil {
			return nil, err
		}

		s.metrics.IncEpochs()
		s.metrics.SetWorkerUtilization(float64(len(assignments)) / float64(len(s.workers)))

		retried := s.mergeEpoch(assignments, results)
		waitQueue = append(retried, waitQueue...)
		sort.Slice(waitQueue, func(i, j int) bool { return waitQueue[i].idx < waitQueue[j].idx })
		queue = waitQueue
	}

	return results, nil
}

// sweep performs one pass over queue (spec.md §4.3 epoch step 1-3):
// classify each candidate against every busy worker, assign it to the
// lowest-indexed idle slot if every busy worker permits concurrency
// (A1/A2/A3), otherwise push it to the wait-queue preserving canonical
// order.
func (s *Scheduler) sweep(queue []queued) ([]assignment, []queued) {
	var assignments []assignment
	var waitQueue []queued

	for _, q := range queue {
		tr, tw := s.hintSpans(q.t)

		ok := true
		for _, w := range s.workers {
			if !w.busy {
				continue
			}
			ax := classify(s, tr, tw, w.read, w.write)
			if ax == axiomNone {
				ok = false
				break
			}
		}

		if !ok {
			waitQueue = append(waitQueue, q)
			continue
		}

		worker := s.lowestIdleWorker()
		if worker == nil {
			waitQueue = append(waitQueue, q)
			continue
		}

		worker.busy = true
		worker.read, worker.write = tr, tw
		actx := txcontext.New(s.block)
		actx.SetMetrics(s.metrics)
		if s.cfg.EnableSpeculativeDiscovery && q.t.discovery() {
			others := s.busyWriteSpansExcept(worker)
			actx.SetConflictChecker(func(key []byte, isWrite bool) error {
				for _, o := range others {
					if o.hasKey(key) {
						return errSpeculativeAbort
					}
				}
				return nil
			})
		}
		assignments = append(assignments, assignment{q: q, worker: worker, actx: actx})
	}

	return assignments, waitQueue
}

// busyWriteSpansExcept returns the write-span of every busy worker other
// than self, snapshotted at dispatch time for a speculative check.
func (s *Scheduler) busyWriteSpansExcept(self *workerSlot) []keyspan {
	var out []keyspan
	for _, w := range s.workers {
		if w == self || !w.busy {
			continue
		}
		out = append(out, w.write)
	}
	return out
}

func (s *Scheduler) dispatch(worker *workerSlot, q queued) {
	tr, tw := s.hintSpans(q.t)
	worker.busy = true
	worker.read, worker.write = tr, tw
}

func (s *Scheduler) hintSpans(t *Transition) (keyspan, keyspan) {
	if t.discovery() {
		return allSpan(), allSpan()
	}
	return s.newKeyspan(t.ReadHint), s.newKeyspan(t.WriteHint)
}

func (s *Scheduler) lowestIdleWorker() *workerSlot {
	for _, w := range s.workers {
		if !w.busy {
			return w
		}
	}
	return nil
}

// runEpoch executes every assignment concurrently on its own goroutine
// (spec.md §5: "parallel worker threads... suspend only at transition
// boundaries"), each against its own txcontext.Context over the shared
// block working state. Reads are safe to run concurrently since the
// block store is never written mid-epoch; writes land only in each
// context's private delta.
func (s *Scheduler) runEpoch(ctx context.Context, assignments []assignment) error {
	g, _ := errgroup.WithContext(ctx)
	for _, a := range assignments {
		a := a
		g.Go(func() error {
			out, err := a.q.t.Execute(a.actx)
			a.q.t.lastOutput, a.q.t.lastErr = out, err
			return nil
		})
	}
	return g.Wait()
}

// mergeEpoch decides, per assignment, whether to commit or abort, then
// merges every committed delta into the block working state in strict
// canonical order (spec.md §5 "Ordering guarantees"), regardless of
// execution completion order. An assignment whose observed sets escaped
// its declared hint (a key-set drift, spec.md §4.3) is aborted before
// ever touching the block store and returned for rescheduling in the
// next epoch, now carrying its discovered sets as the new hint so a
// second attempt can be classified precisely.
func (s *Scheduler) mergeEpoch(assignments []assignment, results []*Result) []queued {
	sort.Slice(assignments, func(i, j int) bool {
		return assignments[i].q.idx < assignments[j].q.idx
	})

	var retry []queued
	for _, a := range assignments {
		worker := a.worker
		t := a.q.t

		if errors.Is(t.lastErr, errSpeculativeAbort) {
			readSet, writeSet := a.actx.Abort()
			t.ReadHint, t.WriteHint = readSet, writeSet
			t.rescheduled++
			retry = append(retry, a.q)
			worker.busy = false
			worker.read, worker.write = keyspan{}, keyspan{}
			continue
		}

		if t.lastErr != nil {
			readSet, writeSet := a.actx.Abort()
			results[a.q.idx] = &Result{ID: t.ID, Err: t.lastErr, ReadSet: readSet, WriteSet: writeSet, Rescheduled: t.rescheduled}
			worker.busy = false
			worker.read, worker.write = keyspan{}, keyspan{}
			continue
		}

		readSet, writeSet := a.actx.ReadSet(), a.actx.WriteSet()

		if driftErr := checkDrift(t, readSet, writeSet); driftErr != nil {
			a.actx.Abort()
			t.ReadHint, t.WriteHint = readSet, writeSet
			t.rescheduled++
			retry = append(retry, a.q)
			worker.busy = false
			worker.read, worker.write = keyspan{}, keyspan{}
			continue
		}

		_, _, err := a.actx.Commit()
		if err != nil {
			results[a.q.idx] = &Result{ID: t.ID, Err: err, Rescheduled: t.rescheduled}
			worker.busy = false
			worker.read, worker.write = keyspan{}, keyspan{}
			continue
		}

		results[a.q.idx] = &Result{ID: t.ID, Output: t.lastOutput, ReadSet: readSet, WriteSet: writeSet, Rescheduled: t.rescheduled}
		worker.busy = false
		worker.read, worker.write = keyspan{}, keyspan{}
	}

	return retry
}

// checkDrift reports a key-hint violation if t declared a hint but its
// observed sets escaped it.
func checkDrift(t *Transition, readSet, writeSet types.KeySet) error {
	if t.discovery() {
		return nil
	}
	for _, k := range readSet.Keys() {
		if !t.ReadHint.Has(k) && !t.WriteHint.Has(k) {
			return fmt.Errorf("%w: read key outside declared hint", types.ErrKeyHintViolation)
		}
	}
	for _, k := range writeSet.Keys() {
		if !t.WriteHint.Has(k) {
			return fmt.Errorf("%w: write key outside declared hint", types.ErrKeyHintViolation)
		}
	}
	return nil
}
