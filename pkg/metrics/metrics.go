// Package metrics defines the engine's metrics contract, grounded on
// blockberries-blockberry's pkg/metrics/{metrics,prometheus}.go
// interface-plus-nop pattern, retargeted from peer/sync/network metrics
// to scheduler epochs, worker utilization, cache hit rate, and commit
// latency.
package metrics

import "time"

// Metrics is the engine's observability surface. Implementations must be
// safe for concurrent use; the scheduler calls these from worker
// goroutines.
type Metrics interface {
	// SetBlockHeight records the height of the block currently (or most
	// recently) being processed.
	SetBlockHeight(height int64)

	// ObserveCommitLatency records how long a Commit call took.
	ObserveCommitLatency(d time.Duration)

	// IncEpochs counts one scheduler epoch (one sweep+run+merge cycle).
	IncEpochs()

	// SetWorkerUtilization records the fraction of virtual workers busy
	// during the epoch just completed (0.0-1.0).
	SetWorkerUtilization(fraction float64)

	// IncTransitionsExecuted counts one transition reaching a terminal
	// Result (success or error), excluding intermediate reschedules.
	IncTransitionsExecuted()

	// IncTransitionsRescheduled counts one transition that was aborted and
	// rescheduled (key-hint drift or speculative abort) at least once,
	// however many retries it took.
	IncTransitionsRescheduled()

	// IncCacheHit/IncCacheMiss count result-cache lookups.
	IncCacheHit()
	IncCacheMiss()

	// SetCacheSize records the current number of cached entries.
	SetCacheSize(entries int)

	// IncStoreGets/IncStoreWrites count KVStore-level operations.
	IncStoreGets()
	IncStoreWrites()

	// ObserveStoreLatency records latency of a single store operation.
	ObserveStoreLatency(op string, d time.Duration)
}
