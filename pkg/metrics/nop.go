package metrics

import "time"

// Nop is a no-op Metrics implementation, used when metrics collection is
// disabled (`[metrics] enabled = false`).
type Nop struct{}

// NewNop creates a Nop metrics sink.
func NewNop() *Nop {
	return &Nop{}
}

func (Nop) SetBlockHeight(int64)             {}
func (Nop) ObserveCommitLatency(time.Duration) {}
func (Nop) IncEpochs()                       {}
func (Nop) SetWorkerUtilization(float64)     {}
func (Nop) IncTransitionsExecuted()          {}
func (Nop) IncTransitionsRescheduled()       {}
func (Nop) IncCacheHit()                     {}
func (Nop) IncCacheMiss()                    {}
func (Nop) SetCacheSize(int)                 {}
func (Nop) IncStoreGets()                    {}
func (Nop) IncStoreWrites()                  {}
func (Nop) ObserveStoreLatency(string, time.Duration) {}
