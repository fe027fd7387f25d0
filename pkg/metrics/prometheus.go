package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Metrics using github.com/prometheus/client_golang,
// grounded on blockberries-blockberry's metrics/prometheus.go
// registry-plus-typed-metric construction pattern.
type Prometheus struct {
	registry *prometheus.Registry

	blockHeight        prometheus.Gauge
	commitLatency      prometheus.Histogram
	epochs             prometheus.Counter
	workerUtilization  prometheus.Gauge
	transitionsExec    prometheus.Counter
	transitionsResched prometheus.Counter
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	cacheSize          prometheus.Gauge
	storeGets          prometheus.Counter
	storeWrites        prometheus.Counter
	storeLatency       *prometheus.HistogramVec
}

// NewPrometheus creates a Prometheus metrics sink registered under
// namespace, with its own registry (so the engine never pollutes the
// global default registry).
func NewPrometheus(namespace string) *Prometheus {
	registry := prometheus.NewRegistry()

	m := &Prometheus{
		registry: registry,
		blockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "block_height", Help: "Height of the block currently or most recently processed.",
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "commit_latency_seconds", Help: "Latency of Commit calls.",
		}),
		epochs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduler_epochs_total", Help: "Total scheduler epochs executed.",
		}),
		workerUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "worker_utilization", Help: "Fraction of virtual workers busy in the last epoch.",
		}),
		transitionsExec: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transitions_executed_total", Help: "Transitions reaching a terminal result.",
		}),
		transitionsResched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transitions_rescheduled_total", Help: "Transitions aborted and rescheduled.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "result_cache_hits_total", Help: "Result cache lookups that hit.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "result_cache_misses_total", Help: "Result cache lookups that missed.",
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "result_cache_size", Help: "Current number of cached entries.",
		}),
		storeGets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_gets_total", Help: "Total KVStore Get calls.",
		}),
		storeWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_writes_total", Help: "Total KVStore Put/Delete calls.",
		}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "store_op_latency_seconds", Help: "Latency of a single store operation.",
		}, []string{"op"}),
	}

	registry.MustRegister(
		m.blockHeight, m.commitLatency, m.epochs, m.workerUtilization,
		m.transitionsExec, m.transitionsResched, m.cacheHits, m.cacheMisses,
		m.cacheSize, m.storeGets, m.storeWrites, m.storeLatency,
	)

	return m
}

// Registry returns the underlying Prometheus registry, for wiring into
// promhttp.HandlerFor by the CLI's metrics server.
func (m *Prometheus) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Prometheus) SetBlockHeight(height int64)            { m.blockHeight.Set(float64(height)) }
func (m *Prometheus) ObserveCommitLatency(d time.Duration)   { m.commitLatency.Observe(d.Seconds()) }
func (m *Prometheus) IncEpochs()                             { m.epochs.Inc() }
func (m *Prometheus) SetWorkerUtilization(fraction float64)  { m.workerUtilization.Set(fraction) }
func (m *Prometheus) IncTransitionsExecuted()                { m.transitionsExec.Inc() }
func (m *Prometheus) IncTransitionsRescheduled()              { m.transitionsResched.Inc() }
func (m *Prometheus) IncCacheHit()                            { m.cacheHits.Inc() }
func (m *Prometheus) IncCacheMiss()                           { m.cacheMisses.Inc() }
func (m *Prometheus) SetCacheSize(entries int)                { m.cacheSize.Set(float64(entries)) }
func (m *Prometheus) IncStoreGets()                           { m.storeGets.Inc() }
func (m *Prometheus) IncStoreWrites()                         { m.storeWrites.Inc() }
func (m *Prometheus) ObserveStoreLatency(op string, d time.Duration) {
	m.storeLatency.WithLabelValues(op).Observe(d.Seconds())
}
