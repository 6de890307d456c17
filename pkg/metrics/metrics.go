// Package metrics is a thin Prometheus abstraction generalized from the
// reference cache's pkg/metrics.go: a Sink interface with a noop
// implementation (used when no registry is supplied) and a Prometheus
// implementation, so the hot path never pays for metric updates unless a
// caller opts in via coordinator.WithMetricsRegistry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sink is the internal interface the cache layers, scheduler, sandbox, and
// determinism verifier report through. Not exposed outside this package's
// factory — callers only see the Sink interface.
type Sink interface {
	IncCacheHit(layer string)
	IncCacheMiss(layer string)
	IncCacheEviction(layer string)
	AddGCReclaimedBytes(n int64)
	IncNodeCompleted(kind string)
	IncNodeRetried(kind string)
	IncNodeFailedPermanent(kind string)
	ObserveBuildDuration(kind string, seconds float64)
	IncSandboxViolation()
	IncDeterminismViolation()
}

type noopSink struct{}

func (noopSink) IncCacheHit(string)              {}
func (noopSink) IncCacheMiss(string)             {}
func (noopSink) IncCacheEviction(string)         {}
func (noopSink) AddGCReclaimedBytes(int64)       {}
func (noopSink) IncNodeCompleted(string)         {}
func (noopSink) IncNodeRetried(string)           {}
func (noopSink) IncNodeFailedPermanent(string)   {}
func (noopSink) ObserveBuildDuration(string, float64) {}
func (noopSink) IncSandboxViolation()            {}
func (noopSink) IncDeterminismViolation()        {}

type promSink struct {
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	gcReclaimed    prometheus.Counter
	nodeCompleted  *prometheus.CounterVec
	nodeRetried    *prometheus.CounterVec
	nodeFailed     *prometheus.CounterVec
	buildDuration  *prometheus.HistogramVec
	sandboxViol    prometheus.Counter
	determinism    prometheus.Counter
}

func newPromSink(reg *prometheus.Registry) *promSink {
	layer := []string{"layer"}
	kind := []string{"kind"}
	p := &promSink{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildcore", Name: "cache_hits_total", Help: "Cache hits per layer.",
		}, layer),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildcore", Name: "cache_misses_total", Help: "Cache misses per layer.",
		}, layer),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildcore", Name: "cache_evictions_total", Help: "Entries evicted per layer.",
		}, layer),
		gcReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildcore", Name: "gc_reclaimed_bytes_total", Help: "Bytes reclaimed by blob GC.",
		}),
		nodeCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildcore", Name: "scheduler_nodes_completed_total", Help: "Nodes reaching Success or Cached, by target kind.",
		}, kind),
		nodeRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildcore", Name: "scheduler_nodes_retried_total", Help: "Node retry attempts, by target kind.",
		}, kind),
		nodeFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildcore", Name: "scheduler_nodes_failed_total", Help: "Nodes permanently Failed, by target kind.",
		}, kind),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "buildcore", Name: "build_duration_seconds", Help: "Wall-clock duration of a single action execution.",
		}, kind),
		sandboxViol: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildcore", Name: "sandbox_violations_total", Help: "Sandbox spec validation failures.",
		}),
		determinism: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildcore", Name: "determinism_violations_total", Help: "Non-deterministic actions detected.",
		}),
	}
	reg.MustRegister(p.cacheHits, p.cacheMisses, p.cacheEvictions, p.gcReclaimed,
		p.nodeCompleted, p.nodeRetried, p.nodeFailed, p.buildDuration, p.sandboxViol, p.determinism)
	return p
}

func (p *promSink) IncCacheHit(layer string)      { p.cacheHits.WithLabelValues(layer).Inc() }
func (p *promSink) IncCacheMiss(layer string)     { p.cacheMisses.WithLabelValues(layer).Inc() }
func (p *promSink) IncCacheEviction(layer string) { p.cacheEvictions.WithLabelValues(layer).Inc() }
func (p *promSink) AddGCReclaimedBytes(n int64)   { p.gcReclaimed.Add(float64(n)) }
func (p *promSink) IncNodeCompleted(kind string)  { p.nodeCompleted.WithLabelValues(kind).Inc() }
func (p *promSink) IncNodeRetried(kind string)    { p.nodeRetried.WithLabelValues(kind).Inc() }
func (p *promSink) IncNodeFailedPermanent(kind string) { p.nodeFailed.WithLabelValues(kind).Inc() }
func (p *promSink) ObserveBuildDuration(kind string, seconds float64) {
	p.buildDuration.WithLabelValues(kind).Observe(seconds)
}
func (p *promSink) IncSandboxViolation()     { p.sandboxViol.Inc() }
func (p *promSink) IncDeterminismViolation() { p.determinism.Inc() }

// NewSink decides which implementation to use: nil registry ⇒ no-op, per
// the reference cache's "user must opt-in to metrics" default.
func NewSink(reg *prometheus.Registry) Sink {
	if reg == nil {
		return noopSink{}
	}
	return newPromSink(reg)
}
