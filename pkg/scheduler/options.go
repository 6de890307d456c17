package scheduler

import (
	"runtime"
	"time"

	"github.com/buildcore/buildcore/pkg/events"
	"github.com/buildcore/buildcore/pkg/metrics"
	"github.com/buildcore/buildcore/pkg/sandbox"
	"go.uber.org/zap"
)

// FailureMode resolves spec.md §9's open question on how a Failed node's
// transitive dependents are treated: FailFast marks them Failed without
// ever attempting them; KeepGoing lets their pendingDeps counter still
// decrement (a Failed dependency "satisfies" the join, per the decision
// recorded for this implementation) so independent siblings keep making
// progress and only the actually-affected chain fails downstream.
type FailureMode uint8

const (
	FailFast FailureMode = iota
	KeepGoing
)

// DefaultMaxRetries, DefaultBackoffBase, DefaultBackoffCap resolve spec.md
// §9's open question on retry count/backoff schedule for BuildFailure.
const (
	DefaultMaxRetries  = 2
	DefaultBackoffBase = 100 * time.Millisecond
	DefaultBackoffCap  = 5 * time.Second
)

// Options configures a Scheduler at construction time.
type Options struct {
	Concurrency int
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	FailureMode FailureMode

	Handler  LanguageHandler
	Cache    CacheChecker
	Sandbox  sandbox.Spec
	CostFn   func(kind string) float64

	Metrics metrics.Sink
	Events  events.Publisher
	Logger  *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = runtime.NumCPU()
	} else if o.Concurrency > runtime.NumCPU() {
		// spec.md §4.10 step 2: worker pool = min(configuredConcurrency, CPU count).
		o.Concurrency = runtime.NumCPU()
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewSink(nil)
	}
	if o.Events == nil {
		o.Events = events.NopPublisher{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.CostFn == nil {
		o.CostFn = func(string) float64 { return 1 }
	}
}
