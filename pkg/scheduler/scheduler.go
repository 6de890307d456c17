// Package scheduler implements the topological parallel executor (C10): a
// work-stealing dispatcher over the per-worker deques of internal/workring,
// honoring pendingDeps join counters, a bounded retry policy with
// exponential backoff, and cooperative cancellation.
package scheduler

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildcore/buildcore/internal/workring"
	"github.com/buildcore/buildcore/pkg/errors"
	"github.com/buildcore/buildcore/pkg/events"
	"github.com/buildcore/buildcore/pkg/graph"
	"github.com/buildcore/buildcore/pkg/model"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Result summarizes one Run() invocation, per spec.md §8's scenario
// assertions ("scheduler reports 2 cached, 0 built").
type Result struct {
	Built     int
	Cached    int
	Failed    int
	Cancelled bool
}

// Scheduler executes a validated BuildGraph to completion.
type Scheduler struct {
	opts Options
	g    *graph.BuildGraph

	pool *workring.Pool[model.TargetId]
	next atomic.Int32 // round-robin cursor over pool workers

	cancelled atomic.Bool
	sf        singleflight.Group

	mu     sync.Mutex
	result Result
}

// New constructs a Scheduler bound to g.
func New(g *graph.BuildGraph, opts Options) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{
		opts: opts,
		g:    g,
		pool: workring.NewPool[model.TargetId](opts.Concurrency),
	}
}

// Cancel requests cooperative shutdown; in-flight workers finish their
// current suspension point, mark their node Failed(Cancelled), and exit.
func (s *Scheduler) Cancel() { s.cancelled.Store(true) }

// Run executes the graph to completion: every node reaches a terminal
// status, or cancellation fires.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	if !s.g.Validated() {
		if err := s.g.Validate(); err != nil {
			return Result{}, err
		}
	}

	for _, n := range s.g.Nodes() {
		n.SetPendingDeps(int32(len(n.DependencyIDs)))
	}

	priorities := s.g.CriticalPath(func(n *graph.BuildNode) float64 {
		return s.opts.CostFn(n.Target.Kind.String())
	})
	ready := s.g.GetReadyNodes()
	sortByPriorityDesc(ready, priorities)
	for _, n := range ready {
		s.enqueue(n.ID)
	}

	eg, egctx := errgroup.WithContext(ctx)
	for i := 0; i < s.opts.Concurrency; i++ {
		i := i
		eg.Go(func() error { return s.workerLoop(egctx, i) })
	}
	err := eg.Wait()

	s.mu.Lock()
	res := s.result
	s.mu.Unlock()
	res.Cancelled = s.cancelled.Load()
	return res, err
}

func (s *Scheduler) enqueue(id model.TargetId) {
	i := int(s.next.Add(1)) % s.opts.Concurrency
	s.pool.Local(i).PushBottom(id)
}

func (s *Scheduler) workerLoop(ctx context.Context, worker int) error {
	idleSpins := 0
	for {
		if s.cancelled.Load() || ctx.Err() != nil {
			return nil
		}

		id, ok := s.pool.Local(worker).PopBottom()
		if !ok {
			id, ok = s.pool.StealFrom(worker)
		}
		if !ok {
			if s.isDrained() {
				return nil
			}
			idleSpins++
			time.Sleep(time.Duration(minInt(idleSpins, 20)) * time.Millisecond)
			continue
		}
		idleSpins = 0

		node := s.g.Node(id)
		if node == nil || !node.CompareAndSwapStatus(graph.Pending, graph.Building) {
			continue // lost the CAS race or stale id; another worker has it
		}

		s.opts.Events.Publish(events.Event{Kind: events.NodeBuilding, Fields: map[string]any{"targetId": string(id)}})
		s.buildNode(ctx, node)
	}
}

func (s *Scheduler) buildNode(ctx context.Context, node *graph.BuildNode) {
	cached, err := s.checkCached(ctx, node)
	if err != nil {
		s.failNode(node, err)
		return
	}
	if cached {
		node.SetStatus(graph.Cached)
		s.opts.Metrics.IncNodeCompleted(node.Target.Kind.String())
		s.opts.Events.Publish(events.Event{Kind: events.NodeCached, Fields: map[string]any{"targetId": string(node.ID)}})
		s.recordTerminal(true, false)
		s.completeNode(node)
		return
	}

	outputHash, buildErr := s.executeWithRetry(ctx, node)
	if buildErr != nil {
		s.failNode(node, buildErr)
		return
	}
	node.SetOutputHash(outputHash)
	node.SetStatus(graph.Success)
	s.opts.Metrics.IncNodeCompleted(node.Target.Kind.String())
	s.opts.Events.Publish(events.Event{Kind: events.NodeSuccess, Fields: map[string]any{"targetId": string(node.ID)}})
	s.recordTerminal(false, true)
	s.completeNode(node)
}

// checkCached dedupes concurrent isCached probes for the same target
// arriving from multiple workers racing the same dependency fan-in, via
// singleflight — grounded directly on the reference cache's pkg/loader.go.
func (s *Scheduler) checkCached(ctx context.Context, node *graph.BuildNode) (bool, error) {
	if s.opts.Cache == nil {
		return false, nil
	}
	v, err, _ := s.sf.Do(string(node.ID), func() (any, error) {
		return s.opts.Cache.IsCached(ctx, node.ID, node.Target.Sources, node.DependencyIDs)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *Scheduler) executeWithRetry(ctx context.Context, node *graph.BuildNode) (string, error) {
	if err := s.opts.Sandbox.Validate(); err != nil {
		s.opts.Metrics.IncSandboxViolation()
		s.opts.Events.Publish(events.Event{Kind: events.SandboxViolation, Fields: map[string]any{"targetId": string(node.ID), "error": err.Error()}})
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if s.cancelled.Load() || ctx.Err() != nil {
			return "", errors.New(errors.Cancelled, "scheduler", "build cancelled").WithContext("targetId", node.ID)
		}
		start := time.Now()
		outputHash, _, err := s.opts.Handler.BuildWithContext(ctx, node.Target, node.Target.Sources, node.DependencyIDs, s.opts.Sandbox)
		s.opts.Metrics.ObserveBuildDuration(node.Target.Kind.String(), time.Since(start).Seconds())
		if err == nil {
			return outputHash, nil
		}
		lastErr = err
		kind, _ := errors.KindOf(err)
		if !kind.Retryable() || attempt == s.opts.MaxRetries {
			return "", err
		}
		node.IncRetry()
		s.opts.Metrics.IncNodeRetried(node.Target.Kind.String())
		s.opts.Events.Publish(events.Event{Kind: events.NodeRetry, Fields: map[string]any{"targetId": string(node.ID), "attempt": attempt + 1}})
		select {
		case <-time.After(backoffFor(attempt, s.opts.BackoffBase, s.opts.BackoffCap)):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

func backoffFor(attempt int, base, maxBackoff time.Duration) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (s *Scheduler) failNode(node *graph.BuildNode, err error) {
	node.SetLastError(err)
	node.SetStatus(graph.Failed)
	s.opts.Metrics.IncNodeFailedPermanent(node.Target.Kind.String())
	s.opts.Events.Publish(events.Event{Kind: events.NodeFailed, Fields: map[string]any{"targetId": string(node.ID), "error": err.Error()}})
	s.recordTerminal(false, false)

	if s.opts.FailureMode == FailFast {
		s.propagateFailure(node)
		return
	}
	s.completeNode(node)
}

// propagateFailure marks every transitive dependent of node Failed without
// ever attempting them, per spec.md §4.10's fail-fast mode.
func (s *Scheduler) propagateFailure(node *graph.BuildNode) {
	visited := make(map[model.TargetId]bool)
	stack := append([]model.TargetId(nil), node.DependentIDs...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true

		d := s.g.Node(id)
		if d == nil {
			continue
		}
		if d.Status() == graph.Pending {
			d.SetStatus(graph.Failed)
			d.SetLastError(errors.New(errors.BuildFailure, "scheduler", "dependency failed").CausedBy(string(node.ID)))
			s.opts.Metrics.IncNodeFailedPermanent(d.Target.Kind.String())
			s.opts.Events.Publish(events.Event{Kind: events.NodeFailed, Fields: map[string]any{"targetId": string(id), "causedBy": string(node.ID)}})
			s.recordTerminal(false, false)
		}
		stack = append(stack, d.DependentIDs...)
	}
}

// completeNode decrements every dependent's pendingDeps counter and enqueues
// it once the counter reaches zero — a Failed node still satisfies the join
// here (the open question's chosen resolution), letting independent
// siblings keep progressing while the truly dependent chain fails once it
// actually runs and finds missing inputs.
func (s *Scheduler) completeNode(node *graph.BuildNode) {
	for _, depID := range node.DependentIDs {
		d := s.g.Node(depID)
		if d == nil {
			continue
		}
		if d.DecrementPendingDeps() == 0 && d.Status() == graph.Pending {
			s.enqueue(d.ID)
		}
	}
}

func (s *Scheduler) recordTerminal(cached, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case cached:
		s.result.Cached++
	case success:
		s.result.Built++
	default:
		s.result.Failed++
	}
}

func (s *Scheduler) isDrained() bool {
	if s.pool.TotalLen() > 0 {
		return false
	}
	for _, n := range s.g.Nodes() {
		if n.Status() == graph.Building {
			return false
		}
	}
	return true
}

func sortByPriorityDesc(nodes []*graph.BuildNode, priorities map[model.TargetId]float64) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && priorities[nodes[j].ID] > priorities[nodes[j-1].ID]; j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
