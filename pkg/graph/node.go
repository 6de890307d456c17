// Package graph implements the Build Graph (C9): a validated DAG of
// targets with concurrency-safe node state. Edges are stored by id, never
// by pointer — per spec.md §9, this breaks the cyclic-ownership problem
// dependency/dependent back-references would otherwise create, while
// preserving O(1) neighbor lookup through the graph's node map.
package graph

import (
	"sync/atomic"

	"github.com/buildcore/buildcore/pkg/model"
)

// Status is a node's position in the state machine from spec.md §3:
// Pending → Building → {Success, Failed, Cached}.
type Status int32

const (
	Pending Status = iota
	Building
	Success
	Failed
	Cached
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Building:
		return "Building"
	case Success:
		return "Success"
	case Failed:
		return "Failed"
	case Cached:
		return "Cached"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is one of the build's terminal states.
func (s Status) Terminal() bool {
	return s == Success || s == Failed || s == Cached
}

// BuildNode is exclusively owned by BuildGraph. dependencyIds/dependentIds
// are write-once during construction and read-only thereafter; status,
// retryCount, and pendingDeps are shared-mutable and accessed only via
// atomics, per spec.md §3 and §5.
type BuildNode struct {
	ID             model.TargetId
	Target         model.Target
	DependencyIDs  []model.TargetId
	DependentIDs   []model.TargetId

	status      atomic.Int32
	retryCount  atomic.Int32
	pendingDeps atomic.Int32

	outputHash atomic.Value // string
	lastError  atomic.Value // error

	depthCache atomic.Int64 // -1 = not memoized
}

func newNode(t model.Target) *BuildNode {
	n := &BuildNode{ID: t.ID, Target: t.Clone()}
	n.status.Store(int32(Pending))
	n.depthCache.Store(-1)
	return n
}

// Status returns the node's current status via an acquire load.
func (n *BuildNode) Status() Status { return Status(n.status.Load()) }

// CompareAndSwapStatus attempts the Pending→Building (or any other)
// transition via CAS, giving the scheduler a lock-free way to claim a node
// — "failure to CAS ⇒ retry selection (no lock)" per spec.md §4.10.
func (n *BuildNode) CompareAndSwapStatus(from, to Status) bool {
	return n.status.CompareAndSwap(int32(from), int32(to))
}

// SetStatus publishes a new status unconditionally (used for forced
// transitions like Cancelled or cascaded Failed).
func (n *BuildNode) SetStatus(s Status) { n.status.Store(int32(s)) }

// RetryCount/IncRetry expose the atomic retry counter.
func (n *BuildNode) RetryCount() int  { return int(n.retryCount.Load()) }
func (n *BuildNode) IncRetry() int32  { return n.retryCount.Add(1) }

// PendingDeps/SetPendingDeps/DecrementPendingDeps implement the scheduler's
// release/acquire join counter described in spec.md §4.10 step 1 and §5
// ("Ordering").
func (n *BuildNode) PendingDeps() int32 { return n.pendingDeps.Load() }
func (n *BuildNode) SetPendingDeps(v int32) { n.pendingDeps.Store(v) }
func (n *BuildNode) DecrementPendingDeps() int32 { return n.pendingDeps.Add(-1) }

// OutputHash/SetOutputHash are published only together with a terminal
// status transition so that any reader observing Success/Cached also
// observes a consistent OutputHash, per spec.md §5's ordering guarantee.
func (n *BuildNode) OutputHash() string {
	if v := n.outputHash.Load(); v != nil {
		return v.(string)
	}
	return ""
}
func (n *BuildNode) SetOutputHash(h string) { n.outputHash.Store(h) }

// LastError/SetLastError carry the most recent failure for diagnostics.
func (n *BuildNode) LastError() error {
	if v := n.lastError.Load(); v != nil {
		return v.(error)
	}
	return nil
}
func (n *BuildNode) SetLastError(err error) {
	if err == nil {
		return
	}
	n.lastError.Store(err)
}

func (n *BuildNode) cachedDepth() (int64, bool) {
	d := n.depthCache.Load()
	if d < 0 {
		return 0, false
	}
	return d, true
}

func (n *BuildNode) storeDepth(d int64)  { n.depthCache.Store(d) }
func (n *BuildNode) invalidateDepth()    { n.depthCache.Store(-1) }
