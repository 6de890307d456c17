package graph

import (
	"sync"

	buildcoreerrors "github.com/buildcore/buildcore/pkg/errors"
	"github.com/buildcore/buildcore/pkg/model"
)

// ValidationMode controls when cycle detection runs, per spec.md §3/§4.9.
type ValidationMode uint8

const (
	Immediate ValidationMode = iota
	Deferred
)

// BuildGraph owns all nodes keyed by id. Structural mutation (AddTarget,
// AddDependency) must complete before scheduling starts — it is not
// concurrent with execution, per spec.md §5's discipline table.
type BuildGraph struct {
	mode ValidationMode

	mu        sync.RWMutex
	nodes     map[model.TargetId]*BuildNode
	validated bool
}

// New constructs an empty graph in the given validation mode.
func New(mode ValidationMode) *BuildGraph {
	return &BuildGraph{mode: mode, nodes: make(map[model.TargetId]*BuildNode)}
}

// Mode reports the graph's validation mode.
func (g *BuildGraph) Mode() ValidationMode { return g.mode }

// Validated reports whether Validate has succeeded since the last
// structural mutation.
func (g *BuildGraph) Validated() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validated
}

// Node returns the node for id, or nil if absent.
func (g *BuildGraph) Node(id model.TargetId) *BuildNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Nodes returns a snapshot slice of every node, in no particular order.
func (g *BuildGraph) Nodes() []*BuildNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*BuildNode, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	return out
}

// Len returns the number of nodes currently in the graph.
func (g *BuildGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// AddTarget inserts a node for t. Errors with DuplicateTarget if t.ID is
// already present.
func (g *BuildGraph) AddTarget(t model.Target) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.nodes[t.ID]; exists {
		return buildcoreerrors.Newf(buildcoreerrors.DuplicateTarget, "graph",
			"target %q already present", t.ID).WithContext("targetId", t.ID)
	}
	g.nodes[t.ID] = newNode(t)
	g.validated = false
	return nil
}

// AddDependency records that `from` depends on `to`. Errors with
// NodeNotFound if either id is absent. In Immediate mode, a DFS from `to`
// looking for `from` runs inline and returns GraphCycle (graph unchanged)
// if found; in Deferred mode no cycle check happens here.
func (g *BuildGraph) AddDependency(from, to model.TargetId) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	fromNode, ok := g.nodes[from]
	if !ok {
		return buildcoreerrors.Newf(buildcoreerrors.NodeNotFound, "graph", "unknown target %q", from)
	}
	toNode, ok := g.nodes[to]
	if !ok {
		return buildcoreerrors.Newf(buildcoreerrors.NodeNotFound, "graph", "unknown target %q", to)
	}

	if g.mode == Immediate {
		if g.reachableLocked(to, from) {
			return buildcoreerrors.Newf(buildcoreerrors.GraphCycle, "graph",
				"adding dependency %q -> %q would create a cycle", from, to).
				WithContext("from", from).WithContext("to", to)
		}
	}

	fromNode.DependencyIDs = append(fromNode.DependencyIDs, to)
	toNode.DependentIDs = append(toNode.DependentIDs, from)

	// Edge addition invalidates memoized depth for `from` and cascades
	// upward to its dependents, per spec.md §4.9.
	g.invalidateDepthCascadeLocked(from)

	g.validated = false
	return nil
}

// reachableLocked runs a DFS from start looking for target, used by the
// Immediate-mode cycle check. Caller must hold g.mu.
func (g *BuildGraph) reachableLocked(start, target model.TargetId) bool {
	if start == target {
		return true
	}
	visited := make(map[model.TargetId]bool)
	var stack []model.TargetId
	stack = append(stack, start)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		if cur == target {
			return true
		}
		n := g.nodes[cur]
		if n == nil {
			continue
		}
		for _, dep := range n.DependencyIDs {
			if !visited[dep] {
				stack = append(stack, dep)
			}
		}
	}
	return false
}

func (g *BuildGraph) invalidateDepthCascadeLocked(id model.TargetId) {
	visited := make(map[model.TargetId]bool)
	var stack []model.TargetId
	stack = append(stack, id)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		n := g.nodes[cur]
		if n == nil {
			continue
		}
		n.invalidateDepth()
		stack = append(stack, n.DependentIDs...)
	}
}

// Validate performs an O(V+E) topological sort that both checks for cycles
// and marks the graph validated. It is idempotent: two successive calls on
// an unchanged graph return the same result, per spec.md §8.
func (g *BuildGraph) Validate() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.topologicalSortLocked(); err != nil {
		g.validated = false
		return err
	}
	g.validated = true
	return nil
}

// TopologicalSort returns nodes in dependency-first order, or GraphCycle if
// the graph is not acyclic.
func (g *BuildGraph) TopologicalSort() ([]*BuildNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.topologicalSortLocked()
}

func (g *BuildGraph) topologicalSortLocked() ([]*BuildNode, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[model.TargetId]int, len(g.nodes))
	order := make([]*BuildNode, 0, len(g.nodes))

	var visit func(id model.TargetId) error
	visit = func(id model.TargetId) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return buildcoreerrors.Newf(buildcoreerrors.GraphCycle, "graph",
				"cycle detected at target %q", id).WithContext("targetId", id)
		}
		color[id] = gray
		n := g.nodes[id]
		for _, dep := range n.DependencyIDs {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		order = append(order, n)
		return nil
	}

	// Deterministic iteration isn't required by spec.md, but sorting ids
	// keeps error messages ("cycle detected at target X") and test output
	// reproducible across runs.
	ids := make([]model.TargetId, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sortTargetIDs(ids)

	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

func sortTargetIDs(ids []model.TargetId) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// GetReadyNodes returns every node that is Pending with all dependencies in
// {Success, Cached} — spec.md §3's "ready set."
func (g *BuildGraph) GetReadyNodes() []*BuildNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ready []*BuildNode
	for _, n := range g.nodes {
		if n.Status() != Pending {
			continue
		}
		allDepsDone := true
		for _, dep := range n.DependencyIDs {
			d := g.nodes[dep]
			if d == nil || (d.Status() != Success && d.Status() != Cached) {
				allDepsDone = false
				break
			}
		}
		if allDepsDone {
			ready = append(ready, n)
		}
	}
	return ready
}

// Depth returns the memoized longest-path length from node down to a node
// with no dependencies,
// satisfying spec.md §8's invariant: depth(n) = 0 iff n has no
// dependencies, else 1 + max(depth(dep)). A visited-set guards against an
// infinite loop if a cycle was introduced before Validate ran.
func (g *BuildGraph) Depth(node *BuildNode) int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.depthLocked(node, make(map[model.TargetId]bool))
}

func (g *BuildGraph) depthLocked(node *BuildNode, visiting map[model.TargetId]bool) int64 {
	if d, ok := node.cachedDepth(); ok {
		return d
	}
	if visiting[node.ID] {
		return 0 // cycle present before validation; terminate rather than loop forever
	}
	visiting[node.ID] = true
	defer delete(visiting, node.ID)

	if len(node.DependencyIDs) == 0 {
		node.storeDepth(0)
		return 0
	}
	var maxDep int64 = -1
	for _, depID := range node.DependencyIDs {
		dep := g.nodes[depID]
		if dep == nil {
			continue
		}
		d := g.depthLocked(dep, visiting)
		if d > maxDep {
			maxDep = d
		}
	}
	depth := maxDep + 1
	node.storeDepth(depth)
	return depth
}

// Stats summarizes graph topology, per spec.md §4.9.
type Stats struct {
	TotalNodes        int
	TotalEdges        int
	MaxDepth          int64
	MaxParallelism    int
	CriticalPathLength int64
}

// Stats computes totalNodes, totalEdges, maxDepth, maxParallelism (the
// largest depth-level by node count), and criticalPathLength (using unit
// cost per node, i.e. maxDepth + 1).
func (g *BuildGraph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var s Stats
	s.TotalNodes = len(g.nodes)
	byDepth := make(map[int64]int)
	visiting := make(map[model.TargetId]bool)
	for _, n := range g.nodes {
		s.TotalEdges += len(n.DependencyIDs)
		d := g.depthLocked(n, visiting)
		if d > s.MaxDepth {
			s.MaxDepth = d
		}
		byDepth[d]++
	}
	for _, count := range byDepth {
		if count > s.MaxParallelism {
			s.MaxParallelism = count
		}
	}
	s.CriticalPathLength = s.MaxDepth + 1
	return s
}

// CriticalPath computes, for every node, cost = ownCost + max(dependent
// costs), using costFn to price each node. It returns a map from TargetId
// to that aggregate cost, which the scheduler uses to prioritize its ready
// queue (higher cost dispatched first).
func (g *BuildGraph) CriticalPath(costFn func(*BuildNode) float64) map[model.TargetId]float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	memo := make(map[model.TargetId]float64, len(g.nodes))
	var compute func(id model.TargetId, visiting map[model.TargetId]bool) float64
	compute = func(id model.TargetId, visiting map[model.TargetId]bool) float64 {
		if v, ok := memo[id]; ok {
			return v
		}
		n := g.nodes[id]
		if n == nil || visiting[id] {
			return 0
		}
		visiting[id] = true
		defer delete(visiting, id)

		own := costFn(n)
		var maxDependent float64
		for _, depID := range n.DependentIDs {
			c := compute(depID, visiting)
			if c > maxDependent {
				maxDependent = c
			}
		}
		total := own + maxDependent
		memo[id] = total
		return total
	}

	out := make(map[model.TargetId]float64, len(g.nodes))
	visiting := make(map[model.TargetId]bool)
	for id := range g.nodes {
		out[id] = compute(id, visiting)
	}
	return out
}
