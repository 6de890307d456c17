package graph

import (
	"github.com/buildcore/buildcore/internal/codec"
	"github.com/buildcore/buildcore/pkg/model"
)

// GraphCacheVersion is the Version byte written into every serialized
// graph payload. Bumping it makes every existing graph.bin a miss, per
// spec.md §6 ("Unknown Version bytes ⇒ treat as miss and rewrite").
const GraphCacheVersion uint8 = 1

// Serialize encodes g per spec.md §6's GraphCache grammar:
//
//	Magic(BGRF) Version(1) NodeCountBE(4) Node* EdgeCountBE(4) Edge*
//	RootCountBE(4) Root* ValidationModeByte(1) ValidatedBool(1)
//
// "Roots" are targets nothing else depends on — the top-level entrypoints a
// caller would have requested to build.
func (g *BuildGraph) Serialize() []byte {
	g.mu.RLock()
	defer g.mu.RUnlock()

	w := codec.NewWriter()
	w.WriteUint8(codec.MagicGraphCache[0])
	w.WriteUint8(codec.MagicGraphCache[1])
	w.WriteUint8(codec.MagicGraphCache[2])
	w.WriteUint8(codec.MagicGraphCache[3])
	w.WriteUint8(GraphCacheVersion)

	ids := make([]model.TargetId, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sortTargetIDs(ids)

	w.WriteUint32(uint32(len(ids)))
	var edgeCount uint32
	for _, id := range ids {
		n := g.nodes[id]
		writeNode(w, n)
		edgeCount += uint32(len(n.DependencyIDs))
	}

	w.WriteUint32(edgeCount)
	for _, id := range ids {
		n := g.nodes[id]
		for _, dep := range n.DependencyIDs {
			w.WriteString(string(n.ID))
			w.WriteString(string(dep))
		}
	}

	var roots []model.TargetId
	for _, id := range ids {
		if len(g.nodes[id].DependentIDs) == 0 {
			roots = append(roots, id)
		}
	}
	w.WriteUint32(uint32(len(roots)))
	for _, r := range roots {
		w.WriteString(string(r))
	}

	w.WriteUint8(uint8(g.mode))
	w.WriteBool(g.validated)

	return w.Bytes()
}

func writeNode(w *codec.Writer, n *BuildNode) {
	w.WriteString(string(n.ID))
	w.WriteUint8(uint8(n.Target.Kind))
	w.WriteUint32(uint32(len(n.Target.Sources)))
	for _, s := range n.Target.Sources {
		w.WriteString(s)
	}
	w.WriteUint8(uint8(n.Status()))
	w.WriteUint32(uint32(n.RetryCount()))
	w.WriteString(n.OutputHash())
}

// Deserialize decodes bytes produced by Serialize into a fresh graph with
// Validated set from the encoded flag — the graph-cache fast path skips
// re-validation entirely on a hit.
func Deserialize(b []byte) (*BuildGraph, error) {
	rest, err := codec.CheckMagicVersion(b, codec.MagicGraphCache, GraphCacheVersion)
	if err != nil {
		return nil, err
	}
	r := codec.NewReader(rest)

	nodeCount := r.ReadUint32()
	nodes := make(map[model.TargetId]*BuildNode, nodeCount)
	order := make([]model.TargetId, 0, nodeCount)
	for i := uint32(0); i < nodeCount; i++ {
		n, err := readNode(r)
		if err != nil {
			return nil, err
		}
		nodes[n.ID] = n
		order = append(order, n.ID)
	}

	edgeCount := r.ReadUint32()
	for i := uint32(0); i < edgeCount; i++ {
		from := model.TargetId(r.ReadString())
		to := model.TargetId(r.ReadString())
		if r.Err() != nil {
			return nil, r.Err()
		}
		if fn, ok := nodes[from]; ok {
			fn.DependencyIDs = append(fn.DependencyIDs, to)
		}
		if tn, ok := nodes[to]; ok {
			tn.DependentIDs = append(tn.DependentIDs, from)
		}
	}

	rootCount := r.ReadUint32()
	for i := uint32(0); i < rootCount; i++ {
		_ = r.ReadString() // roots are informational; graph reconstructs them from DependentIDs on demand
	}

	mode := ValidationMode(r.ReadUint8())
	validated := r.ReadBool()
	if r.Err() != nil {
		return nil, r.Err()
	}

	g := &BuildGraph{mode: mode, nodes: nodes, validated: validated}
	_ = order
	return g, nil
}

func readNode(r *codec.Reader) (*BuildNode, error) {
	id := model.TargetId(r.ReadString())
	kind := model.TargetKind(r.ReadUint8())
	srcCount := r.ReadUint32()
	sources := make([]string, 0, srcCount)
	for i := uint32(0); i < srcCount; i++ {
		sources = append(sources, r.ReadString())
	}
	status := Status(r.ReadUint8())
	retry := r.ReadUint32()
	outputHash := r.ReadString()
	if r.Err() != nil {
		return nil, r.Err()
	}

	n := newNode(model.Target{ID: id, Kind: kind, Sources: sources})
	n.SetStatus(status)
	n.retryCount.Store(int32(retry))
	if outputHash != "" {
		n.SetOutputHash(outputHash)
	}
	return n, nil
}
