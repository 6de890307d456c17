// Package coordinator implements the Cache Coordinator (C11): the single
// public façade unifying the target cache (C5), action cache (C6), source
// repository (C7), and graph cache (C8) behind one API, batching validation
// through the shared worker-stealing parallel map (C17) and emitting
// non-blocking events for every hit/miss/update.
package coordinator

import (
	"context"
	"path/filepath"

	"github.com/buildcore/buildcore/internal/parallelmap"
	"github.com/buildcore/buildcore/pkg/actioncache"
	"github.com/buildcore/buildcore/pkg/blobstore"
	"github.com/buildcore/buildcore/pkg/envelope"
	buildcoreerrors "github.com/buildcore/buildcore/pkg/errors"
	"github.com/buildcore/buildcore/pkg/events"
	"github.com/buildcore/buildcore/pkg/graphcache"
	"github.com/buildcore/buildcore/pkg/hash"
	"github.com/buildcore/buildcore/pkg/metrics"
	"github.com/buildcore/buildcore/pkg/model"
	"github.com/buildcore/buildcore/pkg/sandbox"
	"github.com/buildcore/buildcore/pkg/sourcerepo"
	"github.com/buildcore/buildcore/pkg/targetcache"
	"go.uber.org/zap"
)

// Coordinator is the C11 façade. None of its methods hold a lock across the
// call to an underlying layer — each layer owns its own synchronization.
type Coordinator struct {
	cfg *config

	hasher *hash.Hasher
	signer *envelope.Signer
	blobs  blobstore.Store

	targets *targetcache.Cache
	actions *actioncache.Cache
	sources *sourcerepo.Repository
	graphs  *graphcache.Cache

	metrics metrics.Sink
	events  events.Publisher
	remote  RemoteCacheClient
	log     *zap.Logger

	resourceLimits sandbox.ResourceLimits
}

// New wires every cache layer for workspaceRoot, resolving bounds and
// secrets per spec.md §6's option > env > default order.
func New(opts ...Option) (*Coordinator, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}

	signer, err := envelope.NewSigner(cfg.workspaceRoot, cfg.installSecret)
	if err != nil {
		return nil, buildcoreerrors.Wrap(buildcoreerrors.IntegrityFailed, "coordinator", "derive signing key", err)
	}

	sink := metrics.NewSink(cfg.registry)
	hasher := hash.New()

	cacheDir := filepath.Join(cfg.workspaceRoot, ".buildcore")
	blobs, err := blobstore.NewFileBlobStore(filepath.Join(cacheDir, "blobs"))
	if err != nil {
		return nil, buildcoreerrors.Wrap(buildcoreerrors.IoError, "coordinator", "open blob store", err)
	}

	targets, err := targetcache.New(targetcache.Options{
		Path: filepath.Join(cacheDir, "cache.bin"), Hasher: hasher, Signer: signer,
		Bounds: cfg.targetBounds, MaxAge: cfg.maxAge, Metrics: sink, Events: cfg.events, Logger: cfg.logger,
	})
	if err != nil {
		return nil, err
	}
	actions, err := actioncache.New(actioncache.Options{
		Path: filepath.Join(cacheDir, "actions", "actions.bin"), Signer: signer,
		Bounds: cfg.actionBounds, MaxAge: cfg.maxAge, Metrics: sink, Events: cfg.events, Logger: cfg.logger,
	})
	if err != nil {
		return nil, err
	}
	sources, err := sourcerepo.New(sourcerepo.Options{
		IndexPath: filepath.Join(cacheDir, "sources", "index.bin"),
		Blobs:     blobs,
		Hasher:    hasher,
	})
	if err != nil {
		return nil, err
	}
	graphs := graphcache.New(graphcache.Options{
		GraphPath:    filepath.Join(cacheDir, "graph.bin"),
		MetadataPath: filepath.Join(cacheDir, "graph-metadata.bin"),
		Signer:       signer,
		Hasher:       hasher,
		Logger:       cfg.logger,
	})

	return &Coordinator{
		cfg:            cfg,
		hasher:         hasher,
		signer:         signer,
		blobs:          blobs,
		targets:        targets,
		actions:        actions,
		sources:        sources,
		graphs:         graphs,
		metrics:        sink,
		events:         cfg.events,
		remote:         cfg.remote,
		log:            cfg.logger,
		resourceLimits: cfg.resourceLimits,
	}, nil
}

// IsCached implements spec.md §4.11's isCached: a local target-cache miss
// falls through to an optional remote probe keyed by a deterministic
// content hash over (targetId, source hashes, dep hashes). A remote hit is
// recorded as an event but its bytes are never materialized by the core.
func (co *Coordinator) IsCached(ctx context.Context, id model.TargetId, sourcePaths []string, depIDs []model.TargetId) (bool, error) {
	hit, err := co.targets.IsCached(ctx, id, sourcePaths, depIDs)
	if err != nil || hit {
		return hit, err
	}
	if co.remote == nil {
		return false, nil
	}
	key, err := co.remoteKey(ctx, id, sourcePaths, depIDs)
	if err != nil {
		return false, nil // remote key derivation failure degrades to a local miss, not a build error
	}
	remoteHit, rerr := co.remote.Has(ctx, key)
	if rerr != nil || !remoteHit {
		return false, nil
	}
	co.events.Publish(events.Event{Kind: events.CacheHit, Fields: map[string]any{"targetId": string(id), "source": "remote"}})
	return true, nil
}

func (co *Coordinator) remoteKey(ctx context.Context, id model.TargetId, sourcePaths []string, depIDs []model.TargetId) (string, error) {
	results, err := co.hasher.HashBatch(ctx, sourcePaths, nil, nil)
	if err != nil {
		return "", err
	}
	digest := []byte(id)
	for _, p := range sourcePaths {
		digest = append(digest, []byte(results[p].ContentHash)...)
	}
	for _, d := range depIDs {
		digest = append(digest, []byte(d)...)
	}
	return hash.ContentHashBytes(digest), nil
}

// IsActionCached implements spec.md §4.11's isActionCached: a thin pass-
// through to the action cache, since the ActionId already folds in every
// input that affects the action.
func (co *Coordinator) IsActionCached(id model.ActionId) (bool, error) {
	return co.actions.IsActionCached(id)
}

// Update implements spec.md §4.11's update: write-through to the target
// cache, then (if a remote is configured) an async push so the local build
// never waits on network I/O.
func (co *Coordinator) Update(ctx context.Context, id model.TargetId, sourcePaths []string, depIDs []model.TargetId, buildHash string) error {
	if err := co.targets.Update(ctx, id, sourcePaths, depIDs, buildHash); err != nil {
		return err
	}
	if co.remote != nil {
		go co.pushRemote(ctx, id, sourcePaths, depIDs, buildHash)
	}
	return nil
}

func (co *Coordinator) pushRemote(ctx context.Context, id model.TargetId, sourcePaths []string, depIDs []model.TargetId, buildHash string) {
	key, err := co.remoteKey(ctx, id, sourcePaths, depIDs)
	if err != nil {
		return
	}
	if err := co.remote.Put(ctx, key, []byte(buildHash)); err != nil {
		co.log.Warn("remote cache push failed", zap.String("targetId", string(id)), zap.Error(err))
		return
	}
	co.events.Publish(events.Event{Kind: events.RemotePush, Fields: map[string]any{"targetId": string(id)}})
}

// RecordAction implements spec.md §4.11's recordAction: write-through to
// the action cache.
func (co *Coordinator) RecordAction(id model.ActionId, outputPaths []string, metadata map[string]string) error {
	return co.actions.RecordAction(id, outputPaths, metadata)
}

// ValidationRequest is one batchValidate probe: either a target or an
// action id, never both.
type ValidationRequest struct {
	TargetID    model.TargetId
	SourcePaths []string
	DepIDs      []model.TargetId

	ActionID model.ActionId
	IsAction bool
}

// ValidationResult is one batchValidate outcome.
type ValidationResult struct {
	Request ValidationRequest
	Cached  bool
	Err     error
}

// BatchValidate implements spec.md §4.11's batchValidate: runs every probe
// through the shared worker-stealing parallel map, short-circuiting to an
// inline call for a single request, and returns both per-entry results and
// the aggregate hit rate.
func (co *Coordinator) BatchValidate(ctx context.Context, reqs []ValidationRequest) ([]ValidationResult, float64) {
	results, errs := parallelmap.MapBestEffort(ctx, reqs, 0, func(ctx context.Context, req ValidationRequest) (bool, error) {
		if req.IsAction {
			return co.IsActionCached(req.ActionID)
		}
		return co.IsCached(ctx, req.TargetID, req.SourcePaths, req.DepIDs)
	})

	out := make([]ValidationResult, len(reqs))
	var hits int
	for i, req := range reqs {
		out[i] = ValidationResult{Request: req, Cached: results[i], Err: errs[i]}
		if results[i] {
			hits++
		}
	}
	var hitRate float64
	if len(reqs) > 0 {
		hitRate = float64(hits) / float64(len(reqs))
	}
	return out, hitRate
}

// StoreSources delegates to the source repository (C7).
func (co *Coordinator) StoreSources(ctx context.Context, paths []string) (model.SourceRefSet, error) {
	return co.sources.StoreBatch(ctx, paths)
}

// MaterializeSources delegates to the source repository (C7).
func (co *Coordinator) MaterializeSources(ctx context.Context, set model.SourceRefSet) (model.MaterializeStats, error) {
	return co.sources.MaterializeBatch(ctx, set)
}

// DetectSourceChanges delegates to the source repository (C7).
func (co *Coordinator) DetectSourceChanges(paths []string) ([]model.ChangedFile, error) {
	return co.sources.DetectChanges(paths)
}

// GraphCache exposes the graph cache (C8) facade directly; the Coordinator
// does not wrap Get/Put since the graph builder (external to this module)
// is the only caller.
func (co *Coordinator) GraphCache() *graphcache.Cache { return co.graphs }

// Stats is a point-in-time snapshot consumed by cmd/buildcore-inspect.
type Stats struct {
	TargetEntries    int
	ActionEntries    int
	TrackedSources   int
	SourceDedupRatio float64
}

// Stats reports the current size of every cache layer.
func (co *Coordinator) Stats() Stats {
	return Stats{
		TargetEntries:    co.targets.Len(),
		ActionEntries:    co.actions.Len(),
		TrackedSources:   co.sources.Len(),
		SourceDedupRatio: co.sources.DedupRatio(),
	}
}

// RunGC implements spec.md §4.11's runGC: delegates to the blob store's
// mark-from-roots/sweep collector using roots = union of every content
// hash referenced by a live target or action cache entry.
func (co *Coordinator) RunGC(ctx context.Context) (int, error) {
	roots := co.targets.LiveContentHashes()
	for h := range co.actions.LiveContentHashes() {
		roots[h] = struct{}{}
	}
	swept, err := blobstore.GC(ctx, co.blobs, roots)
	if err != nil {
		return 0, err
	}
	// FileBlobStore's Delete does not report freed bytes; swept count is the
	// closest proxy available without a second stat pass per blob.
	co.metrics.AddGCReclaimedBytes(int64(swept))
	co.events.Publish(events.Event{Kind: events.GCComplete, Fields: map[string]any{"swept": swept}})
	return swept, nil
}

// Flush persists every layer in order target → action → source repo, per
// spec.md §4.11; idempotent.
func (co *Coordinator) Flush() error {
	if err := co.targets.Flush(true); err != nil {
		return err
	}
	if err := co.actions.Flush(true); err != nil {
		return err
	}
	return co.sources.Flush()
}

// Close flushes every layer and releases the blob store's resources. A
// destructor is best-effort; callers that need durability must call Close
// explicitly, per spec.md §4.11.
func (co *Coordinator) Close() error {
	if err := co.Flush(); err != nil {
		return err
	}
	return co.blobs.Close()
}
