package targetcache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	buildcoreerrors "github.com/buildcore/buildcore/pkg/errors"
	"github.com/buildcore/buildcore/pkg/envelope"
	"github.com/buildcore/buildcore/pkg/eviction"
	"github.com/buildcore/buildcore/pkg/events"
	"github.com/buildcore/buildcore/pkg/hash"
	"github.com/buildcore/buildcore/pkg/metrics"
	"github.com/buildcore/buildcore/pkg/model"
	"go.uber.org/zap"
)

const layer = "target"

// Cache is spec.md §4.5's target cache: one map guarded by one RWMutex,
// "is this target still valid" checks driven by the shared two-tier
// hasher, persisted through a signed envelope.
type Cache struct {
	mu      sync.RWMutex
	entries map[model.TargetId]*Entry
	dirty   bool

	path   string
	hasher *hash.Hasher
	signer *envelope.Signer
	bounds eviction.Bounds
	maxAge time.Duration

	metrics metrics.Sink
	events  events.Publisher
	log     *zap.Logger
}

// Options configures a Cache at construction time.
type Options struct {
	Path    string
	Hasher  *hash.Hasher
	Signer  *envelope.Signer
	Bounds  eviction.Bounds
	MaxAge  time.Duration
	Metrics metrics.Sink
	Events  events.Publisher
	Logger  *zap.Logger
}

// New constructs an empty Cache and loads path if it exists.
func New(opts Options) (*Cache, error) {
	if opts.Bounds == (eviction.Bounds{}) {
		opts.Bounds = eviction.DefaultTargetBounds()
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = envelope.DefaultMaxAge
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewSink(nil)
	}
	if opts.Events == nil {
		opts.Events = events.NopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Cache{
		entries: make(map[model.TargetId]*Entry),
		path:    opts.Path,
		hasher:  opts.Hasher,
		signer:  opts.Signer,
		bounds:  opts.Bounds,
		maxAge:  opts.MaxAge,
		metrics: opts.Metrics,
		events:  opts.Events,
		log:     opts.Logger,
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// load reads and verifies the on-disk envelope. A missing file is not an
// error (cold start); a corrupted or expired envelope is logged and the
// cache starts empty, per spec.md §8's "corrupted cache file is detected
// and treated as a miss, not a crash."
func (c *Cache) load() error {
	if c.path == "" {
		return nil
	}
	raw, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return buildcoreerrors.Wrap(buildcoreerrors.IoError, "targetcache", "read cache file", err)
	}

	env, err := envelope.Decode(raw)
	if err != nil {
		c.log.Warn("target cache corrupted, starting cold", zap.Error(err))
		return nil
	}
	if c.signer != nil && !c.signer.Verify(env) {
		c.log.Warn("target cache signature mismatch, starting cold")
		return nil
	}
	if envelope.IsExpired(env, c.maxAge) {
		c.log.Info("target cache expired, starting cold")
		return nil
	}
	entries, err := decode(env.Payload)
	if err != nil {
		c.log.Warn("target cache payload malformed, starting cold", zap.Error(err))
		return nil
	}
	c.entries = entries
	return nil
}

// IsCached reports whether id's recorded entry is still valid: every
// source's content hash must still match (via the two-tier check), and
// every listed dependency's current BuildHash must match what was
// recorded when this entry was created.
func (c *Cache) IsCached(ctx context.Context, id model.TargetId, sourcePaths []string, depIDs []model.TargetId) (bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		c.metrics.IncCacheMiss(layer)
		c.events.Publish(events.Event{Kind: events.CacheMiss, Fields: map[string]any{"targetId": string(id)}})
		return false, nil
	}

	lastMeta := make(map[string]string, len(sourcePaths))
	lastContent := make(map[string]string, len(sourcePaths))
	for _, p := range sourcePaths {
		lastMeta[p] = entry.SourceMetadataHashes[p]
		lastContent[p] = entry.SourceContentHashes[p]
	}
	results, err := c.hasher.HashBatch(ctx, sourcePaths, lastMeta, lastContent)
	if err != nil {
		if os.IsNotExist(err) {
			// spec.md §4.5 step 2: a missing source is a rebuild trigger, not
			// a cache failure.
			c.metrics.IncCacheMiss(layer)
			c.events.Publish(events.Event{Kind: events.CacheMiss, Fields: map[string]any{"targetId": string(id), "reason": "source_missing"}})
			return false, nil
		}
		return false, buildcoreerrors.Wrap(buildcoreerrors.HashMismatch, "targetcache", "hash sources", err).
			WithContext("targetId", string(id))
	}
	for _, p := range sourcePaths {
		r, ok := results[p]
		if !ok || r.ContentHash != entry.SourceContentHashes[p] {
			c.metrics.IncCacheMiss(layer)
			c.events.Publish(events.Event{Kind: events.CacheMiss, Fields: map[string]any{"targetId": string(id), "reason": "source_changed"}})
			return false, nil
		}
	}

	c.mu.RLock()
	for _, dep := range depIDs {
		depEntry, ok := c.entries[dep]
		if !ok || depEntry.BuildHash != entry.DepBuildHashes[dep] {
			c.mu.RUnlock()
			c.metrics.IncCacheMiss(layer)
			c.events.Publish(events.Event{Kind: events.CacheMiss, Fields: map[string]any{"targetId": string(id), "reason": "dep_changed"}})
			return false, nil
		}
	}
	c.mu.RUnlock()

	c.mu.Lock()
	entry.LastAccess = time.Now()
	c.dirty = true
	c.mu.Unlock()

	c.hasher.RecordCacheHit()
	c.metrics.IncCacheHit(layer)
	c.events.Publish(events.Event{Kind: events.CacheHit, Fields: map[string]any{"targetId": string(id)}})
	return true, nil
}

// Update records a successful build of id: hashes every source, captures
// every dependency's current BuildHash, and stores the resulting entry.
func (c *Cache) Update(ctx context.Context, id model.TargetId, sourcePaths []string, depIDs []model.TargetId, buildHash string) error {
	results, err := c.hasher.HashBatch(ctx, sourcePaths, nil, nil)
	if err != nil {
		return buildcoreerrors.Wrap(buildcoreerrors.HashMismatch, "targetcache", "hash sources", err).
			WithContext("targetId", string(id))
	}

	now := time.Now()
	entry := &Entry{
		TargetID:             id,
		BuildHash:            buildHash,
		SourceContentHashes:  make(map[string]string, len(sourcePaths)),
		SourceMetadataHashes: make(map[string]string, len(sourcePaths)),
		DepBuildHashes:       make(map[model.TargetId]string, len(depIDs)),
		Timestamp:            now,
		LastAccess:           now,
	}
	for p, r := range results {
		entry.SourceContentHashes[p] = r.ContentHash
		entry.SourceMetadataHashes[p] = r.MetadataHash
	}

	c.mu.Lock()
	for _, dep := range depIDs {
		if d, ok := c.entries[dep]; ok {
			entry.DepBuildHashes[dep] = d.BuildHash
		}
	}
	c.entries[id] = entry
	c.dirty = true
	c.mu.Unlock()

	c.metrics.IncCacheHit(layer) // an Update follows a completed build, counted as a cache-filling event
	c.events.Publish(events.Event{Kind: events.CacheUpdate, Fields: map[string]any{"targetId": string(id)}})
	return nil
}

// Invalidate removes id's entry, e.g. when a dependent build fails in a
// way that must force a rebuild next time.
func (c *Cache) Invalidate(id model.TargetId) {
	c.mu.Lock()
	delete(c.entries, id)
	c.dirty = true
	c.mu.Unlock()
}

// Flush persists the cache to disk, optionally running eviction first.
func (c *Cache) Flush(runEviction bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty && !runEviction {
		return nil
	}

	if runEviction {
		c.evictLocked()
	}

	payload := encode(c.entries)
	if c.path == "" {
		c.dirty = false
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return buildcoreerrors.Wrap(buildcoreerrors.IoError, "targetcache", "mkdir", err)
	}
	out := payload
	if c.signer != nil {
		env := c.signer.Sign(payload)
		out = envelope.Encode(env)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return buildcoreerrors.Wrap(buildcoreerrors.IoError, "targetcache", "write cache file", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return buildcoreerrors.Wrap(buildcoreerrors.IoError, "targetcache", "rename cache file", err)
	}
	c.dirty = false
	return nil
}

func (c *Cache) evictLocked() {
	entries := make([]eviction.Entry, 0, len(c.entries))
	for id, e := range c.entries {
		entries = append(entries, eviction.Entry{Key: string(id), Size: e.size(), LastAccess: e.LastAccess})
	}
	victims := eviction.Select(entries, c.bounds)
	for _, v := range victims {
		delete(c.entries, model.TargetId(v))
		c.metrics.IncCacheEviction(layer)
	}
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// LiveContentHashes returns every source content hash referenced by a
// live entry, used by the coordinator to build blob store GC roots.
func (c *Cache) LiveContentHashes() map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]struct{})
	for _, e := range c.entries {
		for _, h := range e.SourceContentHashes {
			out[h] = struct{}{}
		}
	}
	return out
}
