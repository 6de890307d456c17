package actioncache

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/buildcore/buildcore/pkg/envelope"
	buildcoreerrors "github.com/buildcore/buildcore/pkg/errors"
	"github.com/buildcore/buildcore/pkg/eviction"
	"github.com/buildcore/buildcore/pkg/events"
	"github.com/buildcore/buildcore/pkg/hash"
	"github.com/buildcore/buildcore/pkg/metrics"
	"github.com/buildcore/buildcore/pkg/model"
	"go.uber.org/zap"
)

const layer = "action"

// Cache is spec.md §4.6's action cache: keyed by the full ActionId (which
// already embeds an InputHash over everything that affects the action), a
// hit additionally requires every recorded output to still exist on disk
// with a matching content hash.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	dirty   bool

	path   string
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
	Signer  *envelope.Signer
	Bounds  eviction.Bounds
	MaxAge  time.Duration
	Metrics metrics.Sink
	Events  events.Publisher
	Logger  *zap.Logger
}

// New constructs a Cache, loading path if it exists.
func New(opts Options) (*Cache, error) {
	if opts.Bounds == (eviction.Bounds{}) {
		opts.Bounds = eviction.DefaultActionBounds()
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
		entries: make(map[string]*Entry),
		path:    opts.Path,
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

func (c *Cache) load() error {
	if c.path == "" {
		return nil
	}
	raw, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return buildcoreerrors.Wrap(buildcoreerrors.IoError, "actioncache", "read cache file", err)
	}
	env, err := envelope.Decode(raw)
	if err != nil {
		c.log.Warn("action cache corrupted, starting cold", zap.Error(err))
		return nil
	}
	if c.signer != nil && !c.signer.Verify(env) {
		c.log.Warn("action cache signature mismatch, starting cold")
		return nil
	}
	if envelope.IsExpired(env, c.maxAge) {
		c.log.Info("action cache expired, starting cold")
		return nil
	}
	entries, err := decode(env.Payload)
	if err != nil {
		c.log.Warn("action cache payload malformed, starting cold", zap.Error(err))
		return nil
	}
	c.entries = entries
	return nil
}

// IsActionCached reports whether id has a recorded entry and every one of
// its recorded outputs still exists on disk with an unchanged content hash.
func (c *Cache) IsActionCached(id model.ActionId) (bool, error) {
	key := id.String()
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		c.metrics.IncCacheMiss(layer)
		c.events.Publish(events.Event{Kind: events.ActionMiss, Fields: map[string]any{"actionId": key}})
		return false, nil
	}

	for path, wantHash := range entry.OutputHashes {
		b, err := os.ReadFile(path)
		if err != nil {
			c.metrics.IncCacheMiss(layer)
			c.events.Publish(events.Event{Kind: events.ActionMiss, Fields: map[string]any{"actionId": key, "reason": "output_missing"}})
			return false, nil
		}
		if hash.ContentHashBytes(b) != wantHash {
			c.metrics.IncCacheMiss(layer)
			c.events.Publish(events.Event{Kind: events.ActionMiss, Fields: map[string]any{"actionId": key, "reason": "output_changed"}})
			return false, nil
		}
	}

	c.mu.Lock()
	entry.LastAccess = time.Now()
	c.dirty = true
	c.mu.Unlock()

	c.metrics.IncCacheHit(layer)
	c.events.Publish(events.Event{Kind: events.ActionHit, Fields: map[string]any{"actionId": key}})
	return true, nil
}

// RecordAction stores a completed action's output hashes and metadata.
func (c *Cache) RecordAction(id model.ActionId, outputPaths []string, metadata map[string]string) error {
	outputHashes := make(map[string]string, len(outputPaths))
	for _, p := range outputPaths {
		b, err := os.ReadFile(p)
		if err != nil {
			return buildcoreerrors.Wrap(buildcoreerrors.IoError, "actioncache", "read action output", err).
				WithContext("path", p)
		}
		outputHashes[p] = hash.ContentHashBytes(b)
	}

	now := time.Now()
	entry := &Entry{
		ActionID:     id,
		OutputHashes: outputHashes,
		Metadata:     metadata,
		Timestamp:    now,
		LastAccess:   now,
	}

	c.mu.Lock()
	c.entries[id.String()] = entry
	c.dirty = true
	c.mu.Unlock()

	c.events.Publish(events.Event{Kind: events.CacheUpdate, Fields: map[string]any{"actionId": id.String()}})
	return nil
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
		return buildcoreerrors.Wrap(buildcoreerrors.IoError, "actioncache", "mkdir", err)
	}
	out := payload
	if c.signer != nil {
		env := c.signer.Sign(payload)
		out = envelope.Encode(env)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return buildcoreerrors.Wrap(buildcoreerrors.IoError, "actioncache", "write cache file", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return buildcoreerrors.Wrap(buildcoreerrors.IoError, "actioncache", "rename cache file", err)
	}
	c.dirty = false
	return nil
}

func (c *Cache) evictLocked() {
	entries := make([]eviction.Entry, 0, len(c.entries))
	for key, e := range c.entries {
		entries = append(entries, eviction.Entry{Key: key, Size: e.size(), LastAccess: e.LastAccess})
	}
	victims := eviction.Select(entries, c.bounds)
	for _, v := range victims {
		delete(c.entries, v)
		c.metrics.IncCacheEviction(layer)
	}
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// LiveContentHashes returns every output content hash referenced by a
// live entry, used by the coordinator to build blob store GC roots.
func (c *Cache) LiveContentHashes() map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]struct{})
	for _, e := range c.entries {
		for _, h := range e.OutputHashes {
			out[h] = struct{}{}
		}
	}
	return out
}
