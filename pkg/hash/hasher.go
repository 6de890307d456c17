// Package hash implements the two-tier hashing scheme (C2): a cheap
// size+mtime "metadata" tier that is checked first, and a cryptographic
// BLAKE3 "content" tier computed only when the cheap check fails to match.
// Sessions memoize both tiers per path until Clear is called (end of
// build), matching the reference cache's per-session memoization for
// two-tier checks described in spec.md §4.2.
package hash

import (
	"context"
	"encoding/hex"
	"os"
	"sync"

	"github.com/buildcore/buildcore/internal/parallelmap"
	"lukechampine.com/blake3"
)

// EmptyContentHash is the well-defined content hash of a zero-byte file,
// per spec.md §8 ("Zero-sized source file hashes to the well-defined
// empty-hash").
var EmptyContentHash = ContentHashBytes(nil)

// tierResult is what Hasher memoizes per path for the lifetime of a session.
type tierResult struct {
	metadataHash string
	contentHash  string
}

// Stats are the counters spec.md §4.2 requires to drive hashing statistics.
type Stats struct {
	ContentHashes uint64
	MetadataHits  uint64
	CacheHits     uint64
	CacheMisses   uint64
}

// Hasher is session-scoped: construct one per build, call Clear at the end.
type Hasher struct {
	mu     sync.RWMutex
	memo   map[string]tierResult
	stats  Stats
	statMu sync.Mutex
}

// New constructs an empty hashing session.
func New() *Hasher {
	return &Hasher{memo: make(map[string]tierResult)}
}

// MetadataHash returns hash(size ‖ mtime) for path. Cost is dominated by a
// single stat(2) call; a false match is possible (and acceptable per
// spec.md) if content changes without touching size or mtime. Memoized for
// the Hasher's lifetime: a path already seen this session returns the
// cached digest without a second stat(2).
func (h *Hasher) MetadataHash(path string) (string, error) {
	h.mu.RLock()
	if t, ok := h.memo[path]; ok && t.metadataHash != "" {
		h.mu.RUnlock()
		return t.metadataHash, nil
	}
	h.mu.RUnlock()

	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	mh := metadataHashOf(fi.Size(), fi.ModTime().UnixNano())
	h.mu.Lock()
	t := h.memo[path]
	t.metadataHash = mh
	h.memo[path] = t
	h.mu.Unlock()
	return mh, nil
}

// ContentHash computes the cryptographic BLAKE3 digest of path's bytes.
// Memoized for the Hasher's lifetime: a path already hashed this session
// returns the cached digest without a second read(2).
func (h *Hasher) ContentHash(path string) (string, error) {
	h.mu.RLock()
	if t, ok := h.memo[path]; ok && t.contentHash != "" {
		h.mu.RUnlock()
		return t.contentHash, nil
	}
	h.mu.RUnlock()

	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	ch := ContentHashBytes(b)
	h.mu.Lock()
	t := h.memo[path]
	t.contentHash = ch
	h.memo[path] = t
	h.mu.Unlock()
	h.statMu.Lock()
	h.stats.ContentHashes++
	h.statMu.Unlock()
	return ch, nil
}

// TwoTierResult is the outcome of TwoTier: whether a content hash had to be
// computed, and the resulting (possibly unchanged) content hash.
type TwoTierResult struct {
	ContentHashed bool
	ContentHash   string
	MetadataHash  string
}

// TwoTier implements the algorithm from spec.md §4.2: if the freshly
// computed metadata hash matches lastMetadata, the content hash is assumed
// unchanged and is not recomputed; otherwise the content tier runs.
func (h *Hasher) TwoTier(path string, lastMetadata string, lastContent string) (TwoTierResult, error) {
	mh, err := h.MetadataHash(path)
	if err != nil {
		return TwoTierResult{}, err
	}
	if mh == lastMetadata && lastMetadata != "" {
		h.statMu.Lock()
		h.stats.MetadataHits++
		h.statMu.Unlock()
		return TwoTierResult{ContentHashed: false, ContentHash: lastContent, MetadataHash: mh}, nil
	}
	ch, err := h.ContentHash(path)
	if err != nil {
		return TwoTierResult{}, err
	}
	return TwoTierResult{ContentHashed: true, ContentHash: ch, MetadataHash: mh}, nil
}

// HashBatch runs TwoTier over many paths concurrently via the shared
// parallel-map primitive, per spec.md §4.5's "parallel when > 4 sources."
func (h *Hasher) HashBatch(ctx context.Context, paths []string, lastMetadata, lastContent map[string]string) (map[string]TwoTierResult, error) {
	limit := 0
	if len(paths) <= 4 {
		limit = 1 // sequential: one path at a time for tiny sets
	}
	type kv struct {
		path   string
		result TwoTierResult
	}
	results, err := parallelmap.Map(ctx, paths, limit, func(_ context.Context, p string) (kv, error) {
		r, err := h.TwoTier(p, lastMetadata[p], lastContent[p])
		if err != nil {
			return kv{}, err
		}
		return kv{path: p, result: r}, nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]TwoTierResult, len(results))
	for _, r := range results {
		out[r.path] = r.result
	}
	return out, nil
}

// Clear discards all session memoization. Call once at build end.
func (h *Hasher) Clear() {
	h.mu.Lock()
	h.memo = make(map[string]tierResult)
	h.mu.Unlock()
}

// Stats returns a snapshot of the session's hashing counters.
func (h *Hasher) Stats() Stats {
	h.statMu.Lock()
	defer h.statMu.Unlock()
	return h.stats
}

func (h *Hasher) recordHit()  { h.statMu.Lock(); h.stats.CacheHits++; h.statMu.Unlock() }
func (h *Hasher) recordMiss() { h.statMu.Lock(); h.stats.CacheMisses++; h.statMu.Unlock() }

// RecordCacheHit/RecordCacheMiss let callers (target/action caches) drive
// the Hasher's aggregate cache-hit counters without duplicating bookkeeping.
func (h *Hasher) RecordCacheHit()  { h.recordHit() }
func (h *Hasher) RecordCacheMiss() { h.recordMiss() }

// ContentHashBytes hashes an in-memory buffer directly, used by the blob
// store (which already has bytes in hand) and by tests.
func ContentHashBytes(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func metadataHashOf(size int64, mtimeNano int64) string {
	var buf [16]byte
	putInt64(buf[0:8], size)
	putInt64(buf[8:16], mtimeNano)
	sum := blake3.Sum256(buf[:])
	return hex.EncodeToString(sum[:8]) // metadata tier stays cheap-looking: truncated digest
}

func putInt64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
}
