// Package sourcerepo implements the source repository & tracker (C7):
// content-addressed storage of source files via the shared blob store,
// change detection via the same two-tier strategy C5 uses, and workspace
// materialization. The path→hash index is a single codec-framed file,
// loaded whole on open and rewritten whole on Flush.
package sourcerepo

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/buildcore/buildcore/internal/parallelmap"
	"github.com/buildcore/buildcore/pkg/blobstore"
	buildcoreerrors "github.com/buildcore/buildcore/pkg/errors"
	"github.com/buildcore/buildcore/pkg/hash"
	"github.com/buildcore/buildcore/pkg/model"
)

// Repository is the C7 façade: a blob store plus a path→hash index.
type Repository struct {
	mu      sync.RWMutex
	index   map[string]indexEntry
	dirty   bool
	indexPath string

	blobs  blobstore.Store
	hasher *hash.Hasher
}

// Options configures a Repository at construction time.
type Options struct {
	IndexPath string
	Blobs     blobstore.Store
	Hasher    *hash.Hasher
}

// New constructs a Repository, loading indexPath if it exists.
func New(opts Options) (*Repository, error) {
	r := &Repository{
		index:     make(map[string]indexEntry),
		indexPath: opts.IndexPath,
		blobs:     opts.Blobs,
		hasher:    opts.Hasher,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) load() error {
	if r.indexPath == "" {
		return nil
	}
	b, err := os.ReadFile(r.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return buildcoreerrors.Wrap(buildcoreerrors.IoError, "sourcerepo", "read index", err)
	}
	entries, err := decodeIndex(b)
	if err != nil {
		return nil // corrupted index: treat as cold start, same recovery rule as the caches
	}
	r.index = entries
	return nil
}

// Flush persists the path→hash index to disk.
func (r *Repository) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty || r.indexPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.indexPath), 0o755); err != nil {
		return buildcoreerrors.Wrap(buildcoreerrors.IoError, "sourcerepo", "mkdir", err)
	}
	payload := encodeIndex(r.index)
	tmp := r.indexPath + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return buildcoreerrors.Wrap(buildcoreerrors.IoError, "sourcerepo", "write index", err)
	}
	if err := os.Rename(tmp, r.indexPath); err != nil {
		return buildcoreerrors.Wrap(buildcoreerrors.IoError, "sourcerepo", "rename index", err)
	}
	r.dirty = false
	return nil
}

// Store reads path, hashes and stores its content in the blob store, and
// records the path→hash index entry.
func (r *Repository) Store(ctx context.Context, path string) (model.SourceRef, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return model.SourceRef{}, buildcoreerrors.Wrap(buildcoreerrors.NotFound, "sourcerepo", "stat source", err).
			WithContext("path", path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return model.SourceRef{}, buildcoreerrors.Wrap(buildcoreerrors.IoError, "sourcerepo", "read source", err).
			WithContext("path", path)
	}
	contentHash, err := r.blobs.Put(ctx, b)
	if err != nil {
		return model.SourceRef{}, buildcoreerrors.Wrap(buildcoreerrors.IoError, "sourcerepo", "put blob", err).
			WithContext("path", path)
	}
	metaHash, err := r.hasher.MetadataHash(path)
	if err != nil {
		return model.SourceRef{}, err
	}

	r.mu.Lock()
	r.index[path] = indexEntry{
		Path: path, ContentHash: contentHash, MetadataHash: metaHash,
		Size: fi.Size(), ModTime: fi.ModTime().UnixNano(),
	}
	r.dirty = true
	r.mu.Unlock()

	return model.SourceRef{Path: path, ContentHash: contentHash, Size: fi.Size(), ModTime: fi.ModTime().UnixNano()}, nil
}

// StoreBatch stores many paths concurrently via the shared parallel-map
// primitive.
func (r *Repository) StoreBatch(ctx context.Context, paths []string) (model.SourceRefSet, error) {
	limit := 0
	if len(paths) <= 4 {
		limit = 1
	}
	refs, err := parallelmap.Map(ctx, paths, limit, func(ctx context.Context, p string) (model.SourceRef, error) {
		return r.Store(ctx, p)
	})
	if err != nil {
		return model.SourceRefSet{}, err
	}
	set := model.SourceRefSet{}
	for _, ref := range refs {
		set.Add(ref)
	}
	return set, nil
}

// Fetch retrieves the bytes named by hash from the blob store.
func (r *Repository) Fetch(ctx context.Context, contentHash string) ([]byte, error) {
	return r.blobs.Get(ctx, contentHash)
}

// Materialize writes hash's bytes to dstPath, creating parent directories
// as needed, skipping the write if dstPath already has identical content.
func (r *Repository) Materialize(ctx context.Context, contentHash, dstPath string) error {
	existing, err := os.ReadFile(dstPath)
	if err == nil && hash.ContentHashBytes(existing) == contentHash {
		return nil
	}
	b, err := r.blobs.Get(ctx, contentHash)
	if err != nil {
		return buildcoreerrors.Wrap(buildcoreerrors.IoError, "sourcerepo", "get blob", err).
			WithContext("hash", contentHash)
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return buildcoreerrors.Wrap(buildcoreerrors.IoError, "sourcerepo", "mkdir", err)
	}
	return os.WriteFile(dstPath, b, 0o644)
}

// MaterializeBatch writes every ref in set to its Path, reporting how many
// were freshly created, rewritten, left alone, or (for paths no longer
// present in set but previously materialized via this repo) removed.
func (r *Repository) MaterializeBatch(ctx context.Context, set model.SourceRefSet) (model.MaterializeStats, error) {
	var stats model.MaterializeStats
	seen := make(map[string]struct{}, len(set.Refs))
	for _, ref := range set.Refs {
		seen[ref.Path] = struct{}{}
		existing, err := os.ReadFile(ref.Path)
		switch {
		case err != nil:
			if err := r.Materialize(ctx, ref.ContentHash, ref.Path); err != nil {
				return stats, err
			}
			stats.Created++
		case hash.ContentHashBytes(existing) == ref.ContentHash:
			stats.Skipped++
		default:
			if err := r.Materialize(ctx, ref.ContentHash, ref.Path); err != nil {
				return stats, err
			}
			stats.Updated++
		}
	}

	r.mu.RLock()
	tracked := make([]string, 0, len(r.index))
	for p := range r.index {
		tracked = append(tracked, p)
	}
	r.mu.RUnlock()
	for _, p := range tracked {
		if _, ok := seen[p]; ok {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			if err := os.Remove(p); err == nil {
				stats.Removed++
			}
		}
	}
	return stats, nil
}

// DetectChanges runs the two-tier check against every path in paths,
// returning the subset whose content hash no longer matches the index. A
// path absent from the index is reported with empty Old/New hashes.
func (r *Repository) DetectChanges(paths []string) ([]model.ChangedFile, error) {
	var changed []model.ChangedFile
	for _, p := range paths {
		r.mu.RLock()
		entry, tracked := r.index[p]
		r.mu.RUnlock()
		if !tracked {
			changed = append(changed, model.ChangedFile{Path: p, OldHash: "", NewHash: ""})
			continue
		}
		res, err := r.hasher.TwoTier(p, entry.MetadataHash, entry.ContentHash)
		if err != nil {
			return nil, err
		}
		if res.ContentHash != entry.ContentHash {
			changed = append(changed, model.ChangedFile{Path: p, OldHash: entry.ContentHash, NewHash: res.ContentHash})
		}
	}
	return changed, nil
}

// DedupRatio returns 1 − unique/total over every content hash recorded in
// the index, per spec.md §4.7.
func (r *Repository) DedupRatio() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.index) == 0 {
		return 0
	}
	unique := make(map[string]struct{}, len(r.index))
	for _, e := range r.index {
		unique[e.ContentHash] = struct{}{}
	}
	return 1 - float64(len(unique))/float64(len(r.index))
}

// Len reports the number of tracked paths.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}
