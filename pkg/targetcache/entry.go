// Package targetcache implements the per-target cache (C5): "is this still
// valid" checks backed by recorded source/dependency hashes, serialized
// through the shared signed-envelope binary format (§6).
package targetcache

import (
	"time"

	"github.com/buildcore/buildcore/pkg/model"
)

// Entry is spec.md §3's CacheEntry (Target): created on successful build,
// mutated only by a LastAccess bump on lookup, destroyed by eviction or
// explicit invalidation.
type Entry struct {
	TargetID             model.TargetId
	BuildHash            string
	SourceContentHashes  map[string]string
	SourceMetadataHashes map[string]string
	DepBuildHashes       map[model.TargetId]string
	Timestamp            time.Time
	LastAccess           time.Time
}

func (e *Entry) size() int64 {
	n := int64(len(e.TargetID)) + int64(len(e.BuildHash))
	for k, v := range e.SourceContentHashes {
		n += int64(len(k) + len(v))
	}
	for k, v := range e.SourceMetadataHashes {
		n += int64(len(k) + len(v))
	}
	for k, v := range e.DepBuildHashes {
		n += int64(len(k) + len(v))
	}
	return n
}
