// Package actioncache implements the fine-grained action cache (C6): keyed
// by the full ActionId (which already embeds an InputHash over every input
// that affects the action), a hit additionally requires every recorded
// output to still exist on disk with a matching content hash — a build can
// delete its own outputs between runs, and a stale action-cache entry must
// not paper over that.
package actioncache

import (
	"time"

	"github.com/buildcore/buildcore/pkg/model"
)

// Entry is spec.md §3's CacheEntry (Action).
type Entry struct {
	ActionID     model.ActionId
	OutputHashes map[string]string // output path -> content hash recorded by RecordAction
	Metadata     map[string]string // arbitrary action metadata sidecar (env, tool version, ...)
	Timestamp    time.Time
	LastAccess   time.Time
}

func (e *Entry) size() int64 {
	n := int64(len(e.ActionID.String()))
	for k, v := range e.OutputHashes {
		n += int64(len(k) + len(v))
	}
	for k, v := range e.Metadata {
		n += int64(len(k) + len(v))
	}
	return n
}
