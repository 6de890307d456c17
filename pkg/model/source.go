package model

// SourceRef names a tracked source file by content. Two refs are equal iff
// their ContentHash is equal, regardless of Path — the same bytes checked
// out under two paths are one source as far as the cache is concerned.
type SourceRef struct {
	Path        string
	ContentHash string
	Size        int64
	ModTime     int64 // unix nanoseconds; stored separately from metadataHash so callers can sort/display
}

// Equal compares two refs by content, per the data-model invariant in
// spec.md §3 ("Two refs are equal iff their contentHash is equal").
func (s SourceRef) Equal(o SourceRef) bool {
	return s.ContentHash == o.ContentHash
}

// SourceRefSet is a bounded collection of SourceRefs plus their aggregate
// size, as produced by Repository.StoreBatch.
type SourceRefSet struct {
	Refs      []SourceRef
	TotalSize int64
}

// Add appends a ref and keeps TotalSize consistent.
func (s *SourceRefSet) Add(ref SourceRef) {
	s.Refs = append(s.Refs, ref)
	s.TotalSize += ref.Size
}

// ChangedFile describes one source whose content hash no longer matches the
// tracker's last known hash for that path.
type ChangedFile struct {
	Path    string
	OldHash string
	NewHash string
}

// MaterializeStats summarizes the outcome of materializing a SourceRefSet
// onto disk: how many files were freshly created, how many already-present
// files were rewritten because content changed, how many were left alone
// because they already matched, and how many stale files were removed.
type MaterializeStats struct {
	Created int
	Updated int
	Skipped int
	Removed int
}
