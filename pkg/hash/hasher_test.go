package hash

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestMetadataHashMemoizesAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, "hello")

	h := New()
	first, err := h.MetadataHash(path)
	if err != nil {
		t.Fatalf("MetadataHash: %v", err)
	}

	// Remove the file so a second, non-memoized call would fail.
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	second, err := h.MetadataHash(path)
	if err != nil {
		t.Fatalf("MetadataHash (memoized): %v", err)
	}
	if second != first {
		t.Fatalf("memoized metadata hash changed: %q != %q", second, first)
	}
}

func TestContentHashMemoizesAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, "hello")

	h := New()
	first, err := h.ContentHash(path)
	if err != nil {
		t.Fatalf("ContentHash: %v", err)
	}
	if got := h.Stats().ContentHashes; got != 1 {
		t.Fatalf("ContentHashes = %d, want 1", got)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	second, err := h.ContentHash(path)
	if err != nil {
		t.Fatalf("ContentHash (memoized): %v", err)
	}
	if second != first {
		t.Fatalf("memoized content hash changed: %q != %q", second, first)
	}
	if got := h.Stats().ContentHashes; got != 1 {
		t.Fatalf("ContentHashes = %d, want 1 (no recomputation)", got)
	}
}

func TestClearDropsMemoization(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, "hello")

	h := New()
	if _, err := h.ContentHash(path); err != nil {
		t.Fatalf("ContentHash: %v", err)
	}
	h.Clear()

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := h.ContentHash(path); err == nil {
		t.Fatalf("ContentHash after Clear: expected error for removed file, got nil")
	}
}

func TestTwoTierSkipsContentHashOnMetadataMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, "hello")

	h := New()
	mh, err := h.MetadataHash(path)
	if err != nil {
		t.Fatalf("MetadataHash: %v", err)
	}
	ch, err := h.ContentHash(path)
	if err != nil {
		t.Fatalf("ContentHash: %v", err)
	}
	h.Clear()

	res, err := h.TwoTier(path, mh, ch)
	if err != nil {
		t.Fatalf("TwoTier: %v", err)
	}
	if res.ContentHashed {
		t.Fatalf("TwoTier recomputed content hash despite matching metadata")
	}
	if res.ContentHash != ch {
		t.Fatalf("TwoTier ContentHash = %q, want %q", res.ContentHash, ch)
	}
}
