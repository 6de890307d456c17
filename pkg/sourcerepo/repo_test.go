package sourcerepo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/buildcore/buildcore/pkg/blobstore"
	"github.com/buildcore/buildcore/pkg/hash"
	"github.com/buildcore/buildcore/pkg/model"
)

func newTestRepo(t *testing.T) (*Repository, string) {
	t.Helper()
	dir := t.TempDir()
	blobs, err := blobstore.NewFileBlobStore(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("NewFileBlobStore: %v", err)
	}
	r, err := New(Options{IndexPath: filepath.Join(dir, "index.bin"), Blobs: blobs, Hasher: hash.New()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, dir
}

func TestStoreAndFetchRoundTrips(t *testing.T) {
	r, dir := newTestRepo(t)
	src := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx := context.Background()
	ref, err := r.Store(ctx, src)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	b, err := r.Fetch(ctx, ref.ContentHash)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("Fetch returned %q, want %q", b, "hello")
	}
}

func TestDetectChangesAfterEdit(t *testing.T) {
	r, dir := newTestRepo(t)
	src := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(src, []byte("v1"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ctx := context.Background()
	if _, err := r.Store(ctx, src); err != nil {
		t.Fatalf("Store: %v", err)
	}

	changed, err := r.DetectChanges([]string{src})
	if err != nil {
		t.Fatalf("DetectChanges: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("expected no changes immediately after Store, got %v", changed)
	}

	if err := os.WriteFile(src, []byte("v2 - much longer content to force a size change"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	r.hasher.Clear() // the edit lands between build sessions
	changed, err = r.DetectChanges([]string{src})
	if err != nil {
		t.Fatalf("DetectChanges: %v", err)
	}
	if len(changed) != 1 {
		t.Fatalf("expected 1 change after edit, got %d", len(changed))
	}
}

func TestMaterializeBatchCreatesAndRemoves(t *testing.T) {
	r, dir := newTestRepo(t)
	src := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ctx := context.Background()
	ref, err := r.Store(ctx, src)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	dst := filepath.Join(dir, "materialized", "a.txt")
	ref.Path = dst
	set := model.SourceRefSet{}
	set.Add(ref)

	stats, err := r.MaterializeBatch(ctx, set)
	if err != nil {
		t.Fatalf("MaterializeBatch: %v", err)
	}
	if stats.Created != 1 {
		t.Fatalf("expected 1 created, got %+v", stats)
	}
	b, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("materialized content = %q, want %q", b, "hello")
	}
}
