package targetcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/buildcore/buildcore/pkg/envelope"
	"github.com/buildcore/buildcore/pkg/hash"
	"github.com/buildcore/buildcore/pkg/model"
)

func newTestCache(t *testing.T, path string) *Cache {
	t.Helper()
	signer, err := envelope.NewSigner(t.TempDir(), []byte("test-secret"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	c, err := New(Options{Path: path, Hasher: hash.New(), Signer: signer})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestIsCachedMissOnColdStart(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, filepath.Join(dir, "cache.bin"))
	ok, err := c.IsCached(context.Background(), model.TargetId("//a:b"), nil, nil)
	if err != nil {
		t.Fatalf("IsCached: %v", err)
	}
	if ok {
		t.Fatalf("expected miss on cold start")
	}
}

func TestUpdateThenIsCachedHit(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.go")
	writeFile(t, src, "package a")

	c := newTestCache(t, filepath.Join(dir, "cache.bin"))
	ctx := context.Background()
	id := model.TargetId("//a:b")

	if err := c.Update(ctx, id, []string{src}, nil, "buildhash-1"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	ok, err := c.IsCached(ctx, id, []string{src}, nil)
	if err != nil {
		t.Fatalf("IsCached: %v", err)
	}
	if !ok {
		t.Fatalf("expected hit immediately after Update")
	}
}

func TestIsCachedMissAfterSourceChange(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.go")
	writeFile(t, src, "package a")

	c := newTestCache(t, filepath.Join(dir, "cache.bin"))
	ctx := context.Background()
	id := model.TargetId("//a:b")

	if err := c.Update(ctx, id, []string{src}, nil, "buildhash-1"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	writeFile(t, src, "package a // changed")
	c.hasher.Clear() // the edit lands between build sessions

	ok, err := c.IsCached(ctx, id, []string{src}, nil)
	if err != nil {
		t.Fatalf("IsCached: %v", err)
	}
	if ok {
		t.Fatalf("expected miss after source content changed")
	}
}

func TestIsCachedMissWhenDepBuildHashChanges(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, filepath.Join(dir, "cache.bin"))
	ctx := context.Background()

	dep := model.TargetId("//a:dep")
	if err := c.Update(ctx, dep, nil, nil, "dep-v1"); err != nil {
		t.Fatalf("Update dep: %v", err)
	}

	top := model.TargetId("//a:top")
	if err := c.Update(ctx, top, nil, []model.TargetId{dep}, "top-v1"); err != nil {
		t.Fatalf("Update top: %v", err)
	}

	ok, err := c.IsCached(ctx, top, nil, []model.TargetId{dep})
	if err != nil || !ok {
		t.Fatalf("expected hit before dep rebuild, got ok=%v err=%v", ok, err)
	}

	if err := c.Update(ctx, dep, nil, nil, "dep-v2"); err != nil {
		t.Fatalf("Update dep v2: %v", err)
	}
	ok, err = c.IsCached(ctx, top, nil, []model.TargetId{dep})
	if err != nil {
		t.Fatalf("IsCached: %v", err)
	}
	if ok {
		t.Fatalf("expected miss once dependency's build hash changed")
	}
}

func TestFlushAndReloadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.bin")
	src := filepath.Join(dir, "src.go")
	writeFile(t, src, "package a")

	signer, err := envelope.NewSigner(dir, []byte("test-secret"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	id := model.TargetId("//a:b")

	c1, err := New(Options{Path: path, Hasher: hash.New(), Signer: signer})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := c1.Update(ctx, id, []string{src}, nil, "buildhash-1"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := c1.Flush(false); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	c2, err := New(Options{Path: path, Hasher: hash.New(), Signer: signer})
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	ok, err := c2.IsCached(ctx, id, []string{src}, nil)
	if err != nil {
		t.Fatalf("IsCached: %v", err)
	}
	if !ok {
		t.Fatalf("expected hit after reload from flushed cache file")
	}
}

func TestLoadCorruptedFileStartsCold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.bin")
	writeFile(t, path, "not a valid envelope")

	c := newTestCache(t, path)
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after loading corrupted file, got %d entries", c.Len())
	}
}
