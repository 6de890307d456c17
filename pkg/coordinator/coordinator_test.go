package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/buildcore/buildcore/pkg/model"
)

func newTestCoordinator(t *testing.T) (*Coordinator, string) {
	t.Helper()
	root := t.TempDir()
	co, err := New(WithWorkspaceRoot(root))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return co, root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestNewRequiresWorkspaceRoot(t *testing.T) {
	if _, err := New(); err == nil {
		t.Fatalf("expected error for missing workspace root")
	}
}

func TestUpdateThenIsCachedHit(t *testing.T) {
	co, root := newTestCoordinator(t)
	src := filepath.Join(root, "src", "a.go")
	writeFile(t, src, "package a")

	ctx := context.Background()
	id := model.TargetId("//a:lib")
	if err := co.Update(ctx, id, []string{src}, nil, "hash-1"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	hit, err := co.IsCached(ctx, id, []string{src}, nil)
	if err != nil {
		t.Fatalf("IsCached: %v", err)
	}
	if !hit {
		t.Fatalf("expected hit after Update")
	}
}

func TestIsCachedMissesBeforeUpdate(t *testing.T) {
	co, _ := newTestCoordinator(t)
	hit, err := co.IsCached(context.Background(), model.TargetId("//never:built"), nil, nil)
	if err != nil {
		t.Fatalf("IsCached: %v", err)
	}
	if hit {
		t.Fatalf("expected miss for a target never updated")
	}
}

func TestRecordActionThenIsActionCached(t *testing.T) {
	co, root := newTestCoordinator(t)
	out := filepath.Join(root, "out", "a.o")
	writeFile(t, out, "object bytes")

	id := model.ActionId{TargetID: "//a:lib", Type: model.ActionCompile, InputHash: "deadbeef"}
	if err := co.RecordAction(id, []string{out}, map[string]string{"tool": "cc"}); err != nil {
		t.Fatalf("RecordAction: %v", err)
	}
	hit, err := co.IsActionCached(id)
	if err != nil {
		t.Fatalf("IsActionCached: %v", err)
	}
	if !hit {
		t.Fatalf("expected hit after RecordAction")
	}
}

func TestBatchValidateAggregatesHitRate(t *testing.T) {
	co, root := newTestCoordinator(t)
	src := filepath.Join(root, "src", "a.go")
	writeFile(t, src, "package a")

	ctx := context.Background()
	cachedID := model.TargetId("//a:cached")
	if err := co.Update(ctx, cachedID, []string{src}, nil, "hash-1"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reqs := []ValidationRequest{
		{TargetID: cachedID, SourcePaths: []string{src}},
		{TargetID: model.TargetId("//a:miss"), SourcePaths: []string{src}},
	}
	results, hitRate := co.BatchValidate(ctx, reqs)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if !results[0].Cached || results[1].Cached {
		t.Fatalf("got results %+v, want [cached, miss]", results)
	}
	if hitRate != 0.5 {
		t.Fatalf("hitRate = %v, want 0.5", hitRate)
	}
}

func TestStoreAndMaterializeSourcesRoundTrip(t *testing.T) {
	co, root := newTestCoordinator(t)
	src := filepath.Join(root, "workspace", "a.go")
	writeFile(t, src, "package a")

	ctx := context.Background()
	set, err := co.StoreSources(ctx, []string{src})
	if err != nil {
		t.Fatalf("StoreSources: %v", err)
	}
	if len(set.Refs) != 1 {
		t.Fatalf("got %d refs, want 1", len(set.Refs))
	}

	dst := filepath.Join(root, "staging", "a.go")
	set.Refs[0].Path = dst
	stats, err := co.MaterializeSources(ctx, set)
	if err != nil {
		t.Fatalf("MaterializeSources: %v", err)
	}
	if stats.Created != 1 {
		t.Fatalf("got stats %+v, want 1 created", stats)
	}
	b, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(b) != "package a" {
		t.Fatalf("materialized content = %q, want %q", b, "package a")
	}
}

func TestRunGCRemovesUnreferencedBlobs(t *testing.T) {
	co, root := newTestCoordinator(t)
	src := filepath.Join(root, "workspace", "a.go")
	writeFile(t, src, "package a")

	ctx := context.Background()
	if _, err := co.StoreSources(ctx, []string{src}); err != nil {
		t.Fatalf("StoreSources: %v", err)
	}

	// Nothing references the stored blob from a live target/action entry,
	// so it is not a GC root and should be swept.
	swept, err := co.RunGC(ctx)
	if err != nil {
		t.Fatalf("RunGC: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
}

func TestFlushAndCloseAreIdempotent(t *testing.T) {
	co, root := newTestCoordinator(t)
	src := filepath.Join(root, "src", "a.go")
	writeFile(t, src, "package a")

	ctx := context.Background()
	if err := co.Update(ctx, model.TargetId("//a:lib"), []string{src}, nil, "hash-1"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := co.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := co.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if err := co.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
