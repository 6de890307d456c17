package graphcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/buildcore/buildcore/pkg/envelope"
	"github.com/buildcore/buildcore/pkg/graph"
	"github.com/buildcore/buildcore/pkg/hash"
	"github.com/buildcore/buildcore/pkg/model"
)

func buildSampleGraph(t *testing.T) *graph.BuildGraph {
	t.Helper()
	g := graph.New(graph.Immediate)
	if err := g.AddTarget(model.Target{ID: "//a:lib", Kind: model.KindLibrary}); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	if err := g.AddTarget(model.Target{ID: "//a:app", Kind: model.KindExecutable}); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	if err := g.AddDependency("//a:app", "//a:lib"); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return g
}

func TestGetMissesOnColdStart(t *testing.T) {
	dir := t.TempDir()
	signer, err := envelope.NewSigner(dir, []byte("secret"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	c := New(Options{
		GraphPath:    filepath.Join(dir, "graph.bin"),
		MetadataPath: filepath.Join(dir, "graph-metadata.bin"),
		Signer:       signer,
		Hasher:       hash.New(),
	})
	got, err := c.Get(nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected miss on cold start")
	}
}

func TestPutThenGetHitsWhenConfigUnchanged(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "BUILD")
	if err := os.WriteFile(cfg, []byte("target(...)"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	signer, err := envelope.NewSigner(dir, []byte("secret"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	c := New(Options{
		GraphPath:    filepath.Join(dir, "graph.bin"),
		MetadataPath: filepath.Join(dir, "graph-metadata.bin"),
		Signer:       signer,
		Hasher:       hash.New(),
	})

	g := buildSampleGraph(t)
	if err := c.Put(g, []string{cfg}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := c.Get([]string{cfg})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected hit when config file unchanged")
	}
	if got.Len() != g.Len() {
		t.Fatalf("got %d nodes, want %d", got.Len(), g.Len())
	}
}

func TestGetMissesWhenConfigContentChanges(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "BUILD")
	if err := os.WriteFile(cfg, []byte("target(...)"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	signer, err := envelope.NewSigner(dir, []byte("secret"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	c := New(Options{
		GraphPath:    filepath.Join(dir, "graph.bin"),
		MetadataPath: filepath.Join(dir, "graph-metadata.bin"),
		Signer:       signer,
		Hasher:       hash.New(),
	})

	g := buildSampleGraph(t)
	if err := c.Put(g, []string{cfg}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := os.WriteFile(cfg, []byte("target(... extra)"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c.hasher.Clear() // the edit lands between build sessions

	got, err := c.Get([]string{cfg})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected miss after config content changed")
	}
}
