package actioncache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/buildcore/buildcore/pkg/envelope"
	"github.com/buildcore/buildcore/pkg/model"
)

func testActionID(t *testing.T) model.ActionId {
	t.Helper()
	return model.ActionId{TargetID: model.TargetId("//a:b"), Type: model.ActionCompile, InputHash: "input-1"}
}

func TestIsActionCachedMissOnColdStart(t *testing.T) {
	dir := t.TempDir()
	signer, err := envelope.NewSigner(dir, []byte("test-secret"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	c, err := New(Options{Path: filepath.Join(dir, "actions.bin"), Signer: signer})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ok, err := c.IsActionCached(testActionID(t))
	if err != nil {
		t.Fatalf("IsActionCached: %v", err)
	}
	if ok {
		t.Fatalf("expected miss on cold start")
	}
}

func TestRecordThenHit(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")
	if err := os.WriteFile(out, []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	signer, err := envelope.NewSigner(dir, []byte("test-secret"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	c, err := New(Options{Path: filepath.Join(dir, "actions.bin"), Signer: signer})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := testActionID(t)
	if err := c.RecordAction(id, []string{out}, map[string]string{"tool": "gcc"}); err != nil {
		t.Fatalf("RecordAction: %v", err)
	}
	ok, err := c.IsActionCached(id)
	if err != nil {
		t.Fatalf("IsActionCached: %v", err)
	}
	if !ok {
		t.Fatalf("expected hit after RecordAction")
	}
}

func TestMissWhenOutputDeleted(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")
	if err := os.WriteFile(out, []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	signer, err := envelope.NewSigner(dir, []byte("test-secret"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	c, err := New(Options{Path: filepath.Join(dir, "actions.bin"), Signer: signer})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := testActionID(t)
	if err := c.RecordAction(id, []string{out}, nil); err != nil {
		t.Fatalf("RecordAction: %v", err)
	}
	if err := os.Remove(out); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	ok, err := c.IsActionCached(id)
	if err != nil {
		t.Fatalf("IsActionCached: %v", err)
	}
	if ok {
		t.Fatalf("expected miss after output was deleted")
	}
}

func TestMissWhenOutputContentChanges(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")
	if err := os.WriteFile(out, []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	signer, err := envelope.NewSigner(dir, []byte("test-secret"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	c, err := New(Options{Path: filepath.Join(dir, "actions.bin"), Signer: signer})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := testActionID(t)
	if err := c.RecordAction(id, []string{out}, nil); err != nil {
		t.Fatalf("RecordAction: %v", err)
	}
	if err := os.WriteFile(out, []byte("changed"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ok, err := c.IsActionCached(id)
	if err != nil {
		t.Fatalf("IsActionCached: %v", err)
	}
	if ok {
		t.Fatalf("expected miss after output content changed")
	}
}

func TestFlushAndReloadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "actions.bin")
	out := filepath.Join(dir, "out.bin")
	if err := os.WriteFile(out, []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	signer, err := envelope.NewSigner(dir, []byte("test-secret"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	id := testActionID(t)

	c1, err := New(Options{Path: path, Signer: signer})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c1.RecordAction(id, []string{out}, nil); err != nil {
		t.Fatalf("RecordAction: %v", err)
	}
	if err := c1.Flush(false); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	c2, err := New(Options{Path: path, Signer: signer})
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	ok, err := c2.IsActionCached(id)
	if err != nil {
		t.Fatalf("IsActionCached: %v", err)
	}
	if !ok {
		t.Fatalf("expected hit after reload from flushed cache file")
	}
}
