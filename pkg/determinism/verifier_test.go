package determinism

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/buildcore/buildcore/pkg/model"
	"github.com/buildcore/buildcore/pkg/sandbox"
)

// stableExecutor writes identical output bytes on every run.
type stableExecutor struct{}

func (stableExecutor) Execute(_ context.Context, _ model.Target, _ []string, _ []model.TargetId, _ sandbox.Spec, outputDir string) ([]string, error) {
	path := filepath.Join(outputDir, "out.bin")
	if err := os.WriteFile(path, []byte("stable content"), 0o644); err != nil {
		return nil, err
	}
	return []string{path}, nil
}

// timestampedExecutor embeds the run index (simulating a wall-clock stamp)
// so every run's output differs.
type timestampedExecutor struct{ run int }

func (e *timestampedExecutor) Execute(_ context.Context, _ model.Target, _ []string, _ []model.TargetId, _ sandbox.Spec, outputDir string) ([]string, error) {
	path := filepath.Join(outputDir, "out.bin")
	content := "built at 2026-01-0" + string(rune('1'+e.run)) + "T00:00:00Z"
	e.run++
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return []string{path}, nil
}

func TestVerifyReportsDeterministicForStableOutput(t *testing.T) {
	v := New(stableExecutor{}, Options{Runs: 3})
	report, err := v.Verify(context.Background(), model.Target{ID: "//a:lib"}, nil, nil, sandbox.Spec{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.Deterministic {
		t.Fatalf("expected deterministic report, got %+v", report)
	}
	if len(report.Violations) != 0 {
		t.Fatalf("expected no violations, got %v", report.Violations)
	}
}

func TestVerifyDetectsTimestampViolation(t *testing.T) {
	v := New(&timestampedExecutor{}, Options{Runs: 3})
	report, err := v.Verify(context.Background(), model.Target{ID: "//a:lib"}, nil, nil, sandbox.Spec{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.Deterministic {
		t.Fatalf("expected non-deterministic report")
	}
	if len(report.Violations) == 0 {
		t.Fatalf("expected at least one violation")
	}
	var sawTimestamp bool
	for _, d := range report.Detections {
		if d.Kind == DetectionTimestamp {
			sawTimestamp = true
		}
	}
	if !sawTimestamp {
		t.Fatalf("expected a timestamp detection, got %+v", report.Detections)
	}
	if len(report.RepairPlan.Actions) == 0 {
		t.Fatalf("expected a non-empty repair plan")
	}
}

func TestVerifyFailOnViolationReturnsError(t *testing.T) {
	v := New(&timestampedExecutor{}, Options{Runs: 2, FailOnViolation: true})
	_, err := v.Verify(context.Background(), model.Target{ID: "//a:lib"}, nil, nil, sandbox.Spec{})
	if err == nil {
		t.Fatalf("expected an error when FailOnViolation is set")
	}
}

func TestVerifyDefaultsRunsToTwo(t *testing.T) {
	v := New(stableExecutor{}, Options{})
	if v.opts.Runs != 2 {
		t.Fatalf("got Runs=%d, want 2", v.opts.Runs)
	}
}
