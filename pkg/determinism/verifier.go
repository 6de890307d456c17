// Package determinism implements the Determinism Verifier (C13): execute an
// action N≥2 times into isolated output directories, compare outputs by
// content hash, and classify any mismatch with pattern-based detections
// (embedded timestamps, UUIDs, random seeds, non-stabilized build paths).
// This subsystem is informational; it blocks a build only when a caller
// configures failOnViolation.
package determinism

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	buildcoreerrors "github.com/buildcore/buildcore/pkg/errors"
	"github.com/buildcore/buildcore/pkg/events"
	"github.com/buildcore/buildcore/pkg/hash"
	"github.com/buildcore/buildcore/pkg/metrics"
	"github.com/buildcore/buildcore/pkg/model"
	"github.com/buildcore/buildcore/pkg/sandbox"
	"go.uber.org/zap"
)

// Executor runs one action inside spec, writing every output beneath
// outputDir. The verifier calls it once per run with a fresh outputDir so
// runs never share state.
type Executor interface {
	Execute(ctx context.Context, target model.Target, sources []string, deps []model.TargetId, spec sandbox.Spec, outputDir string) (outputs []string, err error)
}

// DetectionKind classifies a pattern-based non-determinism signal found in
// an action's command or outputs.
type DetectionKind uint8

const (
	DetectionTimestamp DetectionKind = iota + 1
	DetectionUUID
	DetectionRandomSeed
	DetectionBuildPath
)

func (k DetectionKind) String() string {
	switch k {
	case DetectionTimestamp:
		return "embedded_timestamp"
	case DetectionUUID:
		return "embedded_uuid"
	case DetectionRandomSeed:
		return "random_seed"
	case DetectionBuildPath:
		return "non_stabilized_build_path"
	default:
		return "unknown"
	}
}

// Detection is one pattern match, informational only.
type Detection struct {
	Kind    DetectionKind
	Path    string
	Excerpt string
}

// Violation is one output whose content hash differed across runs.
type Violation struct {
	Path        string
	BaseRunHash string
	OtherRun    int
	OtherHash   string
}

// RepairAction is one suggested fix for a detected non-determinism source.
type RepairAction struct {
	Description string
	EnvVar      string
	EnvValue    string
}

// RepairPlan bundles every suggested repair; it is advisory only, the
// verifier never mutates a Target or re-executes with the plan applied.
type RepairPlan struct {
	Actions []RepairAction
}

// VerificationReport is spec.md §4.13's output.
type VerificationReport struct {
	TargetID      model.TargetId
	Runs          int
	Deterministic bool
	Violations    []Violation
	Detections    []Detection
	RepairPlan    RepairPlan
}

// Options configures a Verifier.
type Options struct {
	Runs            int // defaults to 2
	FailOnViolation bool
	SourceDateEpoch int64 // 0 means unset; when > 0, SOURCE_DATE_EPOCH is added to the env whitelist (the value is not passed to the Executor)
	Logger          *zap.Logger
	Events          events.Publisher
	Metrics         metrics.Sink
}

// Verifier is the C13 façade: one Executor, run N times per Verify call.
type Verifier struct {
	exec Executor
	opts Options
}

// New constructs a Verifier, filling unset Options with their defaults.
func New(exec Executor, opts Options) *Verifier {
	if opts.Runs < 2 {
		opts.Runs = 2
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = events.NopPublisher{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewSink(nil)
	}
	return &Verifier{exec: exec, opts: opts}
}

// Verify executes target's action opts.Runs times into sibling temp
// directories and compares every output by content hash.
func (v *Verifier) Verify(ctx context.Context, target model.Target, sources []string, deps []model.TargetId, spec sandbox.Spec) (VerificationReport, error) {
	baseDir, err := os.MkdirTemp("", "buildcore-determinism-")
	if err != nil {
		return VerificationReport{}, buildcoreerrors.Wrap(buildcoreerrors.IoError, "determinism", "create scratch dir", err)
	}
	defer os.RemoveAll(baseDir)

	runSpec := spec
	if v.opts.SourceDateEpoch > 0 {
		runSpec.E = withSourceDateEpoch(spec.E)
	}

	type runResult struct {
		dir     string
		outputs []string
		hashes  map[string]string
	}
	results := make([]runResult, 0, v.opts.Runs)
	for i := 0; i < v.opts.Runs; i++ {
		dir := filepath.Join(baseDir, fmt.Sprintf("run-%d", i))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return VerificationReport{}, buildcoreerrors.Wrap(buildcoreerrors.IoError, "determinism", "create run dir", err)
		}
		outputs, err := v.exec.Execute(ctx, target, sources, deps, runSpec, dir)
		if err != nil {
			return VerificationReport{}, err
		}
		hashes := make(map[string]string, len(outputs))
		for _, out := range outputs {
			rel, rerr := filepath.Rel(dir, out)
			if rerr != nil {
				rel = out
			}
			b, rerr := os.ReadFile(out)
			if rerr != nil {
				return VerificationReport{}, buildcoreerrors.Wrap(buildcoreerrors.IoError, "determinism", "read run output", rerr).
					WithContext("path", out)
			}
			hashes[rel] = hash.ContentHashBytes(b)
		}
		results = append(results, runResult{dir: dir, outputs: outputs, hashes: hashes})
	}

	base := results[0]
	var violations []Violation
	for rel, h := range base.hashes {
		for i := 1; i < len(results); i++ {
			if other := results[i].hashes[rel]; other != h {
				violations = append(violations, Violation{Path: rel, BaseRunHash: h, OtherRun: i, OtherHash: other})
			}
		}
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].Path < violations[j].Path })

	report := VerificationReport{
		TargetID:      target.ID,
		Runs:          v.opts.Runs,
		Deterministic: len(violations) == 0,
		Violations:    violations,
	}
	if !report.Deterministic {
		report.Detections = detectPatterns(base.dir, base.outputs)
		report.RepairPlan = buildRepairPlan(report.Detections)

		v.opts.Metrics.IncDeterminismViolation()
		v.opts.Events.Publish(events.Event{Kind: events.DeterminismViolation, Fields: map[string]any{
			"targetId": string(target.ID), "violations": len(violations),
		}})
		v.opts.Logger.Warn("target is not reproducible",
			zap.String("targetId", string(target.ID)), zap.Int("violations", len(violations)))

		if v.opts.FailOnViolation {
			return report, buildcoreerrors.New(buildcoreerrors.DeterminismViolation, "determinism", "target produced non-reproducible output").
				WithContext("targetId", string(target.ID))
		}
	}
	return report, nil
}

func withSourceDateEpoch(e sandbox.EnvSet) sandbox.EnvSet {
	out := make(sandbox.EnvSet, len(e)+1)
	for k := range e {
		out[k] = struct{}{}
	}
	out["SOURCE_DATE_EPOCH"] = struct{}{}
	return out
}

var (
	timestampPattern = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`)
	uuidPattern      = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	seedPattern      = regexp.MustCompile(`(?i)\b(seed|rand(om)?)[=: ]+[0-9a-fx]{4,}`)
)

// detectPatterns scans every output from the first run for known
// non-determinism signatures. It is a heuristic, not a proof: a detection
// does not guarantee it caused the observed violation, and the absence of
// any detection does not mean the cause was found.
func detectPatterns(runDir string, outputs []string) []Detection {
	var detections []Detection
	for _, path := range outputs {
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		rel, rerr := filepath.Rel(runDir, path)
		if rerr != nil {
			rel = path
		}
		if m := timestampPattern.Find(b); m != nil {
			detections = append(detections, Detection{Kind: DetectionTimestamp, Path: rel, Excerpt: string(m)})
		}
		if m := uuidPattern.Find(b); m != nil {
			detections = append(detections, Detection{Kind: DetectionUUID, Path: rel, Excerpt: string(m)})
		}
		if m := seedPattern.Find(b); m != nil {
			detections = append(detections, Detection{Kind: DetectionRandomSeed, Path: rel, Excerpt: string(m)})
		}
		if runDir != "" && containsPath(b, runDir) {
			detections = append(detections, Detection{Kind: DetectionBuildPath, Path: rel, Excerpt: runDir})
		}
	}
	return detections
}

func containsPath(b []byte, path string) bool {
	return len(path) > 0 && regexp.MustCompile(regexp.QuoteMeta(path)).Match(b)
}

// buildRepairPlan maps each detection kind to a suggested env/flag fix. It
// is advisory only; applying it is left to the caller's build configuration.
func buildRepairPlan(detections []Detection) RepairPlan {
	seen := make(map[DetectionKind]struct{}, len(detections))
	var plan RepairPlan
	for _, d := range detections {
		if _, ok := seen[d.Kind]; ok {
			continue
		}
		seen[d.Kind] = struct{}{}
		switch d.Kind {
		case DetectionTimestamp:
			plan.Actions = append(plan.Actions, RepairAction{
				Description: "stamp outputs from SOURCE_DATE_EPOCH instead of the wall clock",
				EnvVar:      "SOURCE_DATE_EPOCH", EnvValue: "0",
			})
		case DetectionUUID:
			plan.Actions = append(plan.Actions, RepairAction{
				Description: "derive generated identifiers from content hash instead of a random UUID",
			})
		case DetectionRandomSeed:
			plan.Actions = append(plan.Actions, RepairAction{
				Description: "pin the random seed to a fixed value",
				EnvVar:      "BUILDCORE_FIXED_SEED", EnvValue: "1",
			})
		case DetectionBuildPath:
			plan.Actions = append(plan.Actions, RepairAction{
				Description: "strip or remap the sandbox's absolute build path from emitted debug info",
			})
		}
	}
	return plan
}
