package scheduler

import (
	"context"

	"github.com/buildcore/buildcore/pkg/model"
	"github.com/buildcore/buildcore/pkg/sandbox"
)

// LanguageHandler is the collaborator interface spec.md §6 names; the core
// never implements it, only calls it. Per spec.md §9's "capability instead
// of deep inheritance" design note, it is reduced to the two operations the
// scheduler and graph builder actually need.
type LanguageHandler interface {
	// BuildWithContext executes one target's action inside spec, returning
	// the resulting output hash and the output paths it produced.
	BuildWithContext(ctx context.Context, target model.Target, sources []string, deps []model.TargetId, spec sandbox.Spec) (outputHash string, outputs []string, err error)

	// AnalyzeImports feeds the graph builder a target's discovered imports;
	// unused by the scheduler itself but part of the same capability set.
	AnalyzeImports(ctx context.Context, sources []string) ([]string, error)
}

// CacheChecker is the subset of the Cache Coordinator's façade the scheduler
// needs: target cache's pkg/targetcache.Cache satisfies this directly.
type CacheChecker interface {
	IsCached(ctx context.Context, id model.TargetId, sourcePaths []string, depIDs []model.TargetId) (bool, error)
}
