// Package parallelmap is the one worker-stealing map primitive used both for
// hashing many files (pkg/hash) and for batch cache validation
// (pkg/coordinator) — per spec.md §9: "treat it as a library, not a
// component." It is a thin generic wrapper over golang.org/x/sync/errgroup,
// the same module the reference cache uses for its singleflight
// de-duplication layer.
package parallelmap

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Map applies fn to every item in items, bounded to at most limit concurrent
// calls (limit <= 0 means unbounded). Results preserve input order. The
// first error returned by any fn cancels the group's context and is
// returned; per spec.md §4.11, a single-item input short-circuits and runs
// fn inline without spawning a goroutine.
func Map[T, R any](ctx context.Context, items []T, limit int, fn func(context.Context, T) (R, error)) ([]R, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if len(items) == 1 {
		r, err := fn(ctx, items[0])
		if err != nil {
			return nil, err
		}
		return []R{r}, nil
	}

	results := make([]R, len(items))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			r, err := fn(gctx, item)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// MapBestEffort is like Map but never aborts on a single item's error — it
// collects per-item errors alongside results so the caller can decide how
// to treat partial failure (used by batchValidate, which must still report
// an aggregate hit rate even if one probe errored).
func MapBestEffort[T, R any](ctx context.Context, items []T, limit int, fn func(context.Context, T) (R, error)) ([]R, []error) {
	results := make([]R, len(items))
	errs := make([]error, len(items))
	if len(items) == 0 {
		return results, errs
	}
	if len(items) == 1 {
		r, err := fn(ctx, items[0])
		results[0], errs[0] = r, err
		return results, errs
	}

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			r, err := fn(gctx, item)
			results[i] = r
			errs[i] = err
			return nil // never fail the group; errors are per-item
		})
	}
	_ = g.Wait()
	return results, errs
}
