// Package bench holds reproducible micro-benchmarks for the build graph,
// scheduler, and cache coordinator. Run via:
//
//	go test ./bench -bench=. -benchmem -cpu 1,4,16
package bench

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/buildcore/buildcore/pkg/coordinator"
	"github.com/buildcore/buildcore/pkg/graph"
	"github.com/buildcore/buildcore/pkg/model"
	"github.com/buildcore/buildcore/pkg/sandbox"
	"github.com/buildcore/buildcore/pkg/scheduler"
)

type noopHandler struct{}

func (noopHandler) BuildWithContext(context.Context, model.Target, []string, []model.TargetId, sandbox.Spec) (string, []string, error) {
	return "built", nil, nil
}
func (noopHandler) AnalyzeImports(context.Context, []string) ([]string, error) { return nil, nil }

// chainGraph builds a graph of n targets in a single dependency chain:
// t0 <- t1 <- ... <- t(n-1).
func chainGraph(n int) *graph.BuildGraph {
	g := graph.New(graph.Deferred)
	for i := 0; i < n; i++ {
		id := model.TargetId(fmt.Sprintf("//bench:t%d", i))
		if err := g.AddTarget(model.Target{ID: id, Kind: model.KindLibrary}); err != nil {
			panic(err)
		}
		if i > 0 {
			from := id
			to := model.TargetId(fmt.Sprintf("//bench:t%d", i-1))
			if err := g.AddDependency(from, to); err != nil {
				panic(err)
			}
		}
	}
	return g
}

func BenchmarkGraphValidate(b *testing.B) {
	g := chainGraph(10_000)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := g.Validate(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkGraphCriticalPath(b *testing.B) {
	g := chainGraph(10_000)
	if err := g.Validate(); err != nil {
		b.Fatal(err)
	}
	costFn := func(n *graph.BuildNode) float64 { return 1 }
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g.CriticalPath(costFn)
	}
}

func BenchmarkSchedulerRunColdChain(b *testing.B) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		g := chainGraph(1_000)
		sched := scheduler.New(g, scheduler.Options{Handler: noopHandler{}})
		b.StartTimer()

		if _, err := sched.Run(context.Background()); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCoordinatorIsCachedMiss(b *testing.B) {
	root := b.TempDir()
	co, err := coordinator.New(coordinator.WithWorkspaceRoot(root))
	if err != nil {
		b.Fatal(err)
	}
	defer co.Close()

	src := filepath.Join(root, "a.txt")
	if err := os.WriteFile(src, []byte("content"), 0o644); err != nil {
		b.Fatal(err)
	}

	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := model.TargetId(fmt.Sprintf("//bench:t%d", i))
		if _, err := co.IsCached(ctx, id, []string{src}, nil); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCoordinatorUpdateThenIsCachedHit(b *testing.B) {
	root := b.TempDir()
	co, err := coordinator.New(coordinator.WithWorkspaceRoot(root))
	if err != nil {
		b.Fatal(err)
	}
	defer co.Close()

	src := filepath.Join(root, "a.txt")
	if err := os.WriteFile(src, []byte("content"), 0o644); err != nil {
		b.Fatal(err)
	}

	ctx := context.Background()
	const id = model.TargetId("//bench:hot")
	if err := co.Update(ctx, id, []string{src}, nil, "hash"); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := co.IsCached(ctx, id, []string{src}, nil); err != nil {
			b.Fatal(err)
		}
	}
}
