// dataset_gen generates a synthetic build graph workspace for benchmarking
// the scheduler and cache coordinator outside `go test`: N targets, each
// depending on -fanout randomly drawn lower-numbered targets (repeats
// possible) and each with a small source file, so a single
// invocation produces a reproducible dependency DAG of any size.
//
// Usage:
//
//	go run ./tools/dataset_gen -n 5000 -fanout 4 -out /tmp/bc-dataset -seed 42
//
// Flags:
//
//	-n        number of targets to generate (default 10000)
//	-fanout   number of dependencies per non-root target (default 3)
//	-seed     RNG seed selecting each target's dependency set (default 42)
//	-out      output workspace directory (required)
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
)

func main() {
	var (
		n      = flag.Int("n", 10_000, "number of targets to generate")
		fanout = flag.Int("fanout", 3, "dependencies per non-root target")
		seed   = flag.Int64("seed", 42, "RNG seed")
		out    = flag.String("out", "", "output workspace directory")
	)
	flag.Parse()

	if *out == "" {
		fmt.Fprintln(os.Stderr, "dataset_gen: -out is required")
		os.Exit(1)
	}
	if *n <= 0 || *fanout < 0 {
		fmt.Fprintln(os.Stderr, "dataset_gen: -n must be >0 and -fanout must be >=0")
		os.Exit(1)
	}

	rnd := rand.New(rand.NewSource(*seed))

	srcDir := filepath.Join(*out, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		fatal(err)
	}

	manifest, err := os.Create(filepath.Join(*out, "targets.tsv"))
	if err != nil {
		fatal(err)
	}
	defer manifest.Close()
	fmt.Fprintln(manifest, "id\tsource\tdeps")

	for i := 0; i < *n; i++ {
		id := fmt.Sprintf("//gen:t%d", i)
		srcPath := filepath.Join(srcDir, fmt.Sprintf("t%d.txt", i))
		if err := os.WriteFile(srcPath, []byte(fmt.Sprintf("target %d\n", i)), 0o644); err != nil {
			fatal(err)
		}

		var deps []string
		for d := 0; d < *fanout && i > 0; d++ {
			dep := rnd.Intn(i) // depend only on lower-numbered targets, guaranteeing a DAG
			deps = append(deps, fmt.Sprintf("//gen:t%d", dep))
		}
		fmt.Fprintf(manifest, "%s\t%s\t%v\n", id, srcPath, deps)
	}

	fmt.Printf("generated %d targets under %s\n", *n, *out)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "dataset_gen:", err)
	os.Exit(1)
}
