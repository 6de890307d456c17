// buildcore-inspect opens a workspace's .buildcore/ cache directory and
// prints the current size of every cache layer, either once or on a watch
// interval. Coordinator.New creates the .buildcore/ tree on first run, and
// outside watch mode the deferred Coordinator.Close flushes every cache
// layer on exit, which runs eviction and rewrites the signed cache files.
//
// Usage:
//
//	buildcore-inspect -workspace /path/to/workspace
//	buildcore-inspect -workspace . -watch -interval 5s
//	buildcore-inspect -workspace . -json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/buildcore/buildcore/pkg/coordinator"
)

type options struct {
	workspace string
	json      bool
	watch     bool
	interval  time.Duration
}

func parseFlags() *options {
	opts := &options{}
	flag.StringVar(&opts.workspace, "workspace", ".", "workspace root containing .buildcore/")
	flag.BoolVar(&opts.json, "json", false, "print as JSON instead of a text table")
	flag.BoolVar(&opts.watch, "watch", false, "repeatedly print stats every -interval")
	flag.DurationVar(&opts.interval, "interval", 2*time.Second, "refresh interval in watch mode")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	co, err := coordinator.New(coordinator.WithWorkspaceRoot(opts.workspace))
	if err != nil {
		fatal(err)
	}
	defer co.Close()

	if opts.watch {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		for {
			dump(co, opts)
			<-ticker.C
		}
	}
	dump(co, opts)
}

func dump(co *coordinator.Coordinator, opts *options) {
	stats := co.Stats()
	if opts.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(stats)
		return
	}
	fmt.Printf("Target entries:   %d\n", stats.TargetEntries)
	fmt.Printf("Action entries:   %d\n", stats.ActionEntries)
	fmt.Printf("Tracked sources:  %d\n", stats.TrackedSources)
	fmt.Printf("Source dedup:     %.1f%%\n", stats.SourceDedupRatio*100)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "buildcore-inspect:", err)
	os.Exit(1)
}
