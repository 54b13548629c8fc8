// Command cachedump is the read-only inspection tool of SPEC_FULL.md §3.4:
// it opens a cache store read-only and prints every job, its runs, and
// their deps in a stable textual form, optionally running the §8
// invariant walk over the same store.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/open-lmake/buildcache/cmn"
	"github.com/open-lmake/buildcache/store"
)

func main() {
	app := cli.NewApp()
	app.Name = "cachedump"
	app.Usage = "print the contents of a cache store (read-only)"
	app.ArgsUsage = "<cache-dir>"
	app.Flags = []cli.Flag{
		cli.BoolFlag{Name: "check", Usage: "run the invariant walk instead of (or in addition to) dumping"},
		cli.BoolFlag{Name: "quiet, q", Usage: "suppress the per-run dump, useful with -check"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "cachedump:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	dir := c.Args().First()
	if dir == "" {
		return cli.NewExitError("cachedump: missing <cache-dir>", 2)
	}
	cfg := cmn.DefaultConfig(dir)

	s, err := store.OpenStore(cfg.StoreDir, false)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer s.Close()

	if !c.Bool("quiet") {
		dump(s)
	}

	if c.Bool("check") {
		violations := store.Check(s)
		for _, v := range violations {
			fmt.Fprintln(os.Stderr, "cachedump: violation:", v)
		}
		if len(violations) > 0 {
			return cli.NewExitError(fmt.Sprintf("cachedump: %d invariant violation(s)", len(violations)), 1)
		}
	}
	return nil
}

// dump walks every interned job and prints its runs from MRU to LRU,
// each with its key, dep count, size, and rate bucket.
func dump(s *store.Store) {
	fmt.Printf("store: total_sz=%s\n", cmn.B2S(s.TotalSz(), 2))
	s.Jobs.Names.Walk(func(name []byte, jobID uint32) {
		jr := s.Jobs.Jobs.At(jobID)
		fmt.Printf("job %q (n_statics=%d n_runs=%d)\n", name, jr.NStatics, jr.NRuns)
		for runID := jr.LRUHead; runID != 0; {
			r := s.Runs.At(runID)
			deps := s.NodesVec.View(r.DepsVec)
			fmt.Printf("  run %d key=%q key_is_last=%v sz=%s rate=%d n_deps=%d last_access=%d\n",
				runID, s.Keys.Name(r.Key), r.KeyIsLast != 0, cmn.B2S(r.Sz, 2), r.Rate, len(deps), r.LastAccess)
			runID = r.JobNext
		}
	})
}
