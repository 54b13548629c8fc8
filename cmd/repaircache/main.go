// Command repaircache rebuilds a cache store from its untrusted on-disk
// run-directory tree, per spec.md §4.6. It classifies every file under
// the admin directory's store tree, deletes anything unclassifiable or
// incomplete, resets the kernel store to empty, and replays every
// surviving run through the same insert path the daemon uses.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli"
	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"

	"github.com/open-lmake/buildcache/cache"
	"github.com/open-lmake/buildcache/cmn"
	"github.com/open-lmake/buildcache/dbdriver"
	"github.com/open-lmake/buildcache/lru"
	"github.com/open-lmake/buildcache/repair"
	"github.com/open-lmake/buildcache/store"
)

func main() {
	app := cli.NewApp()
	app.Name = "repaircache"
	app.Usage = "rebuild a cache store from its run-directory tree"
	app.ArgsUsage = "<cache-dir>"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "path to YAML config file"},
		cli.BoolFlag{Name: "dry-run, n", Usage: "print the repair plan without applying it"},
		cli.BoolFlag{Name: "force, f", Usage: "proceed even if the daemon's liveness marker is present"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		if ec, ok := err.(cli.ExitCoder); ok {
			os.Exit(ec.ExitCode())
		}
		fmt.Fprintln(os.Stderr, "repaircache:", err)
		os.Exit(5)
	}
}

func run(c *cli.Context) error {
	dir := c.Args().First()
	if dir == "" {
		return cli.NewExitError("repaircache: missing <cache-dir>", 2)
	}
	cfg := cmn.DefaultConfig(dir)
	if p := c.String("config"); p != "" {
		loaded, err := cmn.LoadConfig(p)
		if err != nil {
			return cli.NewExitError(err.Error(), 2)
		}
		cfg = loaded
	}

	markerPath := filepath.Join(cfg.AdminDir, "server.mrkr")
	if _, err := os.Stat(markerPath); err == nil && !c.Bool("force") {
		return cli.NewExitError("repaircache: server.mrkr present; daemon looks live, refusing to repair (use --force to override)", 6)
	}

	repairingPath := filepath.Join(cfg.AdminDir, "repairing")
	if err := os.MkdirAll(cfg.AdminDir, 0o755); err != nil {
		return cli.NewExitError(err.Error(), 5)
	}
	if err := os.WriteFile(repairingPath, nil, 0o644); err != nil {
		return cli.NewExitError(err.Error(), 5)
	}
	defer os.Remove(repairingPath)

	runDir := filepath.Join(cfg.AdminDir, "store")
	plan, err := repair.Walk(runDir)
	if err != nil {
		return cli.NewExitError(err.Error(), 5)
	}

	fmt.Printf("repaircache: %d run(s) to keep, %d file(s) to delete\n", len(plan.Keep), len(plan.Delete))
	if c.Bool("dry-run") {
		for _, p := range plan.Delete {
			fmt.Println("would delete:", p)
		}
		return nil
	}

	p := mpb.New(mpb.WithWidth(64))
	bar := p.AddBar(int64(len(plan.Delete)),
		mpb.PrependDecorators(
			decor.Name("delete", decor.WC{W: 8, C: decor.DSyncWidthR}),
			decor.CountersNoUnit("%d/%d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(decor.Percentage(decor.WCSyncWidth)),
	)
	for _, path := range plan.Delete {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return cli.NewExitError(err.Error(), 5)
		}
		bar.Increment()
	}
	p.Wait()

	if err := store.ResetStore(cfg.StoreDir); err != nil {
		return cli.NewExitError(err.Error(), 5)
	}

	s, err := store.OpenStore(cfg.StoreDir, true)
	if err != nil {
		return cli.NewExitError(err.Error(), 5)
	}
	defer s.Close()

	sk, err := dbdriver.OpenSideKeys(cfg.AdminDir + "/sidekeys.db")
	if err != nil {
		return cli.NewExitError(err.Error(), 5)
	}
	defer sk.Close()

	engine := lru.NewEngine(s, cfg.MaxSize, cfg.NumRates)
	cch := cache.New(s, engine, uint32(cfg.MaxRunsPerJob))

	fmt.Printf("repaircache: replaying %d run(s)\n", len(plan.Keep))
	if err := repair.Replay(cch, plan); err != nil {
		return cli.NewExitError(err.Error(), 5)
	}

	for _, g := range plan.Keep {
		if keyID, ok := s.Keys.Lookup(g.KeyName); ok {
			if err := sk.Put(keyID, g.KeyName); err != nil {
				fmt.Fprintln(os.Stderr, "repaircache: side-key rebuild:", err)
			}
		}
	}

	if violations := store.Check(s); len(violations) > 0 {
		for _, v := range violations {
			fmt.Fprintln(os.Stderr, "repaircache: post-repair violation:", v)
		}
		return cli.NewExitError("repaircache: store failed consistency check after repair", 5)
	}

	fmt.Println("repaircache: repair complete")
	return nil
}
