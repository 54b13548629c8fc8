// Command cached runs the build-artifact cache daemon of spec.md §4.5.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/urfave/cli"

	"github.com/open-lmake/buildcache/cache"
	"github.com/open-lmake/buildcache/cmn"
	"github.com/open-lmake/buildcache/daemon"
	"github.com/open-lmake/buildcache/dbdriver"
	"github.com/open-lmake/buildcache/lru"
	"github.com/open-lmake/buildcache/store"
)

func main() {
	app := cli.NewApp()
	app.Name = "cached"
	app.Usage = "build-artifact cache daemon"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "path to YAML config file"},
		cli.StringFlag{Name: "store-dir", Usage: "cache store directory (overrides config default)"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		glog.Fatalf("cached: %v", err)
	}
}

func run(c *cli.Context) error {
	var cfg *cmn.Config
	if p := c.String("config"); p != "" {
		loaded, err := cmn.LoadConfig(p)
		if err != nil {
			return cmn.Wrap(err, "load config")
		}
		cfg = loaded
	} else {
		dir := c.String("store-dir")
		if dir == "" {
			dir = "/var/cache/buildcache/store"
		}
		cfg = cmn.DefaultConfig(dir)
	}

	for _, d := range []string{cfg.StoreDir, cfg.AdminDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return cmn.Wrap(err, "create cache directories")
		}
	}

	s, err := store.OpenStore(cfg.StoreDir, true)
	if err != nil {
		return cmn.Wrap(err, "open store")
	}
	defer s.Close()

	sk, err := dbdriver.OpenSideKeys(cfg.AdminDir + "/sidekeys.db")
	if err != nil {
		return cmn.Wrap(err, "open side-key store")
	}
	defer sk.Close()

	engine := lru.NewEngine(s, cfg.MaxSize, cfg.NumRates)
	engine.Rebuild()
	engine.RegisterHousekeeping("lru-gc", cfg.LRURefresh)

	cch := cache.New(s, engine, uint32(cfg.MaxRunsPerJob))

	srv, err := daemon.NewServer(cch, cfg, sk)
	if err != nil {
		return cmn.Wrap(err, "init server")
	}

	if cfg.HandleInt {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGHUP)
		go func() {
			<-sigCh
			glog.Infof("cached: received shutdown signal, exiting without draining")
			os.Exit(0)
		}()
	}

	return srv.Serve()
}
