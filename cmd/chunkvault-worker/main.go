package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/linguohua/chunkvault/chunk/manager"
	"github.com/linguohua/chunkvault/internal/config"
	"github.com/linguohua/chunkvault/internal/metrics"
)

var log = logging.Logger("main")

const flagDataDir = "data-dir"

func main() {
	app := &cli.App{
		Name:                 "chunkvault-worker",
		Usage:                "Per-worker chunk convergence engine",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagDataDir,
				EnvVars: []string{"CHUNKVAULT_DATA_DIR"},
				Value:   "./data",
				Usage:   "root directory for canonical chunk storage",
			},
		},
		Commands: []*cli.Command{
			runCmd,
			statCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("%s", err)
		os.Exit(1)
	}
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "start the worker and block until interrupted",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "listen address for the Prometheus /metrics endpoint; empty disables it",
			Value: "",
		},
		&cli.IntFlag{
			Name:  "concurrency",
			Usage: "maximum concurrent download tasks",
			Value: 4,
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg := config.Default()
		cfg.DataDir = cctx.String(flagDataDir)
		if v := cctx.Int("concurrency"); v > 0 {
			cfg.ExecutorConcurrency = v
		}
		if v := cctx.String("metrics-addr"); v != "" {
			cfg.MetricsAddr = v
		}
		_ = logging.SetLogLevel("*", cfg.LogLevel)

		mgr, err := manager.New(manager.Options{
			DataDir:             cfg.DataDir,
			ExecutorConcurrency: cfg.ExecutorConcurrency,
			MaxDownloadAttempts: cfg.MaxDownloadAttempts,
			FetchTimeout:        cfg.FetchTimeout,
		})
		if err != nil {
			return fmt.Errorf("start manager: %w", err)
		}

		if cfg.MetricsAddr != "" {
			srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
			go func() {
				log.Infof("metrics listening on %s", cfg.MetricsAddr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("metrics server: %s", err)
				}
			}()
		}

		log.Infof("chunkvault-worker running with data dir %s", cfg.DataDir)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.FetchTimeout)
		defer cancel()
		return mgr.Close(ctx)
	},
}

var statCmd = &cli.Command{
	Name:  "stat",
	Usage: "print Manager.Stats() once and exit",
	Action: func(cctx *cli.Context) error {
		mgr, err := manager.New(manager.Options{DataDir: cctx.String(flagDataDir)})
		if err != nil {
			return fmt.Errorf("start manager: %w", err)
		}
		defer mgr.Close(context.Background()) //nolint:errcheck

		stats := mgr.Stats()
		fmt.Printf("ready_chunks:      %d\n", stats.ReadyChunks)
		fmt.Printf("tracked_chunks:    %d\n", stats.TrackedChunks)
		fmt.Printf("in_flight_tasks:   %d\n", stats.InFlightTasks)
		fmt.Printf("disk_used_bytes:   %d\n", stats.DiskUsedBytes)
		fmt.Printf("disk_total_bytes:  %d\n", stats.DiskTotalBytes)

		ids := mgr.ListChunks()
		fmt.Printf("chunk ids (%d):\n", len(ids))
		for _, id := range ids {
			fmt.Printf("  %s\n", id)
		}
		return nil
	},
}
