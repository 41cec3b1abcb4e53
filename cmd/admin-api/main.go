// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/media-convert-orchestrator/internal/adminapi"
	"github.com/flyingrobots/media-convert-orchestrator/internal/config"
	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
	"github.com/flyingrobots/media-convert-orchestrator/internal/obs"
	"github.com/flyingrobots/media-convert-orchestrator/internal/queue"
	"github.com/flyingrobots/media-convert-orchestrator/internal/redisclient"
	"go.uber.org/zap"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var version = "dev"

// main runs the operator-facing admin API as its own process against the
// same Job Store and dispatch list the job-queue-system process owns, so
// either can be scaled or restarted independently.
func main() {
	var configPath string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(2)
	}

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := jobstore.Open(ctx, cfg.JobStore.Driver, cfg.JobStore.DSN,
		cfg.JobStore.MaxOpenConns, cfg.JobStore.MaxIdleConns,
		cfg.JobStore.WriteRetries, cfg.JobStore.WriteRetryBase, cfg.JobStore.WriteRetryMax,
		cfg.JobStore.ResultTTL, cfg.JobStore.RefreshWindow)
	if err != nil {
		logger.Fatal("failed to open job store", obs.Err(err))
	}
	defer store.Close()

	queueMgr := queue.New(store, rdb, logger,
		cfg.Queue.DispatchListKey, cfg.Queue.ProcessingListPattern,
		cfg.Queue.ProcessingTimeout, cfg.Queue.HardCap, cfg.Queue.MaxConcurrentConversions)

	go handleSignals(cancel, logger)

	if err := adminapi.Run(ctx, cfg.AdminAPI, store, queueMgr, logger); err != nil {
		logger.Fatal("admin api stopped", obs.Err(err))
	}
}

func handleSignals(cancel context.CancelFunc, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()

	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, forcing exit", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(5 * time.Second):
	}
}
