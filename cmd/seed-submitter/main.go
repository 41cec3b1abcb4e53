// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/flyingrobots/media-convert-orchestrator/internal/config"
	"github.com/flyingrobots/media-convert-orchestrator/internal/obs"
	"github.com/flyingrobots/media-convert-orchestrator/internal/submitter"
)

var version = "dev"

func main() {
	var configPath, format, quality string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&format, "format", "mp3", "Output format applied to every submitted URL")
	fs.StringVar(&quality, "quality", "128", "Output quality applied to every submitted URL")
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sub := submitter.New(cfg.Submitter, format, quality, logger)
	results, err := sub.Run(ctx)

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	logger.Info("batch submission finished", obs.Int("submitted", len(results)-failed), obs.Int("failed", failed))

	if err != nil {
		logger.Error("batch submission aborted", obs.Err(err))
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(1)
	}
}
