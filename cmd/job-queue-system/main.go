// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/media-convert-orchestrator/internal/api"
	"github.com/flyingrobots/media-convert-orchestrator/internal/blobstore"
	"github.com/flyingrobots/media-convert-orchestrator/internal/breaker"
	"github.com/flyingrobots/media-convert-orchestrator/internal/classify"
	"github.com/flyingrobots/media-convert-orchestrator/internal/config"
	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
	"github.com/flyingrobots/media-convert-orchestrator/internal/monitor"
	"github.com/flyingrobots/media-convert-orchestrator/internal/obs"
	"github.com/flyingrobots/media-convert-orchestrator/internal/orchestrator"
	"github.com/flyingrobots/media-convert-orchestrator/internal/platform"
	"github.com/flyingrobots/media-convert-orchestrator/internal/processorclient"
	"github.com/flyingrobots/media-convert-orchestrator/internal/pushchannel"
	"github.com/flyingrobots/media-convert-orchestrator/internal/queue"
	"github.com/flyingrobots/media-convert-orchestrator/internal/redisclient"
	"go.uber.org/zap"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var version = "dev"

// main wires the five core components (Job Store, Queue Manager,
// Conversion Orchestrator, Progress & Recovery Monitor, Push Channel
// Manager) into a single runnable orchestrator process.
func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

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

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	blobs, err := newBlobStore(cfg.BlobStore)
	if err != nil {
		logger.Fatal("failed to init blob store", obs.Err(err))
	}

	store, err := jobstore.Open(ctx, cfg.JobStore.Driver, cfg.JobStore.DSN,
		cfg.JobStore.MaxOpenConns, cfg.JobStore.MaxIdleConns,
		cfg.JobStore.WriteRetries, cfg.JobStore.WriteRetryBase, cfg.JobStore.WriteRetryMax,
		cfg.JobStore.ResultTTL, cfg.JobStore.RefreshWindow,
		jobstore.WithPresigner(blobs, cfg.BlobStore.PresignTTL))
	if err != nil {
		logger.Fatal("failed to open job store", obs.Err(err))
	}
	defer store.Close()

	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	processor := processorclient.New(cfg.Processor.BaseURL, cb)

	push := pushchannel.New(cfg.PushChannel, logger)
	go push.Run(ctx)

	queueMgr := queue.New(store, rdb, logger,
		cfg.Queue.DispatchListKey, cfg.Queue.ProcessingListPattern,
		cfg.Queue.ProcessingTimeout, cfg.Queue.HardCap, cfg.Queue.MaxConcurrentConversions)

	push.AttachStore(store)
	push.AttachSubmitter(&wsSubmitter{queue: queueMgr})

	stageTimeouts := map[classify.Stage]time.Duration{
		classify.StageExtractMetadata: cfg.Orchestrator.StageTimeouts["extract_metadata"],
		classify.StageDownload:        cfg.Orchestrator.StageTimeouts["download"],
		classify.StageTranscode:       cfg.Orchestrator.StageTimeouts["transcode"],
		classify.StageUpload:          cfg.Orchestrator.StageTimeouts["upload"],
		classify.StageFinalize:        cfg.Orchestrator.StageTimeouts["finalize"],
	}
	orch := orchestrator.New(store, processor, blobs, push, logger,
		cfg.Orchestrator.ProgressStaleAfter, cfg.Orchestrator.ProgressStaleAfter, cfg.BlobStore.PresignTTL, stageTimeouts)

	mon := monitor.New(store, queueMgr, processor, push, logger, cfg.Monitor.TickInterval, cfg.Monitor.StuckThreshold, cfg.Monitor.MaxRecoveryAttempts)
	go mon.Run(ctx)

	cronSweep, err := mon.StartCronSweep(ctx, cfg.Monitor.ExpirySweepCron)
	if err != nil {
		logger.Warn("failed to schedule cron sweep backstop", obs.Err(err))
	}
	if cronSweep != nil {
		defer cronSweep.Stop()
	}

	go runDispatchLoop(ctx, queueMgr, orch, logger, cfg.Queue.BRPopLPushTimeout)

	// Periodic hard-timeout reap, independent of the Monitor's softer
	// stuck-job sweep: two different thresholds over the same processing
	// set, one terminal and one recovering.
	go func() {
		ticker := time.NewTicker(cfg.Monitor.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := queueMgr.ReapTimeouts(ctx, time.Now().UTC()); err != nil {
					logger.Error("reap timeouts failed", obs.Err(err))
				} else if n > 0 {
					logger.Info("reaped timed-out jobs", obs.Int("count", n))
				}
			}
		}
	}()

	apiSrv := api.New(queueMgr, store, orch, push, logger)
	httpSrv := &http.Server{Addr: cfg.API.ListenAddr, Handler: apiSrv.Router()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", obs.Err(err))
		}
	}()

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	obsSrv := obs.StartHTTPServer(cfg, readyCheck)
	obs.StartQueueLengthUpdater(ctx, cfg, rdb, logger)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	push.GracefulShutdown(shutdownCtx)
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = obsSrv.Shutdown(shutdownCtx)
	cancel()

	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(5 * time.Second):
	}
}

// runDispatchLoop is the dispatch core: acquire a worker slot, block for
// the next queued job, hand it to the Orchestrator in its own goroutine,
// and release the slot when that run returns.
func runDispatchLoop(ctx context.Context, q *queue.Manager, orch *orchestrator.Orchestrator, log *zap.Logger, popTimeout time.Duration) {
	workerID := "dispatcher"
	for ctx.Err() == nil {
		if !q.TryAcquireSlot() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		job, err := q.Dispatch(ctx, workerID, popTimeout)
		if err != nil {
			q.ReleaseSlot()
			if ctx.Err() != nil {
				return
			}
			log.Error("dispatch error", obs.Err(err))
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			q.ReleaseSlot()
			continue
		}

		go func(j *jobstore.Job) {
			defer q.ReleaseSlot()
			orch.Run(ctx, j)
		}(job)
	}
}

// wsSubmitter lets the push channel's start_conversion message accept a job
// the same way the public /convert endpoint does (internal/api.handleConvert),
// without the push channel importing internal/queue or internal/platform itself.
type wsSubmitter struct {
	queue *queue.Manager
}

func (s *wsSubmitter) Submit(ctx context.Context, rawURL, format, quality string) (*jobstore.Job, error) {
	plat, normalized, err := platform.Detect(rawURL)
	if err != nil {
		return nil, err
	}
	f := jobstore.Format(format)
	if !platform.ValidFormat(f) {
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
	if !platform.ValidQuality(f, quality) {
		return nil, fmt.Errorf("unsupported quality %q for format %s", quality, format)
	}
	job := &jobstore.Job{URL: normalized, Platform: plat, Format: f, Quality: quality}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// newBlobStore builds the configured blob-store backend.
func newBlobStore(cfg config.BlobStore) (blobstore.Store, error) {
	switch cfg.Backend {
	case "s3":
		return blobstore.NewS3Store(cfg.Region, cfg.Bucket)
	default:
		return blobstore.NewFileStore(cfg.BaseDir)
	}
}
