// Copyright 2025 James Ross
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/media-convert-orchestrator/internal/api"
	"github.com/flyingrobots/media-convert-orchestrator/internal/blobstore"
	"github.com/flyingrobots/media-convert-orchestrator/internal/breaker"
	"github.com/flyingrobots/media-convert-orchestrator/internal/classify"
	"github.com/flyingrobots/media-convert-orchestrator/internal/config"
	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
	"github.com/flyingrobots/media-convert-orchestrator/internal/monitor"
	"github.com/flyingrobots/media-convert-orchestrator/internal/orchestrator"
	"github.com/flyingrobots/media-convert-orchestrator/internal/processorclient"
	"github.com/flyingrobots/media-convert-orchestrator/internal/pushchannel"
	"github.com/flyingrobots/media-convert-orchestrator/internal/queue"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	_ "github.com/mattn/go-sqlite3"
)

// harness wires the five core components against an in-memory sqlite Job
// Store, a miniredis dispatch list, a file-backed blob store, and a stub
// downstream processor, driving jobs through the real Queue/Orchestrator
// pair exactly as cmd/job-queue-system's runDispatchLoop does (that loop is
// reproduced locally here so this package never imports package main).
type harness struct {
	ctx    context.Context
	cancel context.CancelFunc

	store     *jobstore.Store
	queueMgr  *queue.Manager
	orch      *orchestrator.Orchestrator
	processor *processorclient.Client
	push      *pushchannel.Manager
	apiSrv    *httptest.Server
	mr        *miniredis.Miniredis
}

func newHarness(processorURL string) *harness {
	ctx, cancel := context.WithCancel(context.Background())

	mr, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store, err := jobstore.Open(ctx, "sqlite3", "file:"+uuid.NewString()+"?mode=memory&cache=shared",
		1, 1, 3, time.Millisecond, 5*time.Millisecond, time.Hour, time.Hour)
	Expect(err).NotTo(HaveOccurred())

	blobs, err := blobstore.NewFileStore(GinkgoT().TempDir())
	Expect(err).NotTo(HaveOccurred())

	log := zap.NewNop()
	cb := breaker.New(time.Minute, time.Second, 0.9, 50)
	processor := processorclient.New(processorURL, cb)

	push := pushchannel.New(config.PushChannel{
		OutboundQueueSize:   10,
		HeartbeatInterval:   time.Minute,
		TerminalGracePeriod: 10 * time.Millisecond,
	}, log)
	go push.Run(ctx)
	push.AttachStore(store)

	queueMgr := queue.New(store, rdb, log, "e2e:pending", "e2e:processing:%s", 10*time.Minute, 200, 4)

	stageTimeouts := map[classify.Stage]time.Duration{
		classify.StageExtractMetadata: 2 * time.Second,
		classify.StageDownload:        2 * time.Second,
		classify.StageFinalize:        2 * time.Second,
	}
	orch := orchestrator.New(store, processor, blobs, push, log, 30*time.Millisecond, 30*time.Millisecond, time.Hour, stageTimeouts)

	apiSrv := api.New(queueMgr, store, orch, push, log)
	httpSrv := httptest.NewServer(apiSrv.Router())

	h := &harness{ctx: ctx, cancel: cancel, store: store, queueMgr: queueMgr, orch: orch, processor: processor, push: push, apiSrv: httpSrv, mr: mr}
	go h.dispatchLoop()
	return h
}

// dispatchLoop mirrors cmd/job-queue-system/main.go's runDispatchLoop: claim
// a worker slot, pop the next queued job, hand it to the Orchestrator.
func (h *harness) dispatchLoop() {
	for h.ctx.Err() == nil {
		if !h.queueMgr.TryAcquireSlot() {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		job, err := h.queueMgr.Dispatch(h.ctx, "e2e-worker", 200*time.Millisecond)
		if err != nil || job == nil {
			h.queueMgr.ReleaseSlot()
			continue
		}
		go func(j *jobstore.Job) {
			defer h.queueMgr.ReleaseSlot()
			h.orch.Run(h.ctx, j)
		}(job)
	}
}

func (h *harness) close() {
	h.cancel()
	h.apiSrv.Close()
	h.store.Close()
	h.mr.Close()
}

func (h *harness) submit(url, format, quality string) string {
	body, _ := json.Marshal(map[string]string{"url": url, "format": format, "quality": quality})
	resp, err := http.Post(h.apiSrv.URL+"/convert", "application/json", bytes.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
	var out struct {
		Success bool   `json:"success"`
		JobID   string `json:"jobId"`
	}
	Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
	Expect(out.Success).To(BeTrue())
	return out.JobID
}

// statusView decodes the status API's client-facing object.
type statusView struct {
	Success     bool               `json:"success"`
	JobID       string             `json:"jobId"`
	Status      string             `json:"status"`
	Progress    int                `json:"progress"`
	DownloadURL string             `json:"downloadUrl"`
	Filename    string             `json:"filename"`
	Metadata    *jobstore.Metadata `json:"metadata"`
	Error       *struct {
		Type       string `json:"type"`
		Message    string `json:"message"`
		Retryable  bool   `json:"retryable"`
		Suggestion string `json:"suggestion"`
	} `json:"error"`
}

func (h *harness) getStatus(jobID string) *statusView {
	resp, err := http.Get(h.apiSrv.URL + "/status/" + jobID)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	var view statusView
	Expect(json.NewDecoder(resp.Body).Decode(&view)).To(Succeed())
	return &view
}

// stubProcessor builds an httptest server implementing the downstream
// processor protocol: /extract-metadata, /convert, /status/{id}, /health.
// convertErrorsBeforeSuccess lets the bot-block scenario fail the first N
// /convert calls before accepting.
type stubProcessor struct {
	srv                        *httptest.Server
	convertErrorsBeforeSuccess int32
	convertAttempts            int32
}

func newStubProcessor(convertErrorsBeforeSuccess int32) *stubProcessor {
	s := &stubProcessor{convertErrorsBeforeSuccess: convertErrorsBeforeSuccess}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/extract-metadata", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"metadata": map[string]interface{}{
				"title": "Never Gonna Give You Up", "duration": 213, "uploader": "RickAstleyVEVO",
			},
		})
	})
	mux.HandleFunc("/convert", func(w http.ResponseWriter, r *http.Request) {
		attempt := atomic.AddInt32(&s.convertAttempts, 1)
		if attempt <= s.convertErrorsBeforeSuccess {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"success": false,
				"error":   map[string]interface{}{"code": "bot_blocked", "status_code": 503},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success":          true,
			"processor_job_id": "proc-1",
		})
	})
	mux.HandleFunc("/status/proc-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"progress": 100, "step": "upload", "done": true,
			"result": map[string]interface{}{"storage_key": "artifacts/job-1.mp3", "size": 4096, "duration": 213},
		})
	})
	s.srv = httptest.NewServer(mux)
	return s
}

func (s *stubProcessor) close() { s.srv.Close() }

var _ = Describe("Conversion Orchestrator", func() {
	It("drives a submitted job to completion (happy path)", func() {
		proc := newStubProcessor(0)
		defer proc.close()
		h := newHarness(proc.srv.URL)
		defer h.close()

		jobID := h.submit("https://www.youtube.com/watch?v=dQw4w9WgXcQ", "mp3", "128")

		Eventually(func() string {
			return h.getStatus(jobID).Status
		}, 3*time.Second, 20*time.Millisecond).Should(Equal(string(jobstore.StatusCompleted)))

		final := h.getStatus(jobID)
		Expect(final.Success).To(BeTrue())
		Expect(final.Progress).To(Equal(100))
		Expect(final.DownloadURL).NotTo(BeEmpty())
		Expect(final.Filename).To(Equal("converted.mp3"))
		Expect(final.Error).To(BeNil())
		Expect(final.Metadata).NotTo(BeNil())
		Expect(final.Metadata.Title).To(Equal("Never Gonna Give You Up"))
	})

	It("retries past transient bot-block failures without surfacing an error", func() {
		proc := newStubProcessor(2)
		defer proc.close()
		h := newHarness(proc.srv.URL)
		defer h.close()

		jobID := h.submit("https://www.youtube.com/watch?v=dQw4w9WgXcQ", "mp3", "128")

		// PLATFORM_BOT_BLOCKED backs off 5s then 10s (classify's fixed
		// policy table) before the third attempt succeeds.
		Eventually(func() string {
			return h.getStatus(jobID).Status
		}, 25*time.Second, 250*time.Millisecond).Should(Equal(string(jobstore.StatusCompleted)))

		Expect(atomic.LoadInt32(&proc.convertAttempts)).To(BeNumerically(">=", int32(3)))
	})

	It("fails the job with a classified error once retries are exhausted", func() {
		proc := newStubProcessor(100)
		defer proc.close()
		h := newHarness(proc.srv.URL)
		defer h.close()

		jobID := h.submit("https://www.youtube.com/watch?v=dQw4w9WgXcQ", "mp3", "128")

		Eventually(func() string {
			return h.getStatus(jobID).Status
		}, 25*time.Second, 250*time.Millisecond).Should(Equal(string(jobstore.StatusFailed)))

		final := h.getStatus(jobID)
		Expect(final.Error).NotTo(BeNil())
		Expect(final.Error.Type).To(Equal(string(classify.KindPlatformBotBlocked)))
		Expect(final.Error.Retryable).To(BeTrue())
		Expect(final.Error.Suggestion).NotTo(BeEmpty())
	})

	It("requeues a stuck job via the monitor and completes it on redispatch", func() {
		proc := newStubProcessor(0)
		defer proc.close()
		h := newHarness(proc.srv.URL)
		defer h.close()

		// Plant a processing job whose last progress write is ancient, as if
		// its worker died mid-conversion, then run one monitor sweep by hand.
		job := &jobstore.Job{URL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ", Platform: jobstore.PlatformYouTube, Format: jobstore.FormatMP3, Quality: "128"}
		job.Status = jobstore.StatusProcessing
		Expect(h.store.Create(h.ctx, job)).To(Succeed())
		stale := time.Now().UTC().Add(-time.Hour)
		expected := jobstore.StatusProcessing
		Expect(h.store.Update(h.ctx, job.ID, jobstore.Patch{LastProgressAt: &stale}, &expected)).To(Succeed())

		mon := monitor.New(h.store, h.queueMgr, h.processor, h.push, zap.NewNop(), time.Hour, time.Minute, 3)
		Expect(mon.SweepOnce(h.ctx)).To(Succeed())

		// The sweep requeues the job (attempt incremented); the harness's
		// dispatch loop then picks it up and the healthy stub processor
		// carries it to completion.
		Eventually(func() string {
			return h.getStatus(job.ID).Status
		}, 3*time.Second, 20*time.Millisecond).Should(Equal(string(jobstore.StatusCompleted)))

		final, err := h.store.Get(h.ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(final.Attempt).To(Equal(1))
	})

	It("rejects admission once the hard cap is reached", func() {
		ctx := context.Background()
		mr, err := miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		defer mr.Close()
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

		store, err := jobstore.Open(ctx, "sqlite3", "file:"+uuid.NewString()+"?mode=memory&cache=shared",
			1, 1, 3, time.Millisecond, 5*time.Millisecond, time.Hour, time.Hour)
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()

		const hardCap = 2
		qm := queue.New(store, rdb, zap.NewNop(), "admission:pending", "admission:processing:%s", 10*time.Minute, hardCap, 1)

		for i := 0; i < hardCap; i++ {
			job := &jobstore.Job{URL: "https://www.youtube.com/watch?v=x", Platform: jobstore.PlatformYouTube, Format: jobstore.FormatMP3, Quality: "128"}
			Expect(qm.Enqueue(ctx, job)).To(Succeed())
		}

		rejected := &jobstore.Job{URL: "https://www.youtube.com/watch?v=y", Platform: jobstore.PlatformYouTube, Format: jobstore.FormatMP3, Quality: "128"}
		err = qm.Enqueue(ctx, rejected)
		Expect(err).To(MatchError(queue.ErrCapacityExceeded))

		n, err := store.CountBy(ctx, jobstore.StatusQueued)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(hardCap))
	})
})
