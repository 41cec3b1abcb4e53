// Copyright 2025 James Ross
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/flyingrobots/media-convert-orchestrator/internal/blobstore"
	"github.com/flyingrobots/media-convert-orchestrator/internal/classify"
	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
	"github.com/flyingrobots/media-convert-orchestrator/internal/obs"
	"github.com/flyingrobots/media-convert-orchestrator/internal/processorclient"
	"go.uber.org/zap"
)

// PushNotifier is the subset of pushchannel.Manager the orchestrator needs:
// broadcast a job's latest state to every subscribed connection. Declared
// here (consumer side) so this package never imports pushchannel.
type PushNotifier interface {
	Notify(job *jobstore.Job)
}

// progressEvent is what both transports (HTTP callback and status poll)
// funnel into a single per-job channel the worker goroutine selects on,
// alongside its cancellation signal.
type progressEvent struct {
	step     string
	progress int
	done     bool
	result   *processorclient.ConvertResult
	errResp  *classify.ProcessorResponse
}

// Orchestrator drives one claimed job end-to-end through the conversion
// pipeline: extract_metadata -> download -> transcode -> upload -> finalize.
type Orchestrator struct {
	store     *jobstore.Store
	processor *processorclient.Client
	blobs     blobstore.Store
	push      PushNotifier
	log       *zap.Logger

	progressStaleAfter time.Duration
	pollInterval       time.Duration
	presignTTL         time.Duration
	stageTimeouts      map[classify.Stage]time.Duration

	mu       sync.Mutex
	channels map[string]chan progressEvent
}

// New builds an Orchestrator. stageTimeouts maps stage name to its
// per-call deadline.
func New(store *jobstore.Store, processor *processorclient.Client, blobs blobstore.Store, push PushNotifier, log *zap.Logger, progressStaleAfter, pollInterval, presignTTL time.Duration, stageTimeouts map[classify.Stage]time.Duration) *Orchestrator {
	return &Orchestrator{
		store:              store,
		processor:          processor,
		blobs:              blobs,
		push:               push,
		log:                log,
		progressStaleAfter: progressStaleAfter,
		pollInterval:       pollInterval,
		presignTTL:         presignTTL,
		stageTimeouts:      stageTimeouts,
		channels:           make(map[string]chan progressEvent),
	}
}

// HandleCallback feeds a processor progress callback into the job's event
// channel. Returns false if no worker is currently driving this job (the
// callback arrived late, after the job already terminated).
func (o *Orchestrator) HandleCallback(jobID string, progress int, step string, done bool, result *processorclient.ConvertResult, errResp *classify.ProcessorResponse) bool {
	o.mu.Lock()
	ch, ok := o.channels[jobID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- progressEvent{step: step, progress: progress, done: done, result: result, errResp: errResp}:
	default:
		// Channel full: a poll or another callback is already pending
		// processing; this is self-healing, later events supersede it.
	}
	return true
}

func (o *Orchestrator) register(jobID string) chan progressEvent {
	ch := make(chan progressEvent, 4)
	o.mu.Lock()
	o.channels[jobID] = ch
	o.mu.Unlock()
	return ch
}

func (o *Orchestrator) unregister(jobID string) {
	o.mu.Lock()
	delete(o.channels, jobID)
	o.mu.Unlock()
}

// Run drives job through every stage. It is called by a worker goroutine
// that already holds a worker slot and has claimed the job (status
// already transitioned to processing by the Queue Manager).
func (o *Orchestrator) Run(ctx context.Context, job *jobstore.Job) {
	ctx, span := obs.ContextWithJobSpan(ctx, obs.JobSpanInfo{
		ID: job.ID, URL: job.URL, Platform: string(job.Platform),
		Format: string(job.Format), Quality: job.Quality, Attempt: job.Attempt,
	})
	defer span.End()

	ch := o.register(job.ID)
	defer o.unregister(job.ID)

	if cerr := o.runExtractMetadata(ctx, job); cerr != nil {
		o.fail(ctx, job, cerr)
		return
	}

	result, cerr := o.runConvert(ctx, job, ch)
	if cerr != nil {
		o.fail(ctx, job, cerr)
		return
	}

	if cerr := o.runFinalize(ctx, job, result); cerr != nil {
		o.fail(ctx, job, cerr)
		return
	}
}

// fail writes the terminal failed state with the classified error and
// notifies subscribers; it is the single place a job transitions to failed
// from inside Run (timeouts reaped by the Monitor go through
// internal/queue.ReapTimeouts instead).
func (o *Orchestrator) fail(ctx context.Context, job *jobstore.Job, cerr *classify.Error) {
	status := jobstore.StatusFailed
	patch := jobstore.Patch{
		Status: &status,
		Error: &jobstore.ErrorInfo{
			Kind: string(cerr.Kind), Message: cerr.Message,
			Retryable: cerr.Retryable, Suggestion: cerr.Suggestion,
		},
	}
	expected := jobstore.StatusProcessing
	if err := o.store.Update(ctx, job.ID, patch, &expected); err != nil {
		o.log.Error("failed to write terminal failed state", obs.String("job_id", job.ID), obs.Err(err))
		return
	}
	obs.JobsFailed.WithLabelValues(string(cerr.Kind)).Inc()
	if updated, err := o.store.Get(ctx, job.ID); err == nil {
		o.push.Notify(updated)
	}
}

// withStageRetry runs op (one attempt of a pipeline stage) under kind's
// retry policy, sleeping the computed backoff (or a Retry-After override)
// between attempts, and returns the final classified error once the budget
// is exhausted or the kind is non-retryable.
func withStageRetry(ctx context.Context, stage classify.Stage, op func(attempt int) (*classify.Error, *classify.ProcessorResponse)) *classify.Error {
	attempt := 0
	for {
		cerr, resp := op(attempt)
		if cerr == nil {
			return nil
		}
		if !cerr.Retryable {
			return cerr
		}
		policy, ok := classify.PolicyFor(cerr.Kind)
		if !ok {
			return cerr
		}
		if attempt+1 >= policy.MaxAttempts {
			return cerr
		}
		delay := classify.Delay(policy, attempt)
		if override, hasOverride := classify.RetryAfterOverride(resp); hasOverride {
			delay = override
		}
		select {
		case <-ctx.Done():
			return classify.New(classify.KindCancelled, "cancelled during retry backoff", ctx.Err())
		case <-time.After(delay):
		}
		attempt++
	}
}
