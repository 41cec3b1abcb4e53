// Copyright 2025 James Ross
package orchestrator

import (
	"context"
	"time"

	"github.com/flyingrobots/media-convert-orchestrator/internal/classify"
	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
	"github.com/flyingrobots/media-convert-orchestrator/internal/obs"
	"github.com/flyingrobots/media-convert-orchestrator/internal/processorclient"
)

// stageRange maps a processor-reported step name to the job-level progress
// band it occupies: download 15-55, transcode 55-85, upload 85-98; any
// other step name falls in 15-98. extract_metadata and finalize do not pass
// through here: their stages write 15 and 100 directly.
func stageRange(step string) (lo, hi int) {
	switch step {
	case "download":
		return 15, 55
	case "transcode":
		return 55, 85
	case "upload":
		return 85, 98
	default:
		return 15, 98
	}
}

// scale maps a processor's own 0-100 progress within a step into that
// step's job-level band.
func scale(step string, processorProgress int) int {
	lo, hi := stageRange(step)
	if processorProgress < 0 {
		processorProgress = 0
	}
	if processorProgress > 100 {
		processorProgress = 100
	}
	return lo + (hi-lo)*processorProgress/100
}

// writeProgress persists a progress/step update and notifies subscribers.
// Progress never decreases for a given job: a write below the stored value
// is dropped, and the value is clamped to 100. job is mutated in place so
// callers can keep driving the pipeline off the freshest in-memory view
// without an extra round trip to the store.
func (o *Orchestrator) writeProgress(ctx context.Context, job *jobstore.Job, progress int, step string) error {
	if progress < job.Progress {
		return nil
	}
	if progress > 100 {
		progress = 100
	}
	now := time.Now().UTC()
	patch := jobstore.Patch{Progress: &progress, CurrentStep: &step, LastProgressAt: &now}
	expected := jobstore.StatusProcessing
	if err := o.store.Update(ctx, job.ID, patch, &expected); err != nil {
		return err
	}
	job.Progress = progress
	job.CurrentStep = step
	job.LastProgressAt = now
	o.push.Notify(job)
	return nil
}

// runExtractMetadata drives the first pipeline stage: fetch source
// metadata from the processor and record it on the job.
func (o *Orchestrator) runExtractMetadata(ctx context.Context, job *jobstore.Job) *classify.Error {
	timeout := o.stageTimeouts[classify.StageExtractMetadata]
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var metadata *jobstore.Metadata
	cerr := withStageRetry(ctx, classify.StageExtractMetadata, func(attempt int) (*classify.Error, *classify.ProcessorResponse) {
		start := time.Now()
		callCtx, cancel := processorclient.WithTimeout(ctx, timeout)
		defer cancel()
		m, cerr := o.processor.ExtractMetadata(callCtx, job.URL)
		obs.StageDuration.WithLabelValues(string(classify.StageExtractMetadata)).Observe(time.Since(start).Seconds())
		if cerr != nil {
			if attempt > 0 {
				obs.JobsRetried.WithLabelValues(string(classify.StageExtractMetadata)).Inc()
			}
			return cerr, nil
		}
		metadata = m
		return nil, nil
	})
	if cerr != nil {
		return cerr
	}

	now := time.Now().UTC()
	progress := 15
	step := "extract_metadata"
	patch := jobstore.Patch{Metadata: metadata, Progress: &progress, CurrentStep: &step, LastProgressAt: &now}
	expected := jobstore.StatusProcessing
	if err := o.store.Update(ctx, job.ID, patch, &expected); err != nil {
		return classify.New(classify.KindInternal, "failed to persist extracted metadata", err)
	}
	job.Metadata = metadata
	job.Progress = progress
	job.CurrentStep = step
	job.LastProgressAt = now
	o.push.Notify(job)
	return nil
}

// runConvert drives the combined download/transcode/upload stage, which
// the processor performs as one long-running call reporting progress over
// either transport (HTTP callback, primary; status poll, fallback) into
// ch. Collapsing the three processor-side phases into one procedure keeps
// a single reader over the progress-event channel.
func (o *Orchestrator) runConvert(ctx context.Context, job *jobstore.Job, ch chan progressEvent) (*processorclient.ConvertResult, *classify.Error) {
	var result *processorclient.ConvertResult

	cerr := withStageRetry(ctx, classify.StageDownload, func(attempt int) (*classify.Error, *classify.ProcessorResponse) {
		start := time.Now()
		accepted, cerr := o.processor.StartConversion(ctx, processorclient.ConvertRequest{
			URL: job.URL, Format: string(job.Format), Quality: job.Quality, JobID: job.ID,
		})
		if cerr != nil {
			if attempt > 0 {
				obs.JobsRetried.WithLabelValues(string(classify.StageDownload)).Inc()
			}
			return cerr, nil
		}

		r, cerr := o.waitForCompletion(ctx, job, ch, accepted.ProcessorJobID)
		obs.StageDuration.WithLabelValues("convert").Observe(time.Since(start).Seconds())
		if cerr != nil {
			return cerr, nil
		}
		result = r
		return nil, nil
	})
	if cerr != nil {
		return nil, cerr
	}
	return result, nil
}

// waitForCompletion selects between progress callbacks, a staleness-driven
// status poll, and cancellation until the processor reports the job done
// or failed. Every accepted event resets the staleness timer; the poll
// only fires once no callback has landed within the stale window.
func (o *Orchestrator) waitForCompletion(ctx context.Context, job *jobstore.Job, ch chan progressEvent, processorJobID string) (*processorclient.ConvertResult, *classify.Error) {
	staleAfter := o.progressStaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	timer := time.NewTimer(staleAfter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, classify.New(classify.KindCancelled, "conversion cancelled", ctx.Err())

		case ev := <-ch:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(staleAfter)

			if ev.errResp != nil {
				return nil, classify.Classify(classify.StageTranscode, nil, ev.errResp)
			}
			if ev.done {
				return ev.result, nil
			}
			_ = o.writeProgress(ctx, job, scale(ev.step, ev.progress), ev.step)

		case <-timer.C:
			status, cerr := o.processor.Status(ctx, processorJobID)
			if cerr != nil {
				return nil, cerr
			}
			if status.Error != nil {
				return nil, classify.Classify(classify.StageTranscode, nil, status.ErrorResponse())
			}
			if status.Done {
				return status.Result, nil
			}
			_ = o.writeProgress(ctx, job, scale(status.Step, status.Progress), status.Step)
			timer.Reset(staleAfter)
		}
	}
}

// runFinalize presigns the completed artifact and writes the terminal
// completed state. This is the authoritative point at which download_url
// is minted; the Job Store's lazy refresh on read is a safety net for
// long-lived records only.
func (o *Orchestrator) runFinalize(ctx context.Context, job *jobstore.Job, result *processorclient.ConvertResult) *classify.Error {
	presignCtx, cancel := processorclient.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url, err := o.blobs.Presign(presignCtx, result.StorageKey, o.presignTTL)
	if err != nil {
		return classify.New(classify.KindStorageReadFailed, "failed to presign completed artifact", err)
	}

	now := time.Now().UTC()
	expiry := now.Add(o.presignTTL)
	progress := 100
	step := "finalize"
	status := jobstore.StatusCompleted
	patch := jobstore.Patch{
		Status: &status, Progress: &progress, CurrentStep: &step,
		StorageKey: &result.StorageKey, DownloadURL: &url, DownloadURLExpiresAt: &expiry,
		LastProgressAt: &now,
	}
	expected := jobstore.StatusProcessing
	if uerr := o.store.Update(ctx, job.ID, patch, &expected); uerr != nil {
		return classify.New(classify.KindInternal, "failed to persist completed job", uerr)
	}

	job.Status = status
	job.Progress = progress
	job.CurrentStep = step
	job.StorageKey = result.StorageKey
	job.DownloadURL = url
	job.DownloadURLExpiresAt = expiry
	obs.JobsCompleted.Inc()
	o.push.Notify(job)
	return nil
}
