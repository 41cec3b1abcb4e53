// Copyright 2025 James Ross
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/flyingrobots/media-convert-orchestrator/internal/classify"
	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
	"github.com/flyingrobots/media-convert-orchestrator/internal/obs"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Requeuer is the subset of internal/queue.Manager the Monitor needs to put
// a recovered job back in line for dispatch.
type Requeuer interface {
	Requeue(ctx context.Context, id string) error
	ActiveSlots() int
}

// HealthProber is the subset of internal/processorclient.Client the Monitor
// needs to decide whether a stuck job's processor is still alive.
type HealthProber interface {
	Health(ctx context.Context) error
}

// SubscriptionPruner is the subset of internal/pushchannel.Manager the
// Monitor needs for orphan-subscription reaping: jobs no longer queued or
// processing are pruned from the fan-out map after the manager's own
// terminal-state linger.
type SubscriptionPruner interface {
	Prune(aliveJobIDs map[string]struct{})
	NotifyRecovery(jobID string, attempt int)
}

// Monitor ticks on an interval performing stuck-job recovery, expired-result
// reaping, orphan-subscription pruning, and metrics emission.
type Monitor struct {
	store    *jobstore.Store
	queue    Requeuer
	processor HealthProber
	push     SubscriptionPruner
	log      *zap.Logger

	interval    time.Duration
	stuckAfter  time.Duration
	maxAttempts int
}

// New builds a Monitor. stuckAfter is how long a processing job may go
// without a progress write before it is considered possibly-stuck;
// maxAttempts bounds how many times a stuck job is requeued before it is
// failed terminally.
func New(store *jobstore.Store, queue Requeuer, processor HealthProber, push SubscriptionPruner, log *zap.Logger, interval, stuckAfter time.Duration, maxAttempts int) *Monitor {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Monitor{store: store, queue: queue, processor: processor, push: push, log: log, interval: interval, stuckAfter: stuckAfter, maxAttempts: maxAttempts}
}

// StartCronSweep schedules a full tick() pass on a cron expression
// (default "0 3 * * *", nightly at 03:00) as a backstop against the fast
// ticker goroutine silently dying: if Run's ticker loop ever stalls, the
// cron-scheduled pass still catches expired results and stuck jobs before a
// whole day passes. Returns the cron.Cron so the caller can Stop it on
// shutdown; a blank cronExpr disables the backstop entirely.
func (m *Monitor) StartCronSweep(ctx context.Context, cronExpr string) (*cron.Cron, error) {
	if cronExpr == "" {
		return nil, nil
	}
	c := cron.New()
	_, err := c.AddFunc(cronExpr, func() { m.tick(ctx) })
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

// Run blocks ticking until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if err := m.SweepOnce(ctx); err != nil {
		m.log.Error("monitor sweep failed", obs.Err(err))
	}
}

// SweepOnce runs one full sweep pass (stuck-job recovery, expired-result
// reaping, orphan-subscription pruning, metrics emission) outside the
// ticker cadence. Returns the first error encountered; later passes still
// run so one failing sweep does not starve the others.
func (m *Monitor) SweepOnce(ctx context.Context) error {
	var firstErr error
	if err := m.sweepStuck(ctx); err != nil {
		m.log.Error("stuck-job sweep failed", obs.Err(err))
		firstErr = err
	}
	if n, err := m.store.DeleteExpired(ctx, time.Now().UTC()); err != nil {
		m.log.Error("expired-result reap failed", obs.Err(err))
		if firstErr == nil {
			firstErr = err
		}
	} else if n > 0 {
		obs.MonitorExpiredDeleted.Add(float64(n))
	}
	if err := m.pruneSubscriptions(ctx); err != nil {
		m.log.Error("subscription prune failed", obs.Err(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	obs.WorkerSlotsActive.Set(float64(m.queue.ActiveSlots()))
	return firstErr
}

// sweepStuck scans processing jobs whose last_progress_at is older than
// stuckAfter but have not yet hit the Queue Manager's harder
// processing-timeout reap, and attempts recovery: a healthy processor means
// the job is likely alive and just slow to report, so it is requeued for a
// fresh attempt while the attempt budget lasts; an unhealthy processor, or
// an exhausted attempt budget, means recovery is unlikely to help, so the
// job fails terminally.
func (m *Monitor) sweepStuck(ctx context.Context) error {
	const pageSize = 200
	cutoff := time.Now().UTC().Add(-m.stuckAfter)

	page, err := m.store.ListBy(ctx, jobstore.StatusProcessing, pageSize, 0)
	if err != nil {
		return err
	}

	probeCtx, cancelProbe := context.WithTimeout(ctx, 5*time.Second)
	healthy := m.processor.Health(probeCtx) == nil
	cancelProbe()

	for _, j := range page {
		if j.LastProgressAt.After(cutoff) {
			continue
		}
		expected := jobstore.StatusProcessing
		if healthy && j.Attempt < m.maxAttempts {
			if err := m.recoverByRequeue(ctx, j, &expected); err != nil && !errors.Is(err, jobstore.ErrConflict) {
				return err
			}
		} else {
			msg := "processor is unhealthy; automatic recovery abandoned"
			if healthy {
				msg = "recovery attempts exhausted"
			}
			if err := m.recoverByFailing(ctx, j, &expected, msg); err != nil && !errors.Is(err, jobstore.ErrConflict) {
				return err
			}
		}
	}
	return nil
}

func (m *Monitor) recoverByRequeue(ctx context.Context, j *jobstore.Job, expected *jobstore.Status) error {
	target := jobstore.StatusQueued
	attempt := j.Attempt + 1
	progress := 0
	step := ""
	patch := jobstore.Patch{Status: &target, Attempt: &attempt, Progress: &progress, CurrentStep: &step}
	if err := m.store.Update(ctx, j.ID, patch, expected); err != nil {
		return err
	}
	if err := m.queue.Requeue(ctx, j.ID); err != nil {
		m.log.Error("failed to push recovered job back onto dispatch list", obs.String("job_id", j.ID), obs.Err(err))
		return err
	}
	m.push.NotifyRecovery(j.ID, attempt)
	obs.MonitorRecovered.Inc()
	m.log.Info("recovered stuck job by requeueing", obs.String("job_id", j.ID), obs.Int("attempt", attempt))
	return nil
}

func (m *Monitor) recoverByFailing(ctx context.Context, j *jobstore.Job, expected *jobstore.Status, msg string) error {
	target := jobstore.StatusFailed
	cerr := classify.New(classify.KindStuckRecoveryFailed, msg, nil)
	patch := jobstore.Patch{
		Status: &target,
		Error: &jobstore.ErrorInfo{
			Kind: string(cerr.Kind), Message: cerr.Message,
			Retryable: cerr.Retryable, Suggestion: cerr.Suggestion,
		},
	}
	if err := m.store.Update(ctx, j.ID, patch, expected); err != nil {
		return err
	}
	obs.JobsFailed.WithLabelValues(string(cerr.Kind)).Inc()
	m.log.Warn("failed stuck job", obs.String("job_id", j.ID), obs.String("reason", msg), obs.Int("attempt", j.Attempt))
	return nil
}

// pruneSubscriptions tells the push channel which job ids are still live
// (queued or processing); everything else is eligible for the manager's own
// terminal-state linger/close logic.
func (m *Monitor) pruneSubscriptions(ctx context.Context) error {
	alive := make(map[string]struct{})
	for _, status := range []jobstore.Status{jobstore.StatusQueued, jobstore.StatusProcessing} {
		const pageSize = 500
		for offset := 0; ; offset += pageSize {
			page, err := m.store.ListBy(ctx, status, pageSize, offset)
			if err != nil {
				return err
			}
			for _, j := range page {
				alive[j.ID] = struct{}{}
			}
			if len(page) < pageSize {
				break
			}
		}
	}
	m.push.Prune(alive)
	return nil
}
