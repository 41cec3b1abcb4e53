// Copyright 2025 James Ross
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flyingrobots/media-convert-orchestrator/internal/classify"
	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
	"github.com/flyingrobots/media-convert-orchestrator/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCapacityExceeded is returned by Enqueue when countBy(queued) +
// countBy(processing) has reached HardCap.
var ErrCapacityExceeded = errors.New("queue: capacity exceeded")

// Manager is the admission-control, FIFO-ordering, worker-dispatch
// component. The authoritative Job record lives in the Job Store; the
// Redis list here only carries job IDs and exists to give dispatch a
// blocking-pop primitive. A single list, strictly FIFO — there are no
// priority classes.
type Manager struct {
	store *jobstore.Store
	rdb   *redis.Client
	log   *zap.Logger

	dispatchList      string
	processingPattern string
	processingTimeout time.Duration
	hardCap           int

	slots chan struct{}
}

// New builds a Manager with a worker-slot semaphore of size
// maxConcurrentConversions.
func New(store *jobstore.Store, rdb *redis.Client, log *zap.Logger, dispatchList, processingPattern string, processingTimeout time.Duration, hardCap, maxConcurrentConversions int) *Manager {
	slots := make(chan struct{}, maxConcurrentConversions)
	for i := 0; i < maxConcurrentConversions; i++ {
		slots <- struct{}{}
	}
	return &Manager{
		store:             store,
		rdb:               rdb,
		log:               log,
		dispatchList:      dispatchList,
		processingPattern: processingPattern,
		processingTimeout: processingTimeout,
		hardCap:           hardCap,
		slots:             slots,
	}
}

// Enqueue admits job into status=queued, assigning it a position in the
// FIFO dispatch list. Admission control rejects the submission with
// ErrCapacityExceeded if countBy(queued)+countBy(processing) has reached
// HardCap, without creating a job row.
func (m *Manager) Enqueue(ctx context.Context, job *jobstore.Job) error {
	ctx, span := obs.StartEnqueueSpan(ctx, m.dispatchList, "fifo")
	defer span.End()

	queued, err := m.store.CountBy(ctx, jobstore.StatusQueued)
	if err != nil {
		return fmt.Errorf("count queued: %w", err)
	}
	processing, err := m.store.CountBy(ctx, jobstore.StatusProcessing)
	if err != nil {
		return fmt.Errorf("count processing: %w", err)
	}
	if queued+processing >= m.hardCap {
		obs.JobsRejected.Inc()
		obs.RecordError(ctx, ErrCapacityExceeded)
		return ErrCapacityExceeded
	}

	job.Status = jobstore.StatusQueued
	if err := m.store.Create(ctx, job); err != nil {
		return err
	}
	if err := m.rdb.LPush(ctx, m.dispatchList, job.ID).Err(); err != nil {
		return fmt.Errorf("push dispatch list: %w", err)
	}
	obs.JobsSubmitted.Inc()
	obs.SetSpanSuccess(ctx)
	return nil
}

// TryAcquireSlot attempts to reserve one worker slot without blocking.
// Returns false if all slots are busy.
func (m *Manager) TryAcquireSlot() bool {
	select {
	case <-m.slots:
		return true
	default:
		return false
	}
}

// ReleaseSlot returns a worker slot to the pool, making room for the next
// Dispatch to succeed. Always call after a job's terminal status write.
func (m *Manager) ReleaseSlot() {
	select {
	case m.slots <- struct{}{}:
	default:
	}
}

// Dispatch claims the next runnable job for a caller that already holds a
// worker slot (via TryAcquireSlot). It pops the oldest job id off the FIFO
// list and conditionally transitions it queued -> processing; if that
// conditional update loses the race to another dispatcher (possible in
// pathological cases where the same id was pushed twice, or a retry
// requeues while a prior claim is in flight), the claim is dropped and the
// next candidate is tried — the conditional update, not the Redis pop, is
// what guarantees single ownership of a processing job.
func (m *Manager) Dispatch(ctx context.Context, workerID string, popTimeout time.Duration) (*jobstore.Job, error) {
	ctx, span := obs.StartDequeueSpan(ctx, m.dispatchList)
	defer span.End()

	procList := fmt.Sprintf(m.processingPattern, workerID)

	for attempts := 0; attempts < 5; attempts++ {
		id, err := m.rdb.BRPopLPush(ctx, m.dispatchList, procList, popTimeout).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("brpoplpush: %w", err)
		}

		expected := jobstore.StatusQueued
		target := jobstore.StatusProcessing
		patch := jobstore.Patch{Status: &target}
		if err := m.store.Update(ctx, id, patch, &expected); err != nil {
			if errors.Is(err, jobstore.ErrConflict) || errors.Is(err, jobstore.ErrNotFound) {
				m.log.Warn("dispatch lost claim race, trying next candidate",
					obs.String("job_id", id), obs.Err(err))
				m.rdb.LRem(ctx, procList, 1, id)
				continue
			}
			return nil, err
		}

		job, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		obs.JobsDispatched.Inc()
		return job, nil
	}
	return nil, nil
}

// Requeue pushes an already-reset job id back onto the FIFO dispatch list,
// used by the Monitor after it resets a stuck job's status back to queued.
func (m *Manager) Requeue(ctx context.Context, id string) error {
	return m.rdb.LPush(ctx, m.dispatchList, id).Err()
}

// ActiveSlots reports how many worker slots are currently checked out, for
// the orchestrator_worker_slots_active gauge.
func (m *Manager) ActiveSlots() int {
	return cap(m.slots) - len(m.slots)
}

// Stats reports counts per status plus capacity info, for the public
// status API and admin dashboards.
type Stats struct {
	Queued     int
	Processing int
	Completed  int
	Failed     int
	HardCap    int
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.Queued, err = m.store.CountBy(ctx, jobstore.StatusQueued); err != nil {
		return s, err
	}
	if s.Processing, err = m.store.CountBy(ctx, jobstore.StatusProcessing); err != nil {
		return s, err
	}
	if s.Completed, err = m.store.CountBy(ctx, jobstore.StatusCompleted); err != nil {
		return s, err
	}
	if s.Failed, err = m.store.CountBy(ctx, jobstore.StatusFailed); err != nil {
		return s, err
	}
	s.HardCap = m.hardCap
	return s, nil
}

// Position returns the number of older queued jobs ahead of id. The value
// is advisory: it reflects the moment of the read, not a reservation.
func (m *Manager) Position(ctx context.Context, id string) (int, error) {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if job.Status != jobstore.StatusQueued {
		return 0, nil
	}
	// listBy is ordered oldest-first; count entries strictly older than id.
	const pageSize = 500
	position := 0
	for offset := 0; ; offset += pageSize {
		page, err := m.store.ListBy(ctx, jobstore.StatusQueued, pageSize, offset)
		if err != nil {
			return 0, err
		}
		if len(page) == 0 {
			break
		}
		for _, j := range page {
			if j.ID == id {
				return position, nil
			}
			position++
		}
		if len(page) < pageSize {
			break
		}
	}
	return position, nil
}

// ReapTimeouts scans processing jobs whose updated_at predates
// processingTimeout and transitions them to failed{TIMEOUT} (retryable).
// The scan runs against the Job Store rather than the Redis processing
// lists; updated_at there is the authoritative clock.
func (m *Manager) ReapTimeouts(ctx context.Context, now time.Time) (int, error) {
	const pageSize = 200
	reaped := 0
	cutoff := now.Add(-m.processingTimeout)

	for {
		page, err := m.store.ListBy(ctx, jobstore.StatusProcessing, pageSize, 0)
		if err != nil {
			return reaped, err
		}
		if len(page) == 0 {
			return reaped, nil
		}
		progressedThisPass := false
		for _, j := range page {
			if j.UpdatedAt.After(cutoff) {
				continue
			}
			expected := jobstore.StatusProcessing
			target := jobstore.StatusFailed
			cerr := classify.New(classify.KindTimeout, "processing exceeded the configured timeout", nil)
			patch := jobstore.Patch{
				Status: &target,
				Error: &jobstore.ErrorInfo{
					Kind: string(cerr.Kind), Message: cerr.Message,
					Retryable: cerr.Retryable, Suggestion: cerr.Suggestion,
				},
			}
			if err := m.store.Update(ctx, j.ID, patch, &expected); err != nil {
				if errors.Is(err, jobstore.ErrConflict) {
					continue
				}
				return reaped, err
			}
			reaped++
			progressedThisPass = true
			obs.JobsFailed.WithLabelValues(string(cerr.Kind)).Inc()
		}
		if !progressedThisPass || len(page) < pageSize {
			return reaped, nil
		}
	}
}
