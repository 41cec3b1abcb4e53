// Copyright 2025 James Ross
package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *jobstore.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store, err := jobstore.Open(context.Background(), "sqlite3", "file::memory:?cache=shared", 1, 1,
		3, 10*time.Millisecond, 40*time.Millisecond, 24*time.Hour, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	log := zap.NewNop()
	mgr := New(store, rdb, log, "convert:queue:pending", "convert:queue:worker:%s:processing", 10*time.Minute, 200, 8)
	return mgr, store
}

func newJob(url string) *jobstore.Job {
	return &jobstore.Job{URL: url, Platform: jobstore.PlatformYouTube, Format: jobstore.FormatMP3, Quality: "128"}
}

func TestEnqueueAndDispatch(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	job := newJob("https://www.youtube.com/watch?v=abc")
	if err := mgr.Enqueue(ctx, job); err != nil {
		t.Fatal(err)
	}

	if !mgr.TryAcquireSlot() {
		t.Fatal("expected a free worker slot")
	}
	got, err := mgr.Dispatch(ctx, "worker-0", 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected a dispatched job")
	}
	if got.Status != jobstore.StatusProcessing {
		t.Errorf("status = %s, want processing", got.Status)
	}
}

func TestDispatchIsExclusive(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	job := newJob("https://www.youtube.com/watch?v=race")
	if err := mgr.Enqueue(ctx, job); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]*jobstore.Job, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j, err := mgr.Dispatch(ctx, "racer", 200*time.Millisecond)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = j
		}(i)
	}
	wg.Wait()

	claims := 0
	for _, r := range results {
		if r != nil {
			claims++
		}
	}
	if claims != 1 {
		t.Errorf("expected exactly one dispatcher to claim the job, got %d", claims)
	}
}

func TestAdmissionControlRejectsAtHardCap(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.hardCap = 2
	ctx := context.Background()

	if err := mgr.Enqueue(ctx, newJob("https://www.youtube.com/watch?v=1")); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Enqueue(ctx, newJob("https://www.youtube.com/watch?v=2")); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Enqueue(ctx, newJob("https://www.youtube.com/watch?v=3")); err != ErrCapacityExceeded {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}

	n, err := mgr.store.CountBy(ctx, jobstore.StatusQueued)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("countBy(queued) = %d, want 2 (rejected job must not be created)", n)
	}
}

func TestReapTimeoutsFailsStaleProcessingJobs(t *testing.T) {
	mgr, store := newTestManager(t)
	mgr.processingTimeout = time.Millisecond
	ctx := context.Background()

	job := newJob("https://www.youtube.com/watch?v=stale")
	job.Status = jobstore.StatusProcessing
	if err := store.Create(ctx, job); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	n, err := mgr.ReapTimeouts(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 job reaped, got %d", n)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != jobstore.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Kind != "TIMEOUT" {
		t.Errorf("expected TIMEOUT error, got %+v", got.Error)
	}
}
