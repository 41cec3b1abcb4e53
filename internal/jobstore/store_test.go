// Copyright 2025 James Ross
package jobstore

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite3", "file::memory:?cache=shared",
		1, 1, 3, time.Millisecond, 5*time.Millisecond, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j := &Job{URL: "https://www.youtube.com/watch?v=a", Platform: PlatformYouTube, Format: FormatMP3, Quality: "128"}
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if j.ID == "" {
		t.Fatal("expected generated ID")
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusQueued {
		t.Errorf("expected queued status, got %s", got.Status)
	}
	if got.URL != j.URL {
		t.Errorf("expected url %s, got %s", j.URL, got.URL)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get(context.Background(), "does-not-exist"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateConditionalOnStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j := &Job{URL: "https://www.youtube.com/watch?v=a", Platform: PlatformYouTube, Format: FormatMP3, Quality: "128"}
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	processing := StatusProcessing
	patch := Patch{Status: &processing, CurrentStep: strp("download")}
	queued := StatusQueued
	if err := s.Update(ctx, j.ID, patch, &queued); err != nil {
		t.Fatalf("expected conditional update to succeed: %v", err)
	}

	// A second attempt expecting the now-stale status must conflict, enforcing
	// single-owner transitions.
	if err := s.Update(ctx, j.ID, patch, &queued); err != ErrConflict {
		t.Fatalf("expected ErrConflict on stale expected status, got %v", err)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusProcessing || got.CurrentStep != "download" {
		t.Errorf("unexpected state after update: %+v", got)
	}
}

func TestUpdateMissingRowReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	patch := Patch{CurrentStep: strp("download")}
	if err := s.Update(context.Background(), "missing-id", patch, nil); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListByAndCountBy(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		j := &Job{URL: "https://www.youtube.com/watch?v=x", Platform: PlatformYouTube, Format: FormatMP3, Quality: "128"}
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	n, err := s.CountBy(ctx, StatusQueued)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 queued jobs, got %d", n)
	}

	jobs, err := s.ListBy(ctx, StatusQueued, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
}

func TestDeleteExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j := &Job{URL: "https://www.youtube.com/watch?v=a", Platform: PlatformYouTube, Format: FormatMP3, Quality: "128"}
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	past := time.Now().UTC().Add(-time.Hour)
	if _, err := s.db.ExecContext(ctx, "UPDATE jobs SET expires_at = ? WHERE id = ?", past, j.ID); err != nil {
		t.Fatalf("force-expire: %v", err)
	}

	n, err := s.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted row, got %d", n)
	}
	if _, err := s.Get(ctx, j.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after expiry sweep, got %v", err)
	}
}

type countingPresigner struct {
	calls int
}

func (p *countingPresigner) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	p.calls++
	return "https://signed.example/" + key, nil
}

func TestGetRefreshesNearExpiredDownloadURL(t *testing.T) {
	p := &countingPresigner{}
	s, err := Open(context.Background(), "sqlite3", "file::memory:?cache=shared",
		1, 1, 3, time.Millisecond, 5*time.Millisecond, time.Hour, time.Hour,
		WithPresigner(p, 24*time.Hour))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	j := &Job{URL: "https://www.youtube.com/watch?v=a", Platform: PlatformYouTube, Format: FormatMP3, Quality: "128"}
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	completed := StatusCompleted
	soon := time.Now().UTC().Add(10 * time.Minute) // inside the 1h refresh window
	patch := Patch{
		Status: &completed, Progress: intp(100),
		StorageKey: strp("jobs/a/out.mp3"), DownloadURL: strp("https://signed.example/old"),
		DownloadURLExpiresAt: timep(soon),
	}
	if err := s.Update(ctx, j.ID, patch, nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.calls != 1 {
		t.Fatalf("presigner calls = %d, want 1", p.calls)
	}
	if !got.DownloadURLExpiresAt.After(time.Now().UTC().Add(23 * time.Hour)) {
		t.Errorf("refreshed expiry %v not ~24h out", got.DownloadURLExpiresAt)
	}

	// Repeated reads keep the expiry comfortably far out and never hand back
	// a URL closer to expiry than presignTTL - refreshWindow.
	again, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.DownloadURLExpiresAt.Before(time.Now().UTC().Add(23 * time.Hour)) {
		t.Errorf("second read expiry %v regressed", again.DownloadURLExpiresAt)
	}
}

func TestCancelPatchMarksFailedNonRetryable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j := &Job{URL: "https://www.youtube.com/watch?v=a", Platform: PlatformYouTube, Format: FormatMP3, Quality: "128"}
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	patch := NewCancelPatch("operator requested stop")
	if err := s.Update(ctx, j.ID, patch, nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("expected failed status, got %s", got.Status)
	}
	if got.Error == nil || got.Error.Kind != "CANCELLED" || got.Error.Retryable {
		t.Errorf("unexpected error info: %+v", got.Error)
	}
}
