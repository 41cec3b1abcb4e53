// Copyright 2025 James Ross
package processorclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flyingrobots/media-convert-orchestrator/internal/breaker"
)

func TestHealthOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
}

func TestHealthNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	if err := c.Health(context.Background()); err == nil {
		t.Fatal("expected error for non-200 health response")
	}
}

func TestExtractMetadataSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/extract-metadata" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"metadata": map[string]interface{}{
				"title": "a song", "duration": 180, "uploader": "someone",
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	meta, cerr := c.ExtractMetadata(context.Background(), "https://www.youtube.com/watch?v=a")
	if cerr != nil {
		t.Fatalf("unexpected classify error: %v", cerr)
	}
	if meta.Title != "a song" || meta.Duration != 180 {
		t.Errorf("unexpected metadata: %+v", meta)
	}
}

func TestExtractMetadataProcessorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   map[string]interface{}{"code": "INVALID_URL", "status_code": 400},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, cerr := c.ExtractMetadata(context.Background(), "https://not-a-platform.example/x")
	if cerr == nil {
		t.Fatal("expected classify error")
	}
}

func TestStartConversionRespectsOpenBreaker(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cb := breaker.New(time.Minute, time.Minute, 0.5, 1)
	// Force the breaker open by recording a failure before the first call.
	cb.Record(false)

	c := New(srv.URL, cb)
	_, cerr := c.StartConversion(context.Background(), ConvertRequest{URL: "https://www.youtube.com/watch?v=a", Format: "mp3", Quality: "128", JobID: "job-1"})
	if cerr == nil {
		t.Fatal("expected breaker-open classify error")
	}
	if calls != 0 {
		t.Errorf("expected no network call while breaker open, got %d calls", calls)
	}
}

func TestStatusPollDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status/proc-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(StatusResult{
			Progress: 100, Step: "upload", Done: true,
			Result: &ConvertResult{StorageKey: "key-1", Size: 1024, Duration: 60},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	res, cerr := c.Status(context.Background(), "proc-1")
	if cerr != nil {
		t.Fatalf("unexpected classify error: %v", cerr)
	}
	if !res.Done || res.Result == nil || res.Result.StorageKey != "key-1" {
		t.Errorf("unexpected status result: %+v", res)
	}
}
