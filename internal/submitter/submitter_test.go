// Copyright 2025 James Ross
package submitter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/flyingrobots/media-convert-orchestrator/internal/config"
	"go.uber.org/zap"
)

func writeSeedFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunSubmitsMatchingLinesAndSkipsExcluded(t *testing.T) {
	dir := t.TempDir()
	writeSeedFile(t, dir, "urls.txt", "# comment\nhttps://www.youtube.com/watch?v=a\n\nhttps://www.youtube.com/watch?v=b\n")
	writeSeedFile(t, dir, "urls.tmp", "https://www.youtube.com/watch?v=ignored\n")

	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req convertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		received = append(received, req.URL)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(convertResponse{Success: true, JobID: "job-" + req.URL})
	}))
	defer srv.Close()

	cfg := config.Submitter{
		SeedDir:      dir,
		IncludeGlobs: []string{"**/*.txt"},
		ExcludeGlobs: []string{"**/*.tmp"},
		APIBaseURL:   srv.URL,
	}
	sub := New(cfg, "mp3", "128", zap.NewNop())

	results, err := sub.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(received) != 2 {
		t.Fatalf("expected 2 submissions, got %d: %v", len(received), received)
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("unexpected error for %s: %v", r.Line, r.Err)
		}
		if r.JobID == "" {
			t.Errorf("expected job id for %s", r.Line)
		}
	}
}

func TestRunRecordsErrorOnRejection(t *testing.T) {
	dir := t.TempDir()
	writeSeedFile(t, dir, "urls.txt", "https://www.youtube.com/watch?v=bad\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   map[string]interface{}{"type": "INVALID_URL", "message": "bad url", "retryable": false},
		})
	}))
	defer srv.Close()

	cfg := config.Submitter{SeedDir: dir, IncludeGlobs: []string{"**/*.txt"}, APIBaseURL: srv.URL}
	sub := New(cfg, "mp3", "128", zap.NewNop())

	results, err := sub.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected one failed result, got %+v", results)
	}
}
