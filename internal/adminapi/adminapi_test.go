// Copyright 2025 James Ross
package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func muxSetVar(r *http.Request, key, value string) *http.Request {
	return mux.SetURLVars(r, map[string]string{key: value})
}

type fakeSlots struct{ n int }

func (f fakeSlots) ActiveSlots() int { return f.n }

func newTestHandler(t *testing.T) (*Handler, *jobstore.Store) {
	t.Helper()
	store, err := jobstore.Open(context.Background(), "sqlite3", "file::memory:?cache=shared", 1, 1,
		3, 10*time.Millisecond, 40*time.Millisecond, 24*time.Hour, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	h := NewHandler(store, fakeSlots{n: 2}, Config{CancelConfirmationPhrase: "CONFIRM"}, zap.NewNop(), nil)
	return h, store
}

func TestGetStatsCountsByStatus(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	job := &jobstore.Job{URL: "https://example.com/a", Platform: jobstore.Platform("youtube"), Format: jobstore.Format("mp3"), Quality: "128"}
	job.Status = jobstore.StatusQueued
	if err := store.Create(ctx, job); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	h.GetStats(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp StatsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Queued != 1 {
		t.Errorf("queued = %d, want 1", resp.Queued)
	}
	if resp.WorkerSlotsActive != 2 {
		t.Errorf("worker_slots_active = %d, want 2", resp.WorkerSlotsActive)
	}
}

func TestCancelJobRequiresConfirmationAndReason(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	job := &jobstore.Job{URL: "https://example.com/a", Platform: jobstore.Platform("youtube"), Format: jobstore.Format("mp3"), Quality: "128"}
	job.Status = jobstore.StatusQueued
	if err := store.Create(ctx, job); err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(CancelRequest{Confirmation: "WRONG", Reason: "test cancel"})
	req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewReader(body))
	req = muxSetVar(req, "id", job.ID)
	rr := httptest.NewRecorder()
	h.CancelJob(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad confirmation", rr.Code)
	}

	body, _ = json.Marshal(CancelRequest{Confirmation: "CONFIRM", Reason: "test cancel"})
	req = httptest.NewRequest(http.MethodPost, "/x", bytes.NewReader(body))
	req = muxSetVar(req, "id", job.ID)
	rr = httptest.NewRecorder()
	h.CancelJob(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != jobstore.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Kind != "CANCELLED" {
		t.Errorf("expected CANCELLED error kind, got %+v", got.Error)
	}
}

func newLoginHandler(t *testing.T, username, password string) *Handler {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return NewHandler(nil, nil, Config{
		JWTSecret: "test-secret",
		JWTIssuer: "test",
		TokenTTL:  time.Minute,
		Operators: []OperatorAccount{{Username: username, PasswordHash: string(hash)}},
	}, zap.NewNop(), nil)
}

func TestLoginIssuesTokenAcceptedByAuthMiddleware(t *testing.T) {
	h := newLoginHandler(t, "ops", "hunter22")

	body, _ := json.Marshal(LoginRequest{Username: "ops", Password: "hunter22"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/login", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.Login(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}

	var resp LoginResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Token == "" {
		t.Fatal("expected a non-empty token")
	}

	var subject string
	protected := AuthMiddleware("test-secret", true, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, ok := r.Context().Value(contextKeyClaims).(*operatorClaims); ok {
			subject = claims.Subject
		}
	}))
	authed := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	authed.Header.Set("Authorization", "Bearer "+resp.Token)
	rr = httptest.NewRecorder()
	protected.ServeHTTP(rr, authed)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for the minted token", rr.Code)
	}
	if subject != "ops" {
		t.Errorf("subject = %q, want ops", subject)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	h := newLoginHandler(t, "ops", "hunter22")

	body, _ := json.Marshal(LoginRequest{Username: "ops", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/login", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.Login(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestAuthMiddlewareExemptsPublicPaths(t *testing.T) {
	protected := AuthMiddleware("test-secret", true, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/api/v1/login"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		protected.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("path %s = %d, want 200 without a token", path, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rr := httptest.NewRecorder()
	protected.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("protected path = %d, want 401 without a token", rr.Code)
	}
}

func TestCancelJobRejectsTerminalJob(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	job := &jobstore.Job{URL: "https://example.com/a", Platform: jobstore.Platform("youtube"), Format: jobstore.Format("mp3"), Quality: "128"}
	job.Status = jobstore.StatusCompleted
	if err := store.Create(ctx, job); err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(CancelRequest{Confirmation: "CONFIRM", Reason: "test cancel"})
	req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewReader(body))
	req = muxSetVar(req, "id", job.ID)
	rr := httptest.NewRecorder()
	h.CancelJob(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 for a terminal job", rr.Code)
	}
}
