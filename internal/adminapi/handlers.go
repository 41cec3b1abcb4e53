// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// ActiveSlotsReporter is the subset of internal/queue.Manager the stats
// handler needs.
type ActiveSlotsReporter interface {
	ActiveSlots() int
}

// Handler holds the operator API's dependencies: the authoritative Job
// Store and the queue manager's worker-slot gauge.
type Handler struct {
	store    *jobstore.Store
	queue    ActiveSlotsReporter
	cfg      Config
	logger   *zap.Logger
	auditLog *AuditLogger
}

// OperatorAccount is one local operator login: a username and the bcrypt
// hash of its password. Accounts are configuration, not data — there is no
// registration path.
type OperatorAccount struct {
	Username     string
	PasswordHash string
}

// Config carries the handler-level settings: the cancel confirmation
// phrase and the local-login path's accounts and token parameters.
// Everything else (listen address, rate limiting, audit) lives in
// config.AdminAPI and is threaded through by the caller that builds the
// middleware chain.
type Config struct {
	CancelConfirmationPhrase string
	JWTSecret                string
	JWTIssuer                string
	TokenTTL                 time.Duration
	Operators                []OperatorAccount
}

func NewHandler(store *jobstore.Store, queue ActiveSlotsReporter, cfg Config, logger *zap.Logger, auditLog *AuditLogger) *Handler {
	return &Handler{store: store, queue: queue, cfg: cfg, logger: logger, auditLog: auditLog}
}

// GetStats handles GET /api/v1/stats: job counts by status plus the current
// worker-slot utilization.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	resp := StatsResponse{Timestamp: time.Now()}
	var err error
	if resp.Queued, err = h.store.CountBy(ctx, jobstore.StatusQueued); err != nil {
		h.logger.Error("failed to count queued jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "STATS_ERROR", "failed to retrieve statistics")
		return
	}
	if resp.Processing, err = h.store.CountBy(ctx, jobstore.StatusProcessing); err != nil {
		writeError(w, http.StatusInternalServerError, "STATS_ERROR", "failed to retrieve statistics")
		return
	}
	if resp.Completed, err = h.store.CountBy(ctx, jobstore.StatusCompleted); err != nil {
		writeError(w, http.StatusInternalServerError, "STATS_ERROR", "failed to retrieve statistics")
		return
	}
	if resp.Failed, err = h.store.CountBy(ctx, jobstore.StatusFailed); err != nil {
		writeError(w, http.StatusInternalServerError, "STATS_ERROR", "failed to retrieve statistics")
		return
	}
	if h.queue != nil {
		resp.WorkerSlotsActive = h.queue.ActiveSlots()
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListJobs handles GET /api/v1/queues/{status}: a paginated listing of jobs
// in one lifecycle state.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := jobstore.Status(mux.Vars(r)["status"])
	switch status {
	case jobstore.StatusQueued, jobstore.StatusProcessing, jobstore.StatusCompleted, jobstore.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "INVALID_STATUS", "status must be one of queued, processing, completed, failed")
		return
	}

	limit := 50
	if c := r.URL.Query().Get("limit"); c != "" {
		if n, err := strconv.Atoi(c); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			offset = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	jobs, err := h.store.ListBy(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err), zap.String("status", string(status)))
		writeError(w, http.StatusInternalServerError, "LIST_ERROR", "failed to list jobs")
		return
	}

	writeJSON(w, http.StatusOK, JobListResponse{
		Status: status, Jobs: jobs, Count: len(jobs), Offset: offset, Timestamp: time.Now(),
	})
}

// CancelJob handles POST /api/v1/jobs/{id}/cancel: a conditional transition
// of a queued or processing job straight to the terminal failed state,
// mirroring the Job Store's compare-and-swap discipline so a cancel racing
// the orchestrator's own terminal write never clobbers it.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if h.cfg.CancelConfirmationPhrase != "" && req.Confirmation != h.cfg.CancelConfirmationPhrase {
		writeError(w, http.StatusBadRequest, "CONFIRMATION_FAILED", "confirmation phrase does not match")
		return
	}
	if len(req.Reason) < 3 {
		writeError(w, http.StatusBadRequest, "REASON_REQUIRED", "a reason is required to cancel a job")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	job, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		writeError(w, http.StatusInternalServerError, "CANCEL_ERROR", "failed to load job")
		return
	}
	if job.Status != jobstore.StatusQueued && job.Status != jobstore.StatusProcessing {
		writeError(w, http.StatusConflict, "NOT_CANCELLABLE", "job is already in a terminal state")
		return
	}

	patch := jobstore.NewCancelPatch(req.Reason)
	if err := h.store.Update(ctx, id, patch, &job.Status); err != nil {
		if errors.Is(err, jobstore.ErrConflict) {
			writeError(w, http.StatusConflict, "CONFLICT", "job state changed concurrently, retry")
			return
		}
		h.logger.Error("failed to cancel job", zap.Error(err), zap.String("job_id", id))
		writeError(w, http.StatusInternalServerError, "CANCEL_ERROR", "failed to cancel job")
		return
	}

	if h.auditLog != nil {
		entry := AuditEntry{
			ID: generateID(), Timestamp: time.Now(), Action: "CANCEL_JOB", Resource: id,
			Result: "SUCCESS", Reason: req.Reason,
			IP: getClientIP(r), UserAgent: r.UserAgent(),
		}
		if claims, ok := r.Context().Value(contextKeyClaims).(*operatorClaims); ok {
			entry.User = claims.Subject
		}
		h.auditLog.Log(entry)
	}

	writeJSON(w, http.StatusOK, CancelResponse{Success: true, Message: "job cancelled", Timestamp: time.Now()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
