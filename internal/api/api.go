// Copyright 2025 James Ross
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flyingrobots/media-convert-orchestrator/internal/classify"
	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
	"github.com/flyingrobots/media-convert-orchestrator/internal/obs"
	"github.com/flyingrobots/media-convert-orchestrator/internal/platform"
	"github.com/flyingrobots/media-convert-orchestrator/internal/processorclient"
	"github.com/flyingrobots/media-convert-orchestrator/internal/queue"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Queue is the subset of internal/queue.Manager the public API needs.
type Queue interface {
	Enqueue(ctx context.Context, job *jobstore.Job) error
	Position(ctx context.Context, id string) (int, error)
}

// Store is the subset of internal/jobstore.Store the public API needs.
type Store interface {
	Get(ctx context.Context, id string) (*jobstore.Job, error)
}

// CallbackHandler is the subset of internal/orchestrator.Orchestrator the
// progress-callback endpoint needs.
type CallbackHandler interface {
	HandleCallback(jobID string, progress int, step string, done bool, result *processorclient.ConvertResult, errResp *classify.ProcessorResponse) bool
}

// WebSocketServer is the subset of internal/pushchannel.Manager the /ws
// endpoint needs.
type WebSocketServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, jobID string)
}

// API is the public HTTP surface: submission, status, validation, platform
// discovery, the processor's progress-callback sink, and the WebSocket
// upgrade endpoint.
type API struct {
	queue    Queue
	store    Store
	callback CallbackHandler
	ws       WebSocketServer
	log      *zap.Logger
}

func New(queue Queue, store Store, callback CallbackHandler, ws WebSocketServer, log *zap.Logger) *API {
	return &API{queue: queue, store: store, callback: callback, ws: ws, log: log}
}

// Router builds the gorilla/mux router for this surface.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/convert", a.handleConvert).Methods(http.MethodPost)
	r.HandleFunc("/status/{jobId}", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/validate", a.handleValidate).Methods(http.MethodPost)
	r.HandleFunc("/platforms", a.handlePlatforms).Methods(http.MethodGet)
	r.HandleFunc("/internal/progress-callback", a.handleProgressCallback).Methods(http.MethodPost)
	r.HandleFunc("/ws", a.handleWS).Methods(http.MethodGet)
	return r
}

type convertRequest struct {
	URL     string `json:"url"`
	Format  string `json:"format"`
	Quality string `json:"quality"`
}

// errorBody is the classified error as clients see it on every surface of
// this API: the kind under a "type" key, a stable message, retryability,
// and an optional human-readable suggestion.
type errorBody struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	Suggestion string `json:"suggestion,omitempty"`
}

func newErrorBody(e *jobstore.ErrorInfo) *errorBody {
	if e == nil {
		return nil
	}
	return &errorBody{Type: e.Kind, Message: e.Message, Retryable: e.Retryable, Suggestion: e.Suggestion}
}

type convertResponse struct {
	Success       bool   `json:"success"`
	JobID         string `json:"jobId"`
	Status        string `json:"status"`
	QueuePosition int    `json:"queuePosition,omitempty"`
}

// statusResponse is the flat status object for GET /status/{jobId}.
// queuePosition only appears while queued, downloadUrl and filename only
// once completed, error only once failed.
type statusResponse struct {
	Success                bool               `json:"success"`
	JobID                  string             `json:"jobId"`
	Status                 string             `json:"status"`
	Progress               int                `json:"progress"`
	CurrentStep            string             `json:"currentStep,omitempty"`
	DownloadURL            string             `json:"downloadUrl,omitempty"`
	Filename               string             `json:"filename,omitempty"`
	QueuePosition          *int               `json:"queuePosition,omitempty"`
	EstimatedTimeRemaining *int               `json:"estimatedTimeRemaining,omitempty"`
	Metadata               *jobstore.Metadata `json:"metadata,omitempty"`
	Error                  *errorBody         `json:"error,omitempty"`
}

func (a *API) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeClassifiedError(w, http.StatusBadRequest, classify.New(classify.KindInvalidURL, "malformed request body", err))
		return
	}

	plat, normalized, err := platform.Detect(req.URL)
	if err != nil {
		writeClassifiedError(w, http.StatusBadRequest, classify.New(classify.KindInvalidURL, "the submitted URL could not be parsed", err))
		return
	}
	format := jobstore.Format(req.Format)
	if !platform.ValidFormat(format) {
		writeClassifiedError(w, http.StatusBadRequest, classify.New(classify.KindUnsupportedFormat, "unsupported output format", nil))
		return
	}
	if !platform.ValidQuality(format, req.Quality) {
		writeClassifiedError(w, http.StatusBadRequest, classify.New(classify.KindUnsupportedFormat, "unsupported quality for the requested format", nil))
		return
	}

	job := &jobstore.Job{URL: normalized, Platform: plat, Format: format, Quality: req.Quality}
	if err := a.queue.Enqueue(r.Context(), job); err != nil {
		if errors.Is(err, queue.ErrCapacityExceeded) {
			writeClassifiedError(w, http.StatusTooManyRequests, classify.New(classify.KindCapacityExceeded, "the service is at capacity", err))
			return
		}
		writeClassifiedError(w, http.StatusInternalServerError, classify.New(classify.KindInternal, "failed to enqueue job", err))
		return
	}

	position, _ := a.queue.Position(r.Context(), job.ID)
	writeJSON(w, http.StatusAccepted, convertResponse{Success: true, JobID: job.ID, Status: string(job.Status), QueuePosition: position})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	job, err := a.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		writeClassifiedError(w, http.StatusInternalServerError, classify.New(classify.KindInternal, "failed to load job", err))
		return
	}

	resp := statusResponse{
		Success:     true,
		JobID:       job.ID,
		Status:      string(job.Status),
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		DownloadURL: job.DownloadURL,
		Filename:    job.Filename(),
		Metadata:    job.Metadata,
		Error:       newErrorBody(job.Error),
	}
	switch job.Status {
	case jobstore.StatusQueued:
		if position, err := a.queue.Position(r.Context(), jobID); err == nil {
			resp.QueuePosition = &position
			// Coarse estimate: a minute per queued job ahead, plus one
			// for this job.
			eta := (position + 1) * 60
			resp.EstimatedTimeRemaining = &eta
		}
	case jobstore.StatusProcessing:
		// Coarse estimate: one second per remaining progress point.
		eta := 100 - job.Progress
		resp.EstimatedTimeRemaining = &eta
	}
	writeJSON(w, http.StatusOK, resp)
}

type validateRequest struct {
	URL string `json:"url"`
}

type validateResponse struct {
	IsValid       bool              `json:"isValid"`
	Platform      jobstore.Platform `json:"platform,omitempty"`
	VideoID       string            `json:"videoId,omitempty"`
	NormalizedURL string            `json:"normalizedUrl,omitempty"`
	Error         string            `json:"error,omitempty"`
}

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, validateResponse{IsValid: false, Error: "malformed request body"})
		return
	}
	plat, normalized, err := platform.Detect(req.URL)
	if err != nil {
		writeJSON(w, http.StatusOK, validateResponse{IsValid: false, Error: "not a well-formed http(s) URL"})
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{
		IsValid:       true,
		Platform:      plat,
		VideoID:       platform.VideoID(plat, normalized),
		NormalizedURL: normalized,
	})
}

func (a *API) handlePlatforms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, platform.SupportedPlatforms())
}

// progressCallbackRequest is the processor's reporting shape, decoupled
// from processorclient's response types since that package is the
// consumer of HTTP responses, not the shape of inbound requests.
type progressCallbackRequest struct {
	JobID    string                         `json:"job_id"`
	Progress int                            `json:"progress"`
	Step     string                         `json:"step"`
	Done     bool                           `json:"done"`
	Result   *processorclient.ConvertResult `json:"result,omitempty"`
	Error    *callbackError                 `json:"error,omitempty"`
}

type callbackError struct {
	Code       string `json:"code"`
	StatusCode int    `json:"status_code"`
	RetryAfter string `json:"retry_after,omitempty"`
}

func (a *API) handleProgressCallback(w http.ResponseWriter, r *http.Request) {
	var req progressCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var resp *classify.ProcessorResponse
	if req.Error != nil {
		resp = &classify.ProcessorResponse{StatusCode: req.Error.StatusCode, ErrorCode: req.Error.Code, RetryAfter: req.Error.RetryAfter}
	}

	if !a.callback.HandleCallback(req.JobID, req.Progress, req.Step, req.Done, req.Result, resp) {
		// No worker is currently driving this job (late or duplicate
		// callback); acknowledge anyway so the processor doesn't retry.
		a.log.Debug("progress callback for untracked job", obs.String("job_id", req.JobID))
	}
	w.WriteHeader(http.StatusOK)
}

// handleWS upgrades to the push channel. A job_id query parameter is an
// optional shortcut that subscribes immediately; without one the client
// drives everything over subscribe_job / start_conversion messages, so a
// fresh client with no job yet can still connect.
func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	a.ws.ServeWS(w, r, r.URL.Query().Get("job_id"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeClassifiedError(w http.ResponseWriter, status int, cerr *classify.Error) {
	writeJSON(w, status, struct {
		Success bool      `json:"success"`
		Error   errorBody `json:"error"`
	}{
		Success: false,
		Error: errorBody{
			Type: string(cerr.Kind), Message: cerr.Message,
			Retryable: cerr.Retryable, Suggestion: cerr.Suggestion,
		},
	})
}
