// Copyright 2025 James Ross
package processorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flyingrobots/media-convert-orchestrator/internal/breaker"
	"github.com/flyingrobots/media-convert-orchestrator/internal/classify"
	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
)

// Client talks to the downstream media processor service, gated by a
// circuit breaker shared with the Monitor's health probe.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *breaker.CircuitBreaker
}

// New builds a Client against baseURL, sharing cb with other callers that
// need to observe/trip the same breaker (e.g. the Monitor's health probe).
func New(baseURL string, cb *breaker.CircuitBreaker) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		cb:      cb,
	}
}

// ErrBreakerOpen is returned when the circuit breaker denies a call without
// making a network round trip.
var ErrBreakerOpen = fmt.Errorf("processorclient: circuit breaker open")

type ConvertRequest struct {
	URL     string `json:"url"`
	Format  string `json:"format"`
	Quality string `json:"quality"`
	JobID   string `json:"job_id"`
}

// ConvertAccepted is the processor's synchronous response to POST /convert:
// it has accepted the job and will report progress via callback or poll.
type ConvertAccepted struct {
	ProcessorJobID string `json:"processor_job_id"`
}

// ConvertResult is the final payload once a conversion completes.
type ConvertResult struct {
	StorageKey string `json:"storage_key"`
	Size       int64  `json:"size"`
	Duration   int    `json:"duration"`
}

// StatusResult is the poll-mode response from GET /status/{processorJobID}.
type StatusResult struct {
	Progress int            `json:"progress"`
	Step     string         `json:"step"`
	Done     bool           `json:"done"`
	Result   *ConvertResult `json:"result,omitempty"`
	Error    *errorBody     `json:"error,omitempty"`
}

type errorBody struct {
	Code       string `json:"code"`
	StatusCode int    `json:"status_code"`
	RetryAfter string `json:"retry_after,omitempty"`
}

// ErrorResponse converts a poll-mode status error into the shape
// classify.Classify expects, or nil if the status carried no error.
func (r *StatusResult) ErrorResponse() *classify.ProcessorResponse {
	if r.Error == nil {
		return nil
	}
	return r.Error.toResponse(0)
}

func (e *errorBody) toResponse(statusCode int) *classify.ProcessorResponse {
	if e == nil {
		return &classify.ProcessorResponse{StatusCode: statusCode}
	}
	sc := e.StatusCode
	if sc == 0 {
		sc = statusCode
	}
	return &classify.ProcessorResponse{StatusCode: sc, ErrorCode: e.Code, RetryAfter: e.RetryAfter}
}

// Health calls GET /health; a non-200 or transport error is treated as
// processor-unavailable and does NOT consume a breaker slot (health probes
// are how the Monitor decides whether to trust the breaker in the first
// place).
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("processor health check returned %d", resp.StatusCode)
	}
	return nil
}

// ExtractMetadata calls POST /extract-metadata; the caller supplies the
// per-call timeout context (30s by default).
func (c *Client) ExtractMetadata(ctx context.Context, url string) (*jobstore.Metadata, *classify.Error) {
	if c.cb != nil && !c.cb.Allow() {
		return nil, classify.New(classify.KindProcessorUnavailable, "circuit breaker open", ErrBreakerOpen)
	}

	var body struct {
		Success  bool             `json:"success"`
		Metadata jobstore.Metadata `json:"metadata"`
		Error    *errorBody       `json:"error"`
	}
	statusCode, err := c.postJSON(ctx, "/extract-metadata", map[string]string{"url": url}, &body)
	c.record(err == nil && statusCode == http.StatusOK)
	if err != nil {
		return nil, classify.Classify(classify.StageExtractMetadata, err, nil)
	}
	if statusCode != http.StatusOK || !body.Success {
		return nil, classify.Classify(classify.StageExtractMetadata, nil, body.Error.toResponse(statusCode))
	}
	return &body.Metadata, nil
}

// StartConversion calls POST /convert, which performs download + transcode
// + upload and reports progress via callback or poll (see
// internal/orchestrator for the transport selection).
func (c *Client) StartConversion(ctx context.Context, req ConvertRequest) (*ConvertAccepted, *classify.Error) {
	if c.cb != nil && !c.cb.Allow() {
		return nil, classify.New(classify.KindProcessorUnavailable, "circuit breaker open", ErrBreakerOpen)
	}

	var body struct {
		Success bool            `json:"success"`
		ConvertAccepted
		Error *errorBody `json:"error"`
	}
	statusCode, err := c.postJSON(ctx, "/convert", req, &body)
	c.record(err == nil && statusCode == http.StatusOK)
	if err != nil {
		return nil, classify.Classify(classify.StageDownload, err, nil)
	}
	if statusCode != http.StatusOK || !body.Success {
		return nil, classify.Classify(classify.StageDownload, nil, body.Error.toResponse(statusCode))
	}
	return &body.ConvertAccepted, nil
}

// Status polls GET /status/{processorJobID}, the fallback transport used
// when no progress callback has landed within PROGRESS_STALE_AFTER.
func (c *Client) Status(ctx context.Context, processorJobID string) (*StatusResult, *classify.Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+processorJobID, nil)
	if err != nil {
		return nil, classify.New(classify.KindInternal, "build status request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify.Classify(classify.StageDownload, err, nil)
	}
	defer resp.Body.Close()

	var result StatusResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, classify.New(classify.KindInternal, "decode status response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classify.Classify(classify.StageDownload, nil, &classify.ProcessorResponse{StatusCode: resp.StatusCode})
	}
	return &result, nil
}

func (c *Client) record(ok bool) {
	if c.cb != nil {
		c.cb.Record(ok)
	}
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}, out interface{}) (int, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// WithTimeout returns a child context bounded by d, for callers that need a
// per-call deadline distinct from the parent job context (30s metadata, 5s
// presigns). The convert call is not wrapped in one.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
