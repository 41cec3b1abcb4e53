// Copyright 2025 James Ross
package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
)

// adminClient is a thin HTTP client for internal/adminapi's operator
// surface. Job state lives behind that API rather than in Redis-native
// structures a dashboard could read directly, so everything here goes
// over two GETs and a POST.
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAdminClient(baseURL, token string) *adminClient {
	return &adminClient{baseURL: baseURL, token: token, http: &http.Client{Timeout: 10 * time.Second}}
}

type statsResponse struct {
	Queued            int `json:"queued"`
	Processing        int `json:"processing"`
	Completed         int `json:"completed"`
	Failed            int `json:"failed"`
	WorkerSlotsActive int `json:"worker_slots_active"`
}

type jobListResponse struct {
	Jobs  []*jobstore.Job `json:"jobs"`
	Count int             `json:"count"`
}

func (c *adminClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s: %s", e.Code, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *adminClient) stats(ctx context.Context) (statsResponse, error) {
	var out statsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &out)
	return out, err
}

func (c *adminClient) jobs(ctx context.Context, status jobstore.Status) (jobListResponse, error) {
	var out jobListResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/queues/"+string(status)+"?limit=100", nil, &out)
	return out, err
}

func (c *adminClient) cancel(ctx context.Context, id, reason, confirmation string) error {
	body := map[string]string{"reason": reason, "confirmation": confirmation}
	return c.do(ctx, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", body, nil)
}
