// Copyright 2025 James Ross

// Package submitter is the batch URL-submission CLI's engine: walk a seed
// directory of newline-delimited URL files, filter by glob, and submit each
// line to the public API's /convert endpoint at a bounded rate. Submission
// goes over HTTP rather than straight into the dispatch list; a batch CLI
// has no business reaching past the public API into the Job Store's queue.
package submitter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flyingrobots/media-convert-orchestrator/internal/config"
	"github.com/flyingrobots/media-convert-orchestrator/internal/obs"
)

// Result summarizes one submission attempt.
type Result struct {
	Line    string
	JobID   string
	Skipped bool
	Err     error
}

// Submitter walks seed files and posts each URL line to the public API.
type Submitter struct {
	cfg     config.Submitter
	format  string
	quality string
	log     *zap.Logger
	http    *http.Client
	limiter *rate.Limiter
}

// New builds a Submitter. format/quality are applied to every submitted URL;
// the batch CLI does not support per-line overrides.
func New(cfg config.Submitter, format, quality string, log *zap.Logger) *Submitter {
	var limiter *rate.Limiter
	if cfg.RateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), 1)
	}
	return &Submitter{
		cfg: cfg, format: format, quality: quality, log: log,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: limiter,
	}
}

type convertRequest struct {
	URL     string `json:"url"`
	Format  string `json:"format"`
	Quality string `json:"quality"`
}

type convertResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Run walks cfg.SeedDir, filters files by IncludeGlobs/ExcludeGlobs, and
// submits every non-blank, non-comment line in each matching file. It
// returns after the whole directory has been walked or ctx is cancelled.
func (s *Submitter) Run(ctx context.Context) ([]Result, error) {
	root, err := filepath.Abs(s.cfg.SeedDir)
	if err != nil {
		return nil, err
	}

	var results []Result
	walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if !s.matches(rel) {
			return nil
		}

		lines, err := readLines(path)
		if err != nil {
			s.log.Error("failed to read seed file", obs.String("path", path), obs.Err(err))
			return nil
		}
		for _, line := range lines {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			results = append(results, s.submitLine(ctx, line))
		}
		return nil
	})
	if walkErr != nil {
		return results, walkErr
	}
	return results, nil
}

func (s *Submitter) matches(rel string) bool {
	rel = filepath.ToSlash(rel)
	include := len(s.cfg.IncludeGlobs) == 0
	for _, g := range s.cfg.IncludeGlobs {
		if ok, _ := doublestar.PathMatch(g, rel); ok {
			include = true
			break
		}
	}
	if !include {
		return false
	}
	for _, g := range s.cfg.ExcludeGlobs {
		if ok, _ := doublestar.PathMatch(g, rel); ok {
			return false
		}
	}
	return true
}

func (s *Submitter) submitLine(ctx context.Context, line string) Result {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Result{Line: line, Err: err}
		}
	}

	body, _ := json.Marshal(convertRequest{URL: line, Format: s.format, Quality: s.quality})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.APIBaseURL, "/")+"/convert", bytes.NewReader(body))
	if err != nil {
		return Result{Line: line, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		s.log.Warn("submit failed", obs.String("url", line), obs.Err(err))
		return Result{Line: line, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		err := fmt.Errorf("%s: %s", e.Error.Type, e.Error.Message)
		s.log.Warn("submit rejected", obs.String("url", line), obs.Int("status", resp.StatusCode), obs.Err(err))
		return Result{Line: line, Err: err}
	}

	var out convertResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{Line: line, Err: err}
	}
	s.log.Info("submitted job", obs.String("url", line), obs.String("job_id", out.JobID))
	return Result{Line: line, JobID: out.JobID}
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
