// Copyright 2025 James Ross
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Presigner issues a time-bounded URL for a blob-store object. Satisfied by
// internal/blobstore.Store; declared locally to keep jobstore's import graph
// a leaf (blobstore never needs to know about jobstore).
type Presigner interface {
	Presign(ctx context.Context, storageKey string, ttl time.Duration) (string, error)
}

// Store is the sole writer of durable Job state.
type Store struct {
	db     *sql.DB
	driver string

	writeRetries   int
	writeRetryBase time.Duration
	writeRetryMax  time.Duration

	resultTTL     time.Duration
	refreshWindow time.Duration
	presignTTL    time.Duration
	presigner     Presigner
}

// Option configures optional Store behavior.
type Option func(*Store)

// WithPresigner wires a blob store for the lazy download_url refresh safety
// net on Get. The completion path in internal/orchestrator is the
// authoritative refresher; this only covers long-lived completed records.
func WithPresigner(p Presigner, ttl time.Duration) Option {
	return func(s *Store) {
		s.presigner = p
		s.presignTTL = ttl
	}
}

// Open creates a Store backed by the given database/sql driver ("postgres"
// or "sqlite3") and ensures the jobs table exists.
func Open(ctx context.Context, driver, dsn string, maxOpen, maxIdle int, writeRetries int, retryBase, retryMax, resultTTL, refreshWindow time.Duration, opts ...Option) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	if _, err := db.ExecContext(ctx, schemaFor(driver)); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	s := &Store{
		db:             db,
		driver:         driver,
		writeRetries:   writeRetries,
		writeRetryBase: retryBase,
		writeRetryMax:  retryMax,
		resultTTL:      resultTTL,
		refreshWindow:  refreshWindow,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func schemaFor(driver string) string {
	idType := "TEXT PRIMARY KEY"
	tsType := "TIMESTAMP"
	if driver == "postgres" {
		tsType = "TIMESTAMPTZ"
	}
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS jobs (
	id %s,
	url TEXT NOT NULL,
	platform TEXT NOT NULL,
	format TEXT NOT NULL,
	quality TEXT NOT NULL,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	current_step TEXT NOT NULL DEFAULT '',
	queue_position INTEGER NOT NULL DEFAULT 0,
	attempt INTEGER NOT NULL DEFAULT 0,
	created_at %s NOT NULL,
	updated_at %s NOT NULL,
	expires_at %s NOT NULL,
	download_url TEXT NOT NULL DEFAULT '',
	download_url_expires_at %s,
	storage_key TEXT NOT NULL DEFAULT '',
	metadata_json TEXT NOT NULL DEFAULT '',
	error_json TEXT NOT NULL DEFAULT '',
	last_progress_at %s NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_expires_at ON jobs(expires_at);
`, idType, tsType, tsType, tsType, tsType, tsType)
}

// placeholder returns the driver-appropriate bind placeholder for position n (1-based).
func (s *Store) placeholder(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// withRetry wraps a write operation in a bounded exponential retry (100ms
// -> 400ms by default), absorbing transient STORAGE_UNAVAILABLE conditions.
// Conflicts and not-found are not retried; they are caller-visible outcomes.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	base := s.writeRetryBase
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := s.writeRetryMax
	if max <= 0 {
		max = 400 * time.Millisecond
	}
	attempts := s.writeRetries
	if attempts <= 0 {
		attempts = 3
	}
	for attempt := 0; attempt < attempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if err == ErrConflict || err == ErrNotFound || err == ErrDuplicateID {
			return err
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
		if delay > max {
			delay = max
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, lastErr)
}

// Create inserts a new job, in status=queued unless the caller set a status.
func (s *Store) Create(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	j.LastProgressAt = now
	if j.ExpiresAt.IsZero() {
		j.ExpiresAt = now.Add(s.resultTTL)
	}
	if j.Status == "" {
		j.Status = StatusQueued
	}

	metaJSON, errJSON, err := marshalExtras(j.Metadata, j.Error)
	if err != nil {
		return err
	}

	return s.withRetry(ctx, func() error {
		q := fmt.Sprintf(`INSERT INTO jobs
			(id, url, platform, format, quality, status, progress, current_step,
			 queue_position, attempt, created_at, updated_at, expires_at,
			 download_url, download_url_expires_at, storage_key, metadata_json,
			 error_json, last_progress_at)
			VALUES (%s)`, placeholders(s.driver, 19))
		_, err := s.db.ExecContext(ctx, q,
			j.ID, j.URL, string(j.Platform), string(j.Format), j.Quality,
			string(j.Status), j.Progress, j.CurrentStep, j.QueuePosition, j.Attempt,
			j.CreatedAt, j.UpdatedAt, j.ExpiresAt, j.DownloadURL, nullTime(j.DownloadURLExpiresAt),
			j.StorageKey, metaJSON, errJSON, j.LastProgressAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateID
			}
			return err
		}
		return nil
	})
}

func placeholders(driver string, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		if driver == "postgres" {
			parts[i] = fmt.Sprintf("$%d", i+1)
		} else {
			parts[i] = "?"
		}
	}
	return strings.Join(parts, ", ")
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func marshalExtras(m *Metadata, e *ErrorInfo) (string, string, error) {
	var metaJSON, errJSON string
	if m != nil {
		b, err := json.Marshal(m)
		if err != nil {
			return "", "", fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = string(b)
	}
	if e != nil {
		b, err := json.Marshal(e)
		if err != nil {
			return "", "", fmt.Errorf("marshal error: %w", err)
		}
		errJSON = string(b)
	}
	return metaJSON, errJSON, nil
}

// Get returns the current record, lazily refreshing the presigned
// download_url if it is within RefreshWindow of expiry (safety net only).
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	j, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status == StatusCompleted && s.presigner != nil && j.StorageKey != "" {
		if j.DownloadURLExpiresAt.IsZero() || time.Until(j.DownloadURLExpiresAt) < s.refreshWindow {
			if url, perr := s.presigner.Presign(ctx, j.StorageKey, s.presignTTL); perr == nil {
				newExpiry := time.Now().UTC().Add(s.presignTTL)
				patch := Patch{DownloadURL: &url, DownloadURLExpiresAt: &newExpiry}
				if uerr := s.Update(ctx, id, patch, nil); uerr == nil {
					j.DownloadURL = url
					j.DownloadURLExpiresAt = newExpiry
				}
			}
		}
	}
	return j, nil
}

func (s *Store) get(ctx context.Context, id string) (*Job, error) {
	q := fmt.Sprintf(`SELECT id, url, platform, format, quality, status, progress,
		current_step, queue_position, attempt, created_at, updated_at, expires_at,
		download_url, download_url_expires_at, storage_key, metadata_json,
		error_json, last_progress_at FROM jobs WHERE id = %s`, s.placeholder(1))
	row := s.db.QueryRowContext(ctx, q, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var platform, format, status, metaJSON, errJSON string
	var dlExpiry sql.NullTime
	err := row.Scan(&j.ID, &j.URL, &platform, &format, &j.Quality, &status, &j.Progress,
		&j.CurrentStep, &j.QueuePosition, &j.Attempt, &j.CreatedAt, &j.UpdatedAt, &j.ExpiresAt,
		&j.DownloadURL, &dlExpiry, &j.StorageKey, &metaJSON, &errJSON, &j.LastProgressAt)
	if err != nil {
		return nil, err
	}
	j.Platform = Platform(platform)
	j.Format = Format(format)
	j.Status = Status(status)
	if dlExpiry.Valid {
		j.DownloadURLExpiresAt = dlExpiry.Time
	}
	if metaJSON != "" {
		var m Metadata
		if err := json.Unmarshal([]byte(metaJSON), &m); err == nil {
			j.Metadata = &m
		}
	}
	if errJSON != "" {
		var e ErrorInfo
		if err := json.Unmarshal([]byte(errJSON), &e); err == nil {
			j.Error = &e
		}
	}
	return &j, nil
}

// Update applies patch atomically. If expectedStatus is non-nil, the write
// is conditioned on the stored status matching it; a mismatch (or a row
// that no longer exists) surfaces as ErrConflict. This compare-and-swap is
// what keeps a job owned by at most one worker while processing.
func (s *Store) Update(ctx context.Context, id string, patch Patch, expectedStatus *Status) error {
	return s.withRetry(ctx, func() error {
		return s.updateOnce(ctx, id, patch, expectedStatus)
	})
}

func (s *Store) updateOnce(ctx context.Context, id string, patch Patch, expectedStatus *Status) error {
	sets := []string{}
	args := []interface{}{}
	add := func(col string, val interface{}) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = %s", col, s.placeholder(len(args))))
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Progress != nil {
		p := *patch.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		add("progress", p)
	}
	if patch.CurrentStep != nil {
		add("current_step", *patch.CurrentStep)
	}
	if patch.QueuePosition != nil {
		add("queue_position", *patch.QueuePosition)
	}
	if patch.Attempt != nil {
		add("attempt", *patch.Attempt)
	}
	if patch.DownloadURL != nil {
		add("download_url", *patch.DownloadURL)
	}
	if patch.DownloadURLExpiresAt != nil {
		add("download_url_expires_at", *patch.DownloadURLExpiresAt)
	}
	if patch.StorageKey != nil {
		add("storage_key", *patch.StorageKey)
	}
	if patch.Metadata != nil {
		b, err := json.Marshal(patch.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		add("metadata_json", string(b))
	}
	if patch.Error != nil {
		b, err := json.Marshal(patch.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		add("error_json", string(b))
	}
	if patch.LastProgressAt != nil {
		add("last_progress_at", *patch.LastProgressAt)
	}
	add("updated_at", time.Now().UTC())

	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	where := fmt.Sprintf("id = %s", s.placeholder(len(args)))
	if expectedStatus != nil {
		args = append(args, string(*expectedStatus))
		where += fmt.Sprintf(" AND status = %s", s.placeholder(len(args)))
	}

	q := fmt.Sprintf("UPDATE jobs SET %s WHERE %s", strings.Join(sets, ", "), where)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if expectedStatus != nil {
			return ErrConflict
		}
		return ErrNotFound
	}
	return nil
}

// ListBy returns jobs in the given status ordered by created_at ascending
// (oldest first), used by the Queue Manager for position() and the Monitor
// for its sweeps.
func (s *Store) ListBy(ctx context.Context, status Status, limit, offset int) ([]*Job, error) {
	q := fmt.Sprintf(`SELECT id, url, platform, format, quality, status, progress,
		current_step, queue_position, attempt, created_at, updated_at, expires_at,
		download_url, download_url_expires_at, storage_key, metadata_json,
		error_json, last_progress_at FROM jobs WHERE status = %s
		ORDER BY created_at ASC LIMIT %s OFFSET %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3))
	rows, err := s.db.QueryContext(ctx, q, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountBy returns the number of jobs currently in the given status.
func (s *Store) CountBy(ctx context.Context, status Status) (int, error) {
	q := fmt.Sprintf("SELECT COUNT(*) FROM jobs WHERE status = %s", s.placeholder(1))
	var n int
	if err := s.db.QueryRowContext(ctx, q, string(status)).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteExpired removes rows whose expires_at has passed, returning the
// count removed. Called by the Monitor's reaper sweep.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	q := fmt.Sprintf("DELETE FROM jobs WHERE expires_at < %s", s.placeholder(1))
	res, err := s.db.ExecContext(ctx, q, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || // sqlite3
		strings.Contains(msg, "duplicate key value") // postgres
}
