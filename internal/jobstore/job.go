// Copyright 2025 James Ross
package jobstore

import "time"

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Platform identifies the source of a submitted URL.
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformTikTok    Platform = "tiktok"
	PlatformTwitter   Platform = "twitter"
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformOther     Platform = "other"
)

// Format is the requested output container.
type Format string

const (
	FormatMP3 Format = "mp3"
	FormatMP4 Format = "mp4"
)

// Metadata is captured at the extract_metadata pipeline stage.
type Metadata struct {
	Title    string `json:"title"`
	Duration int    `json:"duration"`
	Thumbnail string `json:"thumbnail"`
	Uploader string `json:"uploader"`
}

// ErrorInfo is the structured error surfaced at API and push-channel boundaries.
type ErrorInfo struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Job is the central entity of the system, owned exclusively by the Job Store.
type Job struct {
	ID       string   `json:"id"`
	URL      string   `json:"url"`
	Platform Platform `json:"platform"`
	Format   Format   `json:"format"`
	Quality  string   `json:"quality"`

	Status       Status  `json:"status"`
	Progress     int     `json:"progress"`
	CurrentStep  string  `json:"current_step,omitempty"`
	QueuePosition int    `json:"queue_position,omitempty"`
	Attempt      int     `json:"attempt"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`

	DownloadURL           string    `json:"download_url,omitempty"`
	DownloadURLExpiresAt  time.Time `json:"download_url_expires_at,omitempty"`
	StorageKey            string    `json:"storage_key,omitempty"`

	Metadata *Metadata  `json:"metadata,omitempty"`
	Error    *ErrorInfo `json:"error,omitempty"`

	LastProgressAt time.Time `json:"last_progress_at"`
}

// Patch describes a partial, idempotent mutation to a Job row. Nil fields
// are left untouched by Update. Applying the same Patch twice yields the
// same final state (no field is expressed as a delta).
type Patch struct {
	Status               *Status
	Progress             *int
	CurrentStep          *string
	QueuePosition        *int
	Attempt              *int
	DownloadURL          *string
	DownloadURLExpiresAt *time.Time
	StorageKey           *string
	Metadata             *Metadata
	Error                *ErrorInfo
	LastProgressAt       *time.Time
}

// Filename is the client-facing name for the converted artifact, present
// once the job has completed. Clients receive a stable name rather than
// the storage key; the presigned URL is what actually locates the object.
func (j *Job) Filename() string {
	if j.Status != StatusCompleted {
		return ""
	}
	return "converted." + string(j.Format)
}

func strp(s string) *string           { return &s }
func intp(i int) *int                 { return &i }
func statusp(s Status) *Status        { return &s }
func timep(t time.Time) *time.Time    { return &t }

// NewCancelPatch builds the Patch an operator cancellation applies: a
// terminal failed status carrying a non-retryable CANCELLED error, used by
// internal/adminapi's job-cancel endpoint.
func NewCancelPatch(reason string) Patch {
	return Patch{
		Status: statusp(StatusFailed),
		Error: &ErrorInfo{
			Kind:      "CANCELLED",
			Message:   "cancelled by operator: " + reason,
			Retryable: false,
		},
	}
}
