// Copyright 2025 James Ross
package adminapi

import (
	"time"

	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
)

// Request types

type CancelRequest struct {
	Confirmation string `json:"confirmation"`
	Reason       string `json:"reason" validate:"required,min=3,max=500"`
}

// Response types

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type StatsResponse struct {
	Queued            int       `json:"queued"`
	Processing        int       `json:"processing"`
	Completed         int       `json:"completed"`
	Failed            int       `json:"failed"`
	WorkerSlotsActive int       `json:"worker_slots_active"`
	Timestamp         time.Time `json:"timestamp"`
}

type JobListResponse struct {
	Status    jobstore.Status `json:"status"`
	Jobs      []*jobstore.Job `json:"jobs"`
	Count     int             `json:"count"`
	Offset    int             `json:"offset"`
	Timestamp time.Time       `json:"timestamp"`
}

type CancelResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Audit log entry
type AuditEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	User      string                 `json:"user"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	Result    string                 `json:"result"`
	Reason    string                 `json:"reason,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	IP        string                 `json:"ip"`
	UserAgent string                 `json:"user_agent"`
}

// Claims is the roles payload of the operator bearer token. Tokens are
// parsed into operatorClaims (middleware.go), which pairs these roles with
// github.com/golang-jwt/jwt/v5's RegisteredClaims for subject/expiry
// handling.
type Claims struct {
	Roles []string `json:"roles"`
}
