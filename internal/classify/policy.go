// Copyright 2025 James Ross
package classify

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/flyingrobots/media-convert-orchestrator/internal/config"
)

// Stage identifies a pipeline stage for classification and retry-policy
// lookup purposes.
type Stage string

const (
	StageExtractMetadata Stage = "extract_metadata"
	StageDownload        Stage = "download"
	StageTranscode       Stage = "transcode"
	StageUpload          Stage = "upload"
	StageFinalize        Stage = "finalize"
)

// ProcessorResponse is the subset of a downstream processor error response
// classification needs, decoupled from processorclient's concrete wire
// types to avoid an import cycle (processorclient depends on classify, not
// the other way around).
type ProcessorResponse struct {
	StatusCode int
	ErrorCode  string // e.g. "bot_blocked", "rate_limited", "video_too_long"
	RetryAfter string // Retry-After header value, if present
}

// policyTable is the fixed per-kind retry policy: one reusable Backoff
// value instantiated per error kind. Kinds absent here are fatal and fail
// the job on first occurrence.
var policyTable = map[Kind]config.Backoff{
	KindPlatformBotBlocked:   {Base: 5 * time.Second, Max: 60 * time.Second, Multiplier: 2, MaxAttempts: 3},
	KindNetworkTimeout:       {Base: 2 * time.Second, Max: 30 * time.Second, Multiplier: 2, MaxAttempts: 3},
	KindProcessorUnavailable: {Base: 1 * time.Second, Max: 20 * time.Second, Multiplier: 2, MaxAttempts: 5},
	KindRateLimited:          {Base: 10 * time.Second, Max: 40 * time.Second, Multiplier: 2, MaxAttempts: 4},
	KindStorageWriteFailed:   {Base: 1 * time.Second, Max: 8 * time.Second, Multiplier: 2, MaxAttempts: 3},
	KindInternal:             {Base: 2 * time.Second, Max: 8 * time.Second, Multiplier: 2, MaxAttempts: 2},
}

// PolicyFor returns the retry policy for kind, and whether one exists (a
// non-retryable kind has no policy and should fail the job immediately).
func PolicyFor(kind Kind) (config.Backoff, bool) {
	p, ok := policyTable[kind]
	return p, ok
}

// Delay computes the backoff delay for the given (zero-based) attempt
// number under policy, clamped to policy.Max.
func Delay(policy config.Backoff, attempt int) time.Duration {
	d := time.Duration(float64(policy.Base) * math.Pow(policy.Multiplier, float64(attempt)))
	if d > policy.Max {
		d = policy.Max
	}
	if d < 0 {
		d = policy.Max
	}
	return d
}

// Classify maps a (stage, transport error, processor error response)
// triple to a classified Error. This is the single classification point;
// raise sites never build tagged error payloads by hand.
func Classify(stage Stage, transportErr error, resp *ProcessorResponse) *Error {
	switch {
	case transportErr == context.Canceled:
		return New(KindCancelled, "conversion cancelled", transportErr)
	case transportErr == context.DeadlineExceeded:
		return New(KindNetworkTimeout, "processor call timed out", transportErr)
	}

	if resp != nil {
		switch resp.ErrorCode {
		case "invalid_url":
			return New(KindInvalidURL, "the submitted URL could not be parsed by the processor", nil)
		case "unsupported_platform":
			return New(KindUnsupportedPlatform, "source platform is not supported", nil)
		case "unsupported_format":
			return New(KindUnsupportedFormat, "requested format/quality is not supported", nil)
		case "video_too_long":
			return New(KindVideoTooLong, "source video exceeds the maximum supported duration", nil)
		case "video_not_found":
			return New(KindVideoNotFound, "source video could not be found", nil)
		case "bot_blocked":
			return New(KindPlatformBotBlocked, "source platform blocked the request as automated traffic", nil)
		case "rate_limited":
			return New(KindRateLimited, "processor is rate limited by the source platform", nil)
		case "storage_write_failed":
			return New(KindStorageWriteFailed, "processor failed writing the converted artifact to storage", nil)
		}
		switch {
		case resp.StatusCode == 503 || resp.StatusCode == 502:
			return New(KindProcessorUnavailable, "processor returned a service-unavailable response", nil)
		case resp.StatusCode == 429:
			return New(KindRateLimited, "processor returned 429 rate limited", nil)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return New(KindInternal, "processor rejected the request", nil)
		case resp.StatusCode >= 500:
			return New(KindProcessorUnavailable, "processor returned a server error", nil)
		}
	}

	if transportErr != nil {
		return New(KindNetworkTimeout, "processor call failed", transportErr)
	}

	return New(KindInternal, "unclassified failure", nil)
}

// RetryAfterOverride parses a Retry-After header value (seconds) if
// present; the RATE_LIMITED policy waits it out instead of its computed
// backoff when the processor supplies one.
func RetryAfterOverride(resp *ProcessorResponse) (time.Duration, bool) {
	if resp == nil || resp.RetryAfter == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(resp.RetryAfter)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
