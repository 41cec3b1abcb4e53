// Copyright 2025 James Ross
package classify

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyProcessorErrorCodes(t *testing.T) {
	cases := []struct {
		code string
		want Kind
	}{
		{"invalid_url", KindInvalidURL},
		{"bot_blocked", KindPlatformBotBlocked},
		{"video_too_long", KindVideoTooLong},
		{"rate_limited", KindRateLimited},
	}
	for _, c := range cases {
		got := Classify(StageDownload, nil, &ProcessorResponse{ErrorCode: c.code})
		assert.Equal(t, c.want, got.Kind, "classify(%q)", c.code)
	}
}

func TestClassifyRetryability(t *testing.T) {
	fatal := Classify(StageDownload, nil, &ProcessorResponse{ErrorCode: "invalid_url"})
	assert.False(t, fatal.Retryable, "INVALID_URL must not be retryable")

	transient := Classify(StageDownload, nil, &ProcessorResponse{ErrorCode: "bot_blocked"})
	assert.True(t, transient.Retryable, "PLATFORM_BOT_BLOCKED must be retryable")
	assert.NotEmpty(t, transient.Suggestion, "expected a non-empty suggestion for a retryable kind")
}

func TestClassifyStatusCodeFallback(t *testing.T) {
	got := Classify(StageDownload, nil, &ProcessorResponse{StatusCode: 503})
	assert.Equal(t, KindProcessorUnavailable, got.Kind, "503 should classify as PROCESSOR_UNAVAILABLE")

	got = Classify(StageDownload, nil, &ProcessorResponse{StatusCode: 429})
	assert.Equal(t, KindRateLimited, got.Kind, "429 should classify as RATE_LIMITED")
}

func TestDelayClampsToMax(t *testing.T) {
	policy, ok := PolicyFor(KindPlatformBotBlocked)
	require.True(t, ok, "expected a policy for PLATFORM_BOT_BLOCKED")

	d := Delay(policy, 10)
	assert.Equal(t, policy.Max, d, "delay at high attempt count should clamp to max")

	d0 := Delay(policy, 0)
	assert.Equal(t, policy.Base, d0, "delay at attempt 0 should equal base")
}

func TestNonRetryableKindHasNoPolicy(t *testing.T) {
	_, ok := PolicyFor(KindInvalidURL)
	assert.False(t, ok, "INVALID_URL is fatal and must have no retry policy")
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := New(KindInternal, "wrapped", cause)
	assert.True(t, errors.Is(e, cause), "expected errors.Is to find the wrapped cause")
}

func TestRetryAfterOverride(t *testing.T) {
	d, ok := RetryAfterOverride(&ProcessorResponse{RetryAfter: "5"})
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)

	_, ok = RetryAfterOverride(&ProcessorResponse{})
	assert.False(t, ok, "expected no override when Retry-After absent")
}
