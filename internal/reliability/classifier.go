package reliability

import (
	"strings"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeMessageType classifies upstream realtime error codes the client may retry
// by reconnecting.
func IsRetryableRealtimeMessageType(code string) bool {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "rate_limited", "rate_limit_exceeded", "resource_exhausted", "queue_overflow", "server_error", "timeout":
		return true
	default:
		return false
	}
}

// IsFatalUpstreamError reports whether an upstream error code ends the session. Anything else
// is surfaced to the client and the relay keeps going.
func IsFatalUpstreamError(code string) bool {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "connection", "unauthorized", "invalid_api_key", "authentication_failed", "forbidden",
		"session_expired", "session_not_found", "model_not_found", "deployment_not_found",
		"quota_exceeded", "insufficient_quota":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
