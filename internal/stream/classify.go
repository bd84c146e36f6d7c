package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorCode is the closed set of failure codes stored with telemetry and shown
// to callers. Raw provider text never leaves this package's callers.
type ErrorCode string

const (
	CodeTimeout     ErrorCode = "timeout"
	CodeRateLimited ErrorCode = "rate_limited"
	CodeUpstream4xx ErrorCode = "upstream_4xx"
	CodeUpstream5xx ErrorCode = "upstream_5xx"
	CodeAborted     ErrorCode = "aborted"
	CodeUnknown     ErrorCode = "unknown"
)

var (
	// ErrAborted is the cancel cause for Execution.Cancel.
	ErrAborted = errors.New("attempt aborted")
	// ErrAttemptTimeout is the cancel cause when the attempt outlives its budget.
	ErrAttemptTimeout = errors.New("attempt timed out")
)

// ProviderError carries the HTTP status of a failed provider call. Sources
// wrap provider SDK errors in it so classification stays SDK agnostic.
type ProviderError struct {
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider returned %d: %v", e.StatusCode, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrAttemptTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return CodeAborted
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		switch code := pe.StatusCode; {
		case code == http.StatusTooManyRequests:
			return CodeRateLimited
		case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
			return CodeTimeout
		case code >= 400 && code < 500:
			return CodeUpstream4xx
		case code >= 500 && code < 600:
			return CodeUpstream5xx
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}

	return CodeUnknown
}
