// Package remote holds the error taxonomy and retry policy shared by the
// clients that talk to the conversation source and the CRM.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var ErrStoreUnavailable = errors.New("state store unavailable")

// HTTPError is a non-2xx response that did not map onto a more specific kind.
type HTTPError struct {
	Service    string
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s request failed: status=%d code=%s message=%s", e.Service, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s request failed: status=%d message=%s", e.Service, e.StatusCode, e.Message)
}

// TransientError marks a failure that is worth retrying with backoff.
type TransientError struct {
	Service string
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s transient failure: %v", e.Service, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitedError is returned instead of retrying when the remote asks the
// caller to slow down. RetryAfter is zero when the remote gave no hint.
type RateLimitedError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited: retry after %s", e.Service, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited", e.Service)
}

type AuthExpiredError struct {
	Service string
	Err     error
}

func (e *AuthExpiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s authorization expired: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("%s authorization expired", e.Service)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

// ValidationError is a rejection of the request content. Retrying the same
// request cannot succeed.
type ValidationError struct {
	Service string
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s rejected request: code=%s", e.Service, e.Code)
	if e.Field != "" {
		msg += " field=" + e.Field
	}
	if e.Message != "" {
		msg += " message=" + e.Message
	}
	return msg
}

func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

func IsRateLimited(err error) bool {
	var target *RateLimitedError
	return errors.As(err, &target)
}

// RetryAfter reports the delay requested by a rate-limited remote.
func RetryAfter(err error) (time.Duration, bool) {
	var target *RateLimitedError
	if !errors.As(err, &target) {
		return 0, false
	}
	return target.RetryAfter, true
}

func IsAuthExpired(err error) bool {
	var target *AuthExpiredError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsPermanent reports whether err will fail the same way on every attempt.
// Cancellation and deadlines are never permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !IsTransient(err) && !IsRateLimited(err) && !IsAuthExpired(err)
}

// Kind names the taxonomy bucket of err for logs and events.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case IsRateLimited(err):
		return "rate_limited"
	case IsAuthExpired(err):
		return "auth_expired"
	case IsValidation(err):
		return "validation"
	case IsTransient(err):
		return "transient"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "permanent"
	}
}

// ClassifyResponse maps a non-2xx response onto the taxonomy.
func ClassifyResponse(service string, resp *http.Response, body []byte, now time.Time) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{Service: service, RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), now)}
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthExpiredError{Service: service, Err: newHTTPError(service, resp.StatusCode, body)}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return &TransientError{Service: service, Err: newHTTPError(service, resp.StatusCode, body)}
	default:
		return newHTTPError(service, resp.StatusCode, body)
	}
}

// ClassifyTransportError wraps a failed round trip. Context errors pass
// through untouched so callers can tell shutdown from a flaky network.
func ClassifyTransportError(ctx context.Context, service string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s request aborted: %w", service, ctxErr)
	}
	return &TransientError{Service: service, Err: err}
}

func newHTTPError(service string, status int, body []byte) *HTTPError {
	errCode := ""
	errMessage := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			errCode = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			errMessage = message
		}
	}
	if len(errMessage) > 512 {
		errMessage = errMessage[:512]
	}
	return &HTTPError{Service: service, StatusCode: status, Code: errCode, Message: errMessage}
}
