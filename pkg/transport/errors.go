package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Common errors returned by the dispatch core.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled mid-operation.
	ErrContextCancelled = errors.New("context cancelled")
)

// Class represents a classification of upstream outcomes.
type Class string

const (
	// ClassNetwork represents transport-level failures (no HTTP response).
	ClassNetwork Class = "network"

	// ClassRateLimit represents HTTP 429 responses.
	ClassRateLimit Class = "rate_limit"

	// ClassNotFound represents HTTP 404 responses. Expected, never retried.
	ClassNotFound Class = "not_found"

	// ClassClient represents other 4xx client errors. Never retried.
	ClassClient Class = "client"

	// ClassServer represents 5xx server errors. Retried.
	ClassServer Class = "server"
)

// RequestError is a classified upstream failure with request context.
type RequestError struct {
	StatusCode int
	Class      Class
	Message    string
	// RetryAfter is the server-supplied wait hint for rate-limit
	// responses. Zero when the server sent none.
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// Classify maps an HTTP status code to an outcome class.
// Statuses below 400 classify as "" (success, nothing to handle).
func Classify(statusCode int) Class {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ClassRateLimit
	case statusCode == http.StatusNotFound:
		return ClassNotFound
	case statusCode >= 400 && statusCode < 500:
		return ClassClient
	case statusCode >= 500:
		return ClassServer
	default:
		return ""
	}
}

// Retryable reports whether an outcome class is worth retrying against
// the same upstream. 4xx responses waste the error budget and are not.
func Retryable(class Class) bool {
	switch class {
	case ClassServer, ClassRateLimit, ClassNetwork:
		return true
	default:
		return false
	}
}

// ErrorFromResponse builds a RequestError for a non-2xx response,
// including the Retry-After hint when the server supplied one.
// Returns nil for statuses below 400.
func ErrorFromResponse(resp *Response) *RequestError {
	class := Classify(resp.StatusCode)
	if class == "" {
		return nil
	}

	reqErr := &RequestError{
		StatusCode: resp.StatusCode,
		Class:      class,
		Message:    http.StatusText(resp.StatusCode),
	}
	if class == ClassRateLimit {
		if hint, ok := RetryAfterHint(resp.Headers); ok {
			reqErr.RetryAfter = hint
		}
	}
	return reqErr
}

// RetryAfterHint parses a Retry-After header as either delay-seconds or
// an HTTP date. Returns false when the header is absent or unparsable;
// the backoff policy then falls back to its own default wait.
func RetryAfterHint(headers http.Header) (time.Duration, bool) {
	value := headers.Get("Retry-After")
	if value == "" {
		return 0, false
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}

	if at, err := http.ParseTime(value); err == nil {
		wait := time.Until(at)
		if wait < 0 {
			wait = 0
		}
		return wait, true
	}

	return 0, false
}
