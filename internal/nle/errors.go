package nle

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUnauthorized means the API key was rejected (HTTP 401)
	ErrUnauthorized = errors.New("invalid API key")
	// ErrRateLimited means the backend throttled us (HTTP 429)
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrNotFound means the device id no longer exists (HTTP 404)
	ErrNotFound = errors.New("device not found")
	// ErrRequestFailed covers every other non-2xx status
	ErrRequestFailed = errors.New("request failed")
	// ErrNoAPIKey is returned before any request is made without credentials
	ErrNoAPIKey = errors.New("api key not configured")
)

// APIError describes a non-2xx response. It unwraps to one of the sentinel
// errors above so callers can use errors.Is.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Status, strings.TrimSpace(truncateForLog(e.Body, 200)))
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return ErrRequestFailed
	}
}

// DecodeError is returned when a 2xx body could not be decoded into the
// expected shape. Raw keeps the body so nothing is silently dropped.
type DecodeError struct {
	Path string
	Raw  string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v (body: %s)", e.Path, e.Err, truncateForLog(e.Raw, 200))
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// truncateForLog truncates a string for logging purposes
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
