package transport

import (
	"fmt"
	"net/http"
	"time"
)

// Outcome is the classified result of one request. The set of
// implementations is closed; callers branch with a type switch.
type Outcome interface {
	// ShouldRetry reports whether the request should be persisted and retried.
	ShouldRetry() bool
	// Label is a short name used in logs and metrics.
	Label() string

	outcome()
}

// Success is an HTTP 200.
type Success struct {
	Body   []byte
	Header http.Header
}

// NotModified is an HTTP 304 answering a conditional request.
type NotModified struct{}

// PayloadTooLarge is an HTTP 413. Resending the same body would fail again.
type PayloadTooLarge struct{}

// TooManyRequests is an HTTP 429. RetryAfter is nil when the server sent no
// usable Retry-After header.
type TooManyRequests struct {
	Endpoint   Endpoint
	RetryAfter *time.Duration
}

// Failure is any other HTTP status.
type Failure struct {
	StatusCode int
	Header     http.Header
}

// Incomplete means no usable response: connect failure, timeout, broken body.
type Incomplete struct {
	Err error
}

// None is used where no request was attempted.
type None struct{}

func (Success) ShouldRetry() bool         { return false }
func (NotModified) ShouldRetry() bool     { return false }
func (PayloadTooLarge) ShouldRetry() bool { return false }
func (TooManyRequests) ShouldRetry() bool { return true }
func (Incomplete) ShouldRetry() bool      { return true }
func (None) ShouldRetry() bool            { return true }

// ShouldRetry is true only for server errors.
func (f Failure) ShouldRetry() bool {
	return f.StatusCode >= 500 && f.StatusCode <= 599
}

func (Success) Label() string         { return "success" }
func (NotModified) Label() string     { return "not_modified" }
func (PayloadTooLarge) Label() string { return "payload_too_large" }
func (TooManyRequests) Label() string { return "too_many_requests" }
func (Incomplete) Label() string      { return "incomplete" }
func (None) Label() string            { return "none" }

func (f Failure) Label() string {
	return fmt.Sprintf("failure_%dxx", f.StatusCode/100)
}

func (Success) outcome()         {}
func (NotModified) outcome()     {}
func (PayloadTooLarge) outcome() {}
func (TooManyRequests) outcome() {}
func (Failure) outcome()         {}
func (Incomplete) outcome()      {}
func (None) outcome()            {}
