package httpx

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/nicktill/tinyship/pkg/sdk/telemetry"
)

// RecordStore accepts telemetry records. *sdk.Client satisfies it.
type RecordStore interface {
	StoreLogs(records ...telemetry.Record) error
}

// RecordKind is the Kind of records produced by Middleware.
const RecordKind = "http_request"

var (
	numericID = regexp.MustCompile(`/\d+`)
	uuidID    = regexp.MustCompile(`/[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
)

// Middleware returns HTTP middleware that stores one record per request.
// Server errors are sent immediately; everything else is batched.
//
// Usage:
//
//	client, _ := sdk.New(sdk.Options{Config: cfg})
//	client.Start()
//	defer client.Stop()
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("/", handler)
//	http.ListenAndServe(":3000", httpx.Middleware(client)(mux))
func Middleware(store RecordStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			// Telemetry must never fail the request.
			_ = store.StoreLogs(requestRecord(r, rw.statusCode, start, time.Since(start)))
		})
	}
}

func requestRecord(r *http.Request, status int, start time.Time, elapsed time.Duration) telemetry.Record {
	path := normalizePath(r.URL.Path)

	rec := telemetry.Record{
		Kind:      RecordKind,
		Severity:  severityFor(status),
		Body:      fmt.Sprintf("%s %s %d", r.Method, path, status),
		Timestamp: start,
		Attributes: map[string]string{
			"http.method":      r.Method,
			"http.route":       path,
			"http.status_code": strconv.Itoa(status),
			"duration_ms":      strconv.FormatInt(elapsed.Milliseconds(), 10),
		},
	}
	if status >= 500 {
		rec.SendMode = telemetry.SendModeImmediate
	}
	return rec
}

func severityFor(status int) telemetry.Severity {
	switch {
	case status >= 500:
		return telemetry.SeverityError
	case status >= 400:
		return telemetry.SeverityWarn
	default:
		return telemetry.SeverityInfo
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath replaces ids in path so routes group together.
// Examples:
//   - /api/users/123 → /api/users/{id}
//   - /posts/456/comments → /posts/{id}/comments
func normalizePath(path string) string {
	path = uuidID.ReplaceAllString(path, "/{id}")
	return numericID.ReplaceAllString(path, "/{id}")
}
