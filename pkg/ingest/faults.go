package ingest

import (
	"fmt"
	"net/http"
	"sync"
)

// Fault forces the next Count requests to Endpoint to fail with Status.
// An empty Endpoint matches every ingest endpoint.
type Fault struct {
	Endpoint   string `json:"endpoint,omitempty"`
	Status     int    `json:"status"`
	RetryAfter int    `json:"retry_after,omitempty"`
	Count      int    `json:"count"`
}

// Validate checks that the fault can be served.
func (f Fault) Validate() error {
	if f.Status < 400 || f.Status > 599 {
		return fmt.Errorf("status must be a 4xx or 5xx code, got %d", f.Status)
	}
	if f.Count <= 0 {
		return fmt.Errorf("count must be positive, got %d", f.Count)
	}
	if f.RetryAfter < 0 {
		return fmt.Errorf("retry_after must not be negative, got %d", f.RetryAfter)
	}
	if f.Endpoint != "" && !knownEndpoint(f.Endpoint) {
		return fmt.Errorf("unknown endpoint %q", f.Endpoint)
	}
	return nil
}

// Faults is a FIFO of injected failures.
type Faults struct {
	mu    sync.Mutex
	queue []Fault
}

// Push appends f.
func (q *Faults) Push(f Fault) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append(q.queue, f)
}

// Next consumes one use of the first fault matching endpoint.
func (q *Faults) Next(endpoint string) (Fault, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.queue {
		f := &q.queue[i]
		if f.Endpoint != "" && f.Endpoint != endpoint {
			continue
		}
		served := *f
		f.Count--
		if f.Count == 0 {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
		}
		return served, true
	}
	return Fault{}, false
}

// Pending returns a copy of the queued faults.
func (q *Faults) Pending() []Fault {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Fault(nil), q.queue...)
}

// Clear drops every queued fault.
func (q *Faults) Clear() {
	q.mu.Lock()
	q.queue = nil
	q.mu.Unlock()
}

// write serves f on w.
func (f Fault) write(w http.ResponseWriter) {
	if f.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprint(f.RetryAfter))
	}
	http.Error(w, "injected fault", f.Status)
}
