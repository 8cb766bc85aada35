// Package pending keeps the calls that could not be delivered yet, per
// endpoint, and persists them across restarts.
package pending

import (
	"sync"

	"github.com/nicktill/tinyship/pkg/sdk/transport"
)

// Call is a request waiting to be delivered. The body lives in the cache
// under PayloadName.
type Call struct {
	Request     transport.Request `json:"request" cbor:"request"`
	PayloadName string            `json:"payload_name" cbor:"payload_name"`
	QueuedAtMs  int64             `json:"queued_at_ms" cbor:"queued_at_ms"`
}

// Endpoint returns the endpoint the call targets.
func (c Call) Endpoint() transport.Endpoint {
	return c.Request.Endpoint()
}

// SkipFunc reports whether an endpoint must be skipped, typically because it
// is rate limited.
type SkipFunc func(transport.Endpoint) bool

// Queue holds one FIFO per endpoint. Polled calls stay in the queue as
// in flight until Done or Return settles them, so a snapshot taken
// mid-delivery still lists them.
type Queue struct {
	mu       sync.Mutex
	calls    map[transport.Endpoint][]Call
	inFlight []Call
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{calls: make(map[transport.Endpoint][]Call)}
}

// Add appends call to its endpoint's FIFO. When the endpoint is over its
// limit the oldest call is evicted and returned so its payload can be
// deleted.
func (q *Queue) Add(call Call) (evicted []Call) {
	endpoint := call.Endpoint()

	q.mu.Lock()
	defer q.mu.Unlock()

	list := append(q.calls[endpoint], call)
	if over := len(list) - endpoint.MaxPendingCalls(); over > 0 {
		evicted = append(evicted, list[:over]...)
		list = append([]Call(nil), list[over:]...)
	}
	q.calls[endpoint] = list
	return evicted
}

// Poll returns the next call to deliver and marks it in flight. Session
// calls always go first; otherwise the call queued earliest across
// endpoints wins. Endpoints for which skip returns true are ignored.
func (q *Queue) Poll(skip SkipFunc) (Call, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	endpoint, ok := q.next(skip)
	if !ok {
		return Call{}, false
	}

	list := q.calls[endpoint]
	call := list[0]
	list[0] = Call{}
	if len(list) == 1 {
		delete(q.calls, endpoint)
	} else {
		q.calls[endpoint] = list[1:]
	}
	q.inFlight = append(q.inFlight, call)
	return call, true
}

// Done settles an in-flight call that needs no further delivery.
func (q *Queue) Done(payloadName string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.settle(payloadName)
}

// Return settles an in-flight call that must be retried by putting it back
// at the tail of its endpoint's FIFO. A call removed while in flight is not
// put back.
func (q *Queue) Return(call Call) (evicted []Call) {
	q.mu.Lock()
	if !q.settle(call.PayloadName) {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()
	return q.Add(call)
}

// InFlight returns the number of polled calls not yet settled.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

func (q *Queue) settle(payloadName string) bool {
	for i, c := range q.inFlight {
		if c.PayloadName == payloadName {
			q.inFlight = append(q.inFlight[:i:i], q.inFlight[i+1:]...)
			return true
		}
	}
	return false
}

// HasPending reports whether Poll would return a call.
func (q *Queue) HasPending(skip SkipFunc) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.next(skip)
	return ok
}

// Remove drops the call stored under payloadName, if queued or in flight.
func (q *Queue) Remove(payloadName string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.settle(payloadName) {
		return true
	}

	for endpoint, list := range q.calls {
		for i, c := range list {
			if c.PayloadName != payloadName {
				continue
			}
			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(q.calls, endpoint)
			} else {
				q.calls[endpoint] = list
			}
			return true
		}
	}
	return false
}

// Contains reports whether a call with payloadName is queued or in flight.
func (q *Queue) Contains(payloadName string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, c := range q.inFlight {
		if c.PayloadName == payloadName {
			return true
		}
	}

	for _, list := range q.calls {
		for _, c := range list {
			if c.PayloadName == payloadName {
				return true
			}
		}
	}
	return false
}

// Len returns the number of calls queued or in flight for endpoint.
func (q *Queue) Len(endpoint transport.Endpoint) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.calls[endpoint])
	for _, c := range q.inFlight {
		if c.Endpoint() == endpoint {
			n++
		}
	}
	return n
}

// Total returns the number of calls queued or in flight.
func (q *Queue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.inFlight)
	for _, list := range q.calls {
		n += len(list)
	}
	return n
}

// Calls returns every queued and in-flight call, grouped by endpoint in a
// stable order. In-flight calls come first within their endpoint since
// they were polled from its head.
func (q *Queue) Calls() []Call {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Call
	for _, endpoint := range transport.Endpoints {
		for _, c := range q.inFlight {
			if c.Endpoint() == endpoint {
				out = append(out, c)
			}
		}
		out = append(out, q.calls[endpoint]...)
	}
	return out
}

func (q *Queue) next(skip SkipFunc) (transport.Endpoint, bool) {
	eligible := func(e transport.Endpoint) bool {
		return len(q.calls[e]) > 0 && (skip == nil || !skip(e))
	}

	if eligible(transport.EndpointSessions) {
		return transport.EndpointSessions, true
	}

	var (
		best   transport.Endpoint
		oldest int64
		found  bool
	)
	for _, e := range transport.Endpoints {
		if e.IsSession() || !eligible(e) {
			continue
		}
		if head := q.calls[e][0].QueuedAtMs; !found || head < oldest {
			best, oldest, found = e, head, true
		}
	}
	return best, found
}
