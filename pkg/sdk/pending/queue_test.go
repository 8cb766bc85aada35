package pending

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyship/pkg/config"
	"github.com/nicktill/tinyship/pkg/sdk/cache"
	"github.com/nicktill/tinyship/pkg/sdk/transport"
)

var factory = transport.RequestFactory{BaseURL: "https://data.example.com", AppID: "abcde"}

func call(endpoint transport.Endpoint, name string, queuedAt int64) Call {
	return Call{
		Request:     factory.Post(endpoint, nil),
		PayloadName: name,
		QueuedAtMs:  queuedAt,
	}
}

func TestQueue_SessionsFirst(t *testing.T) {
	q := NewQueue()
	q.Add(call(transport.EndpointLogs, "log-1", 1))
	q.Add(call(transport.EndpointEvents, "event-1", 2))
	q.Add(call(transport.EndpointSessions, "session-1", 3))
	q.Add(call(transport.EndpointSessions, "session-2", 4))

	var order []string
	for {
		c, ok := q.Poll(nil)
		if !ok {
			break
		}
		order = append(order, c.PayloadName)
	}
	assert.Equal(t, []string{"session-1", "session-2", "log-1", "event-1"}, order)
}

func TestQueue_OldestAcrossEndpoints(t *testing.T) {
	q := NewQueue()
	q.Add(call(transport.EndpointEvents, "event-1", 5))
	q.Add(call(transport.EndpointLogs, "log-1", 10))
	q.Add(call(transport.EndpointEvents, "event-2", 20))

	first, _ := q.Poll(nil)
	second, _ := q.Poll(nil)
	third, _ := q.Poll(nil)
	assert.Equal(t, []string{"event-1", "log-1", "event-2"}, []string{first.PayloadName, second.PayloadName, third.PayloadName})
}

func TestQueue_SkipsRateLimitedEndpoints(t *testing.T) {
	q := NewQueue()
	q.Add(call(transport.EndpointSessions, "session-1", 1))
	q.Add(call(transport.EndpointLogs, "log-1", 2))

	limited := map[transport.Endpoint]bool{transport.EndpointSessions: true, transport.EndpointLogs: true}
	skip := func(e transport.Endpoint) bool { return limited[e] }

	assert.False(t, q.HasPending(skip))
	_, ok := q.Poll(skip)
	assert.False(t, ok)

	limited[transport.EndpointLogs] = false
	c, ok := q.Poll(skip)
	require.True(t, ok)
	assert.Equal(t, "log-1", c.PayloadName)
	assert.Equal(t, 2, q.Total(), "polled call counts until settled")
	assert.Equal(t, 1, q.InFlight())
}

func TestQueue_EvictsOldestOverLimit(t *testing.T) {
	q := NewQueue()
	var evicted []Call
	for i := 0; i < config.MaxPendingLogs+2; i++ {
		evicted = append(evicted, q.Add(call(transport.EndpointLogs, fmt.Sprintf("log-%d", i), int64(i)))...)
	}

	require.Len(t, evicted, 2)
	assert.Equal(t, "log-0", evicted[0].PayloadName)
	assert.Equal(t, "log-1", evicted[1].PayloadName)
	assert.Equal(t, config.MaxPendingLogs, q.Len(transport.EndpointLogs))

	head, _ := q.Poll(nil)
	assert.Equal(t, "log-2", head.PayloadName)
}

func TestQueue_Remove(t *testing.T) {
	q := NewQueue()
	q.Add(call(transport.EndpointSessions, "session-1", 1))
	q.Add(call(transport.EndpointSessions, "session-2", 2))

	assert.True(t, q.Remove("session-1"))
	assert.False(t, q.Remove("session-1"))

	c, ok := q.Poll(nil)
	require.True(t, ok)
	assert.Equal(t, "session-2", c.PayloadName)
}

func TestStore_SaveLoad(t *testing.T) {
	c, err := cache.New(t.TempDir(), nil, nil, nil)
	require.NoError(t, err)
	store := NewStore(c, nil)

	empty := store.Load()
	assert.Equal(t, 0, empty.Total())

	q := NewQueue()
	q.Add(call(transport.EndpointLogs, "log-1", 1))
	q.Add(call(transport.EndpointSessions, "session-1", 2))
	q.Add(call(transport.EndpointLogs, "log-2", 3))
	require.NoError(t, store.Save(q))

	loaded := NewStore(c, nil).Load()
	assert.Equal(t, q.Calls(), loaded.Calls())

	first, ok := loaded.Poll(nil)
	require.True(t, ok)
	assert.Equal(t, "session-1", first.PayloadName)
	assert.Equal(t, transport.EndpointSessions, first.Endpoint())
	assert.Equal(t, "gzip", first.Request.ContentEncoding)
	assert.Equal(t, "abcde", first.Request.AppID)
	assert.Nil(t, first.Request.Body)
}

func TestStore_CorruptFileYieldsEmptyQueue(t *testing.T) {
	c, err := cache.New(t.TempDir(), nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.CachePayload(config.PendingCallsFileName, func(w io.Writer) error {
		_, err := w.Write([]byte{0xff, 0x00, 0x13})
		return err
	}))

	assert.Equal(t, 0, NewStore(c, nil).Load().Total())
}

func TestQueue_Contains(t *testing.T) {
	q := NewQueue()
	q.Add(call(transport.EndpointLogs, "log-1", 1))

	assert.True(t, q.Contains("log-1"))
	assert.False(t, q.Contains("log-2"))
}

func TestQueue_InFlightCallsStayPersisted(t *testing.T) {
	c, err := cache.New(t.TempDir(), nil, nil, nil)
	require.NoError(t, err)
	store := NewStore(c, nil)

	q := NewQueue()
	q.Add(call(transport.EndpointLogs, "log-1", 1))
	q.Add(call(transport.EndpointLogs, "log-2", 2))

	polled, ok := q.Poll(nil)
	require.True(t, ok)
	require.Equal(t, "log-1", polled.PayloadName)

	// A call added while log-1 is on the wire must not push it out of the
	// saved index.
	q.Add(call(transport.EndpointEvents, "event-1", 3))
	require.NoError(t, store.Save(q))

	loaded := NewStore(c, nil).Load()
	assert.Equal(t, 3, loaded.Total())
	assert.True(t, loaded.Contains("log-1"))
	assert.Equal(t, 0, loaded.InFlight())

	next, ok := loaded.Poll(nil)
	require.True(t, ok)
	assert.Equal(t, "log-1", next.PayloadName, "in-flight call reloads at the head of its FIFO")
}

func TestQueue_DoneAndReturn(t *testing.T) {
	q := NewQueue()
	q.Add(call(transport.EndpointLogs, "log-1", 1))
	q.Add(call(transport.EndpointLogs, "log-2", 2))

	first, _ := q.Poll(nil)
	second, _ := q.Poll(nil)
	assert.False(t, q.HasPending(nil), "in-flight calls are not polled twice")
	assert.Equal(t, 2, q.Len(transport.EndpointLogs))

	q.Done(first.PayloadName)
	assert.Empty(t, q.Return(second))
	assert.Equal(t, 0, q.InFlight())
	assert.Equal(t, 1, q.Total())

	again, ok := q.Poll(nil)
	require.True(t, ok)
	assert.Equal(t, "log-2", again.PayloadName)
}

func TestQueue_RemovedWhileInFlightIsNotReturned(t *testing.T) {
	q := NewQueue()
	q.Add(call(transport.EndpointSessions, "session-1", 1))

	polled, ok := q.Poll(nil)
	require.True(t, ok)
	assert.True(t, q.Contains("session-1"))

	assert.True(t, q.Remove("session-1"))
	assert.Empty(t, q.Return(polled))
	assert.Equal(t, 0, q.Total())
}
