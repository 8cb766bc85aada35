package ingest

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyship/pkg/config"
	"github.com/nicktill/tinyship/pkg/httpx"
	"github.com/nicktill/tinyship/pkg/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// Feed streams a Received notice for every accepted envelope to websocket
// subscribers. A subscriber that falls behind loses notices; ingest never
// waits on it.
type Feed struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool

	logger  logrus.FieldLogger
	metrics *Metrics
}

type subscriber struct {
	conn     *websocket.Conn
	endpoint string // empty for every endpoint
	notices  chan Received
	done     chan struct{}
	once     sync.Once
}

func newSubscriber(conn *websocket.Conn, endpoint string) *subscriber {
	return &subscriber{
		conn:     conn,
		endpoint: endpoint,
		notices:  make(chan Received, config.WSSubscriberBuffer),
		done:     make(chan struct{}),
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) wants(rec Received) bool {
	return s.endpoint == "" || s.endpoint == rec.Endpoint
}

// NewFeed creates a feed with no subscribers.
func NewFeed(logger logrus.FieldLogger, m *Metrics) *Feed {
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Feed{
		subs:    make(map[*subscriber]struct{}),
		logger:  logging.Component(logger, "feed"),
		metrics: m,
	}
}

// Publish offers rec to every matching subscriber without blocking.
func (f *Feed) Publish(rec Received) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for s := range f.subs {
		if !s.wants(rec) {
			continue
		}
		select {
		case s.notices <- rec:
		default:
			f.metrics.FeedDropped.Inc()
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Close disconnects every subscriber and refuses new ones.
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	subs := f.subs
	f.subs = make(map[*subscriber]struct{})
	f.mu.Unlock()

	for s := range subs {
		s.stop()
	}
}

func (f *Feed) add(s *subscriber) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.subs[s] = struct{}{}
	return true
}

func (f *Feed) remove(s *subscriber) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, s)
	return len(f.subs)
}

// serve writes notices and pings to s until it stops. It is the only
// writer of data frames on the connection.
func (f *Feed) serve(s *subscriber) {
	ping := time.NewTicker(config.WSPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(config.WSWriteDeadline))
			return
		case rec := <-s.notices:
			_ = s.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if err := s.conn.WriteJSON(rec); err != nil {
				f.logger.WithError(err).Debug("Feed write failed")
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteDeadline)); err != nil {
				return
			}
		}
	}
}

// watch reads until the subscriber goes away. Only control frames are
// expected from it.
func watch(s *subscriber) {
	defer s.stop()

	_ = s.conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// HandleFeed upgrades the request and streams notices until the client
// leaves or the feed closes. ?endpoint=logs limits the stream to one
// endpoint.
func (h *Handler) HandleFeed(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint != "" && !knownEndpoint(endpoint) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "unknown endpoint")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	s := newSubscriber(conn, endpoint)
	if !h.feed.add(s) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(config.WSWriteDeadline))
		return
	}
	log := h.logger.WithField("filter", endpoint)
	log.WithField("subscribers", h.feed.Subscribers()).Info("Feed subscriber connected")

	go watch(s)
	h.feed.serve(s)

	log.WithField("subscribers", h.feed.remove(s)).Info("Feed subscriber disconnected")
}
