package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyship/pkg/httpx"
	"github.com/nicktill/tinyship/pkg/logging"
	"github.com/nicktill/tinyship/pkg/sdk/telemetry"
	"github.com/nicktill/tinyship/pkg/sdk/transport"
)

// maxRecent bounds the in-memory list of received envelopes.
const maxRecent = 1000

// Received describes one accepted envelope.
type Received struct {
	Endpoint   string    `json:"endpoint"`
	Type       string    `json:"type,omitempty"`
	Records    int       `json:"records"`
	Bytes      int       `json:"bytes"`
	Duplicate  bool      `json:"duplicate"`
	AppID      string    `json:"app_id,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// EndpointStats aggregates what an endpoint has seen.
type EndpointStats struct {
	Envelopes  int `json:"envelopes"`
	Records    int `json:"records"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	Faults     int `json:"faults"`
}

// IngestResponse is returned for every accepted envelope.
type IngestResponse struct {
	Status    string `json:"status"`
	Records   int    `json:"records"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Handler is a fake telemetry backend. It accepts envelopes, remembers
// what it saw and can be told to fail on purpose.
type Handler struct {
	mu      sync.RWMutex
	stats   map[string]*EndpointStats
	seen    map[uint64]struct{}
	recent  []Received
	config  []byte
	etag    string
	started time.Time

	faults  *Faults
	feed    *Feed
	logger  logrus.FieldLogger
	metrics *Metrics
}

// NewHandler creates a handler. feed may be nil.
func NewHandler(feed *Feed, logger logrus.FieldLogger, m *Metrics) *Handler {
	if m == nil {
		m = NewMetrics(nil)
	}
	h := &Handler{
		stats:   make(map[string]*EndpointStats),
		seen:    make(map[uint64]struct{}),
		started: time.Now(),
		faults:  &Faults{},
		feed:    feed,
		logger:  logging.Component(logger, "collector"),
		metrics: m,
	}
	h.SetConfig([]byte(`{}`))
	return h
}

// Routes registers the collector endpoints on r.
func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc(transport.EndpointLogs.Path(), h.HandleIngest(transport.EndpointLogs)).Methods(http.MethodPost)
	r.HandleFunc(transport.EndpointSessions.Path(), h.HandleIngest(transport.EndpointSessions)).Methods(http.MethodPost)
	r.HandleFunc(transport.EndpointEvents.Path(), h.HandleIngest(transport.EndpointEvents)).Methods(http.MethodPost)
	r.HandleFunc(transport.EndpointConfig.Path(), h.HandleConfig).Methods(http.MethodGet)
	r.HandleFunc(transport.EndpointConfig.Path(), h.HandleSetConfig).Methods(http.MethodPut)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/faults", h.HandleFaults).Methods(http.MethodGet, http.MethodPost, http.MethodDelete)
	api.HandleFunc("/stats", h.HandleStats).Methods(http.MethodGet)
	api.HandleFunc("/received", h.HandleReceived).Methods(http.MethodGet)
	api.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
	if h.feed != nil {
		api.HandleFunc("/ws", h.HandleFeed).Methods(http.MethodGet)
	}
}

func knownEndpoint(name string) bool {
	switch transport.Endpoint(name) {
	case transport.EndpointLogs, transport.EndpointSessions, transport.EndpointEvents:
		return true
	}
	return false
}

// HandleIngest accepts gzip-compressed JSON envelopes for endpoint.
// Identical bodies are acknowledged but only counted once.
func (h *Handler) HandleIngest(endpoint transport.Endpoint) http.HandlerFunc {
	name := string(endpoint)

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if f, ok := h.faults.Next(name); ok {
			h.count(name, func(s *EndpointStats) { s.Faults++ })
			h.metrics.Envelopes.WithLabelValues(name, "fault_"+strconv.Itoa(f.Status)).Inc()
			h.logger.WithFields(logrus.Fields{"endpoint": name, "status": f.Status}).Info("Serving injected fault")
			f.write(w)
			return
		}

		body, err := readBody(r)
		if err != nil {
			h.reject(w, name, err)
			return
		}
		if !json.Valid(body) {
			h.reject(w, name, errors.New("invalid JSON"))
			return
		}

		rec := Received{
			Endpoint:   name,
			Bytes:      len(body),
			AppID:      r.Header.Get(transport.HeaderAppID),
			DeviceID:   r.Header.Get(transport.HeaderDeviceID),
			ReceivedAt: time.Now(),
		}
		rec.Type, rec.Records = inspect(body)
		rec.Duplicate = h.store(rec, xxhash.Sum64(body))

		result := "accepted"
		if rec.Duplicate {
			result = "duplicate"
		} else {
			h.metrics.Records.WithLabelValues(name).Add(float64(rec.Records))
		}
		h.metrics.Envelopes.WithLabelValues(name, result).Inc()
		h.metrics.BodyBytes.Observe(float64(rec.Bytes))

		h.logger.WithFields(logrus.Fields{
			"endpoint":  name,
			"type":      rec.Type,
			"records":   rec.Records,
			"duplicate": rec.Duplicate,
		}).Debug("Envelope received")

		if h.feed != nil {
			h.feed.Publish(rec)
		}

		httpx.RespondJSON(w, http.StatusOK, IngestResponse{
			Status:    result,
			Records:   rec.Records,
			Duplicate: rec.Duplicate,
		})
	}
}

// inspect extracts the envelope type and record count. Bodies that are not
// envelopes count as one record.
func inspect(body []byte) (string, int) {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Type == "" {
		return "", 1
	}

	if env.Type == telemetry.EnvelopeTypeLogs {
		var payload telemetry.LogPayload
		if err := json.Unmarshal(env.Data, &payload); err == nil {
			return env.Type, len(payload.Logs)
		}
	}
	return env.Type, 1
}

// store records rec and reports whether its body was seen before.
func (h *Handler) store(rec Received, key uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, dup := h.seen[key]
	h.seen[key] = struct{}{}
	rec.Duplicate = dup

	s := h.statsLocked(rec.Endpoint)
	s.Envelopes++
	if dup {
		s.Duplicates++
	} else {
		s.Records += rec.Records
	}

	h.recent = append(h.recent, rec)
	if len(h.recent) > maxRecent {
		h.recent = h.recent[len(h.recent)-maxRecent:]
	}
	return dup
}

func (h *Handler) reject(w http.ResponseWriter, endpoint string, err error) {
	h.count(endpoint, func(s *EndpointStats) { s.Rejected++ })

	status := http.StatusBadRequest
	result := "rejected"
	if errors.Is(err, ErrBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
		result = "too_large"
	}
	h.metrics.Envelopes.WithLabelValues(endpoint, result).Inc()
	h.logger.WithError(err).WithField("endpoint", endpoint).Warn("Envelope rejected")
	httpx.RespondError(w, status, err)
}

func (h *Handler) count(endpoint string, fn func(*EndpointStats)) {
	h.mu.Lock()
	fn(h.statsLocked(endpoint))
	h.mu.Unlock()
}

func (h *Handler) statsLocked(endpoint string) *EndpointStats {
	s, ok := h.stats[endpoint]
	if !ok {
		s = &EndpointStats{}
		h.stats[endpoint] = s
	}
	return s
}

// SetConfig replaces the remote configuration document. Its ETag is
// derived from the content, so setting the same body keeps the ETag.
func (h *Handler) SetConfig(body []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config = append([]byte(nil), body...)
	h.etag = fmt.Sprintf(`"%016x"`, xxhash.Sum64(body))
}

// HandleConfig serves the configuration document, answering 304 when the
// client already holds the current ETag.
func (h *Handler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	body, etag := h.config, h.etag
	h.mu.RUnlock()

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.WriteHeader(http.StatusOK)
		w.Write(body)
		return
	}

	w.Header().Set("Content-Encoding", "gzip")
	w.WriteHeader(http.StatusOK)
	gz := gzip.NewWriter(w)
	if _, err := gz.Write(body); err != nil {
		h.logger.WithError(err).Warn("Failed to write config")
	}
	gz.Close()
}

// HandleSetConfig replaces the configuration document with the request body.
func (h *Handler) HandleSetConfig(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if !json.Valid(body) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "config must be JSON")
		return
	}
	h.SetConfig(body)

	h.mu.RLock()
	etag := h.etag
	h.mu.RUnlock()
	httpx.RespondJSON(w, http.StatusOK, map[string]string{"etag": etag})
}

// HandleFaults lists (GET), queues (POST) or clears (DELETE) injected faults.
func (h *Handler) HandleFaults(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var f Fault
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
		if err := f.Validate(); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		h.faults.Push(f)
		h.logger.WithFields(logrus.Fields{
			"endpoint": f.Endpoint,
			"status":   f.Status,
			"count":    f.Count,
		}).Info("Fault queued")
	case http.MethodDelete:
		h.faults.Clear()
	}
	httpx.RespondJSON(w, http.StatusOK, h.faults.Pending())
}

// StatsResponse is the body of /v1/stats.
type StatsResponse struct {
	Endpoints map[string]EndpointStats `json:"endpoints"`
	Envelopes int                      `json:"envelopes"`
	Records   int                      `json:"records"`
}

// Stats returns a snapshot of per-endpoint counters.
func (h *Handler) Stats() StatsResponse {
	h.mu.RLock()
	defer h.mu.RUnlock()

	resp := StatsResponse{Endpoints: make(map[string]EndpointStats, len(h.stats))}
	for name, s := range h.stats {
		resp.Endpoints[name] = *s
		resp.Envelopes += s.Envelopes
		resp.Records += s.Records
	}
	return resp
}

// HandleStats serves Stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, h.Stats())
}

// Recent returns up to limit of the most recently received envelopes for
// endpoint, oldest first. An empty endpoint matches all.
func (h *Handler) Recent(endpoint string, limit int) []Received {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Received
	for i := len(h.recent) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if endpoint == "" || h.recent[i].Endpoint == endpoint {
			out = append(out, h.recent[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// HandleReceived serves Recent. Query params: endpoint, limit (default 100).
func (h *Handler) HandleReceived(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	httpx.RespondJSON(w, http.StatusOK, h.Recent(r.URL.Query().Get("endpoint"), limit))
}

// HandleHealth returns service health status.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}
