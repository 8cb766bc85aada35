package sdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/nicktill/tinyship/pkg/config"
	"github.com/nicktill/tinyship/pkg/sdk/delivery"
	"github.com/nicktill/tinyship/pkg/sdk/telemetry"
	"github.com/nicktill/tinyship/pkg/sdk/transport"
)

// collector is a minimal backend recording what it receives.
type collector struct {
	mu       sync.Mutex
	logs     int
	paths    []string
	sessions []string
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v2/config" {
		if r.Header.Get("If-None-Match") == `"cfg-1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"cfg-1"`)
		w.Write([]byte(`{"sample_rate":0.5}`))
		return
	}

	gz, err := gzip.NewReader(r.Body)
	if err != nil {
		http.Error(w, "expected gzip", http.StatusBadRequest)
		return
	}
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(gz).Decode(&env); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, r.URL.Path)
	switch env.Type {
	case telemetry.EnvelopeTypeLogs:
		var payload telemetry.LogPayload
		json.Unmarshal(env.Data, &payload)
		c.logs += len(payload.Logs)
	case telemetry.EnvelopeTypeSpans:
		var payload telemetry.SessionPayload
		json.Unmarshal(env.Data, &payload)
		c.sessions = append(c.sessions, payload.SessionID)
	}
	w.WriteHeader(http.StatusOK)
}

func (c *collector) logCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logs
}

func (c *collector) sessionIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sessions...)
}

func testConfig(baseURL, dir string) config.Config {
	cfg := config.Default()
	cfg.BaseURL = baseURL
	cfg.AppID = "abcde"
	cfg.DeviceID = "device-1"
	cfg.CacheDir = dir
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func records(n int) []telemetry.Record {
	out := make([]telemetry.Record, n)
	for i := range out {
		out[i] = telemetry.Record{
			Kind:      "log",
			Severity:  telemetry.SeverityInfo,
			Body:      "hello",
			Timestamp: time.Now(),
		}
	}
	return out
}

func TestNewRequiresAppID(t *testing.T) {
	cfg := testConfig("http://localhost:1", t.TempDir())
	cfg.AppID = ""

	if _, err := New(Options{Config: cfg}); err == nil {
		t.Fatal("expected error for missing app id")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("http://localhost:1", t.TempDir())
	cfg.MaxBatchSize = 0

	if _, err := New(Options{Config: cfg}); err == nil {
		t.Fatal("expected error for invalid config")
	}
}

func TestClientDeliversFullBatch(t *testing.T) {
	backend := &collector{}
	server := httptest.NewServer(backend)
	defer server.Close()

	cfg := testConfig(server.URL, t.TempDir())
	cfg.MaxBatchSize = 5

	client, err := New(Options{Config: cfg})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Failed to start client: %v", err)
	}
	defer client.Stop()

	if err := client.StoreLogs(records(5)...); err != nil {
		t.Fatalf("StoreLogs: %v", err)
	}

	waitFor(t, "batch delivery", func() bool { return backend.logCount() == 5 })
}

func TestClientStartTwice(t *testing.T) {
	client, err := New(Options{Config: testConfig("http://localhost:1", t.TempDir())})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Stop()

	if err := client.Start(); err != nil {
		t.Fatalf("Failed to start client: %v", err)
	}
	if err := client.Start(); err == nil {
		t.Fatal("second Start should fail")
	}
}

func TestClientStopPersistsForNextStart(t *testing.T) {
	backend := &collector{}
	server := httptest.NewServer(backend)
	defer server.Close()

	dir := t.TempDir()
	cfg := testConfig(server.URL, dir)
	cfg.MaxBatchAge = time.Hour
	cfg.MaxInactivity = time.Hour

	first, err := New(Options{Config: cfg})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if err := first.Start(); err != nil {
		t.Fatalf("Failed to start client: %v", err)
	}
	if err := first.StoreLogs(records(3)...); err != nil {
		t.Fatalf("StoreLogs: %v", err)
	}
	if err := first.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := backend.logCount(); got != 0 {
		t.Fatalf("logs sent before restart = %d, want 0", got)
	}

	second, err := New(Options{Config: cfg})
	if err != nil {
		t.Fatalf("Failed to recreate client: %v", err)
	}
	if got := second.PendingCalls(); got != 1 {
		t.Fatalf("PendingCalls() = %d, want 1", got)
	}
	if err := second.Start(); err != nil {
		t.Fatalf("Failed to start client: %v", err)
	}
	defer second.Stop()

	waitFor(t, "persisted batch delivery", func() bool { return backend.logCount() == 3 })
	waitFor(t, "empty queue", func() bool { return second.PendingCalls() == 0 })
}

func TestClientOfflineThenOnline(t *testing.T) {
	backend := &collector{}
	server := httptest.NewServer(backend)
	defer server.Close()

	cfg := testConfig(server.URL, t.TempDir())
	cfg.MaxBatchSize = 2

	client, err := New(Options{Config: cfg})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Failed to start client: %v", err)
	}
	defer client.Stop()

	client.SetConnectivity(false)
	if err := client.StoreLogs(records(2)...); err != nil {
		t.Fatalf("StoreLogs: %v", err)
	}
	waitFor(t, "offline persist", func() bool { return client.PendingCalls() == 1 })
	if got := backend.logCount(); got != 0 {
		t.Fatalf("logs sent while offline = %d, want 0", got)
	}

	client.SetConnectivity(true)
	waitFor(t, "delivery after reconnect", func() bool { return backend.logCount() == 2 })
}

func TestClientSendSession(t *testing.T) {
	backend := &collector{}
	server := httptest.NewServer(backend)
	defer server.Close()

	client, err := New(Options{Config: testConfig(server.URL, t.TempDir())})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Failed to start client: %v", err)
	}
	defer client.Stop()

	end := time.Now()
	err = client.SendSession(telemetry.SessionPayload{
		SessionID: "s-1",
		StartTime: end.Add(-time.Minute),
		EndTime:   &end,
	}, delivery.SnapshotNormalEnd)
	if err != nil {
		t.Fatalf("SendSession: %v", err)
	}

	waitFor(t, "session delivery", func() bool {
		ids := backend.sessionIDs()
		return len(ids) == 1 && ids[0] == "s-1"
	})
}

func TestClientSubmitEvent(t *testing.T) {
	var mu sync.Mutex
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		mu.Unlock()
	}))
	defer server.Close()

	client, err := New(Options{Config: testConfig(server.URL, t.TempDir())})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Failed to start client: %v", err)
	}
	defer client.Stop()

	if err := client.Submit(transport.EndpointEvents, map[string]string{"name": "purchase"}, false); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "event delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotPath == "/v1/events"
	})
}

func TestFetchConfigRevalidates(t *testing.T) {
	backend := &collector{}
	server := httptest.NewServer(backend)
	defer server.Close()

	client, err := New(Options{Config: testConfig(server.URL, t.TempDir())})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	body, err := client.FetchConfig(ctx)
	if err != nil {
		t.Fatalf("FetchConfig: %v", err)
	}
	if string(body) != `{"sample_rate":0.5}` {
		t.Fatalf("body = %s", body)
	}

	// Second fetch is answered with 304 and served from memory.
	again, err := client.FetchConfig(ctx)
	if err != nil {
		t.Fatalf("FetchConfig (cached): %v", err)
	}
	if string(again) != string(body) {
		t.Fatalf("cached body = %s, want %s", again, body)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	client, err := New(Options{Config: testConfig("http://localhost:1", t.TempDir())})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if err := client.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := client.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := client.Start(); err == nil {
		t.Fatal("Start after Stop should fail")
	}
}
