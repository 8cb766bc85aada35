package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyship/pkg/config"
	"github.com/nicktill/tinyship/pkg/ingest"
	"github.com/nicktill/tinyship/pkg/sdk"
	"github.com/nicktill/tinyship/pkg/sdk/telemetry"
)

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, ":"+config.DefaultCollectorPort, opts.Addr)
	assert.Equal(t, "info", opts.LogLevel)

	t.Setenv("TINYSHIP_COLLECTOR_LOG_LEVEL", "debug")
	opts, err = parseOptions([]string{"--addr", ":9999"})
	require.NoError(t, err)
	assert.Equal(t, ":9999", opts.Addr)
	assert.Equal(t, "debug", opts.LogLevel)
}

// TestE2E_SDKToCollector drives the real SDK client against the collector.
func TestE2E_SDKToCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	handler := ingest.NewHandler(nil, nil, ingest.NewMetrics(reg))
	server := httptest.NewServer(newRouter(handler, reg, nil))
	defer server.Close()

	cfg := config.Default()
	cfg.BaseURL = server.URL
	cfg.AppID = "abcde"
	cfg.CacheDir = t.TempDir()
	cfg.MaxBatchSize = 10
	cfg.RequestTimeout = 2 * time.Second

	client, err := sdk.New(sdk.Options{Config: cfg})
	require.NoError(t, err)
	require.NoError(t, client.Start())
	defer client.Stop()

	records := make([]telemetry.Record, 25)
	for i := range records {
		records[i] = telemetry.Record{Kind: "log", Severity: telemetry.SeverityInfo, Body: "e2e", Timestamp: time.Now()}
	}
	require.NoError(t, client.StoreLogs(records...))
	client.Flush(false)

	require.Eventually(t, func() bool {
		return handler.Stats().Endpoints["logs"].Records == 25
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tinyship_collector_records_total")
}
