package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptionsDefaults(t *testing.T) {
	opts, err := parseOptions(nil)
	require.NoError(t, err)

	assert.Equal(t, ":3000", opts.Addr)
	assert.Equal(t, 4, opts.Producers)
	assert.Equal(t, "demo1", opts.SDK.AppID)
	assert.NotEmpty(t, opts.SDK.BaseURL)
	assert.Equal(t, 200*time.Millisecond, opts.ProduceEvery)
}

func TestParseOptionsFlagsAndEnv(t *testing.T) {
	t.Setenv("TINYSHIP_MAX_BATCH_SIZE", "7")

	opts, err := parseOptions([]string{
		"--collector", "http://collector:9000",
		"--app-id", "zzzzz",
		"--producers", "2",
		"--simulate-offline", "3s",
	})
	require.NoError(t, err)

	assert.Equal(t, "http://collector:9000", opts.SDK.BaseURL)
	assert.Equal(t, "zzzzz", opts.SDK.AppID)
	assert.Equal(t, 7, opts.SDK.MaxBatchSize)
	assert.Equal(t, 2, opts.Producers)
	assert.Equal(t, 3*time.Second, opts.SimulateOffline)
}
