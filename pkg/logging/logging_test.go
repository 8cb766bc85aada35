package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("debug", "json", &buf)
	require.NoError(t, err)

	Component(logger, "sink").WithField("count", 3).Info("stored")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "sink", entry["component"])
	require.Equal(t, "stored", entry["msg"])
	require.EqualValues(t, 3, entry["count"])
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("loud", "text", nil)
	require.Error(t, err)

	_, err = New("info", "xml", nil)
	require.Error(t, err)
}
