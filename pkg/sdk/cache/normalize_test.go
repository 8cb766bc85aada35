package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name      string
		files     map[string]string
		wantFiles []string
		wantNames []string
		content   string
	}{
		{
			name:      "tmp and old are discarded when canonical exists",
			files:     map[string]string{"id.json": "canonical", "id.json.tmp": "partial", "id.json.old": "old"},
			wantFiles: []string{"id.json"},
			wantNames: []string{"id.json"},
			content:   "canonical",
		},
		{
			name:      "new is promoted when canonical is missing",
			files:     map[string]string{"id.json.new": "new", "id.json.old": "old"},
			wantFiles: []string{"id.json"},
			wantNames: []string{"id.json"},
			content:   "new",
		},
		{
			name:      "new replaces canonical",
			files:     map[string]string{"id.json": "canonical", "id.json.new": "new", "id.json.old": "canonical"},
			wantFiles: []string{"id.json"},
			wantNames: []string{"id.json"},
			content:   "new",
		},
		{
			name:      "old alone is promoted",
			files:     map[string]string{"id.json.old": "old"},
			wantFiles: []string{"id.json"},
			wantNames: []string{"id.json"},
			content:   "old",
		},
		{
			name:      "lone tmp disappears",
			files:     map[string]string{"id.json.tmp": "partial"},
			wantFiles: []string{},
			wantNames: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCache(t)
			for name, content := range tt.files {
				writeRaw(t, c.Dir(), name, content)
			}

			names, err := c.Normalize()
			require.NoError(t, err)
			assert.Equal(t, tt.wantNames, names)
			assert.Equal(t, tt.wantFiles, dirNames(t, c.Dir()))
			if tt.content != "" {
				assert.Equal(t, tt.content, readRaw(t, c.Dir(), "id.json"))
			}

			again, err := c.Normalize()
			require.NoError(t, err)
			assert.Equal(t, names, again)
			assert.Equal(t, tt.wantFiles, dirNames(t, c.Dir()))
		})
	}
}

func TestNormalize_ManyIDs(t *testing.T) {
	c := newCache(t)
	writeRaw(t, c.Dir(), "a.json", "a")
	writeRaw(t, c.Dir(), "b.json.new", "b")
	writeRaw(t, c.Dir(), "c.json.old", "c")
	writeRaw(t, c.Dir(), "d.json.tmp", "d")
	writeRaw(t, c.Dir(), "pending_calls.cbor", "x")

	names, err := c.Normalize()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json", "b.json", "c.json", "pending_calls.cbor"}, names)
	assert.Equal(t, names, dirNames(t, c.Dir()))
}
