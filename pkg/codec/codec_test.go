package codec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string            `json:"name" cbor:"name"`
	Count int               `json:"count" cbor:"count"`
	Tags  map[string]string `json:"tags" cbor:"tags"`
}

func TestCBORIsDeterministic(t *testing.T) {
	v := sample{Name: "a", Count: 2, Tags: map[string]string{"z": "1", "a": "2", "m": "3"}}

	var first, second bytes.Buffer
	require.NoError(t, CBOR{}.Encode(&first, v))
	require.NoError(t, CBOR{}.Encode(&second, v))
	require.Equal(t, first.Bytes(), second.Bytes())

	var out sample
	require.NoError(t, CBOR{}.Decode(&first, &out))
	require.Equal(t, v, out)
}

func TestDecodeGarbage(t *testing.T) {
	var out sample
	require.Error(t, JSON{}.Decode(strings.NewReader("{not json"), &out))
	require.Error(t, CBOR{}.Decode(bytes.NewReader([]byte{0xff, 0x00}), &out))
}
