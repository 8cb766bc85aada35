// Package codec provides the streaming serializers used by the cache:
// JSON for payloads that travel over the wire and CBOR for the compact
// local pending-call index.
package codec

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Serializer converts values to and from byte streams.
type Serializer interface {
	Encode(w io.Writer, v any) error
	Decode(r io.Reader, v any) error
}

// JSON is the wire serializer.
type JSON struct{}

// Encode writes v as JSON.
func (JSON) Encode(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

// Decode reads one JSON value into v.
func (JSON) Decode(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBOR uses deterministic core encoding so identical values produce identical files.
type CBOR struct{}

// Encode writes v as CBOR.
func (CBOR) Encode(w io.Writer, v any) error {
	if err := cborEnc.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("cbor encode: %w", err)
	}
	return nil
}

// Decode reads one CBOR item into v.
func (CBOR) Decode(r io.Reader, v any) error {
	if err := cborDec.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("cbor decode: %w", err)
	}
	return nil
}
