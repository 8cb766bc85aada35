package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/nicktill/tinyship/pkg/config"
)

// Request limits
const (
	// MaxBodyBytes caps the decompressed size of one envelope.
	MaxBodyBytes = config.CollectorMaxBodyBytes
	// MaxCompressedBytes caps what is read off the wire.
	MaxCompressedBytes = MaxBodyBytes / 2
)

var (
	// ErrBodyTooLarge is returned when an envelope exceeds MaxBodyBytes.
	ErrBodyTooLarge = fmt.Errorf("request body too large (max %d bytes)", MaxBodyBytes)

	// ErrEmptyBody is returned for a POST without a body.
	ErrEmptyBody = errors.New("request body is empty")

	// ErrBadEncoding is returned when the body claims gzip but is not.
	ErrBadEncoding = errors.New("invalid gzip body")
)

// readBody returns the decompressed request body.
func readBody(r *http.Request) ([]byte, error) {
	raw, err := readLimited(r.Body, MaxCompressedBytes)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrEmptyBody
	}

	if !strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		return raw, nil
	}

	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}
	defer gz.Close()

	body, err := readLimited(gz, MaxBodyBytes)
	if err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}
	return body, nil
}

// readLimited reads at most limit bytes and fails if more remain.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}
