package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyship/pkg/logging"
	"github.com/nicktill/tinyship/pkg/sdk/metrics"
)

// maxResponseBytes caps how much of a response body is read into memory.
const maxResponseBytes = 8 << 20

// Client executes one request and classifies the result. It holds no retry
// or persistence policy; that belongs to the delivery coordinator.
type Client struct {
	http    *http.Client
	logger  logrus.FieldLogger
	metrics *metrics.Pipeline
}

// NewClient creates a client with fixed connect and read timeouts.
func NewClient(timeout time.Duration, logger logrus.FieldLogger, m *metrics.Pipeline) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		// Compression is negotiated explicitly through Request headers.
		DisableCompression: true,
	}

	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger:  logging.Component(logger, "transport"),
		metrics: metrics.OrNew(m),
	}
}

// Execute sends req and returns its outcome. It never returns an error:
// transport problems are reported as Incomplete.
func (c *Client) Execute(ctx context.Context, req Request) Outcome {
	endpoint := req.Endpoint()
	start := time.Now()

	outcome := c.execute(ctx, req, endpoint)

	c.metrics.DeliveryDuration.WithLabelValues(string(endpoint)).Observe(time.Since(start).Seconds())
	c.metrics.Deliveries.WithLabelValues(string(endpoint), outcome.Label()).Inc()
	c.logger.WithFields(logrus.Fields{
		"endpoint": endpoint,
		"method":   req.Method,
		"outcome":  outcome.Label(),
	}).Debug("Request executed")

	return outcome
}

func (c *Client) execute(ctx context.Context, req Request, endpoint Endpoint) Outcome {
	body, err := encodeBody(req)
	if err != nil {
		return Incomplete{Err: err}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, reader)
	if err != nil {
		return Incomplete{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	for k, v := range req.headers() {
		httpReq.Header[k] = v
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Incomplete{Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer func() {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := readBody(resp)
		if err != nil {
			return Incomplete{Err: err}
		}
		return Success{Body: data, Header: resp.Header}
	case http.StatusNotModified:
		return NotModified{}
	case http.StatusRequestEntityTooLarge:
		return PayloadTooLarge{}
	case http.StatusTooManyRequests:
		return TooManyRequests{
			Endpoint:   endpoint,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	default:
		return Failure{StatusCode: resp.StatusCode, Header: resp.Header}
	}
}

// encodeBody runs the serialization action, gzip-wrapping it when the
// request declares gzip content encoding. Only POST carries a body.
func encodeBody(req Request) ([]byte, error) {
	if req.Method != http.MethodPost || req.Body == nil {
		return nil, nil
	}

	var buf bytes.Buffer
	if strings.EqualFold(req.ContentEncoding, "gzip") {
		gz := gzip.NewWriter(&buf)
		if err := req.Body(gz); err != nil {
			gz.Close()
			return nil, fmt.Errorf("failed to serialize body: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress body: %w", err)
		}
		return buf.Bytes(), nil
	}

	if err := req.Body(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize body: %w", err)
	}
	return buf.Bytes(), nil
}

// readBody reads the response body, decompressing gzip transparently.
func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = io.LimitReader(resp.Body, maxResponseBytes)

	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip response: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return data, nil
}

// parseRetryAfter accepts delay-seconds only; anything else yields nil so the
// caller falls back to local backoff.
func parseRetryAfter(v string) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	seconds, err := strconv.ParseInt(v, 10, 64)
	if err != nil || seconds < 0 {
		return nil
	}
	d := time.Duration(seconds) * time.Second
	return &d
}
