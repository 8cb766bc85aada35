package transport

import (
	"io"
	"net/http"
	"strings"

	"github.com/nicktill/tinyship/pkg/codec"
)

// Header names understood by the backend
const (
	HeaderAppID    = "X-EM-AID"
	HeaderDeviceID = "X-EM-DID"
)

// SerializationAction writes a request body. It runs lazily, at send time,
// so the body can be streamed from the cache and compressed on the way out.
type SerializationAction func(w io.Writer) error

// JSONAction returns an action that encodes v as JSON.
func JSONAction(v any) SerializationAction {
	return func(w io.Writer) error {
		return codec.JSON{}.Encode(w, v)
	}
}

// Request describes one outbound HTTP call. Everything except Body is
// persisted with a pending call; the body lives in its own cache file.
type Request struct {
	Method          string `json:"method" cbor:"method"`
	URL             string `json:"url" cbor:"url"`
	Accept          string `json:"accept,omitempty" cbor:"accept,omitempty"`
	AcceptEncoding  string `json:"accept_encoding,omitempty" cbor:"accept_encoding,omitempty"`
	ContentType     string `json:"content_type,omitempty" cbor:"content_type,omitempty"`
	ContentEncoding string `json:"content_encoding,omitempty" cbor:"content_encoding,omitempty"`
	UserAgent       string `json:"user_agent,omitempty" cbor:"user_agent,omitempty"`
	AppID           string `json:"app_id,omitempty" cbor:"app_id,omitempty"`
	DeviceID        string `json:"device_id,omitempty" cbor:"device_id,omitempty"`
	ETag            string `json:"etag,omitempty" cbor:"etag,omitempty"`

	Body SerializationAction `json:"-" cbor:"-"`
}

// Endpoint returns the logical endpoint targeted by the request.
func (r Request) Endpoint() Endpoint {
	return EndpointFromURL(r.URL)
}

// IsSession reports whether the request carries a session payload.
func (r Request) IsSession() bool {
	return r.Endpoint().IsSession()
}

// WithBody returns a copy of r with body attached.
func (r Request) WithBody(body SerializationAction) Request {
	r.Body = body
	return r
}

// headers renders the request's header set.
func (r Request) headers() http.Header {
	h := make(http.Header)
	set := func(k, v string) {
		if v != "" {
			h.Set(k, v)
		}
	}
	set("Accept", r.Accept)
	set("Accept-Encoding", r.AcceptEncoding)
	set("Content-Type", r.ContentType)
	set("Content-Encoding", r.ContentEncoding)
	set("User-Agent", r.UserAgent)
	set(HeaderAppID, r.AppID)
	set(HeaderDeviceID, r.DeviceID)
	set("If-None-Match", r.ETag)
	return h
}

// RequestFactory builds requests for the backend. It stands in for the
// URL-builder owned by the host SDK.
type RequestFactory struct {
	BaseURL   string
	AppID     string
	DeviceID  string
	UserAgent string
}

// Post builds a gzip-compressed JSON POST to endpoint.
func (f RequestFactory) Post(endpoint Endpoint, body SerializationAction) Request {
	return Request{
		Method:          http.MethodPost,
		URL:             strings.TrimSuffix(f.BaseURL, "/") + endpoint.Path(),
		Accept:          "application/json",
		ContentType:     "application/json",
		ContentEncoding: "gzip",
		UserAgent:       f.UserAgent,
		AppID:           f.AppID,
		DeviceID:        f.DeviceID,
		Body:            body,
	}
}

// Get builds a GET to endpoint, conditional on etag when it is non-empty.
func (f RequestFactory) Get(endpoint Endpoint, etag string) Request {
	return Request{
		Method:         http.MethodGet,
		URL:            strings.TrimSuffix(f.BaseURL, "/") + endpoint.Path(),
		Accept:         "application/json",
		AcceptEncoding: "gzip",
		UserAgent:      f.UserAgent,
		AppID:          f.AppID,
		DeviceID:       f.DeviceID,
		ETag:           etag,
	}
}
