package transport

import (
	"net/url"
	"strings"

	"github.com/nicktill/tinyship/pkg/config"
)

// Endpoint is a logical backend endpoint. Rate limiting and pending-call
// limits are tracked per endpoint.
type Endpoint string

const (
	EndpointConfig   Endpoint = "config"
	EndpointEvents   Endpoint = "events"
	EndpointLogs     Endpoint = "logs"
	EndpointSessions Endpoint = "sessions"
	EndpointUnknown  Endpoint = "unknown"
)

// Endpoints lists every known endpoint.
var Endpoints = []Endpoint{EndpointConfig, EndpointEvents, EndpointLogs, EndpointSessions, EndpointUnknown}

// Path returns the URL path for the endpoint.
func (e Endpoint) Path() string {
	switch e {
	case EndpointConfig:
		return "/v2/config"
	case EndpointEvents:
		return "/v1/events"
	case EndpointLogs:
		return "/v2/logs"
	case EndpointSessions:
		return "/v2/spans"
	default:
		return "/v1/unknown"
	}
}

// MaxPendingCalls is the number of persisted calls kept for the endpoint
// before the oldest is evicted.
func (e Endpoint) MaxPendingCalls() int {
	switch e {
	case EndpointLogs:
		return config.MaxPendingLogs
	case EndpointEvents:
		return config.MaxPendingEvents
	case EndpointSessions:
		return config.MaxPendingSessions
	default:
		return config.MaxPendingUnknown
	}
}

// IsSession reports whether the endpoint carries session payloads.
func (e Endpoint) IsSession() bool {
	return e == EndpointSessions
}

// EndpointFromURL maps a request URL back to its endpoint by path suffix.
// Session requests are recognised by their "/spans" or "/sessions" suffix.
func EndpointFromURL(raw string) Endpoint {
	path := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		path = u.Path
	}
	path = strings.TrimSuffix(path, "/")

	switch {
	case strings.HasSuffix(path, "/spans"), strings.HasSuffix(path, "/sessions"):
		return EndpointSessions
	case strings.HasSuffix(path, "/logs"):
		return EndpointLogs
	case strings.HasSuffix(path, "/events"):
		return EndpointEvents
	case strings.HasSuffix(path, "/config"):
		return EndpointConfig
	default:
		return EndpointUnknown
	}
}
