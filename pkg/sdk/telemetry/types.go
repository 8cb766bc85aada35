package telemetry

import (
	"fmt"
	"time"
)

// SendMode controls how a record leaves the sink
type SendMode int

const (
	// SendModeDefault records wait for a batch.
	SendModeDefault SendMode = iota
	// SendModeImmediate records skip batching and are sent on their own.
	SendModeImmediate
	// SendModeDefer records skip batching and are persisted without a send attempt.
	SendModeDefer
)

func (m SendMode) String() string {
	switch m {
	case SendModeDefault:
		return "default"
	case SendModeImmediate:
		return "immediate"
	case SendModeDefer:
		return "defer"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Valid reports whether m is one of the known send modes.
func (m SendMode) Valid() bool {
	return m >= SendModeDefault && m <= SendModeDefer
}

// Severity of a log record
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warning"
	SeverityError Severity = "error"
)

// Record is one completed unit of telemetry (log or span event).
// Records are treated as immutable once handed to the sink.
type Record struct {
	Kind       string            `json:"kind"`
	Severity   Severity          `json:"severity"`
	Body       string            `json:"body,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes,omitempty"`
	SendMode   SendMode          `json:"-"`
}

// SendRequest wraps a payload with its delivery policy. When Defer is set the
// payload must only be persisted, even if the network is reachable.
type SendRequest[T any] struct {
	Payload T
	Defer   bool
}

// Resource describes the app and device the telemetry came from.
type Resource struct {
	AppID      string `json:"app_id,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	OSName     string `json:"os_name,omitempty"`
	OSVersion  string `json:"os_version,omitempty"`
	SDKVersion string `json:"sdk_version,omitempty"`
}

// Metadata carries user-level context attached to every envelope.
type Metadata struct {
	UserID   string   `json:"user_id,omitempty"`
	Personas []string `json:"personas,omitempty"`
}

// Envelope is the unit actually transmitted or cached.
type Envelope[T any] struct {
	Resource Resource `json:"resource"`
	Metadata Metadata `json:"metadata"`
	Version  string   `json:"version,omitempty"`
	Type     string   `json:"type"`
	Data     T        `json:"data"`
}

// Envelope types
const (
	EnvelopeTypeLogs     = "logs"
	EnvelopeTypeSpans    = "spans"
	EnvelopeTypeSessions = "sessions"
)

// LogPayload is the data section of a log envelope.
type LogPayload struct {
	Logs []Record `json:"logs"`
}

// SessionPayload is the data section of a session envelope.
type SessionPayload struct {
	SessionID  string            `json:"session_id"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    *time.Time        `json:"end_time,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Spans      []Record          `json:"spans,omitempty"`
}

// LogEnvelope is the envelope produced by the batch orchestrator.
type LogEnvelope = Envelope[LogPayload]

// SessionEnvelope is the envelope persisted by session snapshots.
type SessionEnvelope = Envelope[SessionPayload]
