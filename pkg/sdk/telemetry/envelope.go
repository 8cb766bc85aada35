package telemetry

// EnvelopeVersion is stamped on every envelope produced by this SDK.
const EnvelopeVersion = "0.1.0"

// EnvelopeFactory wraps payloads with the process-wide resource and metadata.
type EnvelopeFactory struct {
	Resource Resource
	Metadata Metadata
}

// Logs wraps records into a log envelope. The records slice is owned by the
// envelope afterwards.
func (f EnvelopeFactory) Logs(records []Record) LogEnvelope {
	return LogEnvelope{
		Resource: f.Resource,
		Metadata: f.Metadata,
		Version:  EnvelopeVersion,
		Type:     EnvelopeTypeLogs,
		Data:     LogPayload{Logs: records},
	}
}

// Session wraps a session payload into an envelope.
func (f EnvelopeFactory) Session(payload SessionPayload) SessionEnvelope {
	return SessionEnvelope{
		Resource: f.Resource,
		Metadata: f.Metadata,
		Version:  EnvelopeVersion,
		Type:     EnvelopeTypeSpans,
		Data:     payload,
	}
}
