package telemetry

import "errors"

var (
	// ErrMalformedPayload marks a body that cannot be decoded for its class.
	ErrMalformedPayload = errors.New("telemetry: malformed payload")
	// ErrUnroutableTopic marks a topic outside site/<site>/device/<device>/<class>.
	ErrUnroutableTopic = errors.New("telemetry: unroutable topic")
	// ErrSinkUnavailable marks a store that could not be reached or timed out.
	ErrSinkUnavailable = errors.New("telemetry: sink unavailable")
	// ErrSinkRejected marks a row the store refused.
	ErrSinkRejected = errors.New("telemetry: sink rejected row")
	// ErrTransportDisconnected marks a bus connection that is down.
	ErrTransportDisconnected = errors.New("telemetry: transport disconnected")
)

// Error kinds reported in observability events.
const (
	KindMalformedPayload      = "malformed_payload"
	KindUnroutableTopic       = "unroutable_topic"
	KindSinkUnavailable       = "sink_unavailable"
	KindSinkRejected          = "sink_rejected"
	KindTransportDisconnected = "transport_disconnected"
	KindUnknown               = "unknown"
)

// ErrorKind maps err onto the ingest error taxonomy. It returns "" for nil.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedPayload):
		return KindMalformedPayload
	case errors.Is(err, ErrUnroutableTopic):
		return KindUnroutableTopic
	case errors.Is(err, ErrSinkUnavailable):
		return KindSinkUnavailable
	case errors.Is(err, ErrSinkRejected):
		return KindSinkRejected
	case errors.Is(err, ErrTransportDisconnected):
		return KindTransportDisconnected
	default:
		return KindUnknown
	}
}

// Permanent reports whether retrying the same message could never succeed.
func Permanent(err error) bool {
	return errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrUnroutableTopic) ||
		errors.Is(err, ErrSinkRejected)
}
