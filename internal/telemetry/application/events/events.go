package events

import (
	"time"

	"github.com/google/uuid"

	"iot-ingestor/internal/telemetry/domain"
)

// Result of one inbound message.
type Result string

const (
	ResultStored  Result = "stored"
	ResultDropped Result = "dropped"
)

// Severity of an observability event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Components that raise observability events.
const (
	ComponentRouter = "router"
	ComponentCodec  = "codec"
	ComponentSink   = "sink"
	ComponentBus    = "bus"
)

// IngestOutcome is raised once per inbound message after it has been stored or
// dropped. Class is empty when the topic could not be routed.
type IngestOutcome struct {
	EventID    string
	OccurredAt time.Time

	Topic    string
	Site     string
	DeviceID string
	Class    telemetry.MessageClass

	Result    Result
	Component string
	Severity  Severity
	Kind      string
	Err       error
	Latency   time.Duration
}

// Stored reports whether the message reached the store.
func (o IngestOutcome) Stored() bool {
	return o.Result == ResultStored
}

// BusStateChanged is raised when the subscribe connection goes up or down.
type BusStateChanged struct {
	EventID    string
	OccurredAt time.Time

	Connected bool
	Attempt   int
	Err       error
}

// NewEventID returns a fresh event identifier.
func NewEventID() string {
	return uuid.NewString()
}

// ComponentFor names the pipeline stage an error kind originates from.
func ComponentFor(kind string) string {
	switch kind {
	case telemetry.KindUnroutableTopic:
		return ComponentRouter
	case telemetry.KindMalformedPayload:
		return ComponentCodec
	case telemetry.KindSinkUnavailable, telemetry.KindSinkRejected:
		return ComponentSink
	case telemetry.KindTransportDisconnected:
		return ComponentBus
	default:
		return ""
	}
}

// SeverityFor grades an error kind. Bad input is a warning; a store that
// refuses or cannot be reached is an error.
func SeverityFor(kind string) Severity {
	switch kind {
	case "":
		return SeverityInfo
	case telemetry.KindUnroutableTopic, telemetry.KindMalformedPayload:
		return SeverityWarning
	default:
		return SeverityError
	}
}
