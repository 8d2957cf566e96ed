package telemetry

import (
	"context"
	"time"
)

// MessageClass names the kind of payload carried on a device topic.
type MessageClass string

const (
	ClassTelemetry MessageClass = "telemetry"
	ClassAlarm     MessageClass = "alarms"
)

// Valid reports whether c is a class the pipeline knows how to ingest.
func (c MessageClass) Valid() bool {
	return c == ClassTelemetry || c == ClassAlarm
}

// DefaultAlarmType and DefaultSeverity are substituted when an alarm omits them.
const (
	DefaultAlarmType = "ThresholdExceeded"
	DefaultSeverity  = "HIGH"
)

// TelemetryReading is one normalized sensor sample for a device.
// DeviceID is always taken from the topic.
type TelemetryReading struct {
	DeviceID string
	TS       time.Time

	TemperatureC *float64
	SmokePPM     *float64
	GasPPM       *float64
	Alarm        bool
}

// AlarmEvent is one threshold breach reported by a device.
type AlarmEvent struct {
	DeviceID  string
	TS        time.Time
	Type      string
	Metric    string
	Value     float64
	Threshold float64
	Severity  string
}

// Sink persists normalized records, one row per call.
type Sink interface {
	InsertTelemetry(ctx context.Context, reading TelemetryReading) error
	InsertAlarm(ctx context.Context, event AlarmEvent) error
}
