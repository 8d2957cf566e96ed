package mqtt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"iot-ingestor/internal/telemetry/domain"
)

// Codec turns raw bus payloads into domain records.
type Codec struct {
	now func() time.Time
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithClock overrides the ingestion clock used for missing timestamps.
func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec constructs a codec using wall-clock UTC time by default.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type telemetryBody struct {
	TS           json.RawMessage `json:"ts"`
	TemperatureC *float64        `json:"temperature_c"`
	SmokePPM     *float64        `json:"smoke_ppm"`
	GasPPM       *float64        `json:"gas_ppm"`
	Alarm        *bool           `json:"alarm"`
}

type alarmBody struct {
	TS        json.RawMessage `json:"ts"`
	Type      *string         `json:"type"`
	Metric    *string         `json:"metric"`
	Value     *float64        `json:"value"`
	Threshold *float64        `json:"threshold"`
	Severity  *string         `json:"severity"`
}

// Decode dispatches to the decoder for class and returns either a
// telemetry.TelemetryReading or a telemetry.AlarmEvent.
func (c *Codec) Decode(deviceID string, class telemetry.MessageClass, payload []byte) (any, error) {
	switch class {
	case telemetry.ClassTelemetry:
		return c.DecodeTelemetry(deviceID, payload)
	case telemetry.ClassAlarm:
		return c.DecodeAlarm(deviceID, payload)
	default:
		return nil, fmt.Errorf("%w: unknown class %q", telemetry.ErrUnroutableTopic, class)
	}
}

// DecodeTelemetry parses a reading body. Any device_id in the body is ignored.
func (c *Codec) DecodeTelemetry(deviceID string, payload []byte) (telemetry.TelemetryReading, error) {
	var body telemetryBody
	if err := unmarshalObject(payload, &body); err != nil {
		return telemetry.TelemetryReading{}, err
	}
	reading := telemetry.TelemetryReading{
		DeviceID:     deviceID,
		TS:           c.timestamp(body.TS),
		TemperatureC: body.TemperatureC,
		SmokePPM:     body.SmokePPM,
		GasPPM:       body.GasPPM,
	}
	if body.Alarm != nil {
		reading.Alarm = *body.Alarm
	}
	return reading, nil
}

// DecodeAlarm parses an alarm body; metric, value and threshold are required.
func (c *Codec) DecodeAlarm(deviceID string, payload []byte) (telemetry.AlarmEvent, error) {
	var body alarmBody
	if err := unmarshalObject(payload, &body); err != nil {
		return telemetry.AlarmEvent{}, err
	}
	var missing []string
	if body.Metric == nil || strings.TrimSpace(*body.Metric) == "" {
		missing = append(missing, "metric")
	}
	if body.Value == nil {
		missing = append(missing, "value")
	}
	if body.Threshold == nil {
		missing = append(missing, "threshold")
	}
	if len(missing) > 0 {
		return telemetry.AlarmEvent{}, fmt.Errorf("%w: missing %s", telemetry.ErrMalformedPayload, strings.Join(missing, ", "))
	}

	event := telemetry.AlarmEvent{
		DeviceID:  deviceID,
		TS:        c.timestamp(body.TS),
		Type:      telemetry.DefaultAlarmType,
		Metric:    *body.Metric,
		Value:     *body.Value,
		Threshold: *body.Threshold,
		Severity:  telemetry.DefaultSeverity,
	}
	if body.Type != nil && *body.Type != "" {
		event.Type = *body.Type
	}
	if body.Severity != nil && *body.Severity != "" {
		event.Severity = *body.Severity
	}
	return event, nil
}

func unmarshalObject(payload []byte, out any) error {
	if !utf8.Valid(payload) {
		return fmt.Errorf("%w: payload is not valid utf-8", telemetry.ErrMalformedPayload)
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: payload is not a json object", telemetry.ErrMalformedPayload)
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("%w: %v", telemetry.ErrMalformedPayload, err)
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Epoch values are read as seconds up to the last second of year 9999 and as
// milliseconds above epochMillisFloor. Anything later is out of range.
const (
	maxEpochSeconds  = 253402300799
	epochMillisFloor = 1_000_000_000_000
	maxEpochMillis   = maxEpochSeconds*1000 + 999
)

var maxTimestamp = time.Unix(maxEpochSeconds, 999_999_999).UTC()

// timestamp resolves the ts field, falling back to ingestion time when it is
// absent or unparseable.
func (c *Codec) timestamp(raw json.RawMessage) time.Time {
	if ts, ok := parseTimestamp(raw); ok && inRange(ts) {
		return ts
	}
	return c.now()
}

func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, false
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return time.Time{}, false
		}
		text = strings.TrimSpace(text)
		for _, layout := range timestampLayouts {
			// Layouts without a zone parse as UTC.
			if ts, err := time.Parse(layout, text); err == nil {
				return ts.UTC(), true
			}
		}
		return time.Time{}, false
	}
	var epoch float64
	if err := json.Unmarshal(raw, &epoch); err != nil || epoch <= 0 {
		return time.Time{}, false
	}
	switch {
	case epoch > maxEpochMillis:
		return time.Time{}, false
	case epoch > epochMillisFloor:
		return time.UnixMilli(int64(epoch)).UTC(), true
	case epoch > maxEpochSeconds:
		return time.Time{}, false
	}
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC(), true
}

func inRange(ts time.Time) bool {
	return !ts.IsZero() && ts.Year() >= 1 && !ts.After(maxTimestamp)
}
