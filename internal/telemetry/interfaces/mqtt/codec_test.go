package mqtt

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-ingestor/internal/telemetry/domain"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedCodec() *Codec {
	return NewCodec(WithClock(func() time.Time { return fixedNow }))
}

func TestDecodeTelemetry(t *testing.T) {
	body := []byte(`{"device_id":"spoofed","ts":"2026-02-27T10:15:30.5+03:00","temperature_c":72.3,"smoke_ppm":10,"gas_ppm":120,"alarm":true}`)

	reading, err := fixedCodec().DecodeTelemetry("smoke-001", body)
	require.NoError(t, err)

	assert.Equal(t, "smoke-001", reading.DeviceID)
	assert.Equal(t, time.Date(2026, 2, 27, 7, 15, 30, 500_000_000, time.UTC), reading.TS)
	require.NotNil(t, reading.TemperatureC)
	assert.InDelta(t, 72.3, *reading.TemperatureC, 1e-9)
	require.NotNil(t, reading.SmokePPM)
	assert.InDelta(t, 10, *reading.SmokePPM, 1e-9)
	require.NotNil(t, reading.GasPPM)
	assert.InDelta(t, 120, *reading.GasPPM, 1e-9)
	assert.True(t, reading.Alarm)
}

func TestDecodeTelemetryOptionalFields(t *testing.T) {
	reading, err := fixedCodec().DecodeTelemetry("dev", []byte(`{"smoke_ppm":null}`))
	require.NoError(t, err)

	assert.Nil(t, reading.TemperatureC)
	assert.Nil(t, reading.SmokePPM)
	assert.Nil(t, reading.GasPPM)
	assert.False(t, reading.Alarm)
	assert.Equal(t, fixedNow, reading.TS)
}

func TestDecodeTelemetryDefaultsToWallClock(t *testing.T) {
	before := time.Now().UTC()
	reading, err := NewCodec().DecodeTelemetry("dev", []byte(`{"temperature_c":21.5}`))
	require.NoError(t, err)

	assert.Equal(t, time.UTC, reading.TS.Location())
	assert.WithinDuration(t, before, reading.TS, 2*time.Second)
}

func TestDecodeTimestampFormats(t *testing.T) {
	cases := map[string]time.Time{
		`"2026-02-27T10:15:30Z"`:         time.Date(2026, 2, 27, 10, 15, 30, 0, time.UTC),
		`"2026-02-27T10:15:30"`:          time.Date(2026, 2, 27, 10, 15, 30, 0, time.UTC),
		`"2026-02-27 10:15:30+00:00"`:    time.Date(2026, 2, 27, 10, 15, 30, 0, time.UTC),
		`"2026-02-27 10:15:30.250"`:      time.Date(2026, 2, 27, 10, 15, 30, 250_000_000, time.UTC),
		`1772187330`:                     time.Unix(1772187330, 0).UTC(),
		`1772187330123`:                  time.UnixMilli(1772187330123).UTC(),
		`"yesterday"`:                    fixedNow,
		`""`:                             fixedNow,
		`null`:                           fixedNow,
		`-5`:                             fixedNow,
		`{"nested":true}`:                fixedNow,
		`1e20`:                           fixedNow,
		`1e300`:                          fixedNow,
		`500000000000`:                   fixedNow,
		`253402300800000`:                fixedNow,
		`253402300799`:                   time.Unix(253402300799, 0).UTC(),
		`"0001-01-01T00:00:00Z"`:         fixedNow,
		`"9999-12-31T23:59:59Z"`:         time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC),
	}
	for raw, want := range cases {
		reading, err := fixedCodec().DecodeTelemetry("dev", []byte(`{"ts":`+raw+`}`))
		require.NoErrorf(t, err, "ts %s", raw)
		assert.Equalf(t, want, reading.TS, "ts %s", raw)
	}
}

func TestDecodeTelemetryMalformed(t *testing.T) {
	bodies := [][]byte{
		nil,
		[]byte(""),
		[]byte("not json"),
		[]byte("{\"temperature_c\":"),
		[]byte("[1,2,3]"),
		[]byte("null"),
		[]byte("42"),
		[]byte(`{"temperature_c":"hot"}`),
		[]byte(`{"alarm":"yes"}`),
		{0xff, 0xfe, '{', '}'},
	}
	for _, body := range bodies {
		_, err := fixedCodec().DecodeTelemetry("dev", body)
		assert.Truef(t, errors.Is(err, telemetry.ErrMalformedPayload), "body %q: got %v", body, err)
	}
}

func TestDecodeAlarm(t *testing.T) {
	body := []byte(`{"metric":"temperature_c","value":72.3,"threshold":60.0,"severity":"HIGH"}`)

	event, err := fixedCodec().DecodeAlarm("smoke-001", body)
	require.NoError(t, err)

	assert.Equal(t, telemetry.AlarmEvent{
		DeviceID:  "smoke-001",
		TS:        fixedNow,
		Type:      telemetry.DefaultAlarmType,
		Metric:    "temperature_c",
		Value:     72.3,
		Threshold: 60.0,
		Severity:  "HIGH",
	}, event)
}

func TestDecodeAlarmDefaults(t *testing.T) {
	event, err := fixedCodec().DecodeAlarm("dev", []byte(`{"metric":"gas_ppm","value":612.4,"threshold":500,"type":"","severity":null}`))
	require.NoError(t, err)
	assert.Equal(t, "ThresholdExceeded", event.Type)
	assert.Equal(t, "HIGH", event.Severity)

	event, err = fixedCodec().DecodeAlarm("dev", []byte(`{"type":"RateOfRise","metric":"smoke_ppm","value":1,"threshold":0.5,"severity":"LOW"}`))
	require.NoError(t, err)
	assert.Equal(t, "RateOfRise", event.Type)
	assert.Equal(t, "LOW", event.Severity)
}

func TestDecodeAlarmMissingRequired(t *testing.T) {
	bodies := []string{
		`{"value":72.3,"threshold":60}`,
		`{"metric":"temperature_c","threshold":60}`,
		`{"metric":"temperature_c","value":72.3}`,
		`{"metric":"","value":72.3,"threshold":60}`,
		`{"metric":"temperature_c","value":null,"threshold":60}`,
		`{"metric":"temperature_c","value":"72.3","threshold":60}`,
		`{}`,
	}
	for _, body := range bodies {
		_, err := fixedCodec().DecodeAlarm("dev", []byte(body))
		assert.Truef(t, errors.Is(err, telemetry.ErrMalformedPayload), "body %s: got %v", body, err)
	}
}

func TestDecodeDispatchesOnClass(t *testing.T) {
	codec := fixedCodec()

	record, err := codec.Decode("dev", telemetry.ClassTelemetry, []byte(`{"gas_ppm":101}`))
	require.NoError(t, err)
	assert.IsType(t, telemetry.TelemetryReading{}, record)

	record, err = codec.Decode("dev", telemetry.ClassAlarm, []byte(`{"metric":"gas_ppm","value":700,"threshold":500}`))
	require.NoError(t, err)
	assert.IsType(t, telemetry.AlarmEvent{}, record)

	_, err = codec.Decode("dev", telemetry.MessageClass("status"), []byte(`{}`))
	assert.ErrorIs(t, err, telemetry.ErrUnroutableTopic)
}

func TestRouteThenDecodeUsesTopicDevice(t *testing.T) {
	devices := []string{"smoke-001", "a", "device-with-dashes_and_underscores", "42"}
	for _, device := range devices {
		route, err := ParseRoute("site/S/device/" + device + "/telemetry")
		require.NoError(t, err)
		reading, err := fixedCodec().DecodeTelemetry(route.DeviceID, []byte(`{"device_id":"intruder","temperature_c":20}`))
		require.NoError(t, err)
		assert.Equal(t, device, reading.DeviceID)
	}
}
