package main

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstBreachOrder(t *testing.T) {
	limits := DefaultThresholds()
	cases := []struct {
		name      string
		reading   telemetryPayload
		metric    string
		value     float64
		threshold float64
		breached  bool
	}{
		{"none", telemetryPayload{TemperatureC: 60, SmokePPM: 300, GasPPM: 500}, "", 0, 0, false},
		{"temperature wins", telemetryPayload{TemperatureC: 61, SmokePPM: 350, GasPPM: 650}, "temperature_c", 61, 60, true},
		{"smoke before gas", telemetryPayload{TemperatureC: 20, SmokePPM: 301.5, GasPPM: 650}, "smoke_ppm", 301.5, 300, true},
		{"gas", telemetryPayload{TemperatureC: 20, SmokePPM: 10, GasPPM: 500.1}, "gas_ppm", 500.1, 500, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			metric, value, threshold, breached := firstBreach(tc.reading, limits)
			assert.Equal(t, tc.breached, breached)
			assert.Equal(t, tc.metric, metric)
			assert.Equal(t, tc.value, value)
			assert.Equal(t, tc.threshold, threshold)
		})
	}
}

func TestGeneratorRangesAndAlarms(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := &generator{
		rng:        rand.New(rand.NewPCG(1, 2)),
		deviceID:   "smoke-001",
		thresholds: DefaultThresholds(),
		now:        func() time.Time { return now },
	}

	alarms := 0
	for i := 0; i < 500; i++ {
		reading, alarm := g.next()
		assert.Equal(t, "smoke-001", reading.DeviceID)
		assert.Equal(t, "2026-03-01T12:00:00Z", reading.TS)
		assert.True(t, reading.TemperatureC >= 20 && reading.TemperatureC <= 70, reading.TemperatureC)
		assert.True(t, reading.SmokePPM >= 0 && reading.SmokePPM <= 400, reading.SmokePPM)
		assert.True(t, reading.GasPPM >= 100 && reading.GasPPM <= 700, reading.GasPPM)
		assert.InDelta(t, 0, math.Abs(reading.GasPPM*10-math.Round(reading.GasPPM*10)), 1e-6, "one decimal")

		assert.Equal(t, alarm != nil, reading.Alarm)
		if alarm != nil {
			alarms++
			require.Greater(t, alarm.Value, alarm.Threshold)
			assert.Equal(t, "ThresholdExceeded", alarm.Type)
			assert.Equal(t, "HIGH", alarm.Severity)
			assert.Equal(t, reading.TS, alarm.TS)
		}
	}
	assert.Positive(t, alarms)
}
