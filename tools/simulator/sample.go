package main

import (
	"math"
	"math/rand/v2"
	"time"

	"iot-ingestor/internal/telemetry/domain"
)

// Thresholds are the alarm limits; a reading strictly above a limit breaches it.
type Thresholds struct {
	Temperature float64
	Smoke       float64
	Gas         float64
}

// DefaultThresholds returns the simulator's built-in limits.
func DefaultThresholds() Thresholds {
	return Thresholds{Temperature: 60, Smoke: 300, Gas: 500}
}

type telemetryPayload struct {
	DeviceID     string  `json:"device_id"`
	TS           string  `json:"ts"`
	TemperatureC float64 `json:"temperature_c"`
	SmokePPM     float64 `json:"smoke_ppm"`
	GasPPM       float64 `json:"gas_ppm"`
	Alarm        bool    `json:"alarm"`
}

type alarmPayload struct {
	DeviceID  string  `json:"device_id"`
	TS        string  `json:"ts"`
	Type      string  `json:"type"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Severity  string  `json:"severity"`
}

// generator produces random readings within the sensor ranges.
type generator struct {
	rng        *rand.Rand
	deviceID   string
	thresholds Thresholds
	now        func() time.Time
}

func (g *generator) uniform(lo, hi float64) float64 {
	return math.Round((lo+g.rng.Float64()*(hi-lo))*10) / 10
}

// next returns one telemetry body and, when a limit is breached, the alarm for
// the first breached metric in temperature, smoke, gas order.
func (g *generator) next() (telemetryPayload, *alarmPayload) {
	ts := g.now().UTC().Format(time.RFC3339Nano)
	reading := telemetryPayload{
		DeviceID:     g.deviceID,
		TS:           ts,
		TemperatureC: g.uniform(20, 70),
		SmokePPM:     g.uniform(0, 400),
		GasPPM:       g.uniform(100, 700),
	}

	metric, value, threshold, breached := firstBreach(reading, g.thresholds)
	reading.Alarm = breached
	if !breached {
		return reading, nil
	}
	return reading, &alarmPayload{
		DeviceID:  g.deviceID,
		TS:        ts,
		Type:      telemetry.DefaultAlarmType,
		Metric:    metric,
		Value:     value,
		Threshold: threshold,
		Severity:  telemetry.DefaultSeverity,
	}
}

func firstBreach(r telemetryPayload, t Thresholds) (string, float64, float64, bool) {
	switch {
	case r.TemperatureC > t.Temperature:
		return "temperature_c", r.TemperatureC, t.Temperature, true
	case r.SmokePPM > t.Smoke:
		return "smoke_ppm", r.SmokePPM, t.Smoke, true
	case r.GasPPM > t.Gas:
		return "gas_ppm", r.GasPPM, t.Gas, true
	default:
		return "", 0, 0, false
	}
}
