package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "ingestor_"

	resultSuccess = "success"
	resultError   = "error"
	unknown       = "unknown"
)

var (
	registerOnce sync.Once

	messagesTotal *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	ingestLatency *prometheus.HistogramVec

	busConnected   prometheus.Gauge
	busTransitions *prometheus.CounterVec

	sinkConnects *prometheus.CounterVec
)

// Init registers the ingestor metrics with reg, or the default registerer
// when reg is nil. Only the first call has any effect.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		messagesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "messages_total",
				Help: "Inbound messages by class and result",
			},
			[]string{"class", "result"},
		)
		errorsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "errors_total",
				Help: "Dropped messages by error kind",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Route, decode and persist latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"class"},
		)
		busConnected = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "bus_connected",
			Help: "1 while the subscribe connection is up",
		})
		busTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "bus_transitions_total",
				Help: "Bus connection state transitions by target state",
			},
			[]string{"state"},
		)
		sinkConnects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sink_connects_total",
				Help: "Database connection attempts by result",
			},
			[]string{"result"},
		)

		reg.MustRegister(
			messagesTotal,
			errorsTotal,
			ingestLatency,
			busConnected,
			busTransitions,
			sinkConnects,
		)
	})
}

// ObserveIngest records one processed message.
func ObserveIngest(class, result string, duration time.Duration) {
	if class == "" {
		class = unknown
	}
	if result == "" {
		result = unknown
	}
	if messagesTotal != nil {
		messagesTotal.WithLabelValues(class, result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(class).Observe(duration.Seconds())
	}
}

// IncIngestError increments the dropped-message counter.
func IncIngestError(reason string) {
	if reason == "" {
		reason = unknown
	}
	if errorsTotal != nil {
		errorsTotal.WithLabelValues(reason).Inc()
	}
}

// SetBusConnected sets the bus connection gauge.
func SetBusConnected(connected bool) {
	if busConnected == nil {
		return
	}
	if connected {
		busConnected.Set(1)
	} else {
		busConnected.Set(0)
	}
}

// IncBusTransition counts a state change.
func IncBusTransition(state string) {
	if state == "" {
		state = unknown
	}
	if busTransitions != nil {
		busTransitions.WithLabelValues(state).Inc()
	}
}

// ObserveSinkConnect counts a database dial.
func ObserveSinkConnect(err error) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	if sinkConnects != nil {
		sinkConnects.WithLabelValues(result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
