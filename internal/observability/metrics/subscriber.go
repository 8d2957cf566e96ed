package metrics

import (
	"context"

	"iot-ingestor/internal/eventbus"
	"iot-ingestor/internal/telemetry/application/events"
)

// Subscribe feeds the ingest and bus metrics from observability events.
func Subscribe(bus eventbus.Bus) {
	eventbus.SubscribeTo(bus, func(_ context.Context, o events.IngestOutcome) error {
		ObserveIngest(string(o.Class), string(o.Result), o.Latency)
		if !o.Stored() {
			IncIngestError(o.Kind)
		}
		return nil
	})
	eventbus.SubscribeTo(bus, func(_ context.Context, s events.BusStateChanged) error {
		SetBusConnected(s.Connected)
		return nil
	})
}
