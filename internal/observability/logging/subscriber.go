package logging

import (
	"context"
	"log/slog"

	"iot-ingestor/internal/eventbus"
	"iot-ingestor/internal/telemetry/application/events"
)

// Subscribe renders every observability event as one log record.
func Subscribe(bus eventbus.Bus, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	eventbus.SubscribeTo(bus, func(ctx context.Context, o events.IngestOutcome) error {
		attrs := []any{
			"event_id", o.EventID,
			"component", o.Component,
			"topic", o.Topic,
			"device_id", o.DeviceID,
			"class", string(o.Class),
			"latency", o.Latency,
		}
		if o.Stored() {
			logger.InfoContext(ctx, "message stored", attrs...)
			return nil
		}
		attrs = append(attrs, "error_kind", o.Kind, "error", o.Err)
		logger.Log(ctx, levelFor(o.Severity), "message dropped", attrs...)
		return nil
	})
	eventbus.SubscribeTo(bus, func(ctx context.Context, s events.BusStateChanged) error {
		if s.Connected {
			logger.InfoContext(ctx, "bus connected", "event_id", s.EventID, "component", events.ComponentBus, "attempt", s.Attempt)
			return nil
		}
		logger.WarnContext(ctx, "bus disconnected", "event_id", s.EventID, "component", events.ComponentBus, "error", s.Err)
		return nil
	})
}

func levelFor(severity events.Severity) slog.Level {
	switch severity {
	case events.SeverityError:
		return slog.LevelError
	case events.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
