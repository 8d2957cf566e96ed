package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"iot-ingestor/internal/busclient"
	"iot-ingestor/internal/eventbus"
	"iot-ingestor/internal/telemetry/application/events"
	"iot-ingestor/internal/telemetry/domain"
)

// DeadLetterWriter parks a copy of a message that can never be ingested.
type DeadLetterWriter interface {
	Write(ctx context.Context, topic string, payload []byte, cause error)
}

// ConsumerOption configures an IngestConsumer.
type ConsumerOption func(*IngestConsumer)

// WithDeadLetter parks unroutable and malformed messages on w.
func WithDeadLetter(w DeadLetterWriter) ConsumerOption {
	return func(c *IngestConsumer) {
		c.deadLetter = w
	}
}

// WithConsumerLogger sets the consumer's logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *IngestConsumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConsumerClock overrides the clock used for latency and event times.
func WithConsumerClock(now func() time.Time) ConsumerOption {
	return func(c *IngestConsumer) {
		if now != nil {
			c.now = now
		}
	}
}

// IngestConsumer drives the route, decode and persist pipeline for every
// message the bus delivers, one at a time and in arrival order.
type IngestConsumer struct {
	codec      *Codec
	sink       telemetry.Sink
	bus        eventbus.Bus
	deadLetter DeadLetterWriter
	logger     *slog.Logger
	now        func() time.Time
}

// NewIngestConsumer constructs a consumer.
func NewIngestConsumer(codec *Codec, sink telemetry.Sink, bus eventbus.Bus, opts ...ConsumerOption) (*IngestConsumer, error) {
	if codec == nil {
		return nil, errors.New("ingest consumer: nil codec")
	}
	if sink == nil {
		return nil, errors.New("ingest consumer: nil sink")
	}
	if bus == nil {
		return nil, errors.New("ingest consumer: nil event bus")
	}
	c := &IngestConsumer{
		codec:  codec,
		sink:   sink,
		bus:    bus,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "consumer")
	return c, nil
}

// Run consumes stream until it is closed or ctx is cancelled.
func (c *IngestConsumer) Run(ctx context.Context, stream <-chan busclient.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-stream:
			if !ok {
				return nil
			}
			c.dispatch(ctx, evt)
		}
	}
}

func (c *IngestConsumer) dispatch(ctx context.Context, evt busclient.Event) {
	switch evt.Kind {
	case busclient.EventMessage:
		outcome := c.Handle(ctx, evt.Topic, evt.Payload)
		// A store write cut short by shutdown stays unacknowledged for redelivery.
		if outcome.Stored() || ctx.Err() == nil {
			evt.Done()
		}
	case busclient.EventConnected:
		c.publish(ctx, events.BusStateChanged{
			EventID:    events.NewEventID(),
			OccurredAt: c.now(),
			Connected:  true,
			Attempt:    evt.Attempt,
		})
	case busclient.EventDisconnected:
		c.publish(ctx, events.BusStateChanged{
			EventID:    events.NewEventID(),
			OccurredAt: c.now(),
			Err:        evt.Err,
		})
	}
}

// Handle ingests one message and reports what happened to it. Failures are
// never retried here; a sink failure leaves reconnection to the next call.
func (c *IngestConsumer) Handle(ctx context.Context, topic string, payload []byte) events.IngestOutcome {
	start := c.now()
	outcome := events.IngestOutcome{
		EventID: events.NewEventID(),
		Topic:   topic,
	}

	err := c.ingest(ctx, topic, payload, &outcome)

	outcome.OccurredAt = c.now()
	outcome.Latency = outcome.OccurredAt.Sub(start)
	if err == nil {
		outcome.Result = events.ResultStored
		outcome.Component = events.ComponentSink
		outcome.Severity = events.SeverityInfo
	} else {
		outcome.Result = events.ResultDropped
		outcome.Err = err
		outcome.Kind = telemetry.ErrorKind(err)
		outcome.Component = events.ComponentFor(outcome.Kind)
		outcome.Severity = events.SeverityFor(outcome.Kind)
		if c.deadLetter != nil && (errors.Is(err, telemetry.ErrUnroutableTopic) || errors.Is(err, telemetry.ErrMalformedPayload)) {
			c.deadLetter.Write(ctx, topic, payload, err)
		}
	}
	c.publish(ctx, outcome)
	return outcome
}

func (c *IngestConsumer) ingest(ctx context.Context, topic string, payload []byte, outcome *events.IngestOutcome) error {
	route, err := ParseRoute(topic)
	if err != nil {
		return err
	}
	outcome.Site = route.Site
	outcome.DeviceID = route.DeviceID
	outcome.Class = route.Class

	record, err := c.codec.Decode(route.DeviceID, route.Class, payload)
	if err != nil {
		return err
	}
	switch r := record.(type) {
	case telemetry.TelemetryReading:
		return c.sink.InsertTelemetry(ctx, r)
	case telemetry.AlarmEvent:
		return c.sink.InsertAlarm(ctx, r)
	default:
		return fmt.Errorf("%w: unexpected record %T", telemetry.ErrMalformedPayload, record)
	}
}

func (c *IngestConsumer) publish(ctx context.Context, event any) {
	if err := c.bus.Publish(ctx, event); err != nil {
		c.logger.Warn("publish observability event failed", "event", eventbus.EventType(event), "error", err)
	}
}
