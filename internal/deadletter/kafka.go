package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"iot-ingestor/internal/telemetry/domain"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the record parked on the dead-letter topic. Original holds the
// payload when it is valid JSON; otherwise the raw bytes go in OriginalBase64.
type Envelope struct {
	Error          string          `json:"error"`
	Kind           string          `json:"kind"`
	Topic          string          `json:"topic"`
	Original       json.RawMessage `json:"original,omitempty"`
	OriginalBase64 []byte          `json:"originalBase64,omitempty"`
	ReceivedAt     string          `json:"receivedAt"`
}

// Publisher parks undeliverable messages on a Kafka topic. Writes are
// best effort; failures are logged and never reach the ingest pipeline.
type Publisher struct {
	writer MessageWriter
	logger *slog.Logger
	now    func() time.Time
}

// NewKafkaWriter builds an asynchronous writer for topic.
func NewKafkaWriter(brokers []string, topic string, logger *slog.Logger) *kafka.Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    10,
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("dead-letter write failed", "component", "deadletter", "topic", topic, "messages", len(messages), "error", err)
			}
		},
	}
}

// NewPublisher constructs a publisher on writer.
func NewPublisher(writer MessageWriter, logger *slog.Logger) (*Publisher, error) {
	if writer == nil {
		return nil, errors.New("deadletter: nil writer")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		writer: writer,
		logger: logger.With("component", "deadletter"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Write parks payload with the reason it was dropped. The message key is the
// inbound topic so one device's rejects stay in order.
func (p *Publisher) Write(ctx context.Context, topic string, payload []byte, cause error) {
	receivedAt := p.now()
	env := Envelope{
		Kind:       telemetry.ErrorKind(cause),
		Topic:      topic,
		ReceivedAt: receivedAt.Format(time.RFC3339Nano),
	}
	if cause != nil {
		env.Error = cause.Error()
	}
	if json.Valid(payload) {
		env.Original = json.RawMessage(payload)
	} else {
		env.OriginalBase64 = payload
	}

	buf, err := json.Marshal(env)
	if err != nil {
		p.logger.Warn("encode dead-letter envelope", "topic", topic, "error", err)
		return
	}
	msg := kafka.Message{Key: []byte(topic), Value: buf, Time: receivedAt}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("dead-letter write failed", "topic", topic, "error", err)
		return
	}
	p.logger.Debug("parked message", "topic", topic, "kind", env.Kind, "bytes", len(buf))
}

// Close flushes pending writes.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
