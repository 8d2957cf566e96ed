package busclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"iot-ingestor/internal/telemetry/domain"
)

const (
	defaultKeepAlive      = 60 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultChannelDepth   = 256
	pingTimeout           = 10 * time.Second
	disconnectQuiesceMs   = 250
)

// Options configures the supervisor.
type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	Filters  []string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	ChannelDepth   int

	Logger *slog.Logger
}

// ClientFactory builds the underlying MQTT client.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithClientFactory replaces mqtt.NewClient.
func WithClientFactory(factory ClientFactory) Option {
	return func(s *Supervisor) {
		if factory != nil {
			s.newClient = factory
		}
	}
}

// WithStateHook is called on every state transition.
func WithStateHook(hook func(State)) Option {
	return func(s *Supervisor) {
		s.onState = hook
	}
}

// Supervisor owns the subscribe connection. It connects, re-subscribes on
// every (re)connect, reconnects with capped exponential backoff and turns
// transport callbacks into a single ordered event stream.
type Supervisor struct {
	opts      Options
	newClient ClientFactory
	client    mqtt.Client
	backoff   *Backoff
	logger    *slog.Logger
	onState   func(State)

	state atomic.Int32
	lost  chan error

	events   chan Event
	acks     chan pendingAck
	ackOnce  sync.Once
	stopping chan struct{}
	sendMu   sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

// New validates opts and builds the client. It does not connect.
func New(opts Options, optFns ...Option) (*Supervisor, error) {
	if opts.Broker == "" {
		return nil, errors.New("busclient: broker address required")
	}
	if opts.ClientID == "" {
		return nil, errors.New("busclient: client id required")
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("busclient: invalid qos %d", opts.QoS)
	}
	if len(opts.Filters) == 0 {
		return nil, errors.New("busclient: at least one topic filter required")
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.ChannelDepth <= 0 {
		opts.ChannelDepth = defaultChannelDepth
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		opts:      opts,
		newClient: mqtt.NewClient,
		backoff:   &Backoff{Min: opts.ReconnectMin, Max: opts.ReconnectMax, Jitter: true},
		logger:    logger.With("component", "bus"),
		lost:      make(chan error, 1),
		events:    make(chan Event, opts.ChannelDepth),
		acks:      make(chan pendingAck, opts.ChannelDepth+1),
		stopping:  make(chan struct{}),
	}
	for _, fn := range optFns {
		fn(s)
	}
	s.client = s.newClient(s.clientOptions())
	return s, nil
}

func (s *Supervisor) clientOptions() *mqtt.ClientOptions {
	co := mqtt.NewClientOptions().
		AddBroker(s.opts.Broker).
		SetClientID(s.opts.ClientID).
		SetCleanSession(false).
		SetOrderMatters(true).
		SetKeepAlive(s.opts.KeepAlive).
		SetPingTimeout(pingTimeout).
		SetConnectTimeout(s.opts.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetResumeSubs(false).
		SetAutoAckDisabled(true)

	if s.opts.Username != "" {
		co.SetUsername(s.opts.Username)
	}
	if s.opts.Password != "" {
		co.SetPassword(s.opts.Password)
	}

	// Queued session messages can arrive before the subscriptions are re-issued.
	co.SetDefaultPublishHandler(s.onMessage)
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case s.lost <- err:
		default:
		}
	})
	return co
}

// Events is the ordered stream of connection and message events. It is
// closed when Run returns.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// State reports the current connection state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Connected reports whether the subscribe connection is up.
func (s *Supervisor) Connected() bool {
	return s.State() == StateConnected
}

// Connect makes the initial connection attempt. A failure here is not
// retried; callers treat it as fatal. A persistent session may replay queued
// messages before Connect returns, so Events should already be drained.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.setState(StateConnecting)
	if err := s.connectAndSubscribe(); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("%w: %s: %w", telemetry.ErrTransportDisconnected, s.opts.Broker, err)
	}
	s.setState(StateConnected)
	s.emit(ctx, Event{Kind: EventConnected, At: time.Now().UTC()})
	return nil
}

// Run supervises the connection until ctx is cancelled, then disconnects
// and closes the event stream.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.shutdown()

	if s.State() != StateConnected {
		if !s.reconnect(ctx) {
			return nil
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.lost:
			s.setState(StateDisconnected)
			s.logger.Warn("connection lost", "error", err)
			s.emit(ctx, Event{
				Kind: EventDisconnected,
				At:   time.Now().UTC(),
				Err:  fmt.Errorf("%w: %w", telemetry.ErrTransportDisconnected, err),
			})
			if !s.reconnect(ctx) {
				return nil
			}
		}
	}
}

// reconnect retries with backoff until connected or ctx is done.
func (s *Supervisor) reconnect(ctx context.Context) bool {
	for attempt := 1; ; attempt++ {
		s.setState(StateReconnecting)
		delay := s.backoff.Delay(attempt)
		s.logger.Info("reconnecting", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateDisconnected)
			return false
		case <-timer.C:
		}

		if err := s.connectAndSubscribe(); err != nil {
			s.setState(StateDisconnected)
			s.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		// A loss reported by the previous connection is stale now.
		select {
		case <-s.lost:
		default:
		}
		s.setState(StateConnected)
		s.emit(ctx, Event{Kind: EventConnected, At: time.Now().UTC(), Attempt: attempt})
		return true
	}
}

func (s *Supervisor) connectAndSubscribe() error {
	s.ackOnce.Do(func() { go s.ackLoop() })

	token := s.client.Connect()
	if !token.WaitTimeout(s.opts.ConnectTimeout) {
		s.client.Disconnect(0)
		return fmt.Errorf("connect timed out after %s", s.opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.logger.Info("connected", "broker", s.opts.Broker, "client_id", s.opts.ClientID)

	if err := s.subscribe(); err != nil {
		s.client.Disconnect(disconnectQuiesceMs)
		return err
	}
	return nil
}

// subscribe issues every filter; a reconnect never assumes they survived.
func (s *Supervisor) subscribe() error {
	filters := make(map[string]byte, len(s.opts.Filters))
	for _, f := range s.opts.Filters {
		filters[f] = s.opts.QoS
	}
	token := s.client.SubscribeMultiple(filters, s.onMessage)
	if !token.WaitTimeout(s.opts.ConnectTimeout) {
		return fmt.Errorf("subscribe timed out after %s", s.opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code == 0x80 {
				return fmt.Errorf("subscribe: broker refused %q", topic)
			}
		}
	}
	s.logger.Info("subscribed", "filters", s.opts.Filters, "qos", s.opts.QoS)
	return nil
}

// pendingAck is a delivered message waiting for the consumer to finish.
type pendingAck struct {
	msg  mqtt.Message
	done <-chan struct{}
}

// onMessage runs on the transport's delivery goroutine, which also carries
// CONNACK/SUBACK handling, so it must not wait for the consumer. The ack is
// queued and sent by ackLoop once the event is done.
func (s *Supervisor) onMessage(_ mqtt.Client, msg mqtt.Message) {
	evt, done := NewMessageEvent(msg.Topic(), msg.Payload(), msg.Qos(), msg.Duplicate())
	if !s.emit(context.Background(), evt) {
		return
	}
	select {
	case s.acks <- pendingAck{msg: msg, done: done}:
	case <-s.stopping:
	}
}

// ackLoop acknowledges messages in delivery order, each only after the
// consumer has released it. Unreleased messages stay unacknowledged on stop.
func (s *Supervisor) ackLoop() {
	for {
		select {
		case <-s.stopping:
			return
		case p := <-s.acks:
			select {
			case <-p.done:
				p.msg.Ack()
			case <-s.stopping:
				return
			}
		}
	}
}

func (s *Supervisor) emit(ctx context.Context, evt Event) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- evt:
		return true
	case <-s.stopping:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) setState(state State) {
	prev := State(s.state.Swap(int32(state)))
	if prev != state && s.onState != nil {
		s.onState(state)
	}
}

func (s *Supervisor) shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopping)
		if s.client.IsConnectionOpen() {
			s.client.Disconnect(disconnectQuiesceMs)
		}
		s.setState(StateDisconnected)

		s.sendMu.Lock()
		s.closed = true
		close(s.events)
		s.sendMu.Unlock()
		s.logger.Info("stopped")
	})
}
