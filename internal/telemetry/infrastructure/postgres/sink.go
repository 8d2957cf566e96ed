package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"iot-ingestor/internal/telemetry/domain"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultOpTimeout      = 10 * time.Second
	closeTimeout          = 2 * time.Second
)

// Conn is the part of *pgx.Conn the sink relies on.
type Conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Close(ctx context.Context) error
	IsClosed() bool
}

// Dialer opens a fresh database connection.
type Dialer func(ctx context.Context) (Conn, error)

// NewPgxDialer dials single pgx connections from a parsed config.
func NewPgxDialer(cfg *pgx.ConnConfig) Dialer {
	return func(ctx context.Context) (Conn, error) {
		conn, err := pgx.ConnectConfig(ctx, cfg.Copy())
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Sink writes telemetry and alarm rows over one lazily dialed connection.
// The connection is owned by the sink, used under its mutex, and discarded
// after any failed operation so the next call dials from scratch.
type Sink struct {
	mu   sync.Mutex
	dial Dialer
	conn Conn

	schema         string
	connectTimeout time.Duration
	opTimeout      time.Duration
	logger         *slog.Logger
	onConnect      func(err error)

	insertTelemetry string
	insertAlarm     string
}

var _ telemetry.Sink = (*Sink)(nil)

// SinkOption configures the sink.
type SinkOption func(*Sink)

// WithSchema overrides the default namespace.
func WithSchema(schema string) SinkOption {
	return func(s *Sink) {
		if schema != "" {
			s.schema = schema
		}
	}
}

// WithConnectTimeout bounds each dial.
func WithConnectTimeout(timeout time.Duration) SinkOption {
	return func(s *Sink) {
		if timeout > 0 {
			s.connectTimeout = timeout
		}
	}
}

// WithOpTimeout bounds each statement round trip.
func WithOpTimeout(timeout time.Duration) SinkOption {
	return func(s *Sink) {
		if timeout > 0 {
			s.opTimeout = timeout
		}
	}
}

// WithLogger sets the sink logger.
func WithLogger(logger *slog.Logger) SinkOption {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConnectHook is called after every dial attempt with its result.
func WithConnectHook(hook func(err error)) SinkOption {
	return func(s *Sink) {
		s.onConnect = hook
	}
}

// NewSink constructs a sink. No connection is opened until first use.
func NewSink(dial Dialer, opts ...SinkOption) (*Sink, error) {
	if dial == nil {
		return nil, errors.New("postgres sink: nil dialer")
	}
	s := &Sink{
		dial:           dial,
		schema:         defaultSchema,
		connectTimeout: defaultConnectTimeout,
		opTimeout:      defaultOpTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !validSchemaName(s.schema) {
		return nil, fmt.Errorf("postgres sink: invalid schema name %q", s.schema)
	}
	s.insertTelemetry = insertTelemetrySQL(s.schema)
	s.insertAlarm = insertAlarmSQL(s.schema)
	s.logger = s.logger.With("component", "sink")
	return s, nil
}

// EnsureSchema creates the namespace, tables and indexes if they are missing.
// It is safe to call repeatedly.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.schema) {
		if err := s.exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema %q: %w", s.schema, err)
		}
	}
	s.logger.Info("schema ready", "schema", s.schema)
	return nil
}

// InsertTelemetry appends one telemetry row.
func (s *Sink) InsertTelemetry(ctx context.Context, reading telemetry.TelemetryReading) error {
	if reading.DeviceID == "" || reading.TS.IsZero() {
		return fmt.Errorf("%w: telemetry reading without device or timestamp", telemetry.ErrSinkRejected)
	}
	return s.exec(ctx, s.insertTelemetry,
		reading.DeviceID,
		reading.TS,
		nullableNumeric(reading.TemperatureC),
		nullableNumeric(reading.SmokePPM),
		nullableNumeric(reading.GasPPM),
		reading.Alarm,
	)
}

// InsertAlarm appends one alarm row.
func (s *Sink) InsertAlarm(ctx context.Context, event telemetry.AlarmEvent) error {
	if event.DeviceID == "" || event.TS.IsZero() || event.Metric == "" {
		return fmt.Errorf("%w: alarm event without device, timestamp or metric", telemetry.ErrSinkRejected)
	}
	return s.exec(ctx, s.insertAlarm,
		event.DeviceID,
		event.TS,
		event.Type,
		event.Metric,
		numeric(event.Value),
		numeric(event.Threshold),
		event.Severity,
	)
}

// Close releases the connection, if any.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close(ctx)
	s.conn = nil
	return err
}

func (s *Sink) exec(ctx context.Context, sql string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.connLocked(ctx)
	if err != nil {
		return fmt.Errorf("%w: connect: %w", telemetry.ErrSinkUnavailable, err)
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if _, err := conn.Exec(opCtx, sql, args...); err != nil {
		s.resetLocked()
		return classify(err)
	}
	return nil
}

func (s *Sink) connLocked(ctx context.Context) (Conn, error) {
	if s.conn != nil {
		if !s.conn.IsClosed() {
			return s.conn, nil
		}
		s.logger.Warn("connection closed underneath sink, redialing")
		s.conn = nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	conn, err := s.dial(dialCtx)
	if s.onConnect != nil {
		s.onConnect(err)
	}
	if err != nil {
		s.logger.Error("connect failed", "error", err)
		return nil, err
	}
	s.conn = conn
	s.logger.Info("connected")
	return conn, nil
}

// resetLocked drops the current connection so the next call dials again.
func (s *Sink) resetLocked() {
	if s.conn == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.conn.Close(closeCtx); err != nil {
		s.logger.Debug("close after failure", "error", err)
	}
	s.conn = nil
}

// classify maps a statement error onto the sink taxonomy. Server errors are
// rejections unless their SQLSTATE says the server itself is in trouble.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && !transientSQLState(pgErr.Code) {
		return fmt.Errorf("%w: %s (sqlstate %s)", telemetry.ErrSinkRejected, pgErr.Message, pgErr.Code)
	}
	return fmt.Errorf("%w: %w", telemetry.ErrSinkUnavailable, err)
}

func transientSQLState(code string) bool {
	if len(code) != 5 {
		return false
	}
	switch code[:2] {
	case "08", "53", "57", "58":
		return true
	}
	return code == "40001" || code == "40P01"
}

// numeric rounds the shortest decimal form of v half away from zero to two
// fractional digits, the same result a NUMERIC(p,2) cast of that literal gives.
func numeric(v float64) pgtype.Numeric {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return pgtype.Numeric{NaN: true, Valid: true}
	}
	var n pgtype.Numeric
	if err := n.Scan(strconv.FormatFloat(v, 'f', -1, 64)); err != nil {
		return pgtype.Numeric{NaN: true, Valid: true}
	}
	return rescale(n, -2)
}

func rescale(n pgtype.Numeric, exp int32) pgtype.Numeric {
	if n.Exp >= exp {
		scaled := new(big.Int).Mul(n.Int, pow10(n.Exp-exp))
		return pgtype.Numeric{Int: scaled, Exp: exp, Valid: true}
	}
	div := pow10(exp - n.Exp)
	q, r := new(big.Int).QuoRem(n.Int, div, new(big.Int))
	if new(big.Int).Lsh(r.Abs(r), 1).Cmp(div) >= 0 {
		if n.Int.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return pgtype.Numeric{Int: q, Exp: exp, Valid: true}
}

func pow10(e int32) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(e)), nil)
}

func nullableNumeric(v *float64) pgtype.Numeric {
	if v == nil {
		return pgtype.Numeric{}
	}
	return numeric(*v)
}
