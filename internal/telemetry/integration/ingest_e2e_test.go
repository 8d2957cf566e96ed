//go:build integration

package integration_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"iot-ingestor/internal/busclient"
	"iot-ingestor/internal/eventbus"
	"iot-ingestor/internal/telemetry/application/events"
	telemetry "iot-ingestor/internal/telemetry/domain"
	telemetrypostgres "iot-ingestor/internal/telemetry/infrastructure/postgres"
	ingestmqtt "iot-ingestor/internal/telemetry/interfaces/mqtt"
)

const (
	pgUser     = "ingestor"
	pgPassword = "ingestor-secret"
	pgDatabase = "iot_data"
)

type env struct {
	params telemetrypostgres.ConnParams
	broker string
}

func startPostgres(ctx context.Context, t *testing.T) telemetrypostgres.ConnParams {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     pgUser,
				"POSTGRES_PASSWORD": pgPassword,
				"POSTGRES_DB":       pgDatabase,
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return telemetrypostgres.ConnParams{
		Host:           host,
		Port:           port.Int(),
		Database:       pgDatabase,
		User:           pgUser,
		Password:       pgPassword,
		SSLMode:        "disable",
		ConnectTimeout: 5 * time.Second,
	}
}

func startMosquitto(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "eclipse-mosquitto:2",
			ExposedPorts: []string{"1883/tcp"},
			Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
			WaitingFor:   wait.ForListeningPort("1883/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "1883")
	require.NoError(t, err)
	return fmt.Sprintf("tcp://%s:%s", host, port.Port())
}

func startEnv(ctx context.Context, t *testing.T) env {
	t.Helper()
	return env{params: startPostgres(ctx, t), broker: startMosquitto(ctx, t)}
}

type outcomeLog struct {
	mu       sync.Mutex
	outcomes []events.IngestOutcome
}

func (l *outcomeLog) count(kind string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, o := range l.outcomes {
		if o.Kind == kind {
			n++
		}
	}
	return n
}

// startIngestor wires sink, supervisor and consumer the way the binary does.
func startIngestor(ctx context.Context, t *testing.T, e env) (*telemetrypostgres.Sink, *outcomeLog) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pgConfig, err := telemetrypostgres.ParseConnConfig(e.params)
	require.NoError(t, err)
	sink, err := telemetrypostgres.NewSink(telemetrypostgres.NewPgxDialer(pgConfig), telemetrypostgres.WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, sink.EnsureSchema(ctx))
	t.Cleanup(func() { _ = sink.Close(context.Background()) })

	log := &outcomeLog{}
	bus := eventbus.NewInMemoryBus()
	eventbus.SubscribeTo(bus, func(_ context.Context, o events.IngestOutcome) error {
		log.mu.Lock()
		log.outcomes = append(log.outcomes, o)
		log.mu.Unlock()
		return nil
	})

	supervisor, err := busclient.New(busclient.Options{
		Broker:       e.broker,
		ClientID:     "ingestor-it",
		QoS:          1,
		Filters:      ingestmqtt.Filters(),
		ReconnectMin: 100 * time.Millisecond,
		ReconnectMax: time.Second,
		Logger:       logger,
	})
	require.NoError(t, err)
	require.NoError(t, supervisor.Connect(ctx))

	consumer, err := ingestmqtt.NewIngestConsumer(ingestmqtt.NewCodec(), sink, bus, ingestmqtt.WithConsumerLogger(logger))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = supervisor.Run(runCtx) }()
	go func() { defer wg.Done(); _ = consumer.Run(runCtx, supervisor.Events()) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return sink, log
}

func newPublisher(t *testing.T, broker string) mqtt.Client {
	t.Helper()
	client := mqtt.NewClient(mqtt.NewClientOptions().AddBroker(broker).SetClientID("publisher-it"))
	token := client.Connect()
	require.True(t, token.WaitTimeout(10*time.Second))
	require.NoError(t, token.Error())
	t.Cleanup(func() { client.Disconnect(250) })
	return client
}

func publish(t *testing.T, client mqtt.Client, topic string, payload []byte) {
	t.Helper()
	token := client.Publish(topic, 1, false, payload)
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
}

func queryConn(ctx context.Context, t *testing.T, params telemetrypostgres.ConnParams) *pgx.Conn {
	t.Helper()
	conn, err := pgx.Connect(ctx, params.URL())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn
}

func countRows(ctx context.Context, t *testing.T, conn *pgx.Conn, table string) int {
	t.Helper()
	var n int
	require.NoError(t, conn.QueryRow(ctx, "SELECT count(*) FROM iot."+table).Scan(&n))
	return n
}

func TestIngestEndToEnd(t *testing.T) {
	ctx := context.Background()
	e := startEnv(ctx, t)
	_, log := startIngestor(ctx, t, e)
	pub := newPublisher(t, e.broker)
	db := queryConn(ctx, t, e.params)

	t.Run("telemetry reading", func(t *testing.T) {
		publish(t, pub, "site/lab/device/smoke-001/telemetry",
			[]byte(`{"temperature_c":72.3,"smoke_ppm":10,"gas_ppm":120,"alarm":true}`))

		require.Eventually(t, func() bool { return countRows(ctx, t, db, "telemetry") == 1 }, 10*time.Second, 100*time.Millisecond)

		var deviceID, temperature string
		var alarm bool
		require.NoError(t, db.QueryRow(ctx,
			"SELECT device_id, temperature_c::text, alarm FROM iot.telemetry").Scan(&deviceID, &temperature, &alarm))
		assert.Equal(t, "smoke-001", deviceID)
		assert.Equal(t, "72.30", temperature)
		assert.True(t, alarm)
	})

	t.Run("threshold alarm", func(t *testing.T) {
		publish(t, pub, "site/lab/device/smoke-001/alarms",
			[]byte(`{"metric":"temperature_c","value":72.3,"threshold":60.0,"severity":"HIGH"}`))

		require.Eventually(t, func() bool { return countRows(ctx, t, db, "alarms") == 1 }, 10*time.Second, 100*time.Millisecond)

		var deviceID, alarmType, metric, value, threshold, severity string
		require.NoError(t, db.QueryRow(ctx,
			"SELECT device_id, type, metric, value::text, threshold::text, severity FROM iot.alarms").
			Scan(&deviceID, &alarmType, &metric, &value, &threshold, &severity))
		assert.Equal(t, "smoke-001", deviceID)
		assert.Equal(t, telemetry.DefaultAlarmType, alarmType)
		assert.Equal(t, "temperature_c", metric)
		assert.Equal(t, "72.30", value)
		assert.Equal(t, "60.00", threshold)
		assert.Equal(t, "HIGH", severity)
	})

	t.Run("malformed payload", func(t *testing.T) {
		publish(t, pub, "site/lab/device/smoke-001/telemetry", []byte("not structured text {"))
		publish(t, pub, "site/lab/device/smoke-001/alarms", []byte("\x00\x01"))
		publish(t, pub, "site/lab/device/smoke-002/telemetry", []byte(`{"gas_ppm":150}`))

		require.Eventually(t, func() bool { return countRows(ctx, t, db, "telemetry") == 2 }, 10*time.Second, 100*time.Millisecond)
		assert.Equal(t, 1, countRows(ctx, t, db, "alarms"))
		assert.Equal(t, 2, log.count(telemetry.KindMalformedPayload))
	})
}

func TestSinkRecoversFromTerminatedBackend(t *testing.T) {
	ctx := context.Background()
	params := startPostgres(ctx, t)
	pgConfig, err := telemetrypostgres.ParseConnConfig(params)
	require.NoError(t, err)
	sink, err := telemetrypostgres.NewSink(telemetrypostgres.NewPgxDialer(pgConfig))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close(context.Background()) })

	require.NoError(t, sink.EnsureSchema(ctx))
	require.NoError(t, sink.EnsureSchema(ctx))

	gas := 130.0
	reading := telemetry.TelemetryReading{DeviceID: "smoke-001", TS: time.Now().UTC(), GasPPM: &gas}
	require.NoError(t, sink.InsertTelemetry(ctx, reading))

	admin := queryConn(ctx, t, params)
	_, err = admin.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()`, pgDatabase)
	require.NoError(t, err)

	// The first write may see the dead connection; the one after it must redial.
	if err := sink.InsertTelemetry(ctx, reading); err != nil {
		require.ErrorIs(t, err, telemetry.ErrSinkUnavailable)
		require.NoError(t, sink.InsertTelemetry(ctx, reading))
	}
	assert.GreaterOrEqual(t, countRows(ctx, t, admin, "telemetry"), 2)
}
