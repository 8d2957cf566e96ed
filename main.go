package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	apihttp "iot-ingestor/internal/api/http"
	"iot-ingestor/internal/busclient"
	"iot-ingestor/internal/config"
	"iot-ingestor/internal/deadletter"
	"iot-ingestor/internal/eventbus"
	"iot-ingestor/internal/observability/logging"
	"iot-ingestor/internal/observability/metrics"
	telemetrypostgres "iot-ingestor/internal/telemetry/infrastructure/postgres"
	ingestmqtt "iot-ingestor/internal/telemetry/interfaces/mqtt"
)

const (
	applicationName = "iot-ingestor"
	shutdownTimeout = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger, err := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init(nil)
	bus := eventbus.NewInMemoryBus()
	logging.Subscribe(bus, logger)
	metrics.Subscribe(bus)

	params := telemetrypostgres.ConnParams{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Database:        cfg.Database.Name,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		SSLMode:         cfg.Database.SSLMode,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
		ApplicationName: applicationName,
	}
	logger.Info("starting",
		"broker", cfg.Broker.URL(),
		"client_id", cfg.Broker.ClientID,
		"qos", cfg.Broker.QoS,
		"filters", ingestmqtt.Filters(),
		"database", params.Redacted(),
		"schema", cfg.Database.Schema,
		"deadletter", cfg.DeadLetter.Enabled(),
	)

	pgConfig, err := telemetrypostgres.ParseConnConfig(params)
	if err != nil {
		logger.Error("database config error", "error", err)
		return 1
	}
	sink, err := telemetrypostgres.NewSink(
		telemetrypostgres.NewPgxDialer(pgConfig),
		telemetrypostgres.WithSchema(cfg.Database.Schema),
		telemetrypostgres.WithConnectTimeout(cfg.Database.ConnectTimeout),
		telemetrypostgres.WithOpTimeout(cfg.Database.OpTimeout),
		telemetrypostgres.WithLogger(logger),
		telemetrypostgres.WithConnectHook(metrics.ObserveSinkConnect),
	)
	if err != nil {
		logger.Error("sink init error", "error", err)
		return 1
	}
	defer closeSink(sink, logger)

	if err := sink.EnsureSchema(ctx); err != nil {
		logger.Error("schema init error", "error", err)
		return 1
	}

	supervisor, err := busclient.New(busclient.Options{
		Broker:         cfg.Broker.URL(),
		ClientID:       cfg.Broker.ClientID,
		Username:       cfg.Broker.Username,
		Password:       cfg.Broker.Password,
		QoS:            byte(cfg.Broker.QoS),
		Filters:        ingestmqtt.Filters(),
		KeepAlive:      cfg.Broker.KeepAlive,
		ConnectTimeout: cfg.Broker.ConnectTimeout,
		ReconnectMin:   cfg.Broker.ReconnectMin,
		ReconnectMax:   cfg.Broker.ReconnectMax,
		ChannelDepth:   cfg.Broker.ChannelDepth,
		Logger:         logger,
	}, busclient.WithStateHook(func(state busclient.State) {
		metrics.IncBusTransition(state.String())
	}))
	if err != nil {
		logger.Error("bus client init error", "error", err)
		return 1
	}
	consumerOpts := []ingestmqtt.ConsumerOption{ingestmqtt.WithConsumerLogger(logger)}
	if cfg.DeadLetter.Enabled() {
		writer := deadletter.NewKafkaWriter(cfg.DeadLetter.Brokers, cfg.DeadLetter.Topic, logger)
		parking, err := deadletter.NewPublisher(writer, logger)
		if err != nil {
			logger.Error("dead-letter init error", "error", err)
			return 1
		}
		defer func() {
			if err := parking.Close(); err != nil {
				logger.Warn("dead-letter close error", "error", err)
			}
		}()
		consumerOpts = append(consumerOpts, ingestmqtt.WithDeadLetter(parking))
	}
	consumer, err := ingestmqtt.NewIngestConsumer(ingestmqtt.NewCodec(), sink, bus, consumerOpts...)
	if err != nil {
		logger.Error("consumer init error", "error", err)
		return 1
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		defer stop()
		return consumer.Run(groupCtx, supervisor.Events())
	})
	if err := supervisor.Connect(groupCtx); err != nil {
		logger.Error("bus connect error", "error", err)
		cancelRun()
		_ = group.Wait()
		return 1
	}
	group.Go(func() error {
		return supervisor.Run(groupCtx)
	})

	var server *http.Server
	if cfg.HTTPAddr != "" {
		server = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           apihttp.NewMux(nil, supervisor.Connected),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("http listening", "addr", cfg.HTTPAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
	}

	if err := group.Wait(); err != nil {
		logger.Error("ingest loop error", "error", err)
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown error", "error", err)
		}
		cancel()
	}
	logger.Info("shutdown complete")
	return 0
}

func closeSink(sink *telemetrypostgres.Sink, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sink.Close(ctx); err != nil {
		logger.Warn("sink close error", "error", err)
	}
}
