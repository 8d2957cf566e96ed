// Command simulator publishes synthetic smoke-detector readings and threshold
// alarms for one device, for exercising the ingestor end to end.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"iot-ingestor/internal/observability/logging"
)

const publishTimeout = 2 * time.Second

type options struct {
	host       string
	port       int
	site       string
	device     string
	qos        int
	interval   time.Duration
	count      int
	thresholds Thresholds
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := logging.New(os.Stdout, getenvDefault("LOG_LEVEL", "info"), logging.FormatAuto)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("simulator failed", "error", err)
		os.Exit(1)
	}
}

func parseOptions(args []string) (options, error) {
	defaults := DefaultThresholds()
	fs := pflag.NewFlagSet("simulator", pflag.ContinueOnError)
	o := options{}
	fs.StringVar(&o.host, "host", getenvDefault("BROKER_HOST", "127.0.0.1"), "broker host")
	fs.IntVar(&o.port, "port", getenvIntDefault("BROKER_PORT", 1883), "broker port")
	fs.StringVar(&o.site, "site", getenvDefault("SITE_ID", "lab"), "site id")
	fs.StringVar(&o.device, "device", getenvDefault("DEVICE_ID", "smoke-001"), "device id")
	fs.IntVar(&o.qos, "qos", getenvIntDefault("QOS", 1), "publish qos")
	fs.DurationVar(&o.interval, "interval", getenvDuration("PUBLISH_INTERVAL", 2*time.Second), "time between readings")
	fs.IntVar(&o.count, "count", 0, "stop after this many readings, 0 runs until interrupted")
	fs.Float64Var(&o.thresholds.Temperature, "temp-alarm", getenvFloatDefault("TEMP_ALARM", defaults.Temperature), "temperature limit")
	fs.Float64Var(&o.thresholds.Smoke, "smoke-alarm", getenvFloatDefault("SMOKE_ALARM", defaults.Smoke), "smoke limit")
	fs.Float64Var(&o.thresholds.Gas, "gas-alarm", getenvFloatDefault("GAS_ALARM", defaults.Gas), "gas limit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.qos < 0 || o.qos > 2 {
		return options{}, fmt.Errorf("simulator: invalid qos %d", o.qos)
	}
	if o.interval <= 0 {
		return options{}, fmt.Errorf("simulator: interval must be positive")
	}
	return o, nil
}

func run(ctx context.Context, o options, logger *slog.Logger) error {
	telemetryTopic := fmt.Sprintf("site/%s/device/%s/telemetry", o.site, o.device)
	alarmTopic := fmt.Sprintf("site/%s/device/%s/alarms", o.site, o.device)
	broker := "tcp://" + net.JoinHostPort(o.host, strconv.Itoa(o.port))
	logger.Info("starting", "broker", broker, "device", o.device, "topics", []string{telemetryTopic, alarmTopic})

	clientOpts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("%s-sim-%s", o.device, uuid.NewString()[:8])).
		SetKeepAlive(60 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(mqtt.Client) { logger.Info("connected") }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { logger.Warn("connection lost", "error", err) })
	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connect %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect %s: %w", broker, err)
	}
	defer client.Disconnect(250)

	g := &generator{
		rng:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64())),
		deviceID:   o.device,
		thresholds: o.thresholds,
		now:        time.Now,
	}
	publish := func(topic string, body any) {
		data, err := json.Marshal(body)
		if err != nil {
			logger.Error("encode", "error", err)
			return
		}
		logger.Info("send", "topic", topic, "payload", string(data))
		t := client.Publish(topic, byte(o.qos), false, data)
		if !t.WaitTimeout(publishTimeout) {
			logger.Warn("publish not acknowledged", "topic", topic, "timeout", publishTimeout)
			return
		}
		if err := t.Error(); err != nil {
			logger.Warn("publish failed", "topic", topic, "error", err)
		}
	}

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for sent := 0; o.count == 0 || sent < o.count; sent++ {
		reading, alarm := g.next()
		publish(telemetryTopic, reading)
		if alarm != nil {
			publish(alarmTopic, alarm)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
