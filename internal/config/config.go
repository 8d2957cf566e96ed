package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ErrHelp is returned by Load when --help was requested.
var ErrHelp = pflag.ErrHelp

// Config is the ingestor configuration.
type Config struct {
	Broker     BrokerConfig     `yaml:"broker"`
	Database   DatabaseConfig   `yaml:"database"`
	HTTPAddr   string           `yaml:"http_addr"`
	Log        LogConfig        `yaml:"log"`
	DeadLetter DeadLetterConfig `yaml:"deadletter"`
}

// BrokerConfig configures the MQTT subscription.
type BrokerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	QoS            int           `yaml:"qos"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	KeepAlive      time.Duration `yaml:"keepalive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReconnectMin   time.Duration `yaml:"reconnect_min"`
	ReconnectMax   time.Duration `yaml:"reconnect_max"`
	ChannelDepth   int           `yaml:"channel_depth"`
}

// URL returns the broker address in tcp://host:port form.
func (b BrokerConfig) URL() string {
	return "tcp://" + net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// DatabaseConfig configures the PostgreSQL store.
type DatabaseConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Name           string        `yaml:"name"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	SSLMode        string        `yaml:"sslmode"`
	Schema         string        `yaml:"schema"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	OpTimeout      time.Duration `yaml:"op_timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DeadLetterConfig configures the optional Kafka dead-letter topic.
type DeadLetterConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Enabled reports whether a dead-letter destination is configured.
func (d DeadLetterConfig) Enabled() bool {
	return len(d.Brokers) > 0 && d.Topic != ""
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Broker: BrokerConfig{
			Host:           "127.0.0.1",
			Port:           1883,
			QoS:            1,
			ClientID:       "ingestor-01",
			KeepAlive:      60 * time.Second,
			ConnectTimeout: 10 * time.Second,
			ReconnectMin:   time.Second,
			ReconnectMax:   30 * time.Second,
			ChannelDepth:   256,
		},
		Database: DatabaseConfig{
			Host:           "127.0.0.1",
			Port:           5432,
			Name:           "iot_data",
			SSLMode:        "require",
			Schema:         "iot",
			ConnectTimeout: 10 * time.Second,
			OpTimeout:      10 * time.Second,
		},
		HTTPAddr: ":9100",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		DeadLetter: DeadLetterConfig{
			Topic: "iot-ingest-dlq",
		},
	}
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Load builds the configuration from defaults, an optional YAML file, the
// environment and finally command-line flags.
func Load(args []string) (Config, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup LookupFunc) (Config, error) {
	fs := pflag.NewFlagSet("ingestor", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file (env INGESTOR_CONFIG)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	httpAddr := fs.String("http-addr", "", "metrics and health listen address, empty disables")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()

	path := *configPath
	if path == "" {
		path, _ = lookup("INGESTOR_CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	var errs errList
	applyEnv(&cfg, lookup, &errs)

	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if fs.Changed("http-addr") {
		cfg.HTTPAddr = *httpAddr
	}

	validate(cfg, &errs)
	if errs.has() {
		return Config{}, errs.err()
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup LookupFunc, errs *errList) {
	env := envReader{lookup: lookup, errs: errs}

	env.str("BROKER_HOST", &cfg.Broker.Host)
	env.int("BROKER_PORT", &cfg.Broker.Port)
	env.int("QOS", &cfg.Broker.QoS)
	env.str("MQTT_CLIENT_ID", &cfg.Broker.ClientID)
	env.str("MQTT_USERNAME", &cfg.Broker.Username)
	env.str("MQTT_PASSWORD", &cfg.Broker.Password)
	env.duration("MQTT_KEEPALIVE", &cfg.Broker.KeepAlive)
	env.duration("MQTT_CONNECT_TIMEOUT", &cfg.Broker.ConnectTimeout)
	env.duration("MQTT_RECONNECT_MIN", &cfg.Broker.ReconnectMin)
	env.duration("MQTT_RECONNECT_MAX", &cfg.Broker.ReconnectMax)
	env.int("MQTT_CHANNEL_DEPTH", &cfg.Broker.ChannelDepth)

	env.str("PGHOST", &cfg.Database.Host)
	env.int("PGPORT", &cfg.Database.Port)
	env.str("PGDATABASE", &cfg.Database.Name)
	env.str("PGUSER", &cfg.Database.User)
	env.str("PGPASSWORD", &cfg.Database.Password)
	env.str("PGSSLMODE", &cfg.Database.SSLMode)
	env.str("PG_SCHEMA", &cfg.Database.Schema)
	env.duration("PG_CONNECT_TIMEOUT", &cfg.Database.ConnectTimeout)
	env.duration("PG_OP_TIMEOUT", &cfg.Database.OpTimeout)

	// HTTP_ADDR may be set to an empty string to disable the listener.
	if v, ok := lookup("HTTP_ADDR"); ok {
		cfg.HTTPAddr = strings.TrimSpace(v)
	}
	env.str("LOG_LEVEL", &cfg.Log.Level)
	env.str("LOG_FORMAT", &cfg.Log.Format)

	if v, ok := env.get("DEADLETTER_KAFKA_BROKERS"); ok {
		cfg.DeadLetter.Brokers = splitCSV(v)
	}
	env.str("DEADLETTER_KAFKA_TOPIC", &cfg.DeadLetter.Topic)
}

var sslModes = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}

func validate(cfg Config, errs *errList) {
	if cfg.Broker.Host == "" {
		errs.add("BROKER_HOST is required")
	}
	if cfg.Broker.Port <= 0 || cfg.Broker.Port > 65535 {
		errs.addf("BROKER_PORT out of range: %d", cfg.Broker.Port)
	}
	if cfg.Broker.QoS < 0 || cfg.Broker.QoS > 2 {
		errs.addf("QOS must be 0, 1 or 2: %d", cfg.Broker.QoS)
	}
	if cfg.Broker.ClientID == "" {
		errs.add("MQTT_CLIENT_ID is required")
	}
	if cfg.Broker.KeepAlive <= 0 {
		errs.add("MQTT_KEEPALIVE must be > 0")
	}
	if cfg.Broker.ConnectTimeout <= 0 {
		errs.add("MQTT_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.Broker.ReconnectMin <= 0 {
		errs.add("MQTT_RECONNECT_MIN must be > 0")
	}
	if cfg.Broker.ReconnectMax < cfg.Broker.ReconnectMin {
		errs.add("MQTT_RECONNECT_MAX must be >= MQTT_RECONNECT_MIN")
	}
	if cfg.Broker.ChannelDepth <= 0 {
		errs.add("MQTT_CHANNEL_DEPTH must be > 0")
	}

	if cfg.Database.Host == "" {
		errs.add("PGHOST is required")
	}
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		errs.addf("PGPORT out of range: %d", cfg.Database.Port)
	}
	if cfg.Database.Name == "" {
		errs.add("PGDATABASE is required")
	}
	if cfg.Database.User == "" {
		errs.add("PGUSER is required")
	}
	ensureOneOf("PGSSLMODE", cfg.Database.SSLMode, sslModes, errs)
	if cfg.Database.Schema == "" {
		errs.add("PG_SCHEMA is required")
	}
	if cfg.Database.ConnectTimeout <= 0 {
		errs.add("PG_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.Database.OpTimeout <= 0 {
		errs.add("PG_OP_TIMEOUT must be > 0")
	}

	ensureOneOf("LOG_LEVEL", strings.ToLower(cfg.Log.Level), []string{"debug", "info", "warn", "error"}, errs)
	ensureOneOf("LOG_FORMAT", strings.ToLower(cfg.Log.Format), []string{"json", "text", "auto"}, errs)

	if len(cfg.DeadLetter.Brokers) > 0 && cfg.DeadLetter.Topic == "" {
		errs.add("DEADLETTER_KAFKA_TOPIC is required when DEADLETTER_KAFKA_BROKERS is set")
	}
}

type envReader struct {
	lookup LookupFunc
	errs   *errList
}

func (r envReader) get(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (r envReader) str(key string, dst *string) {
	if v, ok := r.get(key); ok {
		*dst = v
	}
}

func (r envReader) int(key string, dst *int) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs.addf("%s is not an integer: %q", key, v)
		return
	}
	*dst = n
}

func (r envReader) duration(key string, dst *time.Duration) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs.addf("%s is not a duration: %q", key, v)
		return
	}
	*dst = d
}

type errList []string

func (e *errList) addf(format string, a ...any) {
	*e = append(*e, fmt.Sprintf(format, a...))
}
func (e *errList) add(msg string) { *e = append(*e, msg) }
func (e *errList) has() bool      { return len(*e) > 0 }

func (e errList) err() error {
	return fmt.Errorf("config: %s", strings.Join(e, "; "))
}

func ensureOneOf(key, val string, allowed []string, errs *errList) {
	for _, a := range allowed {
		if val == a {
			return
		}
	}
	errs.addf("%s must be one of %s: %q", key, strings.Join(allowed, ", "), val)
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
