// Package config centralises configuration parsing for the treadmill service.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"example.com/treadmill/internal/device"
	"example.com/treadmill/internal/stream"
)

// Config captures runtime configuration values for the treadmill service.
type Config struct {
	HTTPAddress string
	LogLevel    string
	LogFormat   string

	// PostgresURL is optional; without it sessions live in memory and no events are relayed.
	PostgresURL        string
	KafkaBrokers       []string
	SchemaRegistryURL  string
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	DLQPollInterval    time.Duration // Interval between DLQ polling iterations.
	DLQMaxRetries      int           // Maximum number of DLQ retry attempts before quarantine.
	DLQBaseDelay       time.Duration // Base delay used for exponential backoff.
	DLQBatchSize       int

	JWTSecret string
	JWTIssuer string

	DeviceAddress     string
	CommandSpacing    time.Duration
	ConnectTimeout    time.Duration
	PreferenceRetries int

	MQTTBroker    string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string
	MQTTTopicRoot string

	// RedisAddr is optional; without it the cached status endpoint reports no snapshot.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StatusTTL     time.Duration

	UserID            string
	StaleAfter        time.Duration
	StaleEstimate     time.Duration
	MetricsAttempts   int
	MetricsRetryDelay time.Duration

	StreamInterval       time.Duration
	StreamReconnectDelay time.Duration
	StreamReconnects     int
	StreamIdleCount      int
}

var defaults = map[string]any{
	"http.address":                ":8080",
	"log.level":                   "info",
	"log.format":                  "json",
	"postgres.url":                "",
	"kafka.brokers":               "kafka:9092",
	"schema_registry.url":         "http://schema-registry:8081",
	"outbox.poll_interval":        2 * time.Second,
	"outbox.batch_size":           25,
	"dlq.poll_interval":           30 * time.Second,
	"dlq.max_retries":             5,
	"dlq.base_delay":              time.Minute,
	"dlq.batch_size":              50,
	"jwt.secret":                  "dev-secret-change-me",
	"jwt.issuer":                  "treadmill.identity",
	"device.address":              "",
	"device.command_spacing":      device.DefaultCommandSpacing,
	"device.connect_timeout":      device.DefaultConnectTimeout,
	"device.preference_retries":   device.DefaultPreferenceRetries,
	"mqtt.broker":                 "tcp://localhost:1883",
	"mqtt.client_id":              "treadmill-api",
	"mqtt.username":               "",
	"mqtt.password":               "",
	"mqtt.topic_root":             "treadmill/v1",
	"redis.addr":                  "",
	"redis.password":              "",
	"redis.db":                    0,
	"redis.status_ttl":            30 * time.Second,
	"session.user_id":             "default",
	"session.stale_after":         3 * time.Hour,
	"session.stale_estimate":      30 * time.Minute,
	"session.metrics_attempts":    3,
	"session.metrics_retry_delay": time.Second,
	"stream.interval":             time.Second,
	"stream.reconnect_delay":      2 * time.Second,
	"stream.reconnect_attempts":   3,
	"stream.idle_count":           3,
}

// Load reads configuration from defaults, an optional YAML file at path and environment
// variables (HTTP_ADDRESS, DEVICE_ADDRESS, ...). A .env file in the working directory is
// loaded first when present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		HTTPAddress: v.GetString("http.address"),
		LogLevel:    v.GetString("log.level"),
		LogFormat:   v.GetString("log.format"),

		PostgresURL:        v.GetString("postgres.url"),
		KafkaBrokers:       splitAndTrim(v.GetString("kafka.brokers")),
		SchemaRegistryURL:  v.GetString("schema_registry.url"),
		OutboxPollInterval: v.GetDuration("outbox.poll_interval"),
		OutboxBatchSize:    v.GetInt("outbox.batch_size"),
		DLQPollInterval:    v.GetDuration("dlq.poll_interval"),
		DLQMaxRetries:      v.GetInt("dlq.max_retries"),
		DLQBaseDelay:       v.GetDuration("dlq.base_delay"),
		DLQBatchSize:       v.GetInt("dlq.batch_size"),

		JWTSecret: v.GetString("jwt.secret"),
		JWTIssuer: v.GetString("jwt.issuer"),

		DeviceAddress:     strings.ToUpper(strings.TrimSpace(v.GetString("device.address"))),
		CommandSpacing:    v.GetDuration("device.command_spacing"),
		ConnectTimeout:    v.GetDuration("device.connect_timeout"),
		PreferenceRetries: v.GetInt("device.preference_retries"),

		MQTTBroker:    v.GetString("mqtt.broker"),
		MQTTClientID:  v.GetString("mqtt.client_id"),
		MQTTUsername:  v.GetString("mqtt.username"),
		MQTTPassword:  v.GetString("mqtt.password"),
		MQTTTopicRoot: v.GetString("mqtt.topic_root"),

		RedisAddr:     v.GetString("redis.addr"),
		RedisPassword: v.GetString("redis.password"),
		RedisDB:       v.GetInt("redis.db"),
		StatusTTL:     v.GetDuration("redis.status_ttl"),

		UserID:            v.GetString("session.user_id"),
		StaleAfter:        v.GetDuration("session.stale_after"),
		StaleEstimate:     v.GetDuration("session.stale_estimate"),
		MetricsAttempts:   v.GetInt("session.metrics_attempts"),
		MetricsRetryDelay: v.GetDuration("session.metrics_retry_delay"),

		StreamInterval:       v.GetDuration("stream.interval"),
		StreamReconnectDelay: v.GetDuration("stream.reconnect_delay"),
		StreamReconnects:     v.GetInt("stream.reconnect_attempts"),
		StreamIdleCount:      v.GetInt("stream.idle_count"),
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.DeviceAddress == "" {
		errs = append(errs, errors.New("device.address is required"))
	} else if !device.ValidAddress(c.DeviceAddress) {
		errs = append(errs, fmt.Errorf("device.address %q is not a bluetooth address", c.DeviceAddress))
	}

	positive := map[string]time.Duration{
		"device.command_spacing":      c.CommandSpacing,
		"device.connect_timeout":      c.ConnectTimeout,
		"outbox.poll_interval":        c.OutboxPollInterval,
		"dlq.poll_interval":           c.DLQPollInterval,
		"session.stale_after":         c.StaleAfter,
		"session.stale_estimate":      c.StaleEstimate,
		"session.metrics_retry_delay": c.MetricsRetryDelay,
		"stream.reconnect_delay":      c.StreamReconnectDelay,
		"redis.status_ttl":            c.StatusTTL,
	}
	for _, key := range slices.Sorted(maps.Keys(positive)) {
		if value := positive[key]; value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, value))
		}
	}
	if c.StreamInterval < stream.MinInterval || c.StreamInterval > stream.MaxInterval {
		errs = append(errs, fmt.Errorf("stream.interval must be between %s and %s, got %s",
			stream.MinInterval, stream.MaxInterval, c.StreamInterval))
	}

	counts := map[string]int{
		"outbox.batch_size":         c.OutboxBatchSize,
		"dlq.batch_size":            c.DLQBatchSize,
		"device.preference_retries": c.PreferenceRetries,
		"session.metrics_attempts":  c.MetricsAttempts,
		"stream.reconnect_attempts": c.StreamReconnects,
		"stream.idle_count":         c.StreamIdleCount,
	}
	for _, key := range slices.Sorted(maps.Keys(counts)) {
		if value := counts[key]; value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, value))
		}
	}

	if c.PostgresURL != "" && len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when postgres.url is set"))
	}
	return errors.Join(errs...)
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
