// Package config loads and validates the delivery core's tunables.
// Settings come from an optional YAML file overlaid by KIOSKRELAY_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/pzverkov/kioskops-relay/internal/backoff"
	"github.com/pzverkov/kioskops-relay/internal/domain"
)

const envPrefix = "KIOSKRELAY_"

// Config is the full configuration tree.
type Config struct {
	Storage   StorageConfig   `koanf:"storage"`
	Queue     QueueConfig     `koanf:"queue"`
	Sync      SyncConfig      `koanf:"sync"`
	Backoff   BackoffConfig   `koanf:"backoff"`
	Retention RetentionConfig `koanf:"retention"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
}

// StorageConfig locates the device-local database and secret material.
type StorageConfig struct {
	DBPath     string `koanf:"db_path" validate:"required"`
	SecretPath string `koanf:"secret_path" validate:"required"`
}

// QueueConfig holds the queue store guardrails.
type QueueConfig struct {
	MaxEventPayloadBytes int64    `koanf:"max_event_payload_bytes" validate:"gt=0"`
	MaxActiveEvents      int      `koanf:"max_active_events" validate:"gt=0"`
	MaxActiveBytes       int64    `koanf:"max_active_bytes" validate:"gt=0"`
	OverflowStrategy     string   `koanf:"overflow_strategy" validate:"oneof=block drop_newest drop_oldest"`
	DenylistedKeys       []string `koanf:"denylisted_keys"`
	AllowRawPayload      bool     `koanf:"allow_raw_payload"`
	DeterministicKeys    bool     `koanf:"deterministic_keys"`
	EncryptPayloads      bool     `koanf:"encrypt_payloads"`
}

// SyncConfig holds the sync engine settings.
type SyncConfig struct {
	Enabled             bool          `koanf:"enabled"`
	Endpoint            string        `koanf:"endpoint" validate:"omitempty,url"`
	AuthToken           string        `koanf:"auth_token"`
	DeviceID            string        `koanf:"device_id"`
	AppVersion          string        `koanf:"app_version"`
	LocationID          string        `koanf:"location_id"`
	Interval            time.Duration `koanf:"interval" validate:"gt=0"`
	BatchSize           int           `koanf:"batch_size" validate:"gt=0"`
	MaxAttemptsPerEvent int           `koanf:"max_attempts_per_event" validate:"gt=0"`
	SendingTimeout      time.Duration `koanf:"sending_timeout" validate:"gt=0"`
	RequestTimeout      time.Duration `koanf:"request_timeout" validate:"gt=0"`
}

// BackoffConfig holds the retry delay policy parameters.
type BackoffConfig struct {
	Base   time.Duration `koanf:"base" validate:"gt=0"`
	Max    time.Duration `koanf:"max" validate:"gtefield=Base"`
	Jitter float64       `koanf:"jitter" validate:"gte=0,lte=1"`
}

// RetentionConfig holds the terminal-row purge windows.
type RetentionConfig struct {
	SentMaxAge   time.Duration `koanf:"sent_max_age" validate:"gt=0"`
	FailedMaxAge time.Duration `koanf:"failed_max_age" validate:"gt=0"`
}

// MetricsConfig holds the local observability endpoint settings. The
// server exposes Prometheus metrics plus health and version handlers.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr" validate:"required_if=Enabled true,omitempty,hostname_port"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			DBPath:     "kioskrelay/queue.db",
			SecretPath: "kioskrelay/install.secret",
		},
		Queue: QueueConfig{
			MaxEventPayloadBytes: 256 << 10,
			MaxActiveEvents:      10_000,
			MaxActiveBytes:       50 << 20,
			OverflowStrategy:     string(domain.OverflowDropOldest),
			DenylistedKeys:       []string{"email", "phone", "password", "ssn"},
			DeterministicKeys:    true,
		},
		Sync: SyncConfig{
			Enabled:             true,
			Interval:            15 * time.Minute,
			BatchSize:           50,
			MaxAttemptsPerEvent: 8,
			SendingTimeout:      10 * time.Minute,
			RequestTimeout:      30 * time.Second,
		},
		Backoff: BackoffConfig{
			Base:   backoff.DefaultBase,
			Max:    backoff.DefaultMax,
			Jitter: backoff.DefaultJitter,
		},
		Retention: RetentionConfig{
			SentMaxAge:   24 * time.Hour,
			FailedMaxAge: 7 * 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path (skipped when empty), overlays
// environment variables and validates the result. Missing keys keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// KIOSKRELAY_QUEUE_MAX_ACTIVE_EVENTS -> queue.max_active_events.
	// A single underscore separates the section from the key, so key names
	// themselves may contain underscores.
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.Replace(s, "_", ".", 1)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return cfg, fmt.Errorf("load env config: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration against its constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// QueuePolicy converts the queue section into the domain policy.
func (c Config) QueuePolicy() domain.QueuePolicy {
	return domain.QueuePolicy{
		MaxEventPayloadBytes: c.Queue.MaxEventPayloadBytes,
		MaxActiveEvents:      c.Queue.MaxActiveEvents,
		MaxActiveBytes:       c.Queue.MaxActiveBytes,
		Overflow:             domain.OverflowStrategy(c.Queue.OverflowStrategy),
		DenylistedKeys:       c.Queue.DenylistedKeys,
		AllowRawPayload:      c.Queue.AllowRawPayload,
		DeterministicKeys:    c.Queue.DeterministicKeys,
		EncryptPayloads:      c.Queue.EncryptPayloads,
		MaxAttemptsPerEvent:  c.Sync.MaxAttemptsPerEvent,
	}
}

// RetentionPolicy converts the retention section into the domain policy.
func (c Config) RetentionPolicy() domain.RetentionPolicy {
	return domain.RetentionPolicy{
		SentMaxAge:   c.Retention.SentMaxAge,
		FailedMaxAge: c.Retention.FailedMaxAge,
	}
}

// BackoffPolicy builds the retry delay policy from the backoff section.
func (c Config) BackoffPolicy() *backoff.Policy {
	return backoff.New(c.Backoff.Base, c.Backoff.Max, c.Backoff.Jitter, nil)
}
