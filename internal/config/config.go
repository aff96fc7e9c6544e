// Package config loads and validates relay configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/plexrelay/internal/coalesce"
	"github.com/JakeFAU/plexrelay/internal/relay"
	"github.com/JakeFAU/plexrelay/internal/sender"
)

// EnvPrefix is prepended to every environment variable override,
// e.g. PLEXRELAY_RELAY_DEBOUNCE_SECONDS=10.
const EnvPrefix = "PLEXRELAY"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Relay     RelayConfig      `mapstructure:"relay"`
	Endpoints []relay.Endpoint `mapstructure:"endpoints"`
	// EndpointURLs is a comma separated shorthand for unnamed endpoints,
	// convenient for environment configuration.
	EndpointURLs []string        `mapstructure:"endpoint_urls"`
	Discord      DiscordConfig   `mapstructure:"discord"`
	Inbound      InboundConfig   `mapstructure:"inbound"`
	Archive      ArchiveConfig   `mapstructure:"archive"`
	DB           DBConfig        `mapstructure:"db"`
	PubSub       PubSubConfig    `mapstructure:"pubsub"`
	Telemetry    TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines inbound API key authentication.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RelayConfig governs coalescing and the ingestion queue.
type RelayConfig struct {
	DebounceSeconds  float64  `mapstructure:"debounce_seconds"`
	MaxAgeSeconds    float64  `mapstructure:"max_age_seconds"`
	QueueCapacity    int      `mapstructure:"queue_capacity"`
	MaxPendingGroups int      `mapstructure:"max_pending_groups"`
	OverflowPolicy   string   `mapstructure:"overflow_policy"`
	CoalesceEvents   []string `mapstructure:"coalesce_events"`
	EnqueueTimeoutMs int      `mapstructure:"enqueue_timeout_ms"`
}

// DiscordConfig configures outbound webhook delivery.
type DiscordConfig struct {
	TimeoutSeconds    float64 `mapstructure:"timeout_seconds"`
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"`
	Username          string  `mapstructure:"username"`
	AvatarURL         string  `mapstructure:"avatar_url"`
}

// InboundConfig limits the webhook receiver.
type InboundConfig struct {
	RequestsPerMinute int   `mapstructure:"requests_per_minute"`
	MaxBodyBytes      int64 `mapstructure:"max_body_bytes"`
}

// ArchiveConfig selects where raw payloads are kept.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the optional Postgres delivery log.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds the project used for pubsub:// endpoints.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// TelemetryConfig controls OpenTelemetry tracing. ProjectID selects Cloud
// Trace export; without it spans stay in-process.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Load builds a Config from an optional file plus the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("relay.debounce_seconds", 5)
	v.SetDefault("relay.max_age_seconds", 0)
	v.SetDefault("relay.queue_capacity", 256)
	v.SetDefault("relay.max_pending_groups", 0)
	v.SetDefault("relay.overflow_policy", string(coalesce.OverflowFlushOldest))
	v.SetDefault("relay.coalesce_events", []string{"library.new"})
	v.SetDefault("relay.enqueue_timeout_ms", 2000)
	v.SetDefault("endpoint_urls", []string{})
	v.SetDefault("discord.timeout_seconds", 10)
	v.SetDefault("discord.requests_per_minute", 30)
	v.SetDefault("discord.username", "")
	v.SetDefault("discord.avatar_url", "")
	v.SetDefault("inbound.requests_per_minute", 120)
	v.SetDefault("inbound.max_body_bytes", 1<<20)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.base_dir", "logs")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "plex")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "deliveries")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "plexrelay")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

func (c *Config) normalize() {
	for _, raw := range c.EndpointURLs {
		if raw = strings.TrimSpace(raw); raw != "" {
			c.Endpoints = append(c.Endpoints, relay.Endpoint{URL: raw})
		}
	}
	c.EndpointURLs = nil
	c.Archive.Backend = strings.ToLower(strings.TrimSpace(c.Archive.Backend))
	if c.Archive.Backend == "" {
		c.Archive.Backend = ArchiveNone
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Relay.DebounceSeconds < 0 {
		return errors.New("relay.debounce_seconds must be >= 0")
	}
	if c.Relay.MaxAgeSeconds < 0 {
		return errors.New("relay.max_age_seconds must be >= 0")
	}
	if c.Relay.QueueCapacity <= 0 {
		return errors.New("relay.queue_capacity must be > 0")
	}
	if c.Relay.MaxPendingGroups < 0 {
		return errors.New("relay.max_pending_groups must be >= 0")
	}
	if _, err := coalesce.ParseOverflowPolicy(c.Relay.OverflowPolicy); err != nil {
		return fmt.Errorf("relay.overflow_policy: %w", err)
	}
	if len(c.Endpoints) == 0 {
		return errors.New("at least one endpoint is required")
	}
	needsPubSub := false
	for i, ep := range c.Endpoints {
		scheme, _, err := sender.Parse(ep.URL)
		if err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
		if scheme == sender.SchemePubSub {
			needsPubSub = true
		}
	}
	if needsPubSub && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id is required for pubsub:// endpoints")
	}
	if c.Discord.TimeoutSeconds <= 0 {
		return errors.New("discord.timeout_seconds must be > 0")
	}
	if c.Inbound.MaxBodyBytes <= 0 {
		return errors.New("inbound.max_body_bytes must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.sample_ratio must be within [0, 1]")
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return errors.New("archive.base_dir is required for the local backend")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return errors.New("archive.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}
	return nil
}

// DebounceWindow returns the coalescing window.
func (c Config) DebounceWindow() time.Duration {
	return seconds(c.Relay.DebounceSeconds)
}

// MaxAge returns the optional cap on group lifetime.
func (c Config) MaxAge() time.Duration {
	return seconds(c.Relay.MaxAgeSeconds)
}

// DeliveryTimeout returns the per-attempt delivery bound.
func (c Config) DeliveryTimeout() time.Duration {
	return seconds(c.Discord.TimeoutSeconds)
}

// EnqueueTimeout bounds how long the receiver waits for queue space.
func (c Config) EnqueueTimeout() time.Duration {
	return time.Duration(c.Relay.EnqueueTimeoutMs) * time.Millisecond
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
