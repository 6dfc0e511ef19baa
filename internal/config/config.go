// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Calc        CalcConfig        `mapstructure:"calc"`
	DB          DBConfig          `mapstructure:"db"`
	Storage     StorageConfig     `mapstructure:"storage"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Application ApplicationConfig `mapstructure:"application"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	RequestTimeout  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeout int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// QueryConfig names one exclusion query in the configured order.
type QueryConfig struct {
	Name    string `mapstructure:"name"`
	Enabled bool   `mapstructure:"enabled"`
}

// CalcConfig governs runner pool and calculation behavior.
type CalcConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	PageSize         int           `mapstructure:"page_size"`
	QueueDepth       int           `mapstructure:"queue_depth"`
	QueriesPerSecond float64       `mapstructure:"queries_per_second"`
	PaceBurst        int           `mapstructure:"pace_burst"`
	DisabledQueries  []string      `mapstructure:"disabled_queries"`
	Queries          []QueryConfig `mapstructure:"queries"`
}

// DBConfig controls access to the concept database.
type DBConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMin int    `mapstructure:"max_conn_lifetime_minutes"`
}

// StorageConfig sets the report archive backend.
type StorageConfig struct {
	// Backend selects gcs, local, or memory.
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the snapshot hub.
type ProgressConfig struct {
	BufferSize       int `mapstructure:"buffer_size"`
	MaxPendingRuns   int `mapstructure:"max_pending_runs"`
	MaxBatchWaitMs   int `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutSec   int `mapstructure:"sink_timeout_seconds"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ApplicationConfig identifies the deployment for telemetry.
type ApplicationConfig struct {
	ServiceName   string `mapstructure:"service_name"`
	Version       string `mapstructure:"version"`
	ProjectID     string `mapstructure:"project_id"`
	ProjectNumber string `mapstructure:"project_number"`
	Region        string `mapstructure:"region"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORPHANCALC")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("calc.concurrency", 2)
	v.SetDefault("calc.page_size", 500)
	v.SetDefault("calc.queue_depth", 16)
	v.SetDefault("calc.queries_per_second", 0)
	v.SetDefault("calc.pace_burst", 1)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "reports")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_pending_runs", 64)
	v.SetDefault("progress.max_batch_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_seconds", 10)
	v.SetDefault("progress.subscriber_buffer", 16)
	v.SetDefault("logging.development", true)
	v.SetDefault("application.service_name", "orphancalc")
	v.SetDefault("application.version", "dev")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Calc.Concurrency <= 0 {
		return fmt.Errorf("calc.concurrency must be > 0")
	}
	if c.Calc.PageSize <= 0 {
		return fmt.Errorf("calc.page_size must be > 0")
	}
	if c.Calc.QueueDepth <= 0 {
		return fmt.Errorf("calc.queue_depth must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	for _, q := range c.Calc.Queries {
		if strings.TrimSpace(q.Name) == "" {
			return fmt.Errorf("calc.queries entries must be named")
		}
	}
	return nil
}

// RequestTimeout converts the configured request timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeout) * time.Second
}

// ShutdownTimeout converts the configured shutdown grace into a duration.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}
