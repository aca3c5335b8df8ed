// Package config loads server settings using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/gabrielmiguelok/livewizard/pkg/sink"
)

// File and environment names.
const (
	DefaultFile    = "livewizard.yml"
	DefaultEnvFile = ".env"
	EnvPrefix      = "LIVEWIZARD"
)

// Sink kinds.
const (
	SinkHTTP     = "http"
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
	SinkNATS     = "nats"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("config: invalid")

// Config holds every setting of the server.
type Config struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" yaml:"log_json"`

	// WizardsDir holds extra YAML definitions next to the built-in ones.
	WizardsDir string        `mapstructure:"wizards_dir" yaml:"wizards_dir"`
	OpenAPI    OpenAPIConfig `mapstructure:"openapi" yaml:"openapi"`

	Sink SinkConfig `mapstructure:"sink" yaml:"sink"`
	Live LiveConfig `mapstructure:"live" yaml:"live"`

	// TracingExporter is "none" or "stdout".
	TracingExporter string `mapstructure:"tracing_exporter" yaml:"tracing_exporter"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// OpenAPIConfig derives wizards from request bodies of an API document.
type OpenAPIConfig struct {
	File       string   `mapstructure:"file" yaml:"file"`
	Operations []string `mapstructure:"operations" yaml:"operations"`
}

// SinkConfig selects where submissions go.
type SinkConfig struct {
	Kind string `mapstructure:"kind" yaml:"kind"`

	BaseURL    string             `mapstructure:"base_url" yaml:"base_url"`
	Token      string             `mapstructure:"token" yaml:"-"`
	AuthScheme string             `mapstructure:"auth_scheme" yaml:"auth_scheme"`
	Timeout    time.Duration      `mapstructure:"timeout" yaml:"timeout"`
	Breaker    sink.BreakerConfig `mapstructure:"breaker" yaml:"breaker"`

	SQLitePath  string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	DatabaseURL string `mapstructure:"database_url" yaml:"-"`

	// NATS publishes to JetStream subjects "<nats_subject>.<wizard id>".
	NATSURL     string `mapstructure:"nats_url" yaml:"nats_url"`
	NATSStream  string `mapstructure:"nats_stream" yaml:"nats_stream"`
	NATSSubject string `mapstructure:"nats_subject" yaml:"nats_subject"`
}

// Auth returns the credentials sent with every HTTP submission.
func (s SinkConfig) Auth() sink.AuthContext {
	return sink.AuthContext{Token: s.Token, Scheme: s.AuthScheme}
}

// LiveConfig tunes the websocket host.
type LiveConfig struct {
	Path                string        `mapstructure:"path" yaml:"path"`
	AllowedOrigins      []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	TrustedProxies      []string      `mapstructure:"trusted_proxies" yaml:"trusted_proxies"`
	MaxConnectionsPerIP int           `mapstructure:"max_connections_per_ip" yaml:"max_connections_per_ip"`
	MaxSessions         int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	EventsPerSecond     float64       `mapstructure:"events_per_second" yaml:"events_per_second"`
	EventBurst          int           `mapstructure:"event_burst" yaml:"event_burst"`
	SessionTTL          time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("wizards_dir", "")
	v.SetDefault("openapi.file", "")
	v.SetDefault("openapi.operations", []string{})
	v.SetDefault("shutdown_timeout", 15*time.Second)
	v.SetDefault("tracing_exporter", "none")

	v.SetDefault("sink.kind", SinkSQLite)
	v.SetDefault("sink.base_url", "")
	v.SetDefault("sink.token", "")
	v.SetDefault("sink.auth_scheme", "Bearer")
	v.SetDefault("sink.timeout", 10*time.Second)
	v.SetDefault("sink.breaker.max_failures", 5)
	v.SetDefault("sink.breaker.timeout", 30*time.Second)
	v.SetDefault("sink.breaker.interval", time.Duration(0))
	v.SetDefault("sink.sqlite_path", "livewizard.db")
	v.SetDefault("sink.database_url", "")
	v.SetDefault("sink.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("sink.nats_stream", "LIVEWIZARD")
	v.SetDefault("sink.nats_subject", "livewizard.submissions")

	v.SetDefault("live.path", "/live")
	v.SetDefault("live.allowed_origins", []string{})
	v.SetDefault("live.trusted_proxies", []string{})
	v.SetDefault("live.max_connections_per_ip", 20)
	v.SetDefault("live.max_sessions", 1000)
	v.SetDefault("live.events_per_second", 20.0)
	v.SetDefault("live.event_burst", 40)
	v.SetDefault("live.session_ttl", 2*time.Minute)
}

// Load reads settings with this precedence: LIVEWIZARD_* environment, then
// the config file, then defaults. Variables from envFile are added to the
// environment first without overriding it. Empty names fall back to
// livewizard.yml and .env in the working directory, which may be missing.
func Load(file, envFile string) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := file != ""
	if !explicit {
		file = DefaultFile
	}
	if explicit || fileExists(file) {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}
	if !explicit && !fileExists(path) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: loading %s: %w", path, err)
	}
	return nil
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Sink.Kind {
	case SinkHTTP:
		if c.Sink.BaseURL == "" {
			return fmt.Errorf("%w: sink.base_url is required for the http sink", ErrInvalid)
		}
	case SinkSQLite:
		if c.Sink.SQLitePath == "" {
			return fmt.Errorf("%w: sink.sqlite_path is required for the sqlite sink", ErrInvalid)
		}
	case SinkPostgres:
		if c.Sink.DatabaseURL == "" {
			return fmt.Errorf("%w: sink.database_url is required for the postgres sink", ErrInvalid)
		}
	case SinkNATS:
		if c.Sink.NATSURL == "" || c.Sink.NATSStream == "" || c.Sink.NATSSubject == "" {
			return fmt.Errorf("%w: sink.nats_url, sink.nats_stream and sink.nats_subject are required for the nats sink", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown sink kind %q", ErrInvalid, c.Sink.Kind)
	}
	if c.OpenAPI.File == "" && len(c.OpenAPI.Operations) > 0 {
		return fmt.Errorf("%w: openapi.operations needs openapi.file", ErrInvalid)
	}
	switch c.TracingExporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("%w: unknown tracing_exporter %q", ErrInvalid, c.TracingExporter)
	}
	if !strings.HasPrefix(c.Live.Path, "/") {
		return fmt.Errorf("%w: live.path must start with /", ErrInvalid)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
