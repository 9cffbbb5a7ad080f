// Package config loads relay configuration from a YAML file and
// COLLABSYNC_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/developer-mesh/collabsync/pkg/observability"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// COLLABSYNC_RELAY_LISTEN_ADDRESS.
const EnvPrefix = "COLLABSYNC"

// Config is the main configuration structure
type Config struct {
	Environment   string               `mapstructure:"environment" validate:"oneof=dev staging prod"`
	Relay         RelayConfig          `mapstructure:"relay"`
	Redis         RedisConfig          `mapstructure:"redis"`
	Observability observability.Config `mapstructure:"observability"`
}

// RelayConfig holds the relay server settings
type RelayConfig struct {
	ListenAddress   string          `mapstructure:"listen_address" validate:"required"`
	MaxConnections  int             `mapstructure:"max_connections" validate:"min=1"`
	MaxMessageSize  int64           `mapstructure:"max_message_size" validate:"min=1024"`
	SendQueueSize   int             `mapstructure:"send_queue_size" validate:"min=1"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout" validate:"gt=0"`
	PingInterval    time.Duration   `mapstructure:"ping_interval"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout" validate:"gt=0"`
	AllowedOrigins  []string        `mapstructure:"allowed_origins"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig limits inbound messages per connection
type RateLimitConfig struct {
	Rate  float64 `mapstructure:"rate" validate:"gt=0"`
	Burst int     `mapstructure:"burst" validate:"min=1"`
}

// RedisConfig holds the multi-instance bridge settings
type RedisConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Address       string        `mapstructure:"address" validate:"required_if=Enabled true"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db" validate:"min=0"`
	ChannelPrefix string        `mapstructure:"channel_prefix" validate:"required_if=Enabled true"`
	EchoCacheSize int           `mapstructure:"echo_cache_size" validate:"min=1"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig tunes the circuit breaker around Redis publishes
type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures" validate:"min=1"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "prod"
}

// Load reads configuration from path, or from collabsync.yaml in the
// working directory or ./configs when path is empty, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collabsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional names used by container platforms
	_ = v.BindEnv("redis.address", EnvPrefix+"_REDIS_ADDRESS", "REDIS_ADDR")
	_ = v.BindEnv("observability.tracing.endpoint", EnvPrefix+"_OBSERVABILITY_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	if err := v.ReadInConfig(); err != nil {
		// The file is optional unless named explicitly
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	expandEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags of c
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// expandEnv replaces ${VAR} and ${VAR:-default} references in string values
// read from the config file.
func expandEnv(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value, ok := v.Get(key).(string)
		if !ok || !strings.Contains(value, "${") {
			continue
		}
		v.Set(key, os.Expand(value, lookupWithDefault))
	}
}

func lookupWithDefault(ref string) string {
	name, fallback, hasDefault := strings.Cut(ref, ":-")
	if value := os.Getenv(name); value != "" || !hasDefault {
		return value
	}
	return fallback
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("relay.listen_address", ":8080")
	v.SetDefault("relay.max_connections", 10000)
	v.SetDefault("relay.max_message_size", 8*1024*1024)
	v.SetDefault("relay.send_queue_size", 256)
	v.SetDefault("relay.write_timeout", 10*time.Second)
	v.SetDefault("relay.ping_interval", 30*time.Second)
	v.SetDefault("relay.shutdown_timeout", 15*time.Second)
	v.SetDefault("relay.allowed_origins", []string{})
	v.SetDefault("relay.rate_limit.rate", 100.0)
	v.SetDefault("relay.rate_limit.burst", 200)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "collabsync:room:")
	v.SetDefault("redis.echo_cache_size", 4096)
	v.SetDefault("redis.breaker.max_failures", 5)
	v.SetDefault("redis.breaker.timeout", 30*time.Second)

	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.service_name", "collabsync-relay")
	v.SetDefault("observability.tracing.environment", "dev")
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")
}
