package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the server.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	HTTPListenAddr  string        `mapstructure:"http_listen_addr" validate:"required"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
	DatabaseURL     string        `mapstructure:"database_url"`

	Model    ModelConfig    `mapstructure:"model"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ModelConfig selects where the decision model comes from and how it is cached
type ModelConfig struct {
	Source      string        `mapstructure:"source" validate:"oneof=file postgres"`
	Path        string        `mapstructure:"path" validate:"required_if=Source file"`
	Name        string        `mapstructure:"name" validate:"required_if=Source postgres"`
	CachePolicy string        `mapstructure:"cache_policy" validate:"oneof=reload cache"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
	Watch       bool          `mapstructure:"watch"`
}

// DispatchConfig controls /evaluate/batch and /evaluate/batch/parallel
type DispatchConfig struct {
	DefaultMode  string        `mapstructure:"default_mode" validate:"oneof=sequential shared isolated"`
	Concurrency  int           `mapstructure:"concurrency" validate:"gt=0"`
	ChunkSize    int           `mapstructure:"chunk_size" validate:"gt=0"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" validate:"gte=0"`
}

// PoolConfig sizes the worker pool used by /evaluate/batch/parallel/v2
type PoolConfig struct {
	Workers    int `mapstructure:"workers" validate:"gt=0"`
	QueueDepth int `mapstructure:"queue_depth" validate:"gte=0"`
	ChunkSize  int `mapstructure:"chunk_size" validate:"gt=0"`
}

// LimitsConfig bounds request sizes
type LimitsConfig struct {
	MaxBatchSize int `mapstructure:"max_batch_size" validate:"gt=0"`
}

// TracingConfig enables span export
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name" validate:"required_if=Enabled true"`
	Exporter    string `mapstructure:"exporter" validate:"oneof=otlp stdout"`
}

// DefaultWorkers is the pool size used when none is configured
func DefaultWorkers() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 8
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_listen_addr", ":8000")
	v.SetDefault("allowed_origins", []string{"http://localhost:8000"})
	v.SetDefault("shutdown_timeout", "30s")
	v.SetDefault("database_url", "")

	v.SetDefault("model.source", "file")
	v.SetDefault("model.path", "rules/energy_tariff_calculation.json")
	v.SetDefault("model.name", "energy_tariff_calculation")
	v.SetDefault("model.cache_policy", "reload")
	v.SetDefault("model.cache_ttl", "0s")
	v.SetDefault("model.watch", false)

	v.SetDefault("dispatch.default_mode", "sequential")
	v.SetDefault("dispatch.concurrency", DefaultWorkers())
	v.SetDefault("dispatch.chunk_size", 500)
	v.SetDefault("dispatch.batch_timeout", "60s")

	v.SetDefault("pool.workers", DefaultWorkers())
	v.SetDefault("pool.queue_depth", 0)
	v.SetDefault("pool.chunk_size", 1)

	v.SetDefault("limits.max_batch_size", 100000)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "tariff-rules")
	v.SetDefault("tracing.exporter", "otlp")
}

// Load loads configuration from an optional config file and environment
// variables. Nested keys map to env vars with "." replaced by "_", so
// model.cache_policy is read from MODEL_CACHE_POLICY.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./configs", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// no file: defaults and env vars are enough
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every constraint declared in the struct tags
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Model.Source == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("invalid configuration: database_url is required when model.source is postgres")
	}
	return nil
}
