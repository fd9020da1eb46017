// Package config loads the research service configuration from an optional
// YAML file and RESEARCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
)

// EnvPrefix prefixes every environment override (RESEARCH_SUPERVISOR_MAX_ITERATIONS, ...).
const EnvPrefix = "RESEARCH"

type SupervisorConfig struct {
	ConcurrencyLimit int `mapstructure:"concurrency_limit"`
	MaxIterations    int `mapstructure:"max_iterations"`
	HistoryWindow    int `mapstructure:"history_window"`
	TruncationBytes  int `mapstructure:"truncation_bytes"`
	MaxGuardRetries  int `mapstructure:"max_guard_retries"`
	MaxRounds        int `mapstructure:"max_rounds"`
}

type WorkerConfig struct {
	MaxIterations int `mapstructure:"max_iterations"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Base        time.Duration `mapstructure:"base"`
	ClarifyBase time.Duration `mapstructure:"clarify_base"`
}

type ProviderConfig struct {
	Name    string        `mapstructure:"name"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
	RPM     int           `mapstructure:"rpm"`
	Burst   int           `mapstructure:"burst"`
}

type CircuitBreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	SuccessThreshold uint32        `mapstructure:"success_threshold"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type StreamingConfig struct {
	Capacity int         `mapstructure:"capacity"`
	Redis    RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	MaxLen   int64         `mapstructure:"max_len"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type TemporalConfig struct {
	Host      string `mapstructure:"host"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type ReportConfig struct {
	OutputDir string `mapstructure:"output_dir"`
}

type PromptsConfig struct {
	Path string `mapstructure:"path"` // optional YAML overriding the embedded prompts
}

// Config is the full service configuration.
type Config struct {
	Supervisor     SupervisorConfig     `mapstructure:"supervisor"`
	Worker         WorkerConfig         `mapstructure:"worker"`
	Retry          RetryConfig          `mapstructure:"retry"`
	Provider       ProviderConfig       `mapstructure:"provider"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Tracing        tracing.Config       `mapstructure:"tracing"`
	Streaming      StreamingConfig      `mapstructure:"streaming"`
	Temporal       TemporalConfig       `mapstructure:"temporal"`
	Report         ReportConfig         `mapstructure:"report"`
	Prompts        PromptsConfig        `mapstructure:"prompts"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("supervisor.concurrency_limit", 1)
	v.SetDefault("supervisor.max_iterations", 2)
	v.SetDefault("supervisor.history_window", 6)
	v.SetDefault("supervisor.truncation_bytes", 1500)
	v.SetDefault("supervisor.max_guard_retries", 3)
	v.SetDefault("supervisor.max_rounds", 12)

	v.SetDefault("worker.max_iterations", 3)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base", "5s")
	v.SetDefault("retry.clarify_base", "3s")

	v.SetDefault("provider.name", "groq")
	v.SetDefault("provider.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.model", "llama-3.3-70b-versatile")
	v.SetDefault("provider.timeout", "60s")
	v.SetDefault("provider.rpm", 0)
	v.SetDefault("provider.burst", 0)

	v.SetDefault("circuit_breaker.max_requests", 3)
	v.SetDefault("circuit_breaker.interval", "60s")
	v.SetDefault("circuit_breaker.timeout", "30s")
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.success_threshold", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "shannon-research")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("streaming.capacity", 256)
	v.SetDefault("streaming.redis.addr", "")
	v.SetDefault("streaming.redis.password", "")
	v.SetDefault("streaming.redis.db", 0)
	v.SetDefault("streaming.redis.prefix", "shannon:research:events")
	v.SetDefault("streaming.redis.max_len", 1000)
	v.SetDefault("streaming.redis.ttl", "24h")

	v.SetDefault("temporal.host", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "research")

	v.SetDefault("report.output_dir", "reports")
	v.SetDefault("prompts.path", "")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads path (optional; "" uses defaults and environment only).
func Load(path string) (*Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v)
}

// Default returns the configuration with every default applied.
func Default() Config {
	cfg, err := decode(newViper(""))
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return *cfg
}

// Validate checks the knobs that have no safe fallback.
func (c *Config) Validate() error {
	var errs []error
	if c.Supervisor.ConcurrencyLimit < 1 {
		errs = append(errs, fmt.Errorf("supervisor.concurrency_limit must be >= 1, got %d", c.Supervisor.ConcurrencyLimit))
	}
	if c.Supervisor.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("supervisor.max_iterations must be >= 1, got %d", c.Supervisor.MaxIterations))
	}
	if c.Supervisor.TruncationBytes < 1 {
		errs = append(errs, fmt.Errorf("supervisor.truncation_bytes must be >= 1, got %d", c.Supervisor.TruncationBytes))
	}
	if c.Supervisor.MaxRounds < 1 {
		errs = append(errs, fmt.Errorf("supervisor.max_rounds must be >= 1, got %d", c.Supervisor.MaxRounds))
	}
	if c.Worker.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("worker.max_iterations must be >= 1, got %d", c.Worker.MaxIterations))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.Base <= 0 || c.Retry.ClarifyBase <= 0 {
		errs = append(errs, errors.New("retry.base and retry.clarify_base must be positive"))
	}
	if c.Provider.BaseURL == "" {
		errs = append(errs, errors.New("provider.base_url is required"))
	}
	if c.Provider.Model == "" {
		errs = append(errs, errors.New("provider.model is required"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
