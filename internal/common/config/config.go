// Package config provides configuration management for claude-code-server.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for claude-code-server.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	TaskQueue  TaskQueueConfig  `mapstructure:"taskQueue"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	RateLimit  RateLimitConfig  `mapstructure:"rateLimit"`
	Statistics StatisticsConfig `mapstructure:"statistics"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	PidFile    string           `mapstructure:"pidFile"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StorageConfig holds the on-disk JSON store locations.
type StorageConfig struct {
	DataDir string `mapstructure:"dataDir"`
}

// ExecutorConfig holds Claude CLI invocation configuration.
type ExecutorConfig struct {
	Command            string `mapstructure:"command"`
	DefaultProjectPath string `mapstructure:"defaultProjectPath"`
	DefaultModel       string `mapstructure:"defaultModel"`
}

// TaskQueueConfig holds scheduler tuning.
type TaskQueueConfig struct {
	Concurrency    int `mapstructure:"concurrency"`
	DefaultTimeout int `mapstructure:"defaultTimeout"` // per-task budget, seconds
	PollInterval   int `mapstructure:"pollInterval"`   // pending discovery tick, seconds
	StopTimeout    int `mapstructure:"stopTimeout"`    // graceful drain deadline, seconds
}

// WebhookConfig holds dispatcher tuning.
type WebhookConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	DefaultURL string `mapstructure:"defaultUrl"`
	Timeout    int    `mapstructure:"timeout"` // per-attempt HTTP timeout, seconds
	Retries    int    `mapstructure:"retries"`
}

// RateLimitConfig holds HTTP rate limiting middleware configuration.
type RateLimitConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	WindowMs    int  `mapstructure:"windowMs"`
	MaxRequests int  `mapstructure:"maxRequests"`
}

// StatisticsConfig holds the stats collector configuration.
type StatisticsConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	CollectionInterval int  `mapstructure:"collectionInterval"` // snapshot period, seconds
}

// RetentionConfig holds cleanup cutoffs.
type RetentionConfig struct {
	TaskDays    int `mapstructure:"taskDays"`
	SessionDays int `mapstructure:"sessionDays"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DefaultTimeoutDuration returns the per-task execution budget.
func (t *TaskQueueConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(t.DefaultTimeout) * time.Second
}

// PollIntervalDuration returns the pending discovery tick period.
func (t *TaskQueueConfig) PollIntervalDuration() time.Duration {
	return time.Duration(t.PollInterval) * time.Second
}

// StopTimeoutDuration returns the graceful drain deadline.
func (t *TaskQueueConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(t.StopTimeout) * time.Second
}

// TimeoutDuration returns the per-attempt webhook HTTP timeout.
func (w *WebhookConfig) TimeoutDuration() time.Duration {
	return time.Duration(w.Timeout) * time.Second
}

// Window returns the rate limit window as a time.Duration.
func (r *RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}

// CollectionIntervalDuration returns the stats snapshot period.
func (s *StatisticsConfig) CollectionIntervalDuration() time.Duration {
	return time.Duration(s.CollectionInterval) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Storage defaults
	v.SetDefault("storage.dataDir", "./data")

	// Executor defaults
	v.SetDefault("executor.command", "claude")
	v.SetDefault("executor.defaultProjectPath", ".")
	v.SetDefault("executor.defaultModel", "sonnet")

	// Task queue defaults
	v.SetDefault("taskQueue.concurrency", 3)
	v.SetDefault("taskQueue.defaultTimeout", 300)
	v.SetDefault("taskQueue.pollInterval", 1)
	v.SetDefault("taskQueue.stopTimeout", 10)

	// Webhook defaults
	v.SetDefault("webhook.enabled", true)
	v.SetDefault("webhook.defaultUrl", "")
	v.SetDefault("webhook.timeout", 10)
	v.SetDefault("webhook.retries", 3)

	// Rate limit defaults
	v.SetDefault("rateLimit.enabled", false)
	v.SetDefault("rateLimit.windowMs", 60000)
	v.SetDefault("rateLimit.maxRequests", 100)

	// Statistics defaults
	v.SetDefault("statistics.enabled", true)
	v.SetDefault("statistics.collectionInterval", 60)

	// Retention defaults
	v.SetDefault("retention.taskDays", 30)
	v.SetDefault("retention.sessionDays", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "claude-code-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("pidFile", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CLAUDE_SERVER_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/claude-code-server/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CLAUDE_SERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/claude-code-server/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Storage.DataDir == "" {
		errs = append(errs, "storage.dataDir is required")
	}

	if cfg.Executor.Command == "" {
		errs = append(errs, "executor.command is required")
	}

	if cfg.TaskQueue.Concurrency <= 0 {
		errs = append(errs, "taskQueue.concurrency must be positive")
	}
	if cfg.TaskQueue.DefaultTimeout <= 0 {
		errs = append(errs, "taskQueue.defaultTimeout must be positive")
	}
	if cfg.TaskQueue.PollInterval <= 0 {
		errs = append(errs, "taskQueue.pollInterval must be positive")
	}

	if cfg.Webhook.Retries < 1 {
		errs = append(errs, "webhook.retries must be at least 1")
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.WindowMs <= 0 {
			errs = append(errs, "rateLimit.windowMs must be positive")
		}
		if cfg.RateLimit.MaxRequests <= 0 {
			errs = append(errs, "rateLimit.maxRequests must be positive")
		}
	}

	if cfg.Statistics.Enabled && cfg.Statistics.CollectionInterval <= 0 {
		errs = append(errs, "statistics.collectionInterval must be positive")
	}

	if cfg.Retention.TaskDays <= 0 {
		errs = append(errs, "retention.taskDays must be positive")
	}
	if cfg.Retention.SessionDays <= 0 {
		errs = append(errs, "retention.sessionDays must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
