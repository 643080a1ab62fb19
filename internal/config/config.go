package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete reqtree configuration
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Validation ValidationConfig `mapstructure:"validation"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Stream     StreamConfig     `mapstructure:"stream"`
	HITL       HITLConfig       `mapstructure:"hitl"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// APIConfig describes the remote validation service
type APIConfig struct {
	// BaseURL is the scheme and host of the service, e.g. "http://localhost:8000"
	BaseURL string `mapstructure:"base_url"`
	// ValidatePath receives one POST per requirement node
	ValidatePath string `mapstructure:"validate_path"`
	// AnswerPath receives clarification answers for suspended nodes
	AnswerPath string `mapstructure:"answer_path"`
	// StreamPath is the per-session event stream. "{session}" is replaced
	// with the session ID.
	StreamPath string `mapstructure:"stream_path"`
	// RequestTimeoutMs bounds every request to the service. A stuck request
	// would otherwise hold a concurrency slot forever, so it must be positive.
	RequestTimeoutMs int `mapstructure:"request_timeout_ms"`
	// AuthToken is sent as a bearer token when set
	AuthToken string `mapstructure:"auth_token"`
}

// ValidationConfig controls the batch pipeline
type ValidationConfig struct {
	// Threshold is the minimum score for a node to pass, in (0,1]
	Threshold float64 `mapstructure:"threshold"`
	// MaxIterations is forwarded to the service as its fix-loop budget
	MaxIterations int `mapstructure:"max_iterations"`
	// MaxParallel is the number of root trees validated at once
	MaxParallel int `mapstructure:"max_parallel"`
	// MaxDepth is the depth at which split children stop being validated
	MaxDepth int `mapstructure:"max_depth"`
	// MaxNodesPerTree caps how many nodes a single root may dispatch
	MaxNodesPerTree int `mapstructure:"max_nodes_per_tree"`
	// GlobalMaxInFlight caps concurrent validate calls across all trees.
	// Zero means unlimited.
	GlobalMaxInFlight int `mapstructure:"global_max_in_flight"`
}

// RetryConfig is the retry policy for validate calls
type RetryConfig struct {
	// MaxRetries is the number of additional attempts after a retryable failure
	MaxRetries     int `mapstructure:"max_retries"`
	InitialDelayMs int `mapstructure:"initial_delay_ms"`
	MaxDelayMs     int `mapstructure:"max_delay_ms"`
}

// StreamConfig controls the progress event stream
type StreamConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	MaxRetries     int  `mapstructure:"max_retries"`
	InitialDelayMs int  `mapstructure:"initial_delay_ms"`
	MaxDelayMs     int  `mapstructure:"max_delay_ms"`
}

// HITLConfig controls human-in-the-loop suspension
type HITLConfig struct {
	// SlotPolicy decides whether a suspended node keeps its root's slot.
	// Only "release" is supported.
	SlotPolicy string `mapstructure:"slot_policy"`
}

// LoggingConfig controls debug logging
type LoggingConfig struct {
	// Enabled writes logs to Dir instead of stderr
	Enabled bool `mapstructure:"enabled"`
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
	// Dir is the log directory. Empty uses <config dir>/logs.
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	// ListenAddr serves /metrics when set, e.g. ":9090"
	ListenAddr string `mapstructure:"listen_addr"`
}

// SlotPolicyRelease gives a root's slot back as soon as its tree finishes,
// even if one of its nodes is still awaiting input.
const SlotPolicyRelease = "release"

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:          "http://localhost:8000",
			ValidatePath:     "/api/validate",
			AnswerPath:       "/api/clarification/answer",
			StreamPath:       "/api/stream/{session}",
			RequestTimeoutMs: 120000,
		},
		Validation: ValidationConfig{
			Threshold:         0.7,
			MaxIterations:     3,
			MaxParallel:       5,
			MaxDepth:          5,
			MaxNodesPerTree:   64,
			GlobalMaxInFlight: 0,
		},
		Retry: RetryConfig{
			MaxRetries:     0,
			InitialDelayMs: 1000,
			MaxDelayMs:     30000,
		},
		Stream: StreamConfig{
			Enabled:        true,
			MaxRetries:     5,
			InitialDelayMs: 1000,
			MaxDelayMs:     30000,
		},
		HITL: HITLConfig{
			SlotPolicy: SlotPolicyRelease,
		},
		Logging: LoggingConfig{
			Enabled:    false,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// RequestTimeout returns the per-request timeout as a Duration
func (c *APIConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// InitialDelay returns the first retry delay as a Duration
func (c *RetryConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMs) * time.Millisecond
}

// MaxDelay returns the retry delay cap as a Duration
func (c *RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

// InitialDelay returns the first reconnect delay as a Duration
func (c *StreamConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMs) * time.Millisecond
}

// MaxDelay returns the reconnect delay cap as a Duration
func (c *StreamConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

// ResolveDir returns the directory logs are written to
func (c *LoggingConfig) ResolveDir() string {
	if c.Dir != "" {
		return c.Dir
	}
	return filepath.Join(ConfigDir(), "logs")
}

// SetDefaults registers default values with the global viper instance
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with v
func SetDefaultsOn(v *viper.Viper) {
	defaults := Default()

	// API defaults
	v.SetDefault("api.base_url", defaults.API.BaseURL)
	v.SetDefault("api.validate_path", defaults.API.ValidatePath)
	v.SetDefault("api.answer_path", defaults.API.AnswerPath)
	v.SetDefault("api.stream_path", defaults.API.StreamPath)
	v.SetDefault("api.request_timeout_ms", defaults.API.RequestTimeoutMs)
	v.SetDefault("api.auth_token", defaults.API.AuthToken)

	// Validation defaults
	v.SetDefault("validation.threshold", defaults.Validation.Threshold)
	v.SetDefault("validation.max_iterations", defaults.Validation.MaxIterations)
	v.SetDefault("validation.max_parallel", defaults.Validation.MaxParallel)
	v.SetDefault("validation.max_depth", defaults.Validation.MaxDepth)
	v.SetDefault("validation.max_nodes_per_tree", defaults.Validation.MaxNodesPerTree)
	v.SetDefault("validation.global_max_in_flight", defaults.Validation.GlobalMaxInFlight)

	// Retry defaults
	v.SetDefault("retry.max_retries", defaults.Retry.MaxRetries)
	v.SetDefault("retry.initial_delay_ms", defaults.Retry.InitialDelayMs)
	v.SetDefault("retry.max_delay_ms", defaults.Retry.MaxDelayMs)

	// Stream defaults
	v.SetDefault("stream.enabled", defaults.Stream.Enabled)
	v.SetDefault("stream.max_retries", defaults.Stream.MaxRetries)
	v.SetDefault("stream.initial_delay_ms", defaults.Stream.InitialDelayMs)
	v.SetDefault("stream.max_delay_ms", defaults.Stream.MaxDelayMs)

	// HITL defaults
	v.SetDefault("hitl.slot_policy", defaults.HITL.SlotPolicy)

	// Logging defaults
	v.SetDefault("logging.enabled", defaults.Logging.Enabled)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.dir", defaults.Logging.Dir)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.compress", defaults.Logging.Compress)

	// Metrics defaults
	v.SetDefault("metrics.listen_addr", defaults.Metrics.ListenAddr)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom unmarshals and validates the configuration held by v
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults if the
// loaded configuration is invalid
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "reqtree")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".reqtree"
	}
	return filepath.Join(home, ".config", "reqtree")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
