package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultAPIKeyHeader is the engine's API-key header name.
const DefaultAPIKeyHeader = "X-N8N-API-KEY"

// Config holds the engine connection settings shared by every component.
// Retry and polling behaviour keep their own configs in the resilience and
// polling packages; this struct covers the transport and ambient concerns.
type Config struct {
	// BaseURL is the engine root, e.g. "https://n8n.example.com".
	BaseURL string `yaml:"base_url" json:"base_url"`

	// APIKey authenticates REST API calls. Empty means unauthenticated:
	// webhook triggers still work, execution-id discovery does not.
	APIKey string `yaml:"api_key" json:"api_key"`

	// APIKeyHeader is the header name carrying the key.
	APIKeyHeader string `yaml:"api_key_header" json:"api_key_header"`

	// RequestTimeout bounds each transport call.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// HealthCheckInterval is the cadence of the background health probe.
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`

	// Headers are merged into every request after the API-key header, so
	// caller-supplied values win.
	Headers map[string]string `yaml:"headers" json:"headers"`

	// LogLevel is DEBUG, INFO, WARN or ERROR.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// LogFormat is "text" or "json". Empty auto-detects.
	LogFormat string `yaml:"log_format" json:"log_format"`

	// TelemetryEnabled turns on the OpenTelemetry bridge.
	TelemetryEnabled bool `yaml:"telemetry_enabled" json:"telemetry_enabled"`

	configFile string
}

// Option customizes a Config.
type Option func(*Config)

// WithBaseURL sets the engine root URL.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = strings.TrimSuffix(url, "/")
	}
}

// WithAPIKey sets the engine API key.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithAPIKeyHeader overrides the API-key header name.
func WithAPIKeyHeader(name string) Option {
	return func(c *Config) {
		c.APIKeyHeader = name
	}
}

// WithRequestTimeout sets the per-request transport timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

// WithHealthCheckInterval sets the background health probe cadence.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(c *Config) {
		c.HealthCheckInterval = d
	}
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) Option {
	return func(c *Config) {
		if c.Headers == nil {
			c.Headers = make(map[string]string)
		}
		c.Headers[key] = value
	}
}

// WithLogLevel sets the log level.
func WithLogLevel(level string) Option {
	return func(c *Config) {
		c.LogLevel = strings.ToUpper(level)
	}
}

// WithLogFormat sets the log output format ("text" or "json").
func WithLogFormat(format string) Option {
	return func(c *Config) {
		c.LogFormat = format
	}
}

// WithTelemetry enables the OpenTelemetry bridge.
func WithTelemetry(enabled bool) Option {
	return func(c *Config) {
		c.TelemetryEnabled = enabled
	}
}

// WithConfigFile loads settings from a YAML or JSON file before the
// remaining options are applied.
func WithConfigFile(path string) Option {
	return func(c *Config) {
		c.configFile = path
	}
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		APIKeyHeader:        DefaultAPIKeyHeader,
		RequestTimeout:      30 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		LogLevel:            "INFO",
	}
}

// NewConfig builds a Config in priority order: defaults, environment,
// config file (when given), explicit options, then validation.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	// Apply options once to pick up WithConfigFile, then load the file and
	// re-apply so explicit options override file values.
	staged := *cfg
	for _, opt := range opts {
		opt(&staged)
	}
	if staged.configFile != "" {
		if err := cfg.LoadFromFile(staged.configFile); err != nil {
			return nil, err
		}
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv fills settings from N8N_* environment variables.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("N8N_BASE_URL"); v != "" {
		c.BaseURL = strings.TrimSuffix(v, "/")
	}
	if v := os.Getenv("N8N_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("N8N_API_KEY_HEADER"); v != "" {
		c.APIKeyHeader = v
	}
	if v := os.Getenv("N8N_REQUEST_TIMEOUT"); v != "" {
		d, err := parseDurationEnv(v)
		if err != nil {
			return fmt.Errorf("invalid N8N_REQUEST_TIMEOUT: %w", err)
		}
		c.RequestTimeout = d
	}
	if v := os.Getenv("N8N_HEALTH_CHECK_INTERVAL"); v != "" {
		d, err := parseDurationEnv(v)
		if err != nil {
			return fmt.Errorf("invalid N8N_HEALTH_CHECK_INTERVAL: %w", err)
		}
		c.HealthCheckInterval = d
	}
	if v := os.Getenv("N8N_LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToUpper(v)
	}
	if v := os.Getenv("N8N_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("N8N_TELEMETRY_ENABLED"); v != "" {
		c.TelemetryEnabled = v == "true" || v == "1"
	}
	return nil
}

// parseDurationEnv accepts either a Go duration string or bare seconds.
func parseDurationEnv(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("want duration or seconds, got %q", v)
	}
	return time.Duration(secs) * time.Second, nil
}

// LoadFromFile merges settings from a YAML or JSON file.
func (c *Config) LoadFromFile(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file type %q", ext)
	}

	data, err := os.ReadFile(path) // #nosec G304 - caller chooses the path
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing YAML config: %w", err)
		}
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	return nil
}

// Validate checks the configuration for use against a live engine.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("base URL must start with http:// or https://, got %q", c.BaseURL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout)
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("health check interval must be positive, got %v", c.HealthCheckInterval)
	}
	if c.APIKeyHeader == "" {
		c.APIKeyHeader = DefaultAPIKeyHeader
	}
	switch c.LogLevel {
	case "", "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}
