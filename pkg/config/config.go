package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file used when none is given on the command line
const DefaultPath = "config.yml"

// Config holds the application configuration
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Upstream resolution
	Upstream UpstreamConfig `yaml:"upstream"`

	// Local override table
	Records RecordsConfig `yaml:"records"`

	// Per-request resolution limits
	Resolver ResolverConfig `yaml:"resolver"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	Name          string `yaml:"name"`
	ListenAddress string `yaml:"listen_address"`
}

// RecordsConfig holds settings for the override table
type RecordsConfig struct {
	Path       string `yaml:"path"`        // JSON file, absolute or relative to the working directory
	DefaultTTL uint32 `yaml:"default_ttl"` // seconds, used when a record omits ttl
	Watch      bool   `yaml:"watch"`       // warn when the file changes on disk
}

// ResolverConfig bounds the work a single request can generate
type ResolverConfig struct {
	MaxQuestions          int `yaml:"max_questions"`
	MaxConcurrentForwards int `yaml:"max_concurrent_forwards"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	TracingEnabled    bool   `yaml:"tracing_enabled"` // request and forward spans, logged at debug level
}

// Load loads the configuration from a YAML file.
// A missing file at DefaultPath is not an error: built-in defaults are used.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if path == DefaultPath && errors.Is(err, fs.ErrNotExist) {
			return LoadWithDefaults(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML configuration bytes, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Name == "" {
		c.Server.Name = "Dev DNS Server"
	}
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":53"
	}

	c.Upstream.applyDefaults()

	// Records defaults
	if c.Records.Path == "" {
		c.Records.Path = "records.json"
	}
	if c.Records.DefaultTTL == 0 {
		c.Records.DefaultTTL = 300
	}

	// Resolver defaults
	if c.Resolver.MaxQuestions == 0 {
		c.Resolver.MaxQuestions = 32
	}
	if c.Resolver.MaxConcurrentForwards == 0 {
		c.Resolver.MaxConcurrentForwards = 16
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dev-dns"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}

	if err := c.Upstream.Validate(); err != nil {
		return err
	}

	if c.Resolver.MaxQuestions < 0 {
		return &ConfigError{Field: "resolver.max_questions", Message: "must not be negative"}
	}
	if c.Resolver.MaxConcurrentForwards < 0 {
		return &ConfigError{Field: "resolver.max_concurrent_forwards", Message: "must not be negative"}
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}

