package voice

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains configuration for the voice connection manager
type Config struct {
	// Environment forces a deployment class (local, docker, vps); empty means detect.
	Environment string `json:"environment" yaml:"environment"`

	EventBufferSize      int           `json:"event_buffer_size" yaml:"event_buffer_size"`
	ExportEventCount     int           `json:"export_event_count" yaml:"export_event_count"`
	Jitter               float64       `json:"jitter" yaml:"jitter"`
	HighLatencyThreshold time.Duration `json:"high_latency_threshold" yaml:"high_latency_threshold"`
	ShutdownGracePeriod  time.Duration `json:"shutdown_grace_period" yaml:"shutdown_grace_period"`

	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// LoggingConfig contains configuration for logging
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	Output string `json:"output" yaml:"output"`
	Caller bool   `json:"caller" yaml:"caller"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		EventBufferSize:      100,
		ExportEventCount:     50,
		Jitter:               DefaultJitter,
		HighLatencyThreshold: 500 * time.Millisecond,
		ShutdownGracePeriod:  10 * time.Second,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadFromFile overlays values from a YAML file onto the configuration
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read voice config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse voice config %s: %w", path, err)
	}
	return nil
}

// LoadFromEnvironment loads configuration values from environment variables
func (c *Config) LoadFromEnvironment() {
	if val := os.Getenv("VOICE_DEPLOYMENT_TYPE"); val != "" {
		c.Environment = val
	}

	if val := os.Getenv("VOICE_EVENT_BUFFER"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			c.EventBufferSize = size
		}
	}

	if val := os.Getenv("VOICE_JITTER"); val != "" {
		if jitter, err := strconv.ParseFloat(val, 64); err == nil {
			c.Jitter = jitter
		}
	}

	if val := os.Getenv("VOICE_HIGH_LATENCY_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			c.HighLatencyThreshold = time.Duration(ms) * time.Millisecond
		}
	}

	if val := os.Getenv("VOICE_SHUTDOWN_GRACE"); val != "" {
		if grace, err := time.ParseDuration(val); err == nil {
			c.ShutdownGracePeriod = grace
		}
	}

	// Logging
	if val := os.Getenv("VOICE_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}

	if val := os.Getenv("VOICE_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}
}

// Validate validates the configuration and returns any errors
func (c *Config) Validate() error {
	var errors []string

	if c.Environment != "" {
		if _, ok := ParseEnvironment(c.Environment); !ok {
			errors = append(errors, "environment must be one of: local, docker, vps")
		}
	}

	if c.EventBufferSize <= 0 {
		errors = append(errors, "event_buffer_size must be > 0")
	}

	if c.ExportEventCount < 0 {
		errors = append(errors, "export_event_count must be >= 0")
	}

	if c.Jitter < 0 || c.Jitter >= 1 {
		errors = append(errors, "jitter must be in [0, 1)")
	}

	if c.HighLatencyThreshold <= 0 {
		errors = append(errors, "high_latency_threshold must be > 0")
	}

	if c.ShutdownGracePeriod <= 0 {
		errors = append(errors, "shutdown_grace_period must be > 0")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "disabled": true,
	}
	if !validLogLevels[c.Logging.Level] {
		errors = append(errors, "logging level must be one of: debug, info, warn, error, fatal, disabled")
	}

	validLogFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		errors = append(errors, "logging format must be one of: json, text, console")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

// validateProfile checks a profile supplied by the caller rather than detected
func validateProfile(p PolicyProfile) error {
	var errors []string

	if p.MaxRetryAttempts < 0 {
		errors = append(errors, "max_retry_attempts must be >= 0")
	}
	if p.BaseRetryDelay <= 0 {
		errors = append(errors, "base_retry_delay must be > 0")
	}
	if p.MaxRetryDelay < p.BaseRetryDelay {
		errors = append(errors, "max_retry_delay must be >= base_retry_delay")
	}
	if p.ConnectionTimeout <= 0 {
		errors = append(errors, "connection_timeout must be > 0")
	}
	if p.CircuitBreakerThreshold <= 0 {
		errors = append(errors, "circuit_breaker_threshold must be > 0")
	}
	if p.HealthCheckInterval <= 0 {
		errors = append(errors, "health_check_interval must be > 0")
	}

	if len(errors) > 0 {
		return fmt.Errorf("policy profile validation failed: %v", errors)
	}
	return nil
}
