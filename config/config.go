// Package config loads the server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	Server struct {
		Address      string `yaml:"address" env:"XPRA_ADDRESS"`
		CertValidity string `yaml:"cert_validity,omitempty" env:"XPRA_CERT_VALIDITY"`
	} `yaml:"server"`

	Session struct {
		IdleTimeout        string `yaml:"idle_timeout" env:"XPRA_IDLE_TIMEOUT"`
		GracePercent       int    `yaml:"grace_percent" env:"XPRA_GRACE_PERCENT"`
		BandwidthLimit     int64  `yaml:"bandwidth_limit" env:"XPRA_BANDWIDTH_LIMIT"`
		BandwidthDetection bool   `yaml:"bandwidth_detection" env:"XPRA_BANDWIDTH_DETECTION"`
		AVSync             bool   `yaml:"av_sync" env:"XPRA_AV_SYNC"`
		AVSyncDelta        int    `yaml:"av_sync_delta" env:"XPRA_AV_SYNC_DELTA"`
		CompressLevel      int    `yaml:"compress_level" env:"XPRA_COMPRESS_LEVEL"`
	} `yaml:"session"`

	Log struct {
		Level string `yaml:"level" env:"XPRA_LOG_LEVEL"`
	} `yaml:"log"`
}

// Default returns the built-in defaults.
func Default() *Config {
	c := &Config{}
	c.Server.Address = ":14500"
	c.Server.CertValidity = "8760h" // one year
	c.Session.IdleTimeout = "0"     // disabled
	c.Session.GracePercent = 90
	c.Session.BandwidthDetection = true
	c.Session.AVSync = true
	c.Session.CompressLevel = 1
	c.Log.Level = "info"
	return c
}

// Load builds the configuration from defaults, the optional YAML file
// at path, and environment variable overrides, then validates it.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	c.applyEnvironment()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnvironment() {
	if v := os.Getenv("XPRA_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("XPRA_CERT_VALIDITY"); v != "" {
		c.Server.CertValidity = v
	}
	if v := os.Getenv("XPRA_IDLE_TIMEOUT"); v != "" {
		c.Session.IdleTimeout = v
	}
	if v, ok := envInt("XPRA_GRACE_PERCENT"); ok {
		c.Session.GracePercent = int(v)
	}
	if v, ok := envInt("XPRA_BANDWIDTH_LIMIT"); ok {
		c.Session.BandwidthLimit = v
	}
	if v, ok := envBool("XPRA_BANDWIDTH_DETECTION"); ok {
		c.Session.BandwidthDetection = v
	}
	if v, ok := envBool("XPRA_AV_SYNC"); ok {
		c.Session.AVSync = v
	}
	if v, ok := envInt("XPRA_AV_SYNC_DELTA"); ok {
		c.Session.AVSyncDelta = int(v)
	}
	if v, ok := envInt("XPRA_COMPRESS_LEVEL"); ok {
		c.Session.CompressLevel = int(v)
	}
	if v := os.Getenv("XPRA_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func envInt(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if _, err := time.ParseDuration(c.Server.CertValidity); err != nil {
		return fmt.Errorf("invalid cert validity: %w", err)
	}
	if _, err := time.ParseDuration(c.Session.IdleTimeout); err != nil {
		return fmt.Errorf("invalid idle timeout: %w", err)
	}
	if c.Session.GracePercent <= 0 || c.Session.GracePercent > 100 {
		return fmt.Errorf("grace percent must be in (0,100], got %d", c.Session.GracePercent)
	}
	if c.Session.BandwidthLimit < 0 {
		return fmt.Errorf("bandwidth limit cannot be negative")
	}
	if c.Session.CompressLevel < 0 || c.Session.CompressLevel > 9 {
		return fmt.Errorf("compress level must be in [0,9], got %d", c.Session.CompressLevel)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// IdleTimeout returns the parsed idle timeout.
func (c *Config) IdleTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Session.IdleTimeout)
	return d
}

// CertValidity returns the parsed certificate validity.
func (c *Config) CertValidity() time.Duration {
	d, _ := time.ParseDuration(c.Server.CertValidity)
	return d
}

// LogLevel returns the parsed slog level.
func (c *Config) LogLevel() slog.Level {
	l, _ := parseLevel(c.Log.Level)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
	}
}
