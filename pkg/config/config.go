package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/keytap/internal/session"
	"gopkg.in/yaml.v3"
)

// DataDirName is the data directory created under the user's home.
const DataDirName = ".keytap"

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level"` // empty keeps the logger silent

	ServiceUUID        string `yaml:"service_uuid" default:"7d2ea9a0-4c5e-4b8e-9f3a-1a2b3c4d5e6f"`
	CharacteristicUUID string `yaml:"characteristic_uuid" default:"7d2ea9a1-4c5e-4b8e-9f3a-1a2b3c4d5e6f"`

	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"10s"`
	WriteTimeout   time.Duration `yaml:"write_timeout" default:"5s"`

	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" default:"3"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay" default:"1s"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay" default:"8s"`
	AutoReconnect        bool          `yaml:"auto_reconnect" default:"true"`

	SettleDelay    time.Duration `yaml:"settle_delay" default:"1500ms"`
	SignalInterval time.Duration `yaml:"signal_interval" default:"2s"`

	DataDir string `yaml:"data_dir"` // empty means $HOME/.keytap
	Color   bool   `yaml:"color" default:"true"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default value.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(path), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// Validate checks the log level and every session setting.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	return c.SessionOptions().Validate()
}

// Level resolves LogLevel. An empty level is PanicLevel, which keeps
// diagnostic logging silent.
func (c *Config) Level() (logrus.Level, error) {
	if strings.TrimSpace(c.LogLevel) == "" {
		return logrus.PanicLevel, nil
	}
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.PanicLevel, fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	return level, nil
}

// SessionOptions converts the configuration to machine options.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		ServiceUUID:          c.ServiceUUID,
		CharacteristicUUID:   c.CharacteristicUUID,
		ScanTimeout:          c.ScanTimeout,
		ConnectTimeout:       c.ConnectTimeout,
		WriteTimeout:         c.WriteTimeout,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ReconnectBaseDelay:   c.ReconnectBaseDelay,
		ReconnectMaxDelay:    c.ReconnectMaxDelay,
		SettleDelay:          c.SettleDelay,
		SignalInterval:       c.SignalInterval,
	}
}

// ResolveDataDir returns DataDir, falling back to $HOME/.keytap.
func (c *Config) ResolveDataDir() (string, error) {
	if c.DataDir != "" {
		return c.DataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("cannot determine the home directory; set data_dir or --data-dir")
	}
	return filepath.Join(home, DataDirName), nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	level, err := c.Level()
	if err != nil {
		level = logrus.InfoLevel
	}

	logger := logrus.New()
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
