// Package config holds application configuration: timing constants
// for the protocol and the recording sequence, loaded from an
// optional YAML file with struct-tag defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// ScanTimeout bounds a discovery session; scanning auto-stops.
	ScanTimeout time.Duration `yaml:"scan_timeout" default:"15s"`

	// CommandTimeout is the per-command response deadline.
	CommandTimeout time.Duration `yaml:"command_timeout" default:"5s"`

	// ReconnectWait bounds the saved-device reconnect attempt before
	// falling back to manual scanning.
	ReconnectWait time.Duration `yaml:"reconnect_wait" default:"5s"`

	// RetryDelay is the single-retry delay for opportunistic sends
	// made while disconnected.
	RetryDelay time.Duration `yaml:"retry_delay" default:"1s"`

	// StepDelay paces the recording start/stop command sequence to
	// accommodate device-side processing latency.
	StepDelay time.Duration `yaml:"step_delay" default:"500ms"`

	// RegistryPath is the sqlite file remembering the last-connected
	// headset.
	RegistryPath string `yaml:"registry_path" default:""`

	// TestSignal and LeadOffDetect toggle the optional steps of the
	// recording start sequence.
	TestSignal    bool `yaml:"test_signal" default:"false"`
	LeadOffDetect bool `yaml:"lead_off_detect" default:"true"`
}

// UnmarshalYAML accepts duration values in time.ParseDuration form
// ("5s", "500ms"); yaml.v3 has no native time.Duration support.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		LogLevel       *string `yaml:"log_level"`
		ScanTimeout    *string `yaml:"scan_timeout"`
		CommandTimeout *string `yaml:"command_timeout"`
		ReconnectWait  *string `yaml:"reconnect_wait"`
		RetryDelay     *string `yaml:"retry_delay"`
		StepDelay      *string `yaml:"step_delay"`
		RegistryPath   *string `yaml:"registry_path"`
		TestSignal     *bool   `yaml:"test_signal"`
		LeadOffDetect  *bool   `yaml:"lead_off_detect"`
	}

	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}

	setDuration := func(dst *time.Duration, src *string, key string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	if r.LogLevel != nil {
		c.LogLevel = *r.LogLevel
	}
	if r.RegistryPath != nil {
		c.RegistryPath = *r.RegistryPath
	}
	if r.TestSignal != nil {
		c.TestSignal = *r.TestSignal
	}
	if r.LeadOffDetect != nil {
		c.LeadOffDetect = *r.LeadOffDetect
	}
	for _, f := range []struct {
		dst *time.Duration
		src *string
		key string
	}{
		{&c.ScanTimeout, r.ScanTimeout, "scan_timeout"},
		{&c.CommandTimeout, r.CommandTimeout, "command_timeout"},
		{&c.ReconnectWait, r.ReconnectWait, "reconnect_wait"},
		{&c.RetryDelay, r.RetryDelay, "retry_delay"},
		{&c.StepDelay, r.StepDelay, "step_delay"},
	} {
		if err := setDuration(f.dst, f.src, f.key); err != nil {
			return err
		}
	}
	return nil
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads YAML from path over the defaults. A missing file is not
// an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
