// Package config loads relayd configuration from a YAML file with an
// environment overlay. Environment variables use the RELAY_ prefix and
// win over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// OTelConfig controls the OpenTelemetry provider. Disabled means no-op
// tracers and meters with zero overhead.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled" envconfig:"OTEL_ENABLED"`
	Exporter    string  `yaml:"exporter" envconfig:"OTEL_EXPORTER"` // "stdout" or "otlp"
	Endpoint    string  `yaml:"endpoint" envconfig:"OTEL_ENDPOINT"`
	ServiceName string  `yaml:"service_name" envconfig:"OTEL_SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate" envconfig:"OTEL_SAMPLE_RATE"`
}

// MaintenanceConfig controls the periodic housekeeping jobs.
type MaintenanceConfig struct {
	// CheckpointSchedule is a cron expression for WAL checkpoints.
	CheckpointSchedule string `yaml:"checkpoint_schedule" envconfig:"CHECKPOINT_SCHEDULE"`
	// LivenessWindowMinutes is the window for the "recently seen"
	// directory snapshot. Informational only.
	LivenessWindowMinutes int `yaml:"liveness_window_minutes" envconfig:"LIVENESS_WINDOW_MINUTES"`
}

// Config is the root relayd configuration.
type Config struct {
	HomeDir string `yaml:"-" envconfig:"-"`

	BindAddr string `yaml:"bind_addr" envconfig:"BIND_ADDR"`
	DBPath   string `yaml:"db_path" envconfig:"DB_PATH"`
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`

	// AuthToken, when set, is required as a Bearer token on every
	// protocol request. Empty disables auth (local use).
	AuthToken string `yaml:"auth_token" envconfig:"AUTH_TOKEN"`

	// AllowOrigins controls accepted Origin headers for browser
	// WebSocket connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins" envconfig:"ALLOW_ORIGINS"`

	OTel        OTelConfig        `yaml:"otel"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// DefaultHomeDir returns the data directory (~/.agentrelay).
func DefaultHomeDir() string {
	if v := os.Getenv("RELAY_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentrelay")
}

// Path returns the config file location under the given home directory.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from homeDir (missing file is fine: defaults
// apply), overlays RELAY_* environment variables, and fills defaults.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := &Config{HomeDir: homeDir}

	raw, err := os.ReadFile(Path(homeDir))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", Path(homeDir), err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg.HomeDir = homeDir

	if err := envconfig.Process("relay", cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:7350"
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.HomeDir, "relay.db")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.OTel.Exporter == "" {
		c.OTel.Exporter = "stdout"
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = "agentrelay"
	}
	if c.OTel.SampleRate <= 0 || c.OTel.SampleRate > 1 {
		c.OTel.SampleRate = 1
	}
	if c.Maintenance.CheckpointSchedule == "" {
		c.Maintenance.CheckpointSchedule = "@every 15m"
	}
	if c.Maintenance.LivenessWindowMinutes <= 0 {
		c.Maintenance.LivenessWindowMinutes = 10
	}
}

// Save writes the config back to its YAML file. Used by relayctl-side
// provisioning and tests; relayd itself never writes config.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(Path(c.HomeDir), raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
