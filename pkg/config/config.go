// Package config handles configuration loading and management.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default config file locations.
var configPaths = []string{
	"./config.yaml",
	"./config.yml",
	"./microbotd.yaml",
	"./microbotd.yml",
	"~/.config/microbotd/config.yaml",
	"/etc/microbotd/config.yaml",
}

// Config is the daemon's top-level configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	BLE       BLEConfig       `yaml:"ble"`
	Hub       HubConfig       `yaml:"hub"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Status    StatusConfig    `yaml:"status"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Rules     RulesConfig     `yaml:"rules"`
}

// LoggingConfig controls pkg/logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
	Output string `yaml:"output" validate:"oneof=stdout file"`
	File   string `yaml:"file"`
}

// DatabaseConfig points at the sqlite file backing persistence.Store.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// BLEConfig carries an adapter name. The daemon does not read it; it
// always uses the default BLE adapter.
type BLEConfig struct {
	Adapter string `yaml:"adapter"`
}

// HubConfig bounds device-registry aging.
type HubConfig struct {
	MaxAge time.Duration `yaml:"max_age" validate:"required"`
}

// SchedulerConfig bounds the action-queue loop.
type SchedulerConfig struct {
	MinWait  time.Duration `yaml:"min_wait" validate:"required"`
	MaxWait  time.Duration `yaml:"max_wait" validate:"required"`
	IdleWait time.Duration `yaml:"idle_wait" validate:"required"`
}

// StatusConfig controls the HTTP status/metrics/websocket server.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address" validate:"required_if=Enabled true"`
}

// MQTTConfig controls the optional action-ingest bridge.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker" validate:"required_if=Enabled true"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic" validate:"required_if=Enabled true"`
}

// RulesConfig points at the optional Lua advertisement filter.
type RulesConfig struct {
	ScriptPath string `yaml:"script_path"`
}

// Load loads configuration from path, or the first default location found,
// or DefaultConfig if none exists.
func Load(path string) (*Config, error) {
	if path != "" {
		return loadFile(path)
	}

	for _, p := range configPaths {
		if len(p) > 0 && p[0] == '~' {
			home, err := os.UserHomeDir()
			if err == nil {
				p = filepath.Join(home, p[2:])
			}
		}
		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}

	return DefaultConfig(), nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Save writes cfg as YAML to path, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns a configuration sufficient to run against a real
// BLE adapter with an on-disk sqlite store and the status server enabled.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Database: DatabaseConfig{
			Path: "./microbotd.db",
		},
		BLE: BLEConfig{
			Adapter: "default",
		},
		Hub: HubConfig{
			MaxAge: 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			MinWait:  1 * time.Second,
			MaxWait:  10 * time.Second,
			IdleWait: 30 * time.Second,
		},
		Status: StatusConfig{
			Enabled: true,
			Address: ":8080",
		},
		MQTT: MQTTConfig{
			Enabled: false,
		},
		Rules: RulesConfig{},
	}
}
