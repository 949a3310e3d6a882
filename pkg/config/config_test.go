package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("DefaultConfig() failed validation: %v", err)
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	if err := Validate(cfg); err == nil {
		t.Error("expected validation error for invalid logging level")
	}
}

func TestValidateRequiresStatusAddressWhenEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Status.Enabled = true
	cfg.Status.Address = ""
	if err := Validate(cfg); err == nil {
		t.Error("expected validation error for enabled status server with no address")
	}
}

func TestLoadFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "fleet.db")
	cfg.MQTT.Enabled = true
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.Topic = "microbotd/actions"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Database.Path != cfg.Database.Path {
		t.Errorf("Database.Path = %q, want %q", loaded.Database.Path, cfg.Database.Path)
	}
	if !loaded.MQTT.Enabled || loaded.MQTT.Broker != cfg.MQTT.Broker {
		t.Errorf("MQTT config = %+v, want enabled broker %q", loaded.MQTT, cfg.MQTT.Broker)
	}
}

func TestLoadMissingPathFallsBackToDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") = %v", err)
	}
	if cfg.Status.Address != DefaultConfig().Status.Address {
		t.Errorf("fallback config mismatch: %+v", cfg)
	}
}
