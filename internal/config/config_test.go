package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func loadFromTempHome(t *testing.T, yamlBody string) Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("MINDER_HOME", home)
	if yamlBody != "" {
		if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yamlBody), 0o644); err != nil {
			t.Fatalf("write config.yaml: %v", err)
		}
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadFromTempHome(t, "")

	if cfg.Storage.HotDays != 7 || cfg.Storage.WarmDays != 30 {
		t.Fatalf("tier windows = %d/%d, want 7/30", cfg.Storage.HotDays, cfg.Storage.WarmDays)
	}
	if cfg.Sync.MinIntervalSeconds != 5 || cfg.Sync.SettleSeconds != 2 {
		t.Fatalf("debounce = %d/%d, want 5/2", cfg.Sync.MinIntervalSeconds, cfg.Sync.SettleSeconds)
	}
	if cfg.Sync.LockTimeoutSeconds != 60 {
		t.Fatalf("lock timeout = %d, want 60", cfg.Sync.LockTimeoutSeconds)
	}
	if cfg.Sync.Backend != "file" {
		t.Fatalf("backend = %q, want file", cfg.Sync.Backend)
	}
	if !strings.HasSuffix(cfg.DBPath, "minder.db") {
		t.Fatalf("db path = %q, want <home>/minder.db", cfg.DBPath)
	}
}

func TestLoad_GeneratesAndPersistsDeviceID(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MINDER_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DeviceID == "" {
		t.Fatal("expected generated device id")
	}

	// A second load must return the same id.
	cfg2, err := Load()
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if cfg2.DeviceID != cfg.DeviceID {
		t.Fatalf("device id changed across loads: %q vs %q", cfg.DeviceID, cfg2.DeviceID)
	}

	raw, err := os.ReadFile(filepath.Join(home, "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}
	if !strings.Contains(string(raw), cfg.DeviceID) {
		t.Fatalf("device id not persisted to config.yaml: %s", raw)
	}
}

func TestLoad_FileValuesAndNormalize(t *testing.T) {
	cfg := loadFromTempHome(t, `
device_id: dev-abc
log_level: debug
storage:
  hot_days: 3
  warm_days: 2
  warning_bytes: 1024
  critical_bytes: 512
sync:
  backend: httprelay
  relay_url: https://relay.example.com
  min_interval_seconds: -1
`)

	if cfg.DeviceID != "dev-abc" {
		t.Fatalf("device id = %q, want dev-abc", cfg.DeviceID)
	}
	if cfg.Storage.HotDays != 3 {
		t.Fatalf("hot days = %d, want 3", cfg.Storage.HotDays)
	}
	// warm_days <= hot_days is normalized back to the default.
	if cfg.Storage.WarmDays != 30 {
		t.Fatalf("warm days = %d, want normalized 30", cfg.Storage.WarmDays)
	}
	// critical <= warning is normalized to 2x warning.
	if cfg.Storage.CriticalBytes != 2048 {
		t.Fatalf("critical bytes = %d, want 2048", cfg.Storage.CriticalBytes)
	}
	if cfg.Sync.Backend != "httprelay" || cfg.Sync.RelayURL != "https://relay.example.com" {
		t.Fatalf("sync backend = %q url = %q", cfg.Sync.Backend, cfg.Sync.RelayURL)
	}
	if cfg.Sync.MinIntervalSeconds != 5 {
		t.Fatalf("min interval = %d, want normalized 5", cfg.Sync.MinIntervalSeconds)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MINDER_HOME", home)
	t.Setenv("MINDER_BACKEND", "couch")
	t.Setenv("MINDER_COUCH_URL", "http://localhost:5984")
	t.Setenv("MINDER_LOG_LEVEL", "warn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Sync.Backend != "couch" {
		t.Fatalf("backend = %q, want couch", cfg.Sync.Backend)
	}
	if cfg.Sync.CouchURL != "http://localhost:5984" {
		t.Fatalf("couch url = %q", cfg.Sync.CouchURL)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level = %q, want warn", cfg.LogLevel)
	}
}

func TestFingerprint_ChangesWithConfig(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs should share a fingerprint")
	}
	b.Storage.WarningBytes = 1
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change when thresholds change")
	}
}
