package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// StorageConfig controls the tier thresholds and eviction policy of the
// storage governor.
type StorageConfig struct {
	// HotDays / WarmDays are the recency windows for tier derivation.
	HotDays  int `yaml:"hot_days"`
	WarmDays int `yaml:"warm_days"`

	// WarningBytes triggers eviction of cold meeting blobs.
	// CriticalBytes additionally triggers oldest-first warm eviction.
	WarningBytes  int64 `yaml:"warning_bytes"`
	CriticalBytes int64 `yaml:"critical_bytes"`

	// WarmBatchSize bounds how many warm meetings a single governor pass
	// may evict once the critical threshold is crossed.
	WarmBatchSize int `yaml:"warm_batch_size"`

	// Schedule is a 5-field cron expression for governor runs.
	Schedule string `yaml:"schedule"`
}

// SyncConfig controls the sync engine.
type SyncConfig struct {
	// Backend selects the remote snapshot backend: "httprelay", "couch",
	// "gist", or "file".
	Backend string `yaml:"backend"`

	// RelayURL is the base URL for the httprelay backend.
	RelayURL string `yaml:"relay_url"`

	// CouchURL / CouchDatabase configure the CouchDB backend.
	CouchURL      string `yaml:"couch_url"`
	CouchDatabase string `yaml:"couch_database"`

	// GistID / GistToken configure the gist backend. The token is usually
	// supplied via MINDER_GIST_TOKEN rather than the file.
	GistID    string `yaml:"gist_id"`
	GistToken string `yaml:"gist_token"`

	// FileDir is the directory for the local file backend.
	FileDir string `yaml:"file_dir"`

	// AutoPush enables debounced background pushes on local changes.
	AutoPush bool `yaml:"auto_push"`

	// MinIntervalSeconds is the floor between two auto-pushes.
	// SettleSeconds is the quiet period required after the last change.
	MinIntervalSeconds int `yaml:"min_interval_seconds"`
	SettleSeconds      int `yaml:"settle_seconds"`

	// TimeoutSeconds bounds a single push or pull attempt.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// LockTimeoutSeconds is the stale-lock expiry for the advisory sync lock.
	LockTimeoutSeconds int `yaml:"lock_timeout_seconds"`
}

// OTelConfig mirrors the observability settings consumed by internal/otel.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// DeviceID identifies this device in snapshot headers. Generated and
	// persisted on first load when absent.
	DeviceID   string `yaml:"device_id"`
	DeviceName string `yaml:"device_name"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	Storage StorageConfig `yaml:"storage"`
	Sync    SyncConfig    `yaml:"sync"`
	OTel    OTelConfig    `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Storage: StorageConfig{
			HotDays:       7,
			WarmDays:      30,
			WarningBytes:  256 << 20, // 256 MiB
			CriticalBytes: 512 << 20, // 512 MiB
			WarmBatchSize: 10,
			Schedule:      "0 * * * *", // hourly
		},
		Sync: SyncConfig{
			Backend:            "file",
			AutoPush:           true,
			MinIntervalSeconds: 5,
			SettleSeconds:      2,
			TimeoutSeconds:     30,
			LockTimeoutSeconds: 60,
		},
	}
}

// HomeDir resolves the data directory: MINDER_HOME or ~/.minder.
func HomeDir() string {
	if override := os.Getenv("MINDER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".minder")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the home dir, applies defaults and env
// overrides, and persists a generated device id on first run.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create minder home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		if err := persistDeviceID(configPath, cfg.DeviceID); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MINDER_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MINDER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MINDER_BACKEND"); v != "" {
		cfg.Sync.Backend = v
	}
	if v := os.Getenv("MINDER_RELAY_URL"); v != "" {
		cfg.Sync.RelayURL = v
	}
	if v := os.Getenv("MINDER_COUCH_URL"); v != "" {
		cfg.Sync.CouchURL = v
	}
	if v := os.Getenv("MINDER_GIST_TOKEN"); v != "" {
		cfg.Sync.GistToken = v
	}
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "minder.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DeviceName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "unknown-device"
		}
		cfg.DeviceName = host
	}
	s := &cfg.Storage
	if s.HotDays <= 0 {
		s.HotDays = 7
	}
	if s.WarmDays <= s.HotDays {
		s.WarmDays = 30
	}
	if s.WarningBytes <= 0 {
		s.WarningBytes = 256 << 20
	}
	if s.CriticalBytes <= s.WarningBytes {
		s.CriticalBytes = 2 * s.WarningBytes
	}
	if s.WarmBatchSize <= 0 {
		s.WarmBatchSize = 10
	}
	if s.Schedule == "" {
		s.Schedule = "0 * * * *"
	}
	y := &cfg.Sync
	if y.Backend == "" {
		y.Backend = "file"
	}
	if y.FileDir == "" {
		y.FileDir = filepath.Join(cfg.HomeDir, "snapshots")
	}
	if y.MinIntervalSeconds <= 0 {
		y.MinIntervalSeconds = 5
	}
	if y.SettleSeconds <= 0 {
		y.SettleSeconds = 2
	}
	if y.TimeoutSeconds <= 0 {
		y.TimeoutSeconds = 30
	}
	if y.LockTimeoutSeconds <= 0 {
		y.LockTimeoutSeconds = 60
	}
}

// persistDeviceID writes the generated device id back to config.yaml,
// preserving any other keys already present.
func persistDeviceID(configPath, deviceID string) error {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	raw["device_id"] = deviceID
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.WriteFile(configPath, out, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

// MinInterval returns the auto-push interval floor as a duration.
func (c SyncConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSeconds) * time.Second
}

// Settle returns the auto-push settle delay as a duration.
func (c SyncConfig) Settle() time.Duration {
	return time.Duration(c.SettleSeconds) * time.Second
}

// Timeout returns the per-attempt push/pull timeout as a duration.
func (c SyncConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LockTimeout returns the advisory sync-lock stale expiry as a duration.
func (c SyncConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config, used to detect
// changes on hot reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|backend=%s|warn=%d|crit=%d|batch=%d|sched=%s|auto=%v",
		c.DBPath, c.LogLevel, c.Sync.Backend,
		c.Storage.WarningBytes, c.Storage.CriticalBytes, c.Storage.WarmBatchSize,
		c.Storage.Schedule, c.Sync.AutoPush)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
