// Package config loads swarmstore configuration from config.yaml under the
// store home, with environment overrides for the settings workers commonly
// tune per invocation.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// RetentionConfig holds the purge windows (days). 0 = keep forever.
type RetentionConfig struct {
	EventsDays   int `yaml:"events_days"`
	AuditLogDays int `yaml:"audit_log_days"`
	SessionsDays int `yaml:"sessions_days"`

	// Schedule is a cron expression for the retention sweep.
	Schedule string `yaml:"schedule"`
}

// OTelConfig holds tracing exporter settings.
type OTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // OTLP HTTP endpoint; empty means stdout exporter
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	// WorkerLimit bounds concurrent diagnostic workers.
	WorkerLimit int `yaml:"worker_limit"`

	// InvestigationCap bounds iterations per investigation loop.
	InvestigationCap int `yaml:"investigation_cap"`

	// StallThreshold is how many consecutive no-progress reviews raise the
	// escalation signal.
	StallThreshold int `yaml:"stall_threshold"`

	Retention RetentionConfig `yaml:"retention"`
	OTel      OTelConfig      `yaml:"otel"`
}

// HomeDir returns the store home (SWARMSTORE_HOME or ~/.swarmstore).
func HomeDir() string {
	if override := os.Getenv("SWARMSTORE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".swarmstore")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel:         "info",
		WorkerLimit:      4,
		InvestigationCap: 5,
		StallThreshold:   2,
		Retention: RetentionConfig{
			EventsDays:   90,
			AuditLogDays: 365,
			SessionsDays: 90,
			Schedule:     "0 3 * * *",
		},
	}
}

// Load reads config.yaml from the store home, applies environment overrides
// and fills defaults. A missing file is not an error: workers routinely run
// against a home that only the first invocation created.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create swarmstore home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
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
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SWARMSTORE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SWARMSTORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SWARMSTORE_WORKER_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerLimit = n
		}
	}
	if v := os.Getenv("SWARMSTORE_INVESTIGATION_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.InvestigationCap = n
		}
	}
	if v := os.Getenv("SWARMSTORE_STALL_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StallThreshold = n
		}
	}
	if v := os.Getenv("SWARMSTORE_OTEL_ENDPOINT"); v != "" {
		cfg.OTel.Enabled = true
		cfg.OTel.Endpoint = v
	}
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "swarmstore.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.WorkerLimit <= 0 {
		cfg.WorkerLimit = 4
	}
	if cfg.InvestigationCap <= 0 {
		cfg.InvestigationCap = 5
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 2
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "0 3 * * *"
	}
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so divergent worker configs are visible in the shared log.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|workers=%d|cap=%d|stall=%d|retention=%d/%d/%d",
		c.DBPath, c.LogLevel, c.WorkerLimit, c.InvestigationCap, c.StallThreshold,
		c.Retention.EventsDays, c.Retention.AuditLogDays, c.Retention.SessionsDays)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
