package config

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CollectConfig tunes report collection.
type CollectConfig struct {
	// ProcessTimeoutMS bounds how long one process snapshot may take
	// before the report degrades to an unreachable row.
	ProcessTimeoutMS int `yaml:"process_timeout_ms"`

	// CacheTTLMS is how long a collected report may be served from cache.
	// 0 disables caching.
	CacheTTLMS int `yaml:"cache_ttl_ms"`

	// MaxRowsPerProcess caps rendered rows per process. 0 renders all.
	MaxRowsPerProcess int `yaml:"max_rows_per_process"`
}

func (c CollectConfig) ProcessTimeout() time.Duration {
	return time.Duration(c.ProcessTimeoutMS) * time.Millisecond
}

func (c CollectConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMS) * time.Millisecond
}

type GatewayConfig struct {
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"`
}

type MonitorConfig struct {
	Enabled bool `yaml:"enabled"`

	// Schedule is a 5-field cron expression (minute granularity).
	Schedule string `yaml:"schedule"`

	// Thresholds. 0 disables the corresponding alert rule.
	MaxObjects     int   `yaml:"max_objects"`
	MaxPinnedBytes int64 `yaml:"max_pinned_bytes"`

	// RetentionDays prunes archived reports older than this. 0 keeps all.
	RetentionDays int `yaml:"retention_days"`
}

type TelegramConfig struct {
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	Enabled bool   `yaml:"enabled"`
}

type AlertsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel    string `yaml:"log_level"`
	ArchivePath string `yaml:"archive_path"`

	Collect   CollectConfig   `yaml:"collect"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, used to detect
// whether a reload actually changed anything.
func (c Config) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "log=%s|archive=%s|timeout=%d|ttl=%d|rows=%d|listen=%s|token=%s|monitor=%t|sched=%s|objects=%d|bytes=%d|retain=%d|tg=%t|telemetry=%t|exporter=%s|ratio=%g",
		c.LogLevel, c.ArchivePath,
		c.Collect.ProcessTimeoutMS, c.Collect.CacheTTLMS, c.Collect.MaxRowsPerProcess,
		c.Gateway.Listen, c.Gateway.AuthToken,
		c.Monitor.Enabled, c.Monitor.Schedule, c.Monitor.MaxObjects, c.Monitor.MaxPinnedBytes, c.Monitor.RetentionDays,
		c.Alerts.Telegram.Enabled,
		c.Telemetry.Enabled, c.Telemetry.Exporter, c.Telemetry.SampleRatio)
	return fmt.Sprintf("cfg-%x", h.Sum(nil)[:8])
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Collect: CollectConfig{
			ProcessTimeoutMS: int((2 * time.Second).Milliseconds()),
			CacheTTLMS:       int((2 * time.Second).Milliseconds()),
		},
		Gateway: GatewayConfig{
			Listen: "127.0.0.1:8265",
		},
		Monitor: MonitorConfig{
			Schedule:      "*/5 * * * *",
			RetentionDays: 30,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			SampleRatio: 1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("RAYMEM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".raymem")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create raymem home: %w", err)
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
	if raw := os.Getenv("RAYMEM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("RAYMEM_ARCHIVE_PATH"); raw != "" {
		cfg.ArchivePath = raw
	}
	if raw := os.Getenv("RAYMEM_GATEWAY_LISTEN"); raw != "" {
		cfg.Gateway.Listen = raw
	}
	if raw := os.Getenv("RAYMEM_GATEWAY_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("RAYMEM_MONITOR_SCHEDULE"); raw != "" {
		cfg.Monitor.Schedule = raw
	}
	if raw := os.Getenv("RAYMEM_PROCESS_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Collect.ProcessTimeoutMS = v
		}
	}
	if raw := os.Getenv("RAYMEM_CACHE_TTL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Collect.CacheTTLMS = v
		}
	}
	if raw := os.Getenv("RAYMEM_TELEGRAM_TOKEN"); raw != "" {
		cfg.Alerts.Telegram.Token = raw
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ArchivePath == "" {
		cfg.ArchivePath = filepath.Join(cfg.HomeDir, "history.db")
	}
	if cfg.Collect.ProcessTimeoutMS <= 0 {
		cfg.Collect.ProcessTimeoutMS = int((2 * time.Second).Milliseconds())
	}
	if cfg.Collect.CacheTTLMS < 0 {
		cfg.Collect.CacheTTLMS = 0
	}
	if cfg.Collect.MaxRowsPerProcess < 0 {
		cfg.Collect.MaxRowsPerProcess = 0
	}
	if cfg.Gateway.Listen == "" {
		cfg.Gateway.Listen = "127.0.0.1:8265"
	}
	if cfg.Monitor.Schedule == "" {
		cfg.Monitor.Schedule = "*/5 * * * *"
	}
	if cfg.Monitor.MaxObjects < 0 {
		cfg.Monitor.MaxObjects = 0
	}
	if cfg.Monitor.MaxPinnedBytes < 0 {
		cfg.Monitor.MaxPinnedBytes = 0
	}
	if cfg.Monitor.RetentionDays < 0 {
		cfg.Monitor.RetentionDays = 0
	}
	if cfg.Telemetry.SampleRatio <= 0 || cfg.Telemetry.SampleRatio > 1 {
		cfg.Telemetry.SampleRatio = 1.0
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Telemetry.Exporter)) {
	case "otlp-http":
		cfg.Telemetry.Exporter = "otlp-http"
	case "stdout":
		cfg.Telemetry.Exporter = "stdout"
	default:
		cfg.Telemetry.Exporter = "none"
	}
	// A telegram notifier without a token cannot send anything.
	if cfg.Alerts.Telegram.Token == "" {
		cfg.Alerts.Telegram.Enabled = false
	}
}
