// Package config loads the impactgate configuration file and builds the
// process logger.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/impactgate/internal/alert"
	"github.com/ppiankov/impactgate/internal/model"
)

// EnvPath overrides the default config location.
const EnvPath = "IMPACTGATE_CONFIG"

// Defaults.
const (
	DefaultPreset        = "startup"
	DefaultPort          = 50051
	DefaultSweepInterval = 10 * time.Second
)

// Config holds all file-configurable settings. Flags override it.
type Config struct {
	DBPath           string              `yaml:"db_path"`
	PolicyPath       string              `yaml:"policy_path"`
	PolicyPreset     string              `yaml:"policy_preset"`
	DefaultTimeout   time.Duration       `yaml:"default_timeout"`
	SweepInterval    time.Duration       `yaml:"sweep_interval"`
	ListenPort       int                 `yaml:"listen_port"`
	WorkingDirectory string              `yaml:"working_directory"`
	SignaturesPath   string              `yaml:"signatures_path"`
	AuditMirrorPath  string              `yaml:"audit_mirror_path"`
	SnapshotPath     string              `yaml:"snapshot_path"`
	DescriptorPolicy string              `yaml:"descriptor_policy_path"`
	TamperLogPath    string              `yaml:"tamper_log_path"`
	Alerts           []alert.AlertConfig `yaml:"alerts"`
	LogLevel         string              `yaml:"log_level"`
	LogFormat        string              `yaml:"log_format"`
	CI               CIConfig            `yaml:"ci"`
}

// CIConfig configures the ci command.
type CIConfig struct {
	LogEvents bool `yaml:"log_events"`
	TopN      int  `yaml:"top_n"`
}

// Dir returns ~/.impactgate, or a temp dir when home is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "impactgate")
	}
	return filepath.Join(home, ".impactgate")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DBPath:         filepath.Join(Dir(), "events.db"),
		PolicyPreset:   DefaultPreset,
		DefaultTimeout: model.DefaultTimeoutSeconds * time.Second,
		SweepInterval:  DefaultSweepInterval,
		ListenPort:     DefaultPort,
		LogLevel:       "info",
		LogFormat:      "text",
		CI:             CIConfig{TopN: 10},
	}
}

// Load reads the config at path (or DefaultPath when empty). A missing
// file yields the defaults; a malformed one is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.DBPath = expandHome(cfg.DBPath)
	cfg.PolicyPath = expandHome(cfg.PolicyPath)
	cfg.SignaturesPath = expandHome(cfg.SignaturesPath)
	cfg.AuditMirrorPath = expandHome(cfg.AuditMirrorPath)
	cfg.SnapshotPath = expandHome(cfg.SnapshotPath)
	cfg.DescriptorPolicy = expandHome(cfg.DescriptorPolicy)
	cfg.TamperLogPath = expandHome(cfg.TamperLogPath)
	return cfg, nil
}

// Validate checks values the YAML decoder cannot.
func (c *Config) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("default_timeout must not be negative")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep_interval must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	for i, a := range c.Alerts {
		if a.URL == "" {
			return fmt.Errorf("alerts[%d]: url is required", i)
		}
		if a.MinRisk != "" && !model.RiskLevel(a.MinRisk).Valid() {
			return fmt.Errorf("alerts[%d]: unknown min_risk %q", i, a.MinRisk)
		}
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// ParseLevel maps a level name to slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// NewLogger builds a text or JSON slog logger writing to w.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}
