// Package config loads agent configuration from <config-dir>/config.yaml with
// FLOWAGENT_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// FLOWAGENT_SCHEDULER_TICK=30s.
const EnvPrefix = "FLOWAGENT"

// EnvConfigDir overrides the configuration directory.
const EnvConfigDir = "FLOWAGENT_CONFIG_DIR"

// File names inside the configuration directory.
const (
	ConfigFileName    = "config.yaml"
	WorkflowsFileName = "workflows.json"
	SettingsFileName  = "settings.json"
	HistoryFileName   = "history.db"
	ServersFileName   = "servers.yaml"
)

// Config is the resolved agent configuration.
type Config struct {
	Dir string `mapstructure:"-"`

	Protocol struct {
		Format string `mapstructure:"format"`
	} `mapstructure:"protocol"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Scheduler struct {
		Tick       time.Duration `mapstructure:"tick"`
		MaxCatchUp int           `mapstructure:"max_catch_up"`
		Timezone   string        `mapstructure:"timezone"`
	} `mapstructure:"scheduler"`

	Connectors struct {
		Timeout       time.Duration `mapstructure:"timeout"`
		MaxConcurrent int64         `mapstructure:"max_concurrent"`
		Retry         struct {
			MaxAttempts  int           `mapstructure:"max_attempts"`
			InitialDelay time.Duration `mapstructure:"initial_delay"`
			MaxDelay     time.Duration `mapstructure:"max_delay"`
		} `mapstructure:"retry"`
		Filesystem struct {
			BaseDir string `mapstructure:"base_dir"`
		} `mapstructure:"filesystem"`
		Gmail struct {
			BaseURL  string `mapstructure:"base_url"`
			TokenURL string `mapstructure:"token_url"`
		} `mapstructure:"gmail"`
		TextGen struct {
			Endpoint string `mapstructure:"endpoint"`
			Model    string `mapstructure:"model"`
		} `mapstructure:"textgen"`
	} `mapstructure:"connectors"`

	Metrics struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"metrics"`

	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// defaults is the flat key set written to a fresh config.yaml and registered
// with viper.
var defaults = map[string]interface{}{
	"protocol.format":                "legacy",
	"log.level":                      "info",
	"log.format":                     "text",
	"scheduler.tick":                 "15s",
	"scheduler.max_catch_up":         5,
	"scheduler.timezone":             "Local",
	"connectors.timeout":             "60s",
	"connectors.max_concurrent":      8,
	"connectors.retry.max_attempts":  1,
	"connectors.retry.initial_delay": "500ms",
	"connectors.retry.max_delay":     "5s",
	"connectors.filesystem.base_dir": "",
	"connectors.gmail.base_url":      "https://gmail.googleapis.com/gmail/v1",
	"connectors.gmail.token_url":     "https://oauth2.googleapis.com/token",
	"connectors.textgen.endpoint":    "",
	"connectors.textgen.model":       "",
	"metrics.listen":                 "",
	"shutdown_grace":                 "10s",
}

// ResolveDir returns the configuration directory.
// Priority order: 1) FLOWAGENT_CONFIG_DIR, 2) flagDir, 3) ~/.flowagent
func ResolveDir(flagDir string) (string, error) {
	if envDir := os.Getenv(EnvConfigDir); envDir != "" {
		return envDir, nil
	}
	if flagDir != "" {
		return flagDir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".flowagent"), nil
}

// Init creates dir and writes a default config.yaml when none exists.
func Init(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(dir, ConfigFileName)
	if _, err := os.Stat(configFile); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	data, err := yaml.Marshal(nest(defaults))
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	if err := os.WriteFile(configFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}
	return nil
}

// Load reads <dir>/config.yaml (if present) layered over the defaults and
// FLOWAGENT_* environment variables.
func Load(dir string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigFile(filepath.Join(dir, ConfigFileName))
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Dir = dir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges that viper cannot express.
func (c *Config) Validate() error {
	switch c.Protocol.Format {
	case "legacy", "tagged":
	default:
		return fmt.Errorf("protocol.format must be legacy or tagged, got %q", c.Protocol.Format)
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be positive")
	}
	if c.Scheduler.MaxCatchUp < 1 {
		return fmt.Errorf("scheduler.max_catch_up must be at least 1")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Connectors.Timeout <= 0 {
		return fmt.Errorf("connectors.timeout must be positive")
	}
	if c.Connectors.MaxConcurrent < 1 {
		return fmt.Errorf("connectors.max_concurrent must be at least 1")
	}
	if c.Connectors.Retry.MaxAttempts < 1 {
		return fmt.Errorf("connectors.retry.max_attempts must be at least 1")
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown_grace cannot be negative")
	}
	return nil
}

// Location resolves scheduler.timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" || c.Scheduler.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler.timezone %q: %w", c.Scheduler.Timezone, err)
	}
	return loc, nil
}

// WorkflowsPath is the persisted workflow collection.
func (c *Config) WorkflowsPath() string { return filepath.Join(c.Dir, WorkflowsFileName) }

// SettingsPath is the settings file.
func (c *Config) SettingsPath() string { return filepath.Join(c.Dir, SettingsFileName) }

// HistoryPath is the run history database.
func (c *Config) HistoryPath() string { return filepath.Join(c.Dir, HistoryFileName) }

// ServersPath is the MCP connector server file.
func (c *Config) ServersPath() string { return filepath.Join(c.Dir, ServersFileName) }

// FilesDir is the FILE_SYSTEM connector sandbox root.
func (c *Config) FilesDir() string {
	if c.Connectors.Filesystem.BaseDir != "" {
		return c.Connectors.Filesystem.BaseDir
	}
	return filepath.Join(c.Dir, "files")
}

// nest turns dotted keys into nested maps so the default file reads naturally.
func nest(flat map[string]interface{}) map[string]interface{} {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]interface{})
	for _, key := range keys {
		parts := strings.Split(key, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]interface{})
			if !ok {
				next = make(map[string]interface{})
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = flat[key]
	}
	return out
}
