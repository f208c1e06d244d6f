package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// APIConfig holds connection settings for the incident service.
type APIConfig struct {
	// BaseURL is the root URL of the incident service.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// APIKey is sent as X-API-Key when set. Watchdog-style deployments
	// authorize with it instead of a bearer token.
	APIKey string `mapstructure:"api_key" yaml:"api_key"`

	// TimeoutSec bounds every HTTP request.
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// RefreshConfig controls the view cache.
type RefreshConfig struct {
	// IntervalSec is the polling period for list and dashboard views.
	IntervalSec int `mapstructure:"interval_sec" yaml:"interval_sec"`

	// RetainSec is how long an unobserved entry survives before it is
	// discarded.
	RetainSec int `mapstructure:"retain_sec" yaml:"retain_sec"`

	// FetchTimeoutSec bounds a single background fetch.
	FetchTimeoutSec int `mapstructure:"fetch_timeout_sec" yaml:"fetch_timeout_sec"`

	// ListLimit is the page size requested for the incident list.
	ListLimit int `mapstructure:"list_limit" yaml:"list_limit"`
}

// LifecycleConfig selects the status transition policy.
type LifecycleConfig struct {
	// ForwardOnly forbids reopening resolved or closed incidents.
	ForwardOnly bool `mapstructure:"forward_only" yaml:"forward_only"`
}

// IngestConfig holds log upload settings.
type IngestConfig struct {
	MaxFileBytes int64 `mapstructure:"max_file_bytes" yaml:"max_file_bytes"`
}

// StoreConfig locates the local snapshot database.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// MailboxConfig configures the IMAP log intake. The password lives in
// the system keyring, never in this file.
type MailboxConfig struct {
	Host            string `mapstructure:"host" yaml:"host"`
	Port            string `mapstructure:"port" yaml:"port"`
	Username        string `mapstructure:"username" yaml:"username"`
	TLS             bool   `mapstructure:"tls" yaml:"tls"`
	Folder          string `mapstructure:"folder" yaml:"folder"`
	PollIntervalSec int    `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// LogConfig controls the diagnostic log file.
type LogConfig struct {
	Path  string `mapstructure:"path" yaml:"path"`
	Level string `mapstructure:"level" yaml:"level"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	API       APIConfig       `mapstructure:"api" yaml:"api"`
	Refresh   RefreshConfig   `mapstructure:"refresh" yaml:"refresh"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle" yaml:"lifecycle"`
	Ingest    IngestConfig    `mapstructure:"ingest" yaml:"ingest"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Mailbox   MailboxConfig   `mapstructure:"mailbox" yaml:"mailbox"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// RefreshInterval returns the list polling period.
func (c *AppConfig) RefreshInterval() time.Duration {
	return time.Duration(c.Refresh.IntervalSec) * time.Second
}

// RetainFor returns how long unobserved cache entries are kept.
func (c *AppConfig) RetainFor() time.Duration {
	return time.Duration(c.Refresh.RetainSec) * time.Second
}

// FetchTimeout returns the per-fetch deadline.
func (c *AppConfig) FetchTimeout() time.Duration {
	return time.Duration(c.Refresh.FetchTimeoutSec) * time.Second
}

// RequestTimeout returns the HTTP client timeout.
func (c *AppConfig) RequestTimeout() time.Duration {
	return time.Duration(c.API.TimeoutSec) * time.Second
}

// envPrefix namespaces environment overrides, e.g.
// INCIDENTWATCH_API_BASE_URL.
const envPrefix = "INCIDENTWATCH"

// ConfigDir returns ~/.config/incidentwatch, or the working directory
// when the home directory cannot be resolved.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "incidentwatch")
}

// DefaultConfigPath returns the default path for the configuration file.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DefaultAppConfig returns the configuration used when no file exists.
func DefaultAppConfig() *AppConfig {
	dir := ConfigDir()
	return &AppConfig{
		API: APIConfig{
			BaseURL:    "http://localhost:8000",
			TimeoutSec: 30,
		},
		Refresh: RefreshConfig{
			IntervalSec:     30,
			RetainSec:       300,
			FetchTimeoutSec: 30,
			ListLimit:       100,
		},
		Ingest: IngestConfig{
			MaxFileBytes: 10 << 20,
		},
		Store: StoreConfig{
			Path: filepath.Join(dir, "incidents.db"),
		},
		Mailbox: MailboxConfig{
			Port:            "993",
			TLS:             true,
			Folder:          "INBOX",
			PollIntervalSec: 300,
		},
		Log: LogConfig{
			Path:  filepath.Join(dir, "incidentwatch.log"),
			Level: "info",
		},
	}
}

// setDefaults mirrors DefaultAppConfig into v so that environment
// overrides resolve for keys absent from the file.
func setDefaults(v *viper.Viper, cfg *AppConfig) {
	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("api.api_key", cfg.API.APIKey)
	v.SetDefault("api.timeout_sec", cfg.API.TimeoutSec)
	v.SetDefault("refresh.interval_sec", cfg.Refresh.IntervalSec)
	v.SetDefault("refresh.retain_sec", cfg.Refresh.RetainSec)
	v.SetDefault("refresh.fetch_timeout_sec", cfg.Refresh.FetchTimeoutSec)
	v.SetDefault("refresh.list_limit", cfg.Refresh.ListLimit)
	v.SetDefault("lifecycle.forward_only", cfg.Lifecycle.ForwardOnly)
	v.SetDefault("ingest.max_file_bytes", cfg.Ingest.MaxFileBytes)
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("mailbox.host", cfg.Mailbox.Host)
	v.SetDefault("mailbox.port", cfg.Mailbox.Port)
	v.SetDefault("mailbox.username", cfg.Mailbox.Username)
	v.SetDefault("mailbox.tls", cfg.Mailbox.TLS)
	v.SetDefault("mailbox.folder", cfg.Mailbox.Folder)
	v.SetDefault("mailbox.poll_interval_sec", cfg.Mailbox.PollIntervalSec)
	v.SetDefault("log.path", cfg.Log.Path)
	v.SetDefault("log.level", cfg.Log.Level)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// A missing file is not an error: defaults and environment overrides
// still apply.
func LoadConfig(path string) (*AppConfig, error) {
	cfg := DefaultAppConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Refresh.ListLimit <= 0 {
		cfg.Refresh.ListLimit = 100
	}
	if cfg.API.TimeoutSec <= 0 {
		cfg.API.TimeoutSec = 30
	}
	cfg.API.BaseURL = strings.TrimRight(cfg.API.BaseURL, "/")

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("api", cfg.API)
	v.Set("refresh", cfg.Refresh)
	v.Set("lifecycle", cfg.Lifecycle)
	v.Set("ingest", cfg.Ingest)
	v.Set("store", cfg.Store)
	v.Set("mailbox", cfg.Mailbox)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
