// Package config handles application configuration
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed config.sample.yaml
var sampleConfig string

// GetSampleConfig returns the embedded sample configuration content
func GetSampleConfig() string {
	return sampleConfig
}

const (
	BackendLocal    = "local"
	BackendFirebase = "firebase"

	defaultPollInterval = 2 * time.Second
	minPollInterval     = 500 * time.Millisecond
)

// Environment variables that override secrets from the config file.
const (
	EnvFirebaseAPIKey     = "XTODO_FIREBASE_API_KEY"
	EnvGoogleClientID     = "XTODO_GOOGLE_CLIENT_ID"
	EnvGoogleClientSecret = "XTODO_GOOGLE_CLIENT_SECRET"
)

// LoggingConfig holds logging settings
type LoggingConfig struct {
	BackgroundEnabled *bool `yaml:"background_enabled"` // Controls background log file creation (default: true)
}

// LocalConfig holds the self-hosted backend configuration
type LocalConfig struct {
	Path string `yaml:"path"`
}

// FirebaseConfig holds the Firebase backend configuration
type FirebaseConfig struct {
	APIKey       string `yaml:"api_key"`
	ProjectID    string `yaml:"project_id"`
	PollInterval string `yaml:"poll_interval"` // e.g. "2s"
}

// GoogleConfig holds the OAuth client used for "Sign in with Google".
// ClientFile points at a client_secret.json downloaded from the Google console
// and takes precedence over the inline id/secret.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	ClientFile   string `yaml:"client_file"`
}

// MetricsConfig holds instrumentation settings
type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the /metrics endpoint
}

// Config represents the application configuration
type Config struct {
	Backend      string         `yaml:"backend"`
	Local        LocalConfig    `yaml:"local"`
	Firebase     FirebaseConfig `yaml:"firebase"`
	Google       GoogleConfig   `yaml:"google"`
	NoPrompt     bool           `yaml:"no_prompt"`
	OutputFormat string         `yaml:"output_format"`
	Logging      LoggingConfig  `yaml:"logging"`
	Metrics      MetricsConfig  `yaml:"metrics"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendLocal,
		Local: LocalConfig{
			Path: filepath.Join(GetDataDir(), "xtodo.db"),
		},
		OutputFormat: "text",
	}
}

// Load loads configuration from the specified path, or the default XDG path if empty.
// If the config file doesn't exist, it creates one from the embedded sample.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = filepath.Join(GetConfigDir(), "config.yaml")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		cfg.applyEnv()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// Parse decodes YAML bytes and fills defaults for unset fields.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in config file: %w", err)
	}

	if cfg.Backend == "" {
		cfg.Backend = BackendLocal
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "text"
	}
	if cfg.Local.Path == "" {
		cfg.Local.Path = filepath.Join(GetDataDir(), "xtodo.db")
	}
	cfg.Local.Path = ExpandPath(cfg.Local.Path)
	cfg.Google.ClientFile = ExpandPath(cfg.Google.ClientFile)

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvFirebaseAPIKey); v != "" {
		c.Firebase.APIKey = v
	}
	if v := os.Getenv(EnvGoogleClientID); v != "" {
		c.Google.ClientID = v
	}
	if v := os.Getenv(EnvGoogleClientSecret); v != "" {
		c.Google.ClientSecret = v
	}
}

// save writes the embedded sample configuration to the specified path
func (c *Config) save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.OutputFormat != "text" && c.OutputFormat != "json" {
		return fmt.Errorf("invalid output_format: %q (must be 'text' or 'json')", c.OutputFormat)
	}

	switch c.Backend {
	case BackendLocal:
		if c.Local.Path == "" {
			return errors.New("local.path must be set for the local backend")
		}
	case BackendFirebase:
		if c.Firebase.APIKey == "" {
			return fmt.Errorf("firebase.api_key must be set (or export %s)", EnvFirebaseAPIKey)
		}
		if c.Firebase.ProjectID == "" {
			return errors.New("firebase.project_id must be set for the firebase backend")
		}
	default:
		return fmt.Errorf("unknown backend: %q (must be 'local' or 'firebase')", c.Backend)
	}

	if c.Firebase.PollInterval != "" {
		d, err := time.ParseDuration(c.Firebase.PollInterval)
		if err != nil {
			return fmt.Errorf("invalid duration for firebase.poll_interval: %q", c.Firebase.PollInterval)
		}
		if d < minPollInterval {
			return fmt.Errorf("firebase.poll_interval must be at least %s, got %q", minPollInterval, c.Firebase.PollInterval)
		}
	}

	return nil
}

// ApplyFlags applies CLI flag overrides to the configuration
func (c *Config) ApplyFlags(noPrompt bool, outputFormat string) {
	if noPrompt {
		c.NoPrompt = true
	}
	if outputFormat != "" {
		c.OutputFormat = outputFormat
	}
}

// GetDatabasePath returns the path to the local backend database
func (c *Config) GetDatabasePath() string {
	return c.Local.Path
}

// GetPollInterval returns the Firebase live query polling interval.
// Returns 2 seconds as default if not configured or if parsing fails.
func (c *Config) GetPollInterval() time.Duration {
	if c.Firebase.PollInterval == "" {
		return defaultPollInterval
	}
	d, err := time.ParseDuration(c.Firebase.PollInterval)
	if err != nil || d < minPollInterval {
		return defaultPollInterval
	}
	return d
}

// IsGoogleConfigured reports whether federated sign-in has an OAuth client.
func (c *Config) IsGoogleConfigured() bool {
	if c.Google.ClientFile != "" {
		return true
	}
	return c.Google.ClientID != "" && c.Google.ClientSecret != ""
}

// IsBackgroundLoggingEnabled returns true if background logging is enabled.
// Returns true (default) if not configured.
func (c *Config) IsBackgroundLoggingEnabled() bool {
	if c.Logging.BackgroundEnabled == nil {
		return true
	}
	return *c.Logging.BackgroundEnabled
}

// IsMetricsEnabled returns true when a metrics listen address is configured.
func (c *Config) IsMetricsEnabled() bool {
	return c.Metrics.Listen != ""
}

// getXDGDir returns a directory path following the XDG base directory layout.
// envVar is the XDG environment variable (e.g., "XDG_CONFIG_HOME").
// fallbackPath is the relative path from home (e.g., ".config").
func getXDGDir(envVar, fallbackPath string) string {
	if xdgDir := os.Getenv(envVar); xdgDir != "" {
		return filepath.Join(xdgDir, "xtodo")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", fallbackPath, "xtodo")
	}
	return filepath.Join(home, fallbackPath, "xtodo")
}

// GetConfigDir returns the configuration directory following the XDG base directory layout
func GetConfigDir() string {
	return getXDGDir("XDG_CONFIG_HOME", ".config")
}

// GetDataDir returns the data directory following the XDG base directory layout
func GetDataDir() string {
	return getXDGDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// GetStateDir returns the state directory following the XDG base directory layout.
// Preferences live here.
func GetStateDir() string {
	return getXDGDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	return os.ExpandEnv(path)
}
