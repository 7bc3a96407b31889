package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level client configuration.
type Config struct {
	// BaseURL is the extraction backend endpoint.
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Token is the account bearer token. Empty means guest mode; the
	// TEXTCAL_TOKEN environment variable overrides it at startup.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`

	// Provider is the active external calendar provider (e.g. "google").
	Provider string `yaml:"provider" json:"provider"`

	// Calendar is the default target calendar for new events.
	Calendar string `yaml:"calendar,omitempty" json:"calendar,omitempty"`

	// StorageDSN selects the local state backend: empty or a plain path
	// for a JSON file, "memory", or a postgres:// DSN.
	StorageDSN string `yaml:"storage_dsn,omitempty" json:"storage_dsn,omitempty"`

	// PollSeconds is the session poll cadence.
	PollSeconds int `yaml:"poll_seconds" json:"poll_seconds"`

	// DebounceSeconds is the quiet window before an edited event is
	// pushed automatically.
	DebounceSeconds int `yaml:"debounce_seconds" json:"debounce_seconds"`

	// WatchDir, if set, is the inbox directory watched for new input
	// files in watch mode.
	WatchDir string `yaml:"watch_dir,omitempty" json:"watch_dir,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:         "http://127.0.0.1:8080",
		Provider:        "google",
		PollSeconds:     2,
		DebounceSeconds: 3,
	}
}

// Normalize fills missing or out-of-range values so partially filled
// configs from older versions keep working.
func (c *Config) Normalize() {
	if c.BaseURL == "" {
		c.BaseURL = "http://127.0.0.1:8080"
	}
	if c.Provider == "" {
		c.Provider = "google"
	}
	if c.PollSeconds <= 0 {
		c.PollSeconds = 2
	}
	if c.DebounceSeconds <= 0 {
		c.DebounceSeconds = 3
	}
}

// DefaultPath returns the per-user config file location.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "textcal", "config.yaml"), nil
}

// Load reads the YAML config at path. On first run the file does not
// exist yet: a default config is written with 0600 permissions and
// returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes the config atomically (temp file + rename) with 0600
// permissions, creating the parent directory when needed. The token lives
// in this file, hence the tight mode.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".textcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
