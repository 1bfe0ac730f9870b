package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	settingsFile = "settings.yaml"

	// EnvCacheDir overrides Settings.CacheDir.
	EnvCacheDir = "LEAFCACHE_CACHE_DIR"

	// EnvPassword supplies the master password for unattended runs.
	EnvPassword = "LEAFCACHE_PASSWORD"
)

// Settings are the non-secret tunables, read from settings.yaml.
type Settings struct {
	CacheDir        string        `yaml:"cache_dir"`
	Backend         string        `yaml:"backend"` // auto, sqlite or kv
	Retention       time.Duration `yaml:"retention"`
	KeepUnsynced    bool          `yaml:"keep_unsynced"`
	SignedURLTTL    time.Duration `yaml:"signed_url_ttl"`
	SyncConcurrency int           `yaml:"sync_concurrency"`
	PartSizeMB      int64         `yaml:"part_size_mb"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
}

// DefaultSettings returns the settings used when no file exists.
func DefaultSettings() Settings {
	return Settings{
		Backend:         "auto",
		Retention:       720 * time.Hour,
		SignedURLTTL:    24 * time.Hour,
		SyncConcurrency: 4,
		PartSizeMB:      16,
		CommandTimeout:  5 * time.Minute,
	}
}

// SettingsPath returns the default location of settings.yaml.
func SettingsPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, settingsFile), nil
}

// LoadSettings reads path, filling unset fields with defaults. A missing file
// yields the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Settings{}, fmt.Errorf("failed to read settings: %w", err)
	default:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("failed to parse settings %s: %w", path, err)
		}
	}

	if dir := os.Getenv(EnvCacheDir); dir != "" {
		s.CacheDir = dir
	}
	if s.CacheDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return Settings{}, fmt.Errorf("failed to get cache directory: %w", err)
		}
		s.CacheDir = filepath.Join(dir, appDir)
	}
	if err := s.normalize(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Save writes s to path as YAML.
func (s Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

func (s *Settings) normalize() error {
	d := DefaultSettings()
	switch s.Backend {
	case "":
		s.Backend = d.Backend
	case "auto", "sqlite", "kv":
	default:
		return fmt.Errorf("invalid backend %q: want auto, sqlite or kv", s.Backend)
	}
	if s.Retention <= 0 {
		s.Retention = d.Retention
	}
	if s.SignedURLTTL <= 0 {
		s.SignedURLTTL = d.SignedURLTTL
	}
	if s.SyncConcurrency <= 0 {
		s.SyncConcurrency = d.SyncConcurrency
	}
	if s.PartSizeMB <= 0 {
		s.PartSizeMB = d.PartSizeMB
	}
	if s.CommandTimeout <= 0 {
		s.CommandTimeout = d.CommandTimeout
	}
	return nil
}
