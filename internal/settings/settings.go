// Copyright 2025 btrmirror Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package settings holds the tool's persistent configuration directory and
// the optional settings and logging config files inside it.
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// getConfigDir returns the config directory path.
// Uses BTRMIRROR_CONFIG_DIR env var if set, otherwise defaults to
// ~/.btrmirror (root's home for a tool that requires root).
// Computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("BTRMIRROR_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".btrmirror")
}

// ConfigDir returns the configuration directory path.
func ConfigDir() string {
	return getConfigDir()
}

// LockDir returns the directory holding per-device run locks.
func LockDir() string {
	return filepath.Join(getConfigDir(), "locks")
}

// SettingsPath returns the global settings file path.
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// DefaultJournalPath returns the default run-journal location.
func DefaultJournalPath() string {
	return filepath.Join(getConfigDir(), "journal.db")
}

// EnsureConfigDir creates the config directory tree if it doesn't exist.
func EnsureConfigDir() error {
	if err := os.MkdirAll(getConfigDir(), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.MkdirAll(LockDir(), 0700)
}

// Settings are the tool-wide defaults from settings.yaml. Flags override
// all of them.
type Settings struct {
	Journal            string `yaml:"journal"`              // run journal path ("" = ConfigDir default, "off" disables)
	SnapshotPrefix     string `yaml:"snapshot_prefix"`      // transient snapshot name prefix
	MountSettleSeconds int    `yaml:"mount_settle_seconds"` // mount table poll timeout after remounts
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		Journal:            DefaultJournalPath(),
		SnapshotPrefix:     "btrmirror",
		MountSettleSeconds: 5,
	}
}

// Load reads settings.yaml, falling back to defaults for a missing file or
// missing keys.
func Load() (Settings, error) {
	s := Default()
	data, err := os.ReadFile(SettingsPath())
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Default(), fmt.Errorf("failed to parse settings: %w", err)
	}
	if s.Journal == "" {
		s.Journal = DefaultJournalPath()
	}
	if s.SnapshotPrefix == "" {
		s.SnapshotPrefix = "btrmirror"
	}
	if s.MountSettleSeconds <= 0 {
		s.MountSettleSeconds = 5
	}
	return s, nil
}

// LogConfig is the optional logging configuration referenced by the
// --log-config flag.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	File   string `yaml:"file"`   // log file path; empty = stderr
	Format string `yaml:"format"` // "text" (default) or "json"
}

// LoadLogConfig parses a logging configuration file.
func LoadLogConfig(path string) (LogConfig, error) {
	var cfg LogConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read log config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse log config: %w", err)
	}
	return cfg, nil
}
