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

package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDirEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BTRMIRROR_CONFIG_DIR", dir)

	assert.Equal(t, dir, ConfigDir())
	assert.Equal(t, filepath.Join(dir, "locks"), LockDir())
	assert.Equal(t, filepath.Join(dir, "settings.yaml"), SettingsPath())
	assert.Equal(t, filepath.Join(dir, "journal.db"), DefaultJournalPath())
}

func TestEnsureConfigDir(t *testing.T) {
	t.Setenv("BTRMIRROR_CONFIG_DIR", filepath.Join(t.TempDir(), "nested", "cfg"))

	require.NoError(t, EnsureConfigDir())
	info, err := os.Stat(LockDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Idempotent.
	assert.NoError(t, EnsureConfigDir())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("BTRMIRROR_CONFIG_DIR", t.TempDir())

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
	assert.Equal(t, "btrmirror", s.SnapshotPrefix)
	assert.Equal(t, 5, s.MountSettleSeconds)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BTRMIRROR_CONFIG_DIR", dir)

	yaml := "snapshot_prefix: mirror\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte(yaml), 0o644))

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "mirror", s.SnapshotPrefix)
	assert.Equal(t, DefaultJournalPath(), s.Journal)
	assert.Equal(t, 5, s.MountSettleSeconds)
}

func TestLoadFullFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BTRMIRROR_CONFIG_DIR", dir)

	yaml := "journal: /var/lib/btrmirror/journal.db\n" +
		"snapshot_prefix: mirror\n" +
		"mount_settle_seconds: 12\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte(yaml), 0o644))

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/btrmirror/journal.db", s.Journal)
	assert.Equal(t, "mirror", s.SnapshotPrefix)
	assert.Equal(t, 12, s.MountSettleSeconds)
}

func TestLoadMalformedFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BTRMIRROR_CONFIG_DIR", dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte("{not yaml"), 0o644))

	s, err := Load()
	assert.Error(t, err)
	assert.Equal(t, Default(), s)
}

func TestLoadLogConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "log.yaml")
	yaml := "level: debug\nformat: json\nfile: /var/log/btrmirror.log\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadLogConfig(path)
	require.NoError(t, err)
	assert.Equal(t, LogConfig{Level: "debug", Format: "json", File: "/var/log/btrmirror.log"}, cfg)

	_, err = LoadLogConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
