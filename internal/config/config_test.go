package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "metasmith.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validConfig = `
[general]
log_level = "debug"
state_dir = "/tmp/metasmith-test"

[relay]
io_dir = "/tmp/metasmith-test/relay"
connect_timeout = "5s"
reaper_interval = "30s"
stale_after = "5m"

[logistics]
max_concurrent = 8

[library]
data_type_library_paths = ["/tmp/metasmith-test/types"]
transform_library_paths = ["/tmp/metasmith-test/transforms"]
watch_for_changes = true

[planner]
horizon = 32
cache_size = 1024

[status]
enabled = true
bind_addr = "127.0.0.1:9090"
`

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.General.LogLevel)
	assert.Equal(t, "/tmp/metasmith-test/relay", cfg.Relay.IODir)
	assert.Equal(t, 8, cfg.Logistics.MaxConcurrent)
	assert.Equal(t, 32, cfg.Planner.Horizon)
	assert.True(t, cfg.Status.Enabled)
	assert.Equal(t, "127.0.0.1:9090", cfg.Status.BindAddr)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, `
[relay]
io_dir = "/tmp/metasmith-defaults/relay"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.General.LogLevel)
	assert.Equal(t, 4, cfg.Logistics.MaxConcurrent)
	assert.Equal(t, 64, cfg.Planner.Horizon)
	assert.Equal(t, 4096, cfg.Planner.CacheSize)
	assert.NotZero(t, cfg.Relay.ConnectTimeout.Duration)
}

func TestLoadRejectsStaleAfterNotGreaterThanReaperInterval(t *testing.T) {
	path := writeTestConfig(t, `
[relay]
io_dir = "/tmp/metasmith-bad/relay"
reaper_interval = "10m"
stale_after = "5m"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale_after")
}

func TestLoadRejectsUnknownLogLevel(t *testing.T) {
	path := writeTestConfig(t, `
[general]
log_level = "verbose"

[relay]
io_dir = "/tmp/metasmith-bad2/relay"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	clone := cfg.Clone()
	clone.Library.DataTypeLibraryPaths[0] = "/mutated"

	assert.NotEqual(t, cfg.Library.DataTypeLibraryPaths[0], clone.Library.DataTypeLibraryPaths[0])
}

func TestDurationRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, filepath.Join(home, "x"), ExpandHome("~/x"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
}
