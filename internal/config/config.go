// Package config loads and validates metasmith's runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so config files can write "30s", "5m", "1h"
// instead of raw nanoseconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// General holds process-wide settings.
type General struct {
	LogLevel string `toml:"log_level"` // debug|info|warn|error
	DevLogs  bool   `toml:"dev_logs"`  // text handler instead of JSON
	StateDir string `toml:"state_dir"`
}

// Relay configures the IPC fabric a bootstrapped agent connects to.
type Relay struct {
	IODir           string   `toml:"io_dir"`
	ConnectTimeout  Duration `toml:"connect_timeout"`
	TransactTimeout Duration `toml:"transact_timeout"`
	ReaperInterval  Duration `toml:"reaper_interval"`
	StaleAfter      Duration `toml:"stale_after"`
}

// Logistics configures the data-movement dispatcher.
type Logistics struct {
	TempDir       string   `toml:"temp_dir"`
	BatchJoinWait Duration `toml:"batch_join_wait"`
	HTTPTimeout   Duration `toml:"http_timeout"`
	MaxConcurrent int      `toml:"max_concurrent"`
}

// Library configures where type/instance/transform libraries are loaded from.
type Library struct {
	DataTypeLibraryPaths  []string `toml:"data_type_library_paths"`
	TransformLibraryPaths []string `toml:"transform_library_paths"`
	WatchForChanges       bool     `toml:"watch_for_changes"`
}

// Planner configures the type-algebra search.
type Planner struct {
	Horizon   int `toml:"horizon"`
	CacheSize int `toml:"cache_size"`
}

// Status configures the read-only ambient HTTP surface.
type Status struct {
	Enabled  bool   `toml:"enabled"`
	BindAddr string `toml:"bind_addr"`
}

// Config is the root of metasmith's configuration file.
type Config struct {
	General   General   `toml:"general"`
	Relay     Relay     `toml:"relay"`
	Logistics Logistics `toml:"logistics"`
	Library   Library   `toml:"library"`
	Planner   Planner   `toml:"planner"`
	Status    Status    `toml:"status"`
}

// Clone returns a deep copy so callers can hold a snapshot independent of
// whatever a concurrent Reload swaps into a manager.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.Library.DataTypeLibraryPaths = cloneStringSlice(c.Library.DataTypeLibraryPaths)
	out.Library.TransformLibraryPaths = cloneStringSlice(c.Library.TransformLibraryPaths)
	return &out
}

func cloneStringSlice(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// Load reads and parses a TOML config file, fills defaults, and validates it.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Reload is Load, named separately so call sites read like the intent:
// re-reading the same file a Manager already has loaded once.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// LoadManager loads path and wraps the result in an RWMutexManager.
func LoadManager(path string) (*RWMutexManager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

func applyDefaults(c *Config) {
	if c.General.LogLevel == "" {
		c.General.LogLevel = "info"
	}
	if c.General.StateDir == "" {
		c.General.StateDir = "./state"
	}

	if c.Relay.IODir == "" {
		c.Relay.IODir = "./relay"
	}
	if c.Relay.ConnectTimeout.Duration == 0 {
		c.Relay.ConnectTimeout = Duration{10 * time.Second}
	}
	if c.Relay.TransactTimeout.Duration == 0 {
		c.Relay.TransactTimeout = Duration{30 * time.Second}
	}
	if c.Relay.ReaperInterval.Duration == 0 {
		c.Relay.ReaperInterval = Duration{60 * time.Second}
	}
	if c.Relay.StaleAfter.Duration == 0 {
		c.Relay.StaleAfter = Duration{10 * time.Minute}
	}

	if c.Logistics.TempDir == "" {
		c.Logistics.TempDir = os.TempDir()
	}
	if c.Logistics.BatchJoinWait.Duration == 0 {
		c.Logistics.BatchJoinWait = Duration{5 * time.Second}
	}
	if c.Logistics.HTTPTimeout.Duration == 0 {
		c.Logistics.HTTPTimeout = Duration{60 * time.Second}
	}
	if c.Logistics.MaxConcurrent <= 0 {
		c.Logistics.MaxConcurrent = 4
	}

	if c.Planner.Horizon <= 0 {
		c.Planner.Horizon = 64
	}
	if c.Planner.CacheSize <= 0 {
		c.Planner.CacheSize = 4096
	}

	if c.Status.BindAddr == "" {
		c.Status.BindAddr = "127.0.0.1:8089"
	}
}

func normalizePaths(c *Config) {
	c.General.StateDir = ExpandHome(c.General.StateDir)
	c.Relay.IODir = ExpandHome(c.Relay.IODir)
	c.Logistics.TempDir = ExpandHome(c.Logistics.TempDir)
	for i, p := range c.Library.DataTypeLibraryPaths {
		c.Library.DataTypeLibraryPaths[i] = ExpandHome(p)
	}
	for i, p := range c.Library.TransformLibraryPaths {
		c.Library.TransformLibraryPaths[i] = ExpandHome(p)
	}
}

// ExpandHome expands a leading "~" to the user's home directory.
func ExpandHome(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

func validate(c *Config) error {
	switch strings.ToLower(c.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("general.log_level: unrecognized level %q", c.General.LogLevel)
	}

	if c.Relay.IODir == "" {
		return fmt.Errorf("relay.io_dir: required")
	}
	if c.Relay.ConnectTimeout.Duration <= 0 {
		return fmt.Errorf("relay.connect_timeout: must be positive")
	}
	if c.Relay.StaleAfter.Duration <= c.Relay.ReaperInterval.Duration {
		return fmt.Errorf("relay.stale_after: must be greater than reaper_interval")
	}

	if c.Logistics.MaxConcurrent <= 0 {
		return fmt.Errorf("logistics.max_concurrent: must be positive")
	}

	if c.Planner.Horizon <= 0 {
		return fmt.Errorf("planner.horizon: must be positive")
	}
	if c.Planner.CacheSize <= 0 {
		return fmt.Errorf("planner.cache_size: must be positive")
	}

	if c.Status.Enabled && c.Status.BindAddr == "" {
		return fmt.Errorf("status.bind_addr: required when status.enabled")
	}

	return nil
}
