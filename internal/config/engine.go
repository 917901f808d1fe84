// Package config loads the engine-level knobs the core execution engine
// reads directly (concurrency caps, feature gates, data directories). It
// intentionally does not model provider credentials, TUI/keybind layout,
// or MCP server lists — those are application-surface concerns outside
// this engine's scope (spec §6: "CLI surface is out of scope; the core
// exposes a library-level API only"). Loading uses spf13/viper with
// fsnotify-driven live reload, matching the teacher's configuration
// approach.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Environment variable names read directly by the engine (spec §6).
const (
	EnvMaxToolUseConcurrency = "COCODE_MAX_TOOL_USE_CONCURRENCY"
	EnvDisableShellSnapshot  = "COCODE_DISABLE_SHELL_SNAPSHOT"
)

// DefaultMaxToolUseConcurrency is M in the spec's concurrency model: at
// most this many Safe tools run in parallel.
const DefaultMaxToolUseConcurrency = 10

// EngineConfig holds the knobs the executor, shell executor, and index
// consult directly.
type EngineConfig struct {
	MaxToolUseConcurrency int    `mapstructure:"max_tool_use_concurrency"`
	DisableShellSnapshot  bool   `mapstructure:"disable_shell_snapshot"`
	DataDir               string `mapstructure:"data_dir"`
	SessionDir            string `mapstructure:"session_dir"`
	VectorStorePath       string `mapstructure:"vector_store_path"`
	FeatureFlags          map[string]bool `mapstructure:"feature_flags"`
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".dcode")
	}
	return ".dcode"
}

// Load reads engine configuration from (in ascending priority) defaults,
// a config file at path (if non-empty and present), and environment
// variables prefixed COCODE_. onChange, if non-nil, is invoked whenever
// the config file changes on disk.
func Load(path string, onChange func(EngineConfig)) (*EngineConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("COCODE")
	v.AutomaticEnv()

	dataDir := defaultDataDir()
	v.SetDefault("max_tool_use_concurrency", DefaultMaxToolUseConcurrency)
	v.SetDefault("disable_shell_snapshot", false)
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("session_dir", filepath.Join(dataDir, "sessions"))
	v.SetDefault("vector_store_path", filepath.Join(dataDir, "vector_store.db"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	// COCODE_MAX_TOOL_USE_CONCURRENCY and COCODE_DISABLE_SHELL_SNAPSHOT
	// are named directly in the spec; bind them explicitly so
	// AutomaticEnv's default key-mangling can't silently miss them.
	_ = v.BindEnv("max_tool_use_concurrency", EnvMaxToolUseConcurrency)
	_ = v.BindEnv("disable_shell_snapshot", EnvDisableShellSnapshot)

	var cfg EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal engine config: %w", err)
	}
	if cfg.MaxToolUseConcurrency <= 0 {
		cfg.MaxToolUseConcurrency = 1
	}

	if path != "" && onChange != nil {
		v.OnConfigChange(func(e fsnotify.Event) {
			var reloaded EngineConfig
			if err := v.Unmarshal(&reloaded); err == nil {
				if reloaded.MaxToolUseConcurrency <= 0 {
					reloaded.MaxToolUseConcurrency = 1
				}
				onChange(reloaded)
			}
		})
		v.WatchConfig()
	}

	return &cfg, nil
}

// FeatureEnabled reports whether a named feature gate is on.
func (c *EngineConfig) FeatureEnabled(name string) bool {
	if c == nil || c.FeatureFlags == nil {
		return false
	}
	return c.FeatureFlags[name]
}

// ParseBoolEnv mirrors the spec's "1"/"true" truthy parsing for
// COCODE_DISABLE_SHELL_SNAPSHOT read outside of Load (e.g. by a caller
// that hasn't gone through viper).
func ParseBoolEnv(value string) bool {
	if value == "" {
		return false
	}
	b, err := strconv.ParseBool(value)
	return err == nil && b
}
