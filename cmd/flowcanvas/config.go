package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/spf13/cast"

	"github.com/rendis/flowcanvas/internal/scheduler"
	"github.com/rendis/flowcanvas/internal/store"
)

// envPrefix prefixes every environment override.
const envPrefix = "FLOWCANVAS_"

// Config holds all flowcanvas server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr     string `json:"listen_addr"`
	LogLevel       string `json:"log_level"`
	LogFormat      string `json:"log_format"`
	PoolSize       int    `json:"pool_size"`
	NodeTimeout    string `json:"node_timeout,omitempty"`
	JournalDSN     string `json:"journal_dsn"`
	JournalMaxRuns int    `json:"journal_max_runs"`
	Panel          bool   `json:"panel"`
	MCP            bool   `json:"mcp"`
	FileRoot       string `json:"file_root,omitempty"`
	MaxFileSize    int64  `json:"max_file_size"`
	HTTPTimeout    string `json:"http_timeout"`
	SchedulerTick  string `json:"scheduler_tick"`

	// Schedules are registered with the scheduler at startup.
	Schedules []scheduler.JobSpec `json:"schedules,omitempty"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:     ":4200",
		LogLevel:       "info",
		LogFormat:      "text",
		PoolSize:       1,
		JournalDSN:     store.DefaultDSN,
		JournalMaxRuns: 100,
		Panel:          true,
		MaxFileSize:    50 * 1024 * 1024,
		HTTPTimeout:    "30s",
		SchedulerTick:  "1s",
	}
}

func flowcanvasDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowcanvas"
	}
	return filepath.Join(home, ".flowcanvas")
}

func settingsPath() string {
	return filepath.Join(flowcanvasDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(flowcanvasDir(), "flowcanvas.pid")
}

// loadConfig layers settings.json and the environment over the defaults.
// A missing settings file is not an error; a malformed one is.
func loadConfig() (Config, error) {
	return loadConfigFrom(settingsPath(), os.LookupEnv)
}

func loadConfigFrom(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	env, err := envOverrides(lookup)
	if err != nil {
		return cfg, err
	}
	if err := mergo.Merge(&cfg, env, mergo.WithOverride); err != nil {
		return cfg, fmt.Errorf("apply environment: %w", err)
	}
	// mergo skips zero values, so booleans are applied explicitly.
	if v, ok := lookup(envPrefix + "PANEL"); ok {
		cfg.Panel = cast.ToBool(v)
	}
	if v, ok := lookup(envPrefix + "MCP"); ok {
		cfg.MCP = cast.ToBool(v)
	}

	return cfg, cfg.validate()
}

// envOverrides reads the non-boolean FLOWCANVAS_* variables.
func envOverrides(lookup func(string) (string, bool)) (Config, error) {
	var env Config
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	str("LISTEN_ADDR", &env.ListenAddr)
	str("LOG_LEVEL", &env.LogLevel)
	str("LOG_FORMAT", &env.LogFormat)
	str("NODE_TIMEOUT", &env.NodeTimeout)
	str("JOURNAL_DSN", &env.JournalDSN)
	str("FILE_ROOT", &env.FileRoot)
	str("HTTP_TIMEOUT", &env.HTTPTimeout)
	str("SCHEDULER_TICK", &env.SchedulerTick)

	if v, ok := lookup(envPrefix + "POOL_SIZE"); ok {
		n, err := cast.ToIntE(v)
		if err != nil {
			return env, fmt.Errorf("%sPOOL_SIZE: %w", envPrefix, err)
		}
		env.PoolSize = n
	}
	if v, ok := lookup(envPrefix + "JOURNAL_MAX_RUNS"); ok {
		n, err := cast.ToIntE(v)
		if err != nil {
			return env, fmt.Errorf("%sJOURNAL_MAX_RUNS: %w", envPrefix, err)
		}
		env.JournalMaxRuns = n
	}
	if v, ok := lookup(envPrefix + "MAX_FILE_SIZE"); ok {
		n, err := cast.ToInt64E(v)
		if err != nil {
			return env, fmt.Errorf("%sMAX_FILE_SIZE: %w", envPrefix, err)
		}
		env.MaxFileSize = n
	}
	return env, nil
}

func (c Config) validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", c.PoolSize)
	}
	for name, v := range map[string]string{
		"node_timeout":   c.NodeTimeout,
		"http_timeout":   c.HTTPTimeout,
		"scheduler_tick": c.SchedulerTick,
	} {
		if v == "" {
			continue
		}
		if _, err := cast.ToDurationE(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (c Config) nodeTimeout() time.Duration   { return cast.ToDuration(c.NodeTimeout) }
func (c Config) httpTimeout() time.Duration   { return cast.ToDuration(c.HTTPTimeout) }
func (c Config) schedulerTick() time.Duration { return cast.ToDuration(c.SchedulerTick) }

// configDiff describes what changed between two configurations.
type configDiff struct {
	PanelChanged    bool
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.Panel != new.Panel {
		d.PanelChanged = true
	}
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.LogFormat != new.LogFormat {
		d.RestartNeeded = append(d.RestartNeeded, "log_format")
	}
	if old.JournalDSN != new.JournalDSN {
		d.RestartNeeded = append(d.RestartNeeded, "journal_dsn")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.MCP != new.MCP {
		d.RestartNeeded = append(d.RestartNeeded, "mcp")
	}
	return d
}
