// Package config loads farmsync configuration from a YAML file, environment
// variables and defaults, in that order of increasing precedence.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	// Scope is the farm identifier this instance syncs.
	Scope string `mapstructure:"scope"`

	// DataDir holds the local database and signal files.
	DataDir string `mapstructure:"data_dir"`

	Remote RemoteConfig `mapstructure:"remote"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Bridge BridgeConfig `mapstructure:"bridge"`
	Log    LogConfig    `mapstructure:"log"`
}

// RemoteConfig points at the authoritative farm API.
type RemoteConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig tunes the background coordinator.
type SyncConfig struct {
	Cooldown         time.Duration `mapstructure:"cooldown"`
	WakeSchedule     string        `mapstructure:"wake_schedule"`
	CheckpointMaxAge time.Duration `mapstructure:"checkpoint_max_age"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
}

// BridgeConfig configures the host platform bus.
type BridgeConfig struct {
	// Addr for the WebSocket server; empty disables it.
	Addr string `mapstructure:"addr"`

	// SignalsDir for the file-drop transport; empty disables it.
	SignalsDir string `mapstructure:"signals_dir"`
}

// LogConfig configures daemon log output.
type LogConfig struct {
	// File to write to; empty logs to stderr.
	File string `mapstructure:"file"`

	// MaxSizeMB before the log file rotates.
	MaxSizeMB int `mapstructure:"max_size_mb"`

	// MaxBackups is how many rotated files to keep.
	MaxBackups int `mapstructure:"max_backups"`
}

// DatabasePath returns the local store location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "farmsync.db")
}

// Validate checks the fields nothing can run without.
func (c *Config) Validate() error {
	if c.Scope == "" {
		return fmt.Errorf("scope is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Remote.URL == "" {
		return fmt.Errorf("remote.url is required")
	}
	return nil
}

// Load reads configuration. With an empty path, only defaults and FARMSYNC_*
// environment variables apply; otherwise the named YAML file is merged in.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", ".farmsync")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("sync.cooldown", 30*time.Second)
	v.SetDefault("sync.wake_schedule", "@every 15m")
	v.SetDefault("sync.checkpoint_max_age", 24*time.Hour)
	v.SetDefault("sync.stale_after", 15*time.Minute)
	v.SetDefault("bridge.addr", "127.0.0.1:7333")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)

	v.SetEnvPrefix("FARMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
