// Package config loads omssync settings from oms.toml, OMS_* environment
// variables and built-in defaults, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// FileName is the config file looked up when no explicit path is given.
const FileName = "oms.toml"

// EnvPrefix prefixes environment overrides, e.g. OMS_REMOTE_URL.
const EnvPrefix = "OMS"

// Remote drivers.
const (
	DriverLibSQL = "libsql"
	DriverMemory = "memory"
)

type QueueConfig struct {
	Path string `mapstructure:"path"`
}

type RemoteConfig struct {
	Driver    string `mapstructure:"driver"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type ConnectivityConfig struct {
	ProbeAddress string        `mapstructure:"probe_address"`
	Interval     time.Duration `mapstructure:"interval"`
	StatusFile   string        `mapstructure:"status_file"`
}

type SyncConfig struct {
	ApplyTimeout  time.Duration `mapstructure:"apply_timeout"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Config is the full omssync configuration.
type Config struct {
	Queue        QueueConfig        `mapstructure:"queue"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
	Log          LogConfig          `mapstructure:"log"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queue.path", filepath.Join(".oms", "queue.db"))

	v.SetDefault("remote.driver", DriverLibSQL)
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.auth_token", "")

	v.SetDefault("connectivity.probe_address", "")
	v.SetDefault("connectivity.interval", 10*time.Second)
	v.SetDefault("connectivity.status_file", "")

	v.SetDefault("sync.apply_timeout", 30*time.Second)
	v.SetDefault("sync.retry_interval", 30*time.Second)

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.host", "localhost")
	v.SetDefault("dashboard.port", 8787)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := load(viper.New(), "")
	if err != nil {
		// Defaults alone never fail to decode.
		panic(err)
	}
	return cfg
}

// Load reads path, or oms.toml from the working directory and the user config
// directory when path is empty. A missing file is only an error when path was
// given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "omssync"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	return load(v, v.ConfigFileUsed())
}

func load(v *viper.Viper, file string) (*Config, error) {
	setDefaults(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = file

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	switch c.Remote.Driver {
	case DriverLibSQL, DriverMemory:
	default:
		return fmt.Errorf("invalid remote.driver %q: must be %s or %s", c.Remote.Driver, DriverLibSQL, DriverMemory)
	}
	if c.Queue.Path == "" {
		return fmt.Errorf("queue.path must not be empty")
	}
	if c.Connectivity.Interval <= 0 {
		return fmt.Errorf("connectivity.interval must be positive, got %s", c.Connectivity.Interval)
	}
	if c.Sync.RetryInterval < 0 || c.Sync.ApplyTimeout < 0 {
		return fmt.Errorf("sync durations must not be negative")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("invalid dashboard.port %d", c.Dashboard.Port)
	}
	return nil
}

// Encode writes c as TOML. Durations are written in their string form so
// the output can be read back by Load.
func (c *Config) Encode(w io.Writer) error {
	doc := map[string]map[string]any{
		"queue": {
			"path": c.Queue.Path,
		},
		"remote": {
			"driver":     c.Remote.Driver,
			"url":        c.Remote.URL,
			"auth_token": c.Remote.AuthToken,
		},
		"connectivity": {
			"probe_address": c.Connectivity.ProbeAddress,
			"interval":      c.Connectivity.Interval.String(),
			"status_file":   c.Connectivity.StatusFile,
		},
		"sync": {
			"apply_timeout":  c.Sync.ApplyTimeout.String(),
			"retry_interval": c.Sync.RetryInterval.String(),
		},
		"dashboard": {
			"enabled": c.Dashboard.Enabled,
			"host":    c.Dashboard.Host,
			"port":    c.Dashboard.Port,
		},
		"log": {
			"file":        c.Log.File,
			"max_size_mb": c.Log.MaxSizeMB,
			"max_backups": c.Log.MaxBackups,
		},
	}
	if err := toml.NewEncoder(w).Encode(doc); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Remote.AuthToken != "" {
		out.Remote.AuthToken = "********"
	}
	return &out
}

// WriteFile writes c to path, refusing to overwrite unless force is set.
func (c *Config) WriteFile(path string, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := c.Encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
