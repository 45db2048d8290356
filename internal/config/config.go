// Package config loads tripsync settings from a config file, TRIPSYNC_*
// environment variables and command-line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides (TRIPSYNC_TRIP_ID,
// TRIPSYNC_HUB_URL, ...).
const EnvPrefix = "TRIPSYNC"

// Backend names.
const (
	BackendMemory    = "memory"
	BackendFile      = "file"
	BackendSQLite    = "sqlite"
	BackendBroadcast = "broadcast"
)

// Backends lists every supported backend.
var Backends = []string{BackendFile, BackendSQLite, BackendBroadcast, BackendMemory}

// Cache kinds.
const (
	CacheSQLite = "sqlite"
	CacheFile   = "file"
)

// Config holds every setting.
type Config struct {
	TripID  string      `mapstructure:"trip_id"`
	Backend string      `mapstructure:"backend"`
	DataDir string      `mapstructure:"data_dir"`
	Members []string    `mapstructure:"members"`
	Cache   CacheConfig `mapstructure:"cache"`
	Hub     HubConfig   `mapstructure:"hub"`
	Sync    SyncConfig  `mapstructure:"sync"`
	Log     LogConfig   `mapstructure:"log"`
}

// CacheConfig selects the device-local cache.
type CacheConfig struct {
	Kind string `mapstructure:"kind"`
	// Path defaults to <data_dir>/cache.db or <data_dir>/cache.
	Path string `mapstructure:"path"`
}

// HubConfig configures the broadcast hub and how clients reach it.
type HubConfig struct {
	Addr string `mapstructure:"addr"`
	URL  string `mapstructure:"url"`
}

// SyncConfig tunes synchronization.
type SyncConfig struct {
	RetryBase    time.Duration `mapstructure:"retry_base"`
	RetryMax     time.Duration `mapstructure:"retry_max"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Debounce     time.Duration `mapstructure:"debounce"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// DefaultDataDir returns ~/.local/share/tripsync, or ./.tripsync when the
// home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tripsync"
	}
	return filepath.Join(home, ".local", "share", "tripsync")
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("trip_id", "danang-2026")
	v.SetDefault("backend", BackendFile)
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("members", []string{})
	v.SetDefault("cache.kind", CacheSQLite)
	v.SetDefault("cache.path", "")
	v.SetDefault("hub.addr", ":8787")
	v.SetDefault("hub.url", "ws://localhost:8787/ws")
	v.SetDefault("sync.retry_base", 200*time.Millisecond)
	v.SetDefault("sync.retry_max", 30*time.Second)
	v.SetDefault("sync.poll_interval", 250*time.Millisecond)
	v.SetDefault("sync.debounce", 100*time.Millisecond)
	v.SetDefault("log.level", "")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
}

// Defaults returns the configuration with nothing overridden.
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// New returns a viper instance with defaults, environment binding and the
// config search path set up. file, when not empty, is the only config file
// considered.
func New(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		return v
	}
	v.SetConfigName("tripsync")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "tripsync"))
	}
	return v
}

// BindFlags binds flags by name to keys; a flag named "trip" can be bound
// to "trip_id" with map[string]string{"trip_id": "trip"}.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		f := flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("no flag %q for key %s", name, key)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the config file, if there is one, and decodes v.
// A missing config file is not an error unless it was named explicitly.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	// TRIPSYNC_MEMBERS="a, b" arrives split on commas but untrimmed.
	members := cfg.Members[:0]
	for _, m := range cfg.Members {
		if m = strings.TrimSpace(m); m != "" {
			members = append(members, m)
		}
	}
	cfg.Members = members
	return &cfg, nil
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.TripID) == "" {
		return fmt.Errorf("trip_id is required")
	}
	if strings.ContainsAny(c.TripID, "/\\ ") {
		return fmt.Errorf("trip_id %q may not contain slashes or spaces", c.TripID)
	}
	switch c.Backend {
	case BackendMemory, BackendFile, BackendSQLite, BackendBroadcast:
	default:
		return fmt.Errorf("unknown backend %q (want one of %s)", c.Backend, strings.Join(Backends, ", "))
	}
	switch c.Cache.Kind {
	case CacheSQLite, CacheFile:
	default:
		return fmt.Errorf("unknown cache kind %q (want sqlite or file)", c.Cache.Kind)
	}
	if c.Backend == BackendBroadcast && c.Hub.URL == "" {
		return fmt.Errorf("hub.url is required for the broadcast backend")
	}
	if c.Backend != BackendMemory && c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Sync.RetryBase <= 0 || c.Sync.RetryMax < c.Sync.RetryBase {
		return fmt.Errorf("sync.retry_base must be positive and at most sync.retry_max")
	}
	return nil
}

// CachePath returns the cache location, defaulting under DataDir.
func (c *Config) CachePath() string {
	if c.Cache.Path != "" {
		return c.Cache.Path
	}
	if c.Cache.Kind == CacheFile {
		return filepath.Join(c.DataDir, "cache")
	}
	return filepath.Join(c.DataDir, "cache.db")
}

// StorePath returns where the file and sqlite backends keep shared state.
func (c *Config) StorePath() string {
	if c.Backend == BackendSQLite {
		return filepath.Join(c.DataDir, "shared.db")
	}
	return filepath.Join(c.DataDir, "shared")
}
