// Package config provides the tvsync configuration.
//
// Configuration is layered: built-in defaults, then an optional TOML file,
// then TVSYNC_* environment variables. Layers are merged as maps with
// loader.DeepMerge and decoded into Config, which is then validated.
//
// A file looks like:
//
//	[log]
//	level = "debug"
//
//	[dispatch]
//	catch_up_delay = "50ms"
//
//	[sync]
//	retry_backoff = "1s"
//	implicit_ownership = true
//
//	[network]
//	listen = ":7420"
//	hub = "ws://localhost:7420"
//
//	[plugins]
//	scripts = ["announce.lua"]
//	priority = 0
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/tvsync/internal/config/loader"
	"github.com/dshills/tvsync/internal/logging"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "TVSYNC_"

	// EnvConfigPath names the config file when no path is given.
	EnvConfigPath = "TVSYNC_CONFIG"
)

// Config is the complete tvsync configuration.
type Config struct {
	Log      LogConfig      `toml:"log"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Sync     SyncConfig     `toml:"sync"`
	Network  NetworkConfig  `toml:"network"`
	Plugins  PluginsConfig  `toml:"plugins"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error, always.
	Level string `toml:"level"`

	// File receives log output instead of stderr when set.
	File string `toml:"file"`
}

// DispatchConfig configures listener dispatchers.
type DispatchConfig struct {
	// CatchUpDelay is how long a listener registered after start waits
	// for its ready event.
	CatchUpDelay Duration `toml:"catch_up_delay"`
}

// SyncConfig configures replicated cells.
type SyncConfig struct {
	// RetryBackoff is the flat delay before a failed commit is resent.
	RetryBackoff Duration `toml:"retry_backoff"`

	// ImplicitOwnership lets a peer take ownership when it needs to commit.
	ImplicitOwnership bool `toml:"implicit_ownership"`
}

// NetworkConfig configures the websocket hub and clients.
type NetworkConfig struct {
	Listen         string   `toml:"listen"`
	Hub            string   `toml:"hub"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// PluginsConfig configures Lua listener scripts.
type PluginsConfig struct {
	Scripts  []string `toml:"scripts"`
	Priority int      `toml:"priority"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Dispatch: DispatchConfig{
			CatchUpDelay: Duration(3 * time.Second / 60),
		},
		Sync: SyncConfig{
			RetryBackoff:      Duration(time.Second),
			ImplicitOwnership: true,
		},
		Network: NetworkConfig{
			Listen:         ":7420",
			Hub:            "ws://localhost:7420",
			RequestTimeout: Duration(5 * time.Second),
		},
		Plugins: PluginsConfig{Scripts: []string{}},
	}
}

// Load reads path (or $TVSYNC_CONFIG when path is empty) over the defaults,
// applies environment overrides and validates the result. A missing file
// is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	env := loader.NewEnvLoader(EnvPrefix)
	env.Ignore(EnvConfigPath)
	return LoadFrom(loader.NewTOMLLoader(path), env)
}

// LoadFrom merges sources over the defaults in order and validates the
// result.
func LoadFrom(sources ...loader.Loader) (*Config, error) {
	merged, err := Default().toMap()
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		m, err := src.Load()
		if err != nil {
			return nil, err
		}
		merged = loader.DeepMerge(merged, m)
	}

	cfg, err := fromMap(merged)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) toMap() (map[string]any, error) {
	b, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return loader.ParseTOML("<defaults>", b)
}

func fromMap(m map[string]any) (*Config, error) {
	b, err := toml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding merged config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &cfg, nil
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() logging.Level {
	level, _ := logging.ParseLevel(c.Log.Level)
	return level
}

// Validate checks every section and returns all problems found.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(path, msg string, value any) {
		errs = append(errs, &ValidationError{Path: path, Message: msg, Value: value})
	}

	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		add("log.level", "unknown level", c.Log.Level)
	}
	if c.Dispatch.CatchUpDelay < 0 {
		add("dispatch.catch_up_delay", "must not be negative", c.Dispatch.CatchUpDelay)
	}
	if c.Sync.RetryBackoff <= 0 {
		add("sync.retry_backoff", "must be positive", c.Sync.RetryBackoff)
	}
	if c.Network.Listen == "" {
		add("network.listen", "must not be empty", c.Network.Listen)
	}
	if c.Network.RequestTimeout <= 0 {
		add("network.request_timeout", "must be positive", c.Network.RequestTimeout)
	}
	if c.Plugins.Priority < -128 || c.Plugins.Priority > 127 {
		add("plugins.priority", "must be within -128..127", c.Plugins.Priority)
	}
	for i, s := range c.Plugins.Scripts {
		if s == "" {
			add(fmt.Sprintf("plugins.scripts[%d]", i), "must not be empty", s)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Duration is a time.Duration written as a string such as "1s" in TOML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the duration in time.Duration notation.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
