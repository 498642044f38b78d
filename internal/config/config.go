// Package config loads the host process's configuration: server and
// bridge settings, the plugin search path and deny-list, memory backend
// selection, and chat defaults. Files are YAML or JSON5, merged through
// $include directives with environment-variable expansion (spec §6).
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the frontclaw host process.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Plugins PluginsConfig `yaml:"plugins"`
	Memory  MemoryConfig  `yaml:"memory"`
	Chat    ChatConfig    `yaml:"chat"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the host's HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BridgeConfig configures plugin worker process lifecycle.
type BridgeConfig struct {
	// StartupTimeout bounds how long a plugin's sandbox has to send its
	// ready handshake before the host gives up on it (spec §9).
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	// CallTimeout bounds a single hook call round trip.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// ShutdownGrace bounds how long a plugin has to exit after onUnload
	// before the host kills the process.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// PluginsConfig configures plugin discovery.
type PluginsConfig struct {
	// Dirs lists directories scanned for plugin manifests (spec §4.6).
	Dirs []string `yaml:"dirs"`
	// DenyList names plugin ids excluded from loading regardless of
	// manifest validity.
	DenyList []string `yaml:"deny_list"`
	// Overrides replaces a loaded plugin's config block by id, without
	// editing the plugin's own manifest.
	Overrides map[string]map[string]any `yaml:"overrides"`
}

// MemoryConfig selects and configures the namespaced KV backend (spec §4.4).
type MemoryConfig struct {
	// Backend is "inprocess" or "redis".
	Backend string `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
	// EncryptionKeyHex is a 32-byte AES-256 key, hex-encoded. Required
	// when any plugin's memory grant sets Encrypt.
	EncryptionKeyHex string `yaml:"encryption_key_hex"`
	// DefaultTTL applies to memory.set calls that omit an explicit TTL.
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// RedisConfig configures the remote memory backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ChatConfig configures the chat driver's defaults (spec §4.9).
type ChatConfig struct {
	Model        string `yaml:"model"`
	MaxTokens    int    `yaml:"max_tokens"`
	HistoryLimit int    `yaml:"history_limit"`
	DBPath       string `yaml:"db_path"`
}

// LoggingConfig configures the host's structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Validate checks fields that would otherwise fail confusingly deep in
// startup (spec §6's "environment" surface: a host can't start without a
// reachable plugin directory or a resolvable memory backend).
func (c *Config) Validate() error {
	if len(c.Plugins.Dirs) == 0 {
		return fmt.Errorf("config: plugins.dirs must name at least one directory")
	}
	switch c.Memory.Backend {
	case "", "inprocess":
	case "redis":
		if c.Memory.Redis.Addr == "" {
			return fmt.Errorf("config: memory.redis.addr is required when memory.backend is \"redis\"")
		}
	default:
		return fmt.Errorf("config: unknown memory.backend %q", c.Memory.Backend)
	}
	return nil
}

// Defaults returns a Config with the host's baked-in defaults, to be
// merged under whatever the loaded file specifies.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Bridge: BridgeConfig{
			StartupTimeout: 10 * time.Second,
			CallTimeout:    30 * time.Second,
			ShutdownGrace:  5 * time.Second,
		},
		Memory: MemoryConfig{
			Backend:    "inprocess",
			DefaultTTL: 24 * time.Hour,
		},
		Chat: ChatConfig{
			Model:        "default",
			MaxTokens:    2048,
			HistoryLimit: 50,
			DBPath:       "frontclaw.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
