package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig   `koanf:"server"`
	Pipelines PipelineConfig `koanf:"pipelines"`
	Valves    ValveConfig    `koanf:"valves"`
	Dispatch  DispatchConfig `koanf:"dispatch"`
	Storage   StorageConfig  `koanf:"storage"`
	Log       LogConfig      `koanf:"log"`
}

type ServerConfig struct {
	Port   int    `koanf:"port"`
	APIKey string `koanf:"api_key"`
}

type PipelineConfig struct {
	Dir string `koanf:"dir"`
}

type ValveConfig struct {
	Dir string `koanf:"dir"`
}

type DispatchConfig struct {
	Workers int64         `koanf:"workers"`
	Timeout time.Duration `koanf:"timeout"`
}

type StorageConfig struct {
	// Path is the SQLite database file for the invocation log.
	// Empty disables recording.
	Path string `koanf:"path"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

// legacyEnv maps environment variables honored for compatibility with
// older deployments onto their config keys.
var legacyEnv = map[string]string{
	"PIPELINES_API_KEY": "server.api_key",
	"PIPELINES_DIR":     "pipelines.dir",
	"VALVES_DIR":        "valves.dir",
	"GLOBAL_LOG_LEVEL":  "log.level",
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Try to load from config.yaml file first
	if err := k.Load(file.Provider("config.yaml"), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider("PIPEWORKS_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "PIPEWORKS_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for name, key := range legacyEnv {
		if v := os.Getenv(name); v != "" && !k.Exists(key) {
			k.Set(key, v)
		}
	}

	// Default values
	if !k.Exists("server.port") {
		k.Set("server.port", 9099)
	}
	if !k.Exists("server.api_key") {
		k.Set("server.api_key", "0p3n-w3bu!")
	}
	if !k.Exists("pipelines.dir") {
		k.Set("pipelines.dir", "./pipelines")
	}
	if !k.Exists("valves.dir") {
		k.Set("valves.dir", "./valves")
	}
	if !k.Exists("dispatch.workers") {
		k.Set("dispatch.workers", 8)
	}
	if !k.Exists("dispatch.timeout") {
		k.Set("dispatch.timeout", "5m")
	}
	if !k.Exists("log.level") {
		k.Set("log.level", "info")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LogLevel parses the configured level, defaulting to info.
func (c *Config) LogLevel() string {
	return strings.ToLower(strings.TrimSpace(c.Log.Level))
}
