package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. WASP_WASM_MEMORY_PAGES.
const EnvPrefix = "WASP"

type Config struct {
	LogLevel       string         `mapstructure:"log_level"`
	MetricsEnabled bool           `mapstructure:"metrics_enabled"`
	Wasm           WasmConfig     `mapstructure:"wasm"`
	Plugins        []PluginConfig `mapstructure:"plugins"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages"`
	// Enable debug logging.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory. Empty keeps compiled code in memory only.
	CacheDir string `mapstructure:"cache_dir"`
	// Maximum concurrent instances.
	MaxInstances int `mapstructure:"max_instances"`
	// Upper bound for one export call, 0 for none.
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	// Provide wasi_snapshot_preview1 to guests.
	WASI bool `mapstructure:"wasi"`
	// Release result buffers after reading them.
	ReleaseResults bool `mapstructure:"release_results"`
}

// PluginConfig names a guest module to register at startup.
type PluginConfig struct {
	Name        string            `mapstructure:"name"`
	Path        string            `mapstructure:"path"`
	Environment map[string]string `mapstructure:"environment"`
	// Callbacks, when set, limits the env callbacks the plugin may import.
	Callbacks []string `mapstructure:"callbacks"`
}

func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_enabled", false)

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 256) // 16MB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "")
	v.SetDefault("wasm.max_instances", 100)
	v.SetDefault("wasm.execution_timeout", 30*time.Second)
	v.SetDefault("wasm.wasi", true)
	v.SetDefault("wasm.release_results", true)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the runtime cannot honor.
func (c *Config) Validate() error {
	if c.Wasm.MemoryPages > 65536 {
		return fmt.Errorf("wasm.memory_pages %d exceeds the 4GiB address space", c.Wasm.MemoryPages)
	}
	if c.Wasm.ExecutionTimeout < 0 {
		return fmt.Errorf("wasm.execution_timeout must not be negative")
	}

	seen := make(map[string]bool, len(c.Plugins))
	for i, p := range c.Plugins {
		if p.Name == "" || p.Path == "" {
			return fmt.Errorf("plugins[%d]: name and path are required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("plugins[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
