// Package config loads squatscan settings from .squatscan.yaml, .env and
// SQUATSCAN_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/seanhalberthal/squatscan/internal/cache"
	"github.com/seanhalberthal/squatscan/internal/walker"
)

// EnvPrefix is the prefix of environment overrides, e.g. SQUATSCAN_LOG_LEVEL.
const EnvPrefix = "SQUATSCAN"

// FileName is the config file name searched for, without extension.
const FileName = ".squatscan"

// Config holds all settings.
type Config struct {
	Concurrency  int           `mapstructure:"concurrency"`
	Ruleset      string        `mapstructure:"ruleset"`
	Snapshot     string        `mapstructure:"snapshot"`
	CacheDir     string        `mapstructure:"cache_dir"`
	LogLevel     string        `mapstructure:"log_level"`
	RegistryURL  string        `mapstructure:"registry_url"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	MaxFileSize  int64         `mapstructure:"max_file_size"`
	IncludeDirs  []string      `mapstructure:"include_dirs"`
}

// ConfigError reports an invalid setting.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Concurrency:  runtime.NumCPU(),
		CacheDir:     cache.DefaultDir(),
		LogLevel:     "warn",
		RegistryURL:  "https://registry.npmjs.org",
		FetchTimeout: 20 * time.Second,
		MaxFileSize:  walker.DefaultMaxFileSize,
	}
}

// Load reads settings for a scan rooted at root. An explicit file, when
// given, replaces the search of root and the home directory. A .env file in
// root is loaded first; variables already set are kept.
func Load(root, file string) (*Config, error) {
	if root == "" {
		root = "."
	}
	_ = godotenv.Load(filepath.Join(root, ".env"))

	def := Default()
	v := viper.New()
	v.SetDefault("concurrency", def.Concurrency)
	v.SetDefault("ruleset", def.Ruleset)
	v.SetDefault("snapshot", def.Snapshot)
	v.SetDefault("cache_dir", def.CacheDir)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("registry_url", def.RegistryURL)
	v.SetDefault("fetch_timeout", def.FetchTimeout)
	v.SetDefault("max_file_size", def.MaxFileSize)
	v.SetDefault("include_dirs", []string{})

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(root)
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return &ConfigError{Field: "concurrency", Message: "must be at least 1"}
	}
	if c.FetchTimeout <= 0 {
		return &ConfigError{Field: "fetch_timeout", Message: "must be positive"}
	}
	if c.MaxFileSize <= 0 {
		return &ConfigError{Field: "max_file_size", Message: "must be positive"}
	}
	if c.RegistryURL == "" {
		return &ConfigError{Field: "registry_url", Message: "must not be empty"}
	}
	return nil
}
