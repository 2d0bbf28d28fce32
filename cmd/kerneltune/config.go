package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the kerneltune configuration file
// (~/.config/kerneltune/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	Arch    string `yaml:"arch"`
	Backend string `yaml:"backend"`

	// Tuning defaults
	TopK         *int64         `yaml:"top_k"`
	Parallel     *int64         `yaml:"parallel"`
	Repetitions  *int64         `yaml:"repetitions"`
	BuildTimeout *time.Duration `yaml:"build_timeout"`
	RunTimeout   *time.Duration `yaml:"run_timeout"`
	Seed         *int64         `yaml:"seed"`

	CachePath string `yaml:"cache_path"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string   `yaml:"server_address"`
	RateLimit     *float64 `yaml:"rate_limit"`
}

func configPath() string {
	if p := os.Getenv(envConfigPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "kerneltune", "config.yaml")
}

// applyTunerConfig applies config file defaults to the tuning flags that
// were not set explicitly.
func applyTunerConfig(c *cli.Command, cfg Config) {
	if cfg.Arch != "" && !c.IsSet("arch") {
		archName = cfg.Arch
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendName = cfg.Backend
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		topK = *cfg.TopK
	}
	if cfg.Parallel != nil && !c.IsSet("parallel") {
		parallel = *cfg.Parallel
	}
	if cfg.Repetitions != nil && !c.IsSet("repetitions") {
		repetitions = *cfg.Repetitions
	}
	if cfg.BuildTimeout != nil && !c.IsSet("build-timeout") {
		buildTimeout = *cfg.BuildTimeout
	}
	if cfg.RunTimeout != nil && !c.IsSet("run-timeout") {
		runTimeout = *cfg.RunTimeout
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.CachePath != "" && !c.IsSet("cache-path") {
		cachePath = cfg.CachePath
	}
}

// applyLoggingConfig runs before any subcommand so config-file log settings
// apply to the whole invocation.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string, limit *float64) {
	applyTunerConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.RateLimit != nil && !c.IsSet("rate-limit") {
		*limit = *cfg.RateLimit
	}
}

// LoadConfig reads the config file. A missing file yields a zero Config; a
// file that does not parse is an error so typos are not silently ignored.
func LoadConfig() (Config, error) {
	path := configPath()
	if path == "" {
		return Config{}, nil
	}
	return loadConfigFile(path)
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
