package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mstoykov/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/cdpmux/cdpmux/client"
)

// Config is the cdpmux command configuration. Values are read from the
// defaults, then the config file, then CDPMUX_* environment variables, then
// flags, each overriding the previous.
type Config struct {
	Endpoint    string        `yaml:"endpoint" envconfig:"CDPMUX_ENDPOINT"`
	LogLevel    string        `yaml:"log_level" envconfig:"CDPMUX_LOG_LEVEL"`
	LogFilter   string        `yaml:"log_filter" envconfig:"CDPMUX_LOG_FILTER"`
	Timeout     time.Duration `yaml:"timeout" envconfig:"CDPMUX_TIMEOUT"`
	MetricsAddr string        `yaml:"metrics_addr" envconfig:"CDPMUX_METRICS_ADDR"`
	NoColor     bool          `yaml:"no_color" envconfig:"CDPMUX_NO_COLOR"`
}

func defaultConfig() Config {
	return Config{
		Endpoint: strings.TrimSuffix(client.DefaultEndpoint, "/json"),
		LogLevel: "info",
		Timeout:  30 * time.Second,
	}
}

type fileConfig struct {
	Endpoint    string `toml:"endpoint"`
	LogLevel    string `toml:"log_level"`
	LogFilter   string `toml:"log_filter"`
	Timeout     string `toml:"timeout"`
	MetricsAddr string `toml:"metrics_addr"`
	NoColor     bool   `toml:"no_color"`
}

func loadConfig(path string, lookupEnv func(string) (string, bool)) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		var err error
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".toml":
			err = loadTOML(path, &cfg)
		case ".yaml", ".yml":
			err = loadYAML(path, &cfg)
		default:
			err = fmt.Errorf("unsupported config file format %q", ext)
		}
		if err != nil {
			return Config{}, err
		}
	}

	if err := envconfig.Process("", &cfg, lookupEnv); err != nil {
		return Config{}, fmt.Errorf("load config from environment: %w", err)
	}
	return cfg, cfg.validate()
}

func loadTOML(path string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) != 0 {
		return fmt.Errorf("load config: unknown keys %v", undecoded)
	}

	if meta.IsDefined("endpoint") {
		cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_filter") {
		cfg.LogFilter = raw.LogFilter
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("no_color") {
		cfg.NoColor = raw.NoColor
	}
	return nil
}

func loadYAML(path string, cfg *Config) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return nil
}

func (cfg Config) validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("endpoint must not be empty")
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %v", cfg.Timeout)
	}
	return nil
}
