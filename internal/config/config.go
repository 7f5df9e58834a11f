package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port     int           `yaml:"port"`
	Address  string        `yaml:"address"`
	Family   string        `yaml:"family"`
	Strict   bool          `yaml:"strict"`
	Secret   string        `yaml:"secret"`
	DB       string        `yaml:"db"`
	LogLevel string        `yaml:"log_level"`
	Timeout  time.Duration `yaml:"timeout"`
}

func Default() *Config {
	return &Config{
		Port:     7700,
		Family:   "any",
		LogLevel: "info",
		Timeout:  10 * time.Second,
	}
}

// Load reads the YAML file at path on top of the defaults. An empty path or a
// file that does not exist yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}

	switch c.Family {
	case "any", "ipv4", "ipv6":
	default:
		return fmt.Errorf("bad family: %q", c.Family)
	}

	if c.Timeout < 0 {
		return fmt.Errorf("negative timeout: %s", c.Timeout)
	}

	return nil
}
