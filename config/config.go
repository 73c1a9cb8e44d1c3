// Package config loads optional CLI defaults from a YAML file. Flags
// given on the command line always win over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// DefaultFileName is looked up under the user's home directory when no
// explicit config path is given.
const DefaultFileName = ".undock.yaml"

// Config holds the file-settable defaults.
type Config struct {
	Output       string `yaml:"output"`
	NumericOwner bool   `yaml:"numeric_owner"`
	Strict       bool   `yaml:"strict"`
	LogLevel     string `yaml:"log_level"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Output:   ".",
		LogLevel: "warning",
	}
}

// Load reads a config file. A missing file is only an error when the
// path was explicitly requested; the implicit home-directory lookup
// silently falls back to defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return Default(), nil
		}
		path = filepath.Join(home, DefaultFileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
