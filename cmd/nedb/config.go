package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// Config holds the playground's configuration options.
type Config struct {
	Datafile      string `json:"datafile"`
	TimestampData bool   `json:"timestamp_data,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Datafile: filepath.Join(os.TempDir(), "nedb-playground.db"),
	}
}

// configPath returns the path of the config file:
// $XDG_CONFIG_HOME/nedb/config.json, falling back to ~/.config/nedb/config.json.
func configPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "nedb", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "nedb", "config.json")
}

// LoadConfig loads the config file over the defaults. The file may contain
// comments and trailing commas (HuJSON). A missing file is not an error.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	path := configPath()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("decode config %q: %w", path, err)
	}

	return cfg, nil
}
