package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	applog "github.com/drallgood/audiobook-reconciler/internal/logger"
)

// LoadFromFile loads configuration from a YAML file without merging
// environment variables or defaults; Load is the entry point ordinary
// callers want.
func LoadFromFile(path string) (*Config, error) {
	log := applog.Get()

	if !filepath.IsAbs(path) {
		abspath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}
		path = abspath
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file does not exist: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	log.Debug("parsed configuration file", map[string]interface{}{
		"path":          path,
		"library_host":  cfg.Library.Host,
		"has_api_key":   cfg.Library.APIKey != "",
		"catalog_locale": cfg.Catalog.Locale,
	})

	return &cfg, nil
}
