// Package config loads and validates the reconciler's configuration:
// a YAML file merged with environment variable overrides, translated
// into the Config struct each internal package actually consumes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drallgood/audiobook-reconciler/internal/cache"
	"github.com/drallgood/audiobook-reconciler/internal/catalogclient"
	"github.com/drallgood/audiobook-reconciler/internal/libraryclient"
	applog "github.com/drallgood/audiobook-reconciler/internal/logger"
	"github.com/drallgood/audiobook-reconciler/internal/quality"
)

// Config holds every recognized configuration option, per SPEC_FULL §6.
type Config struct {
	Library struct {
		Host                     string        `yaml:"host" env:"LIBRARY_HOST"`
		APIKey                   string        `yaml:"api_key" env:"LIBRARY_API_KEY"`
		RateLimitIntervalSeconds float64       `yaml:"rate_limit_interval_seconds" env:"LIBRARY_RATE_LIMIT_INTERVAL_SECONDS"`
		LibraryID                string        `yaml:"library_id" env:"LIBRARY_ID"`
		MaxConcurrent            int           `yaml:"max_concurrent" env:"LIBRARY_MAX_CONCURRENT"`
		RequestTimeout           time.Duration `yaml:"request_timeout" env:"LIBRARY_REQUEST_TIMEOUT"`
	} `yaml:"library"`

	Catalog struct {
		// BaseURL is the marketplace-specific endpoint resolved from
		// Locale by an adjacent module; until that resolution module is
		// wired, it is configured directly.
		BaseURL                  string  `yaml:"base_url" env:"CATALOG_BASE_URL"`
		AuthFilePath              string  `yaml:"auth_file_path" env:"CATALOG_AUTH_FILE"`
		AuthPassword              string  `yaml:"-" env:"CATALOG_AUTH_PASSWORD"`
		Locale                    string  `yaml:"locale" env:"CATALOG_LOCALE"`
		RateLimitIntervalSeconds  float64 `yaml:"rate_limit_interval_seconds" env:"CATALOG_RATE_LIMIT_INTERVAL_SECONDS"`
		RequestsPerMinute         int     `yaml:"requests_per_minute" env:"CATALOG_REQUESTS_PER_MINUTE"`
		BurstSize                 int     `yaml:"burst_size" env:"CATALOG_BURST_SIZE"`
		BackoffMultiplier         float64 `yaml:"backoff_multiplier" env:"CATALOG_BACKOFF_MULTIPLIER"`
		MaxBackoffSeconds         float64 `yaml:"max_backoff_seconds" env:"CATALOG_MAX_BACKOFF_SECONDS"`
		MaxConcurrent             int     `yaml:"max_concurrent" env:"CATALOG_MAX_CONCURRENT"`
	} `yaml:"catalog"`

	Cache struct {
		Enabled         bool  `yaml:"enabled" env:"CACHE_ENABLED"`
		DBPath          string `yaml:"db_path" env:"CACHE_DB_PATH"`
		DefaultTTLHours float64 `yaml:"default_ttl_hours" env:"CACHE_DEFAULT_TTL_HOURS"`
		LibraryTTLHours float64 `yaml:"library_ttl_hours" env:"CACHE_LIBRARY_TTL_HOURS"`
		CatalogTTLHours float64 `yaml:"catalog_ttl_hours" env:"CACHE_CATALOG_TTL_HOURS"`
		MaxMemoryEntries int64 `yaml:"max_memory_entries" env:"CACHE_MAX_MEMORY_ENTRIES"`
	} `yaml:"cache"`

	Quality struct {
		ExcellentKbps       float64  `yaml:"excellent_kbps" env:"QUALITY_EXCELLENT_KBPS"`
		GoodKbps            float64  `yaml:"good_kbps" env:"QUALITY_GOOD_KBPS"`
		AcceptableKbps      float64  `yaml:"acceptable_kbps" env:"QUALITY_ACCEPTABLE_KBPS"`
		LowKbps             float64  `yaml:"low_kbps" env:"QUALITY_LOW_KBPS"`
		SpatialCodecSet     []string `yaml:"spatial_codec_set" env:"-"`
		SpatialMinChannels  int      `yaml:"spatial_min_channels" env:"QUALITY_SPATIAL_MIN_CHANNELS"`
		PremiumContainerSet []string `yaml:"premium_container_set" env:"-"`
	} `yaml:"quality"`

	// Enrichment, Series, and Upgrade are ambient tuning knobs the
	// spec's external-interfaces list is silent on; they are exposed
	// here so every internal package's Config is reachable from one
	// file, not just the options §6 names explicitly.
	Enrichment struct {
		SubscriptionMarker string  `yaml:"subscription_marker" env:"ENRICHMENT_SUBSCRIPTION_MARKER"`
		GoodDealThreshold  float64 `yaml:"good_deal_threshold" env:"ENRICHMENT_GOOD_DEAL_THRESHOLD"`
		MaxConcurrent      int     `yaml:"max_concurrent" env:"ENRICHMENT_MAX_CONCURRENT"`
	} `yaml:"enrichment"`

	Series struct {
		MinMatchScore float64 `yaml:"min_match_score" env:"SERIES_MIN_MATCH_SCORE"`
	} `yaml:"series"`

	Upgrade struct {
		BitrateThresholdKbps float64 `yaml:"bitrate_threshold_kbps" env:"UPGRADE_BITRATE_THRESHOLD_KBPS"`
		MaxConcurrent        int     `yaml:"max_concurrent" env:"UPGRADE_MAX_CONCURRENT"`
	} `yaml:"upgrade"`

	Logging struct {
		Level  string `yaml:"level" env:"LOG_LEVEL"`
		Format string `yaml:"format" env:"LOG_FORMAT"`
	} `yaml:"logging"`
}

// DefaultConfig returns a Config carrying every package's documented
// defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Library.RateLimitIntervalSeconds = 0.1
	cfg.Library.MaxConcurrent = 5
	cfg.Library.RequestTimeout = 30 * time.Second

	cfg.Catalog.Locale = "us"
	cfg.Catalog.RateLimitIntervalSeconds = 3
	cfg.Catalog.RequestsPerMinute = 20
	cfg.Catalog.BurstSize = catalogclient.DefaultBurst
	cfg.Catalog.BackoffMultiplier = catalogclient.DefaultBackoffFactor
	cfg.Catalog.MaxBackoffSeconds = catalogclient.DefaultMaxBackoff.Seconds()
	cfg.Catalog.MaxConcurrent = catalogclient.DefaultMaxConcurrent

	cfg.Cache.Enabled = true
	cfg.Cache.DBPath = "./cache/reconciler.db"
	cfg.Cache.DefaultTTLHours = 6
	cfg.Cache.LibraryTTLHours = 6
	cfg.Cache.CatalogTTLHours = 168
	cfg.Cache.MaxMemoryEntries = 500

	defaults := quality.DefaultThresholds()
	cfg.Quality.ExcellentKbps = defaults.ExcellentKbps
	cfg.Quality.GoodKbps = defaults.GoodKbps
	cfg.Quality.AcceptableKbps = defaults.AcceptableKbps
	cfg.Quality.LowKbps = defaults.LowKbps
	cfg.Quality.SpatialMinChannels = defaults.SpatialMinChannels
	for codec := range defaults.SpatialCodecs {
		cfg.Quality.SpatialCodecSet = append(cfg.Quality.SpatialCodecSet, codec)
	}
	for ext := range defaults.PremiumContainers {
		cfg.Quality.PremiumContainerSet = append(cfg.Quality.PremiumContainerSet, ext)
	}

	cfg.Enrichment.SubscriptionMarker = "Plus"
	cfg.Enrichment.GoodDealThreshold = 15
	cfg.Enrichment.MaxConcurrent = 10

	cfg.Series.MinMatchScore = 60

	cfg.Upgrade.BitrateThresholdKbps = 110
	cfg.Upgrade.MaxConcurrent = 10

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"

	return cfg
}

// Load loads configuration from a file (if specified) merged with
// environment variables. Priority, lowest to highest: defaults, config
// file, individual environment variables.
func Load(configFile string) (*Config, error) {
	log := applog.Get()
	cfg := DefaultConfig()

	if configFile != "" {
		absConfigFile, err := filepath.Abs(configFile)
		if err == nil {
			configFile = absConfigFile
		}

		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			log.Warn("config file not found, using defaults and environment", map[string]interface{}{"path": configFile})
		} else {
			data, err := os.ReadFile(configFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}

			fileCfg := &Config{}
			if err := yaml.Unmarshal(data, fileCfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			mergeConfigs(cfg, fileCfg)
			log.Info("loaded configuration from file", map[string]interface{}{"path": configFile})
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Debug("configuration loaded", map[string]interface{}{
		"library_host":  cfg.Library.Host,
		"library_id":    cfg.Library.LibraryID,
		"catalog_locale": cfg.Catalog.Locale,
		"cache_enabled": cfg.Cache.Enabled,
	})

	return cfg, nil
}

// Validate checks that the options required to reach the Library are
// present. Catalog credentials are optional: a reconciler run that
// only needs the Library (e.g. quality analysis alone) must not be
// blocked on Catalog configuration.
func (c *Config) Validate() error {
	var missing []string

	if c.Library.Host == "" {
		missing = append(missing, "library.host")
	}
	if c.Library.APIKey == "" {
		missing = append(missing, "library.api_key")
	}

	if len(missing) > 0 {
		return &ConfigError{
			Field: strings.Join(missing, ", "),
			Msg:   "required configuration values are missing",
		}
	}
	return nil
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + " " + e.Msg
}

// BuildLibraryClientConfig translates the Library section into
// libraryclient.Config.
func (c *Config) BuildLibraryClientConfig() libraryclient.Config {
	return libraryclient.Config{
		BaseURL:            c.Library.Host,
		Token:              c.Library.APIKey,
		MinRequestInterval: durationFromSeconds(c.Library.RateLimitIntervalSeconds),
		MaxConcurrent:      int64(c.Library.MaxConcurrent),
		RequestTimeout:     c.Library.RequestTimeout,
		ItemTTL:            durationFromHours(c.Cache.LibraryTTLHours),
	}
}

// BuildCatalogClientConfig translates the Catalog section into
// catalogclient.Config. Only the credential file's path is carried
// over; the bearer credential itself is passed to catalogclient.New
// separately, and this package never reads or decrypts that file.
func (c *Config) BuildCatalogClientConfig() catalogclient.Config {
	requestsPerMinute := c.Catalog.RequestsPerMinute
	// RateLimitIntervalSeconds, when set, expresses the same rate as a
	// spacing interval rather than a per-minute budget; it takes
	// priority since it is the more precise of the two.
	if c.Catalog.RateLimitIntervalSeconds > 0 {
		requestsPerMinute = int(60 / c.Catalog.RateLimitIntervalSeconds)
	}
	return catalogclient.Config{
		BaseURL:           c.Catalog.BaseURL,
		CredentialPath:    c.Catalog.AuthFilePath,
		RequestsPerMinute: requestsPerMinute,
		Burst:             c.Catalog.BurstSize,
		MaxConcurrent:     c.Catalog.MaxConcurrent,
		BackoffMultiplier: c.Catalog.BackoffMultiplier,
		MaxBackoffSeconds: c.Catalog.MaxBackoffSeconds,
		PricingTTL:        durationFromHours(c.Cache.CatalogTTLHours),
	}
}

// BuildCacheConfig translates the Cache section into cache.Config.
func (c *Config) BuildCacheConfig(pricingNamespaces []string) cache.Config {
	return cache.Config{
		DBPath:            c.Cache.DBPath,
		MaxHotEntries:     c.Cache.MaxMemoryEntries,
		PricingNamespaces: pricingNamespaces,
	}
}

// BuildQualityThresholds translates the Quality section into
// quality.Thresholds.
func (c *Config) BuildQualityThresholds() quality.Thresholds {
	spatial := make(map[string]bool, len(c.Quality.SpatialCodecSet))
	for _, codec := range c.Quality.SpatialCodecSet {
		spatial[strings.ToLower(codec)] = true
	}
	premium := make(map[string]bool, len(c.Quality.PremiumContainerSet))
	for _, ext := range c.Quality.PremiumContainerSet {
		premium[strings.ToLower(ext)] = true
	}
	return quality.Thresholds{
		ExcellentKbps:      c.Quality.ExcellentKbps,
		GoodKbps:           c.Quality.GoodKbps,
		AcceptableKbps:     c.Quality.AcceptableKbps,
		LowKbps:            c.Quality.LowKbps,
		SpatialCodecs:      spatial,
		SpatialMinChannels: c.Quality.SpatialMinChannels,
		PremiumContainers:  premium,
	}
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func durationFromHours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// Helper functions for environment variable parsing.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getIntFromEnv(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		i, err := strconv.Atoi(value)
		if err != nil {
			return fallback
		}
		return i
	}
	return fallback
}

func getFloat64FromEnv(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fallback
		}
		return f
	}
	return fallback
}

func getBoolFromEnv(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fallback
		}
		return b
	}
	return fallback
}

// loadFromEnv applies the three documented environment overrides
// (CATALOG_AUTH_PASSWORD, LIBRARY_ID, CATALOG_AUTH_FILE) plus the
// broader per-field env tags used by DefaultConfig's sections.
func loadFromEnv(cfg *Config) {
	cfg.Library.Host = getEnv("LIBRARY_HOST", cfg.Library.Host)
	cfg.Library.APIKey = getEnv("LIBRARY_API_KEY", cfg.Library.APIKey)
	cfg.Library.LibraryID = getEnv("LIBRARY_ID", cfg.Library.LibraryID)
	cfg.Library.RateLimitIntervalSeconds = getFloat64FromEnv("LIBRARY_RATE_LIMIT_INTERVAL_SECONDS", cfg.Library.RateLimitIntervalSeconds)
	cfg.Library.MaxConcurrent = getIntFromEnv("LIBRARY_MAX_CONCURRENT", cfg.Library.MaxConcurrent)

	cfg.Catalog.BaseURL = getEnv("CATALOG_BASE_URL", cfg.Catalog.BaseURL)
	cfg.Catalog.AuthFilePath = getEnv("CATALOG_AUTH_FILE", cfg.Catalog.AuthFilePath)
	cfg.Catalog.AuthPassword = getEnv("CATALOG_AUTH_PASSWORD", cfg.Catalog.AuthPassword)
	cfg.Catalog.Locale = getEnv("CATALOG_LOCALE", cfg.Catalog.Locale)
	cfg.Catalog.RateLimitIntervalSeconds = getFloat64FromEnv("CATALOG_RATE_LIMIT_INTERVAL_SECONDS", cfg.Catalog.RateLimitIntervalSeconds)
	cfg.Catalog.RequestsPerMinute = getIntFromEnv("CATALOG_REQUESTS_PER_MINUTE", cfg.Catalog.RequestsPerMinute)
	cfg.Catalog.BurstSize = getIntFromEnv("CATALOG_BURST_SIZE", cfg.Catalog.BurstSize)
	cfg.Catalog.BackoffMultiplier = getFloat64FromEnv("CATALOG_BACKOFF_MULTIPLIER", cfg.Catalog.BackoffMultiplier)
	cfg.Catalog.MaxBackoffSeconds = getFloat64FromEnv("CATALOG_MAX_BACKOFF_SECONDS", cfg.Catalog.MaxBackoffSeconds)
	cfg.Catalog.MaxConcurrent = getIntFromEnv("CATALOG_MAX_CONCURRENT", cfg.Catalog.MaxConcurrent)

	cfg.Cache.Enabled = getBoolFromEnv("CACHE_ENABLED", cfg.Cache.Enabled)
	cfg.Cache.DBPath = getEnv("CACHE_DB_PATH", cfg.Cache.DBPath)
	cfg.Cache.DefaultTTLHours = getFloat64FromEnv("CACHE_DEFAULT_TTL_HOURS", cfg.Cache.DefaultTTLHours)
	cfg.Cache.LibraryTTLHours = getFloat64FromEnv("CACHE_LIBRARY_TTL_HOURS", cfg.Cache.LibraryTTLHours)
	cfg.Cache.CatalogTTLHours = getFloat64FromEnv("CACHE_CATALOG_TTL_HOURS", cfg.Cache.CatalogTTLHours)
	cfg.Cache.MaxMemoryEntries = int64(getIntFromEnv("CACHE_MAX_MEMORY_ENTRIES", int(cfg.Cache.MaxMemoryEntries)))

	cfg.Quality.ExcellentKbps = getFloat64FromEnv("QUALITY_EXCELLENT_KBPS", cfg.Quality.ExcellentKbps)
	cfg.Quality.GoodKbps = getFloat64FromEnv("QUALITY_GOOD_KBPS", cfg.Quality.GoodKbps)
	cfg.Quality.AcceptableKbps = getFloat64FromEnv("QUALITY_ACCEPTABLE_KBPS", cfg.Quality.AcceptableKbps)
	cfg.Quality.LowKbps = getFloat64FromEnv("QUALITY_LOW_KBPS", cfg.Quality.LowKbps)
	cfg.Quality.SpatialMinChannels = getIntFromEnv("QUALITY_SPATIAL_MIN_CHANNELS", cfg.Quality.SpatialMinChannels)

	cfg.Enrichment.SubscriptionMarker = getEnv("ENRICHMENT_SUBSCRIPTION_MARKER", cfg.Enrichment.SubscriptionMarker)
	cfg.Enrichment.GoodDealThreshold = getFloat64FromEnv("ENRICHMENT_GOOD_DEAL_THRESHOLD", cfg.Enrichment.GoodDealThreshold)
	cfg.Enrichment.MaxConcurrent = getIntFromEnv("ENRICHMENT_MAX_CONCURRENT", cfg.Enrichment.MaxConcurrent)

	cfg.Series.MinMatchScore = getFloat64FromEnv("SERIES_MIN_MATCH_SCORE", cfg.Series.MinMatchScore)

	cfg.Upgrade.BitrateThresholdKbps = getFloat64FromEnv("UPGRADE_BITRATE_THRESHOLD_KBPS", cfg.Upgrade.BitrateThresholdKbps)
	cfg.Upgrade.MaxConcurrent = getIntFromEnv("UPGRADE_MAX_CONCURRENT", cfg.Upgrade.MaxConcurrent)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
}

// mergeConfigs merges non-zero scalar fields from src into dst,
// recursing into nested structs. Slices are overwritten wholesale when
// src's is non-empty, since partial-slice merging has no sensible
// semantics here.
func mergeConfigs(dst, src *Config) {
	mergeStructs(reflect.ValueOf(dst).Elem(), reflect.ValueOf(src).Elem())
}

func mergeStructs(dstVal, srcVal reflect.Value) {
	for i := 0; i < dstVal.NumField(); i++ {
		dstField := dstVal.Field(i)
		srcField := srcVal.Field(i)
		if !dstField.CanSet() {
			continue
		}

		switch dstField.Kind() {
		case reflect.Struct:
			mergeStructs(dstField, srcField)
		case reflect.String:
			if srcField.String() != "" {
				dstField.SetString(srcField.String())
			}
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if srcField.Int() != 0 {
				dstField.SetInt(srcField.Int())
			}
		case reflect.Float32, reflect.Float64:
			if srcField.Float() != 0 {
				dstField.SetFloat(srcField.Float())
			}
		case reflect.Bool:
			if srcField.Bool() {
				dstField.SetBool(true)
			}
		case reflect.Slice:
			if srcField.Len() > 0 {
				dstField.Set(srcField)
			}
		}
	}
}
