package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMergesFileThenEnvironment(t *testing.T) {
	t.Setenv("LIBRARY_API_KEY", "env-key")

	yamlContent := `
library:
  host: "https://library.example.com"
  api_key: "file-key"
  library_id: "lib-1"
  max_concurrent: 8

catalog:
  base_url: "https://catalog.example.com"
  locale: "uk"
  requests_per_minute: 30
  burst_size: 10

cache:
  enabled: true
  db_path: "/tmp/reconciler-cache.db"
  catalog_ttl_hours: 72

quality:
  excellent_kbps: 320
  spatial_codec_set: ["eac3", "truehd"]
`
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)

	assert.Equal(t, "https://library.example.com", cfg.Library.Host)
	// LIBRARY_API_KEY env var takes priority over the file value.
	assert.Equal(t, "env-key", cfg.Library.APIKey)
	assert.Equal(t, "lib-1", cfg.Library.LibraryID)
	assert.Equal(t, 8, cfg.Library.MaxConcurrent)

	assert.Equal(t, "https://catalog.example.com", cfg.Catalog.BaseURL)
	assert.Equal(t, "uk", cfg.Catalog.Locale)
	assert.Equal(t, 30, cfg.Catalog.RequestsPerMinute)
	assert.Equal(t, 10, cfg.Catalog.BurstSize)

	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "/tmp/reconciler-cache.db", cfg.Cache.DBPath)
	assert.Equal(t, float64(72), cfg.Cache.CatalogTTLHours)

	assert.Equal(t, float64(320), cfg.Quality.ExcellentKbps)
	assert.ElementsMatch(t, []string{"eac3", "truehd"}, cfg.Quality.SpatialCodecSet)
}

func TestLoadWithoutFileFallsBackToDefaultsAndEnv(t *testing.T) {
	t.Setenv("LIBRARY_HOST", "https://default.example.com")
	t.Setenv("LIBRARY_API_KEY", "env-only-key")
	t.Setenv("LIBRARY_ID", "env-lib")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://default.example.com", cfg.Library.Host)
	assert.Equal(t, "env-only-key", cfg.Library.APIKey)
	assert.Equal(t, "env-lib", cfg.Library.LibraryID)
	assert.Equal(t, float64(256), cfg.Quality.ExcellentKbps)
}

func TestValidateRequiresLibraryHostAndAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "library.host")
	assert.Contains(t, err.Error(), "library.api_key")

	cfg.Library.Host = "https://library.example.com"
	cfg.Library.APIKey = "key"
	assert.NoError(t, cfg.Validate())
}

func TestBuildLibraryClientConfigMapsRateLimitSeconds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Library.Host = "https://library.example.com"
	cfg.Library.APIKey = "key"
	cfg.Library.RateLimitIntervalSeconds = 0.25

	lc := cfg.BuildLibraryClientConfig()
	assert.Equal(t, "https://library.example.com", lc.BaseURL)
	assert.Equal(t, "key", lc.Token)
	assert.Equal(t, int64(5), lc.MaxConcurrent)
	assert.InDelta(t, 0.25, lc.MinRequestInterval.Seconds(), 0.001)
}

func TestBuildCatalogClientConfigMapsBackoffAndTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Catalog.BaseURL = "https://catalog.example.com"
	cfg.Catalog.BackoffMultiplier = 5
	cfg.Cache.CatalogTTLHours = 48

	cc := cfg.BuildCatalogClientConfig()
	assert.Equal(t, "https://catalog.example.com", cc.BaseURL)
	assert.Equal(t, 5.0, cc.BackoffMultiplier)
	assert.InDelta(t, 48*3600, cc.PricingTTL.Seconds(), 0.001)
}

func TestBuildQualityThresholdsLowercasesCodecsAndContainers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Quality.SpatialCodecSet = []string{"EAC3"}
	cfg.Quality.PremiumContainerSet = []string{".M4B"}

	th := cfg.BuildQualityThresholds()
	assert.True(t, th.SpatialCodecs["eac3"])
	assert.True(t, th.PremiumContainers[".m4b"])
}
