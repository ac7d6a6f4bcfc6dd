package catalogclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/audiobook-reconciler/internal/cache"
	"github.com/drallgood/audiobook-reconciler/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := cache.New(cache.Config{DBPath: ":memory:", MaxHotEntries: 100, PricingNamespaces: []string{NamespaceProduct}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return New(Config{
		BaseURL:           srv.URL,
		RequestTimeout:    5 * time.Second,
		RequestsPerMinute: 6000,
		Burst:             50,
		MaxConcurrent:     10,
		DRMVariants:       []string{"aac", "eac3"},
	}, "test-credential", c, nil)
}

func TestGetProductCachesSecondCall(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "Bearer test-credential", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(models.CatalogProduct{ExternalID: "EX001", Title: "Leviathan Wakes"})
	})

	first, err := client.GetProduct(context.Background(), "EX001")
	require.NoError(t, err)
	assert.Equal(t, "Leviathan Wakes", first.Title)

	second, err := client.GetProduct(context.Background(), "EX001")
	require.NoError(t, err)
	assert.Equal(t, first.Title, second.Title)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestSeriesBooksDelegatesToSimilarProducts(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/products/EX001/similar", r.URL.Path)
		assert.Equal(t, "same-series", r.URL.Query().Get("type"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []models.CatalogProduct{{ExternalID: "EX002"}, {ExternalID: "EX003"}},
		})
	})

	books, err := client.SeriesBooks(context.Background(), "EX001")
	require.NoError(t, err)
	assert.Len(t, books, 2)
}

func TestContentReferenceBitrateKbpsDerivation(t *testing.T) {
	ref := ContentReference{SizeBytes: 57_600_000, RuntimeMillis: 3_600_000}
	assert.InDelta(t, 128, ref.BitrateKbps(), 0.01)
}

func TestFastQualityCheckPicksBestFormatAndDetectsSpatial(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		variant := r.URL.Query().Get("drm_variant")
		switch variant {
		case "aac":
			_ = json.NewEncoder(w).Encode(ContentReference{Codec: "AAC", SizeBytes: 28_800_000, RuntimeMillis: 3_600_000})
		case "eac3":
			_ = json.NewEncoder(w).Encode(ContentReference{Codec: "EAC3", SizeBytes: 86_400_000, RuntimeMillis: 3_600_000})
		}
	})

	info, err := client.FastQualityCheck(context.Background(), "EX001")
	require.NoError(t, err)
	require.NotNil(t, info.BestFormat)
	assert.Equal(t, "EAC3", info.BestFormat.Codec)
	assert.True(t, info.HasSpatial)
	assert.Len(t, info.Formats, 2)
}

func TestFastQualityCheckSkipsFailingVariants(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		variant := r.URL.Query().Get("drm_variant")
		if variant == "eac3" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(ContentReference{Codec: "AAC", SizeBytes: 28_800_000, RuntimeMillis: 3_600_000})
	})

	info, err := client.FastQualityCheck(context.Background(), "EX001")
	require.NoError(t, err)
	require.NotNil(t, info.BestFormat)
	assert.Equal(t, "AAC", info.BestFormat.Codec)
	assert.Len(t, info.Formats, 1)
	assert.False(t, info.HasSpatial)
}

func TestSearchBuildsQueryParams(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "expanse", r.URL.Query().Get("q"))
		assert.Equal(t, "corey", r.URL.Query().Get("author"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": []models.CatalogProduct{}})
	})

	_, err := client.Search(context.Background(), SearchParams{Keywords: "expanse", Author: "corey"})
	require.NoError(t, err)
}

func TestGetProductPropagatesNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetProduct(context.Background(), "missing")
	require.Error(t, err)
}
