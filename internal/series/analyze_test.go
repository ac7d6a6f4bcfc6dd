package series

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/audiobook-reconciler/internal/cache"
	"github.com/drallgood/audiobook-reconciler/internal/catalogclient"
	"github.com/drallgood/audiobook-reconciler/internal/libraryclient"
	"github.com/drallgood/audiobook-reconciler/internal/models"
)

func TestAnalyzeLibraryAnnotatesDuplicateExternalIDAcrossDistinctLocalSeries(t *testing.T) {
	items := []models.LibraryItem{
		{ID: "l1", Title: "Book A1", ExternalID: "EX-A1", SeriesName: "Series Alpha", SeriesSequence: "1"},
		{ID: "l2", Title: "Book B1", ExternalID: "EX-B1", SeriesName: "Series Beta", SeriesSequence: "1"},
	}

	libSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/libraries/lib1/items":
			page := r.URL.Query().Get("page")
			if page != "0" {
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": []models.LibraryItem{}})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": items})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer libSrv.Close()

	catSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seq := "1"
		switch {
		case r.URL.Path == "/api/v1/products/EX-A1/similar", r.URL.Path == "/api/v1/products/EX-B1/similar":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": []models.CatalogProduct{
				{ExternalID: "EX-SHARED", Title: "Shared Book", Series: []models.SeriesRef{{SeriesExternalID: "SHARED-SERIES", SeriesTitle: "Shared", Sequence: &seq}}},
			}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer catSrv.Close()

	c, err := cache.New(cache.Config{DBPath: ":memory:", MaxHotEntries: 100, PricingNamespaces: []string{catalogclient.NamespaceProduct}}, nil)
	require.NoError(t, err)
	defer c.Close()

	lib := libraryclient.New(libraryclient.Config{BaseURL: libSrv.URL, Token: "t"}, c, nil)
	cat := catalogclient.New(catalogclient.Config{BaseURL: catSrv.URL, RequestsPerMinute: 6000, Burst: 50, MaxConcurrent: 10}, "cred", c, nil)
	m := New(Config{}, cat, nil)

	report, err := m.AnalyzeLibrary(context.Background(), lib, "lib1", 1, 0)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, 2, report.TotalSeries)

	for _, r := range report.Results {
		assert.Contains(t, r.Warnings, models.WarnDuplicateExternalID)
	}
}

func TestAnalyzeLibraryFiltersByMinBooksPerSeries(t *testing.T) {
	items := []models.LibraryItem{
		{ID: "l1", Title: "Lone Book", ExternalID: "EX-LONE", SeriesName: "Lonely Series"},
	}

	libSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if page != "0" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": []models.LibraryItem{}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": items})
	}))
	defer libSrv.Close()

	c, err := cache.New(cache.Config{DBPath: ":memory:", MaxHotEntries: 100, PricingNamespaces: []string{catalogclient.NamespaceProduct}}, nil)
	require.NoError(t, err)
	defer c.Close()

	lib := libraryclient.New(libraryclient.Config{BaseURL: libSrv.URL, Token: "t"}, c, nil)
	cat := catalogclient.New(catalogclient.Config{BaseURL: "http://unused.invalid", RequestsPerMinute: 6000, Burst: 50, MaxConcurrent: 10}, "cred", c, nil)
	m := New(Config{}, cat, nil)

	report, err := m.AnalyzeLibrary(context.Background(), lib, "lib1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, report.TotalSeries)
	assert.Empty(t, report.Results)
}
