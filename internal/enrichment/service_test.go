package enrichment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/audiobook-reconciler/internal/cache"
	"github.com/drallgood/audiobook-reconciler/internal/catalogclient"
	"github.com/drallgood/audiobook-reconciler/internal/libraryclient"
	"github.com/drallgood/audiobook-reconciler/internal/models"
)

func newTestService(t *testing.T, libraryItems map[string][]models.LibraryItem, catalogHandler http.HandlerFunc) *Service {
	t.Helper()

	libSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/libraries":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"libraries": []libraryclient.Library{{ID: "lib1", Name: "Main"}},
			})
		case r.URL.Path == "/api/libraries/lib1/items":
			page := r.URL.Query().Get("page")
			if page != "0" {
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": []models.LibraryItem{}})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": libraryItems["lib1"]})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(libSrv.Close)

	catSrv := httptest.NewServer(catalogHandler)
	t.Cleanup(catSrv.Close)

	c, err := cache.New(cache.Config{DBPath: ":memory:", MaxHotEntries: 100, PricingNamespaces: []string{catalogclient.NamespaceProduct}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	lib := libraryclient.New(libraryclient.Config{BaseURL: libSrv.URL, Token: "t"}, c, nil)
	cat := catalogclient.New(catalogclient.Config{BaseURL: catSrv.URL, RequestsPerMinute: 6000, Burst: 50, MaxConcurrent: 10}, "cred", c, nil)

	return New(Config{}, cat, lib, nil)
}

func TestEnrichOwnedBookGetsOwnedLabel(t *testing.T) {
	svc := newTestService(t,
		map[string][]models.LibraryItem{"lib1": {{ID: "local1", ExternalID: "EX001"}}},
		func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(models.CatalogProduct{ExternalID: "EX001", Title: "Leviathan Wakes"})
		},
	)

	result, err := svc.Enrich(context.Background(), "EX001", false)
	require.NoError(t, err)
	assert.True(t, result.Owned)
	assert.Equal(t, "OWNED", result.RecommendationLabel)
	assert.InDelta(t, 0.1, result.PriorityMultiplier, 0.001)
}

func TestEnrichSubscriptionIncludedNotExpiringSoon(t *testing.T) {
	listPrice := 20.0
	svc := newTestService(t,
		map[string][]models.LibraryItem{},
		func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(models.CatalogProduct{
				ExternalID: "EX002",
				ListPrice:  &listPrice,
				Subscriptions: []models.SubscriptionPlan{
					{Name: "Plus Unlimited", EndDate: "2097-01-01T00:00:00Z"},
				},
			})
		},
	)

	result, err := svc.Enrich(context.Background(), "EX002", false)
	require.NoError(t, err)
	assert.False(t, result.Owned)
	assert.Equal(t, "FREE", result.RecommendationLabel)
	assert.InDelta(t, 5.0, result.PriorityMultiplier, 0.001)
}

func TestEnrichSubscriptionExpiringSoonAddsUrgency(t *testing.T) {
	soon := time.Now().Add(10 * 24 * time.Hour).Format(time.RFC3339)
	svc := newTestService(t,
		map[string][]models.LibraryItem{},
		func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(models.CatalogProduct{
				ExternalID:    "EX003",
				Subscriptions: []models.SubscriptionPlan{{Name: "Plus Unlimited", EndDate: soon}},
			})
		},
	)

	result, err := svc.Enrich(context.Background(), "EX003", false)
	require.NoError(t, err)
	assert.Contains(t, result.RecommendationLabel, "FREE (expires in")
	assert.Greater(t, result.PriorityMultiplier, 5.0)
}

func TestEnrichMonthlyDealHighDiscount(t *testing.T) {
	list, sale := 30.0, 8.0
	svc := newTestService(t,
		map[string][]models.LibraryItem{},
		func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(models.CatalogProduct{ExternalID: "EX004", ListPrice: &list, SalePrice: &sale})
		},
	)

	result, err := svc.Enrich(context.Background(), "EX004", false)
	require.NoError(t, err)
	assert.Contains(t, result.RecommendationLabel, "MONTHLY_DEAL")
	assert.InDelta(t, 4.0, result.PriorityMultiplier, 0.001)
}

func TestEnrichCreditPriceOne(t *testing.T) {
	list := 25.0
	credit := 1
	svc := newTestService(t,
		map[string][]models.LibraryItem{},
		func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(models.CatalogProduct{ExternalID: "EX005", ListPrice: &list, CreditPrice: &credit})
		},
	)

	result, err := svc.Enrich(context.Background(), "EX005", false)
	require.NoError(t, err)
	assert.Equal(t, "CREDIT", result.RecommendationLabel)
}

func TestEnrichExpensiveFallback(t *testing.T) {
	list := 45.0
	svc := newTestService(t,
		map[string][]models.LibraryItem{},
		func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(models.CatalogProduct{ExternalID: "EX006", ListPrice: &list})
		},
	)

	result, err := svc.Enrich(context.Background(), "EX006", false)
	require.NoError(t, err)
	assert.Contains(t, result.RecommendationLabel, "EXPENSIVE")
	assert.InDelta(t, 1.0, result.PriorityMultiplier, 0.001)
}

func TestEnrichBestBitrateFromCodecDescriptors(t *testing.T) {
	svc := newTestService(t,
		map[string][]models.LibraryItem{},
		func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(models.CatalogProduct{ExternalID: "EX007", Codecs: []string{"aac_64k", "aac_128k", "sample_44100"}})
		},
	)

	result, err := svc.Enrich(context.Background(), "EX007", false)
	require.NoError(t, err)
	assert.InDelta(t, 128, result.BestBitrateKbps, 0.001)
}

func TestEnrichBatchSkipsFailuresAndReportsProgress(t *testing.T) {
	svc := newTestService(t,
		map[string][]models.LibraryItem{},
		func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/v1/products/bad" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			id := r.URL.Path[len("/api/v1/products/"):]
			_ = json.NewEncoder(w).Encode(models.CatalogProduct{ExternalID: id})
		},
	)

	var progressCalls int
	results, err := svc.EnrichBatch(context.Background(), []string{"ok1", "bad", "ok2"}, true, false, 2, func(completed, total int) {
		progressCalls++
		assert.Equal(t, 3, total)
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 3, progressCalls)
	assert.NotContains(t, results, "bad")
}

func TestParsePlausibleEndDateRejectsFarFutureYear(t *testing.T) {
	_, ok := parsePlausibleEndDate("9999-12-31T00:00:00Z")
	assert.False(t, ok)
}

func TestParsePlausibleEndDateAcceptsNearFutureYear(t *testing.T) {
	end, ok := parsePlausibleEndDate("2097-06-01T00:00:00Z")
	require.True(t, ok)
	assert.Equal(t, 2097, end.Year())
}
