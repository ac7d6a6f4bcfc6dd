package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Config{DBPath: ":memory:", MaxHotEntries: 100, PricingNamespaces: []string{"pricing"}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSetThenGetRoundTrips(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	payload := []byte(`{"title":"Leviathan Wakes","author":"James S. A. Corey","external_id":"EX001"}`)
	c.Set(ctx, "lib_items", "item-1", payload, time.Hour)

	got, ok := c.Get(ctx, "lib_items", "item-1")
	require.True(t, ok)
	require.JSONEq(t, string(payload), string(got))
}

func TestGetAfterTTLExpiresIsAMiss(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	frozen := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return frozen }

	c.Set(ctx, "lib_items", "item-1", []byte(`{}`), time.Second)

	c.now = func() time.Time { return frozen.Add(2 * time.Second) }
	_, ok := c.Get(ctx, "lib_items", "item-1")
	require.False(t, ok)
}

func TestTouchExtendsExpiry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	frozen := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return frozen }

	c.Set(ctx, "lib_items", "item-1", []byte(`{"title":"x"}`), time.Second)

	c.now = func() time.Time { return frozen.Add(2 * time.Second) }
	require.NoError(t, c.Touch(ctx, "lib_items", "item-1", time.Hour))

	got, ok := c.Get(ctx, "lib_items", "item-1")
	require.True(t, ok)
	require.JSONEq(t, `{"title":"x"}`, string(got))
}

func TestInvalidateByExternalIDRemovesAcrossNamespaces(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "lib_items", "item-1", []byte(`{"external_id":"EX001","title":"a"}`), time.Hour)
	c.Set(ctx, "catalog_product", "EX001", []byte(`{"external_id":"EX001","title":"a"}`), time.Hour)
	c.Set(ctx, "lib_items", "item-2", []byte(`{"external_id":"EX002","title":"b"}`), time.Hour)
	// No "external_id" field in the payload at all: this entry can only be
	// caught by the key-substring safety net, not the extracted column.
	c.Set(ctx, "catalog_sims", "EX001:same-series", []byte(`{"results":[]}`), time.Hour)

	counts, err := c.InvalidateByExternalID(ctx, "EX001")
	require.NoError(t, err)
	require.Equal(t, 1, counts["lib_items"])
	require.Equal(t, 1, counts["catalog_product"])
	require.Equal(t, 1, counts["catalog_sims"])

	_, ok := c.Get(ctx, "lib_items", "item-1")
	require.False(t, ok)
	_, ok = c.Get(ctx, "catalog_product", "EX001")
	require.False(t, ok)
	_, ok = c.Get(ctx, "catalog_sims", "EX001:same-series")
	require.False(t, ok)
	_, ok = c.Get(ctx, "lib_items", "item-2")
	require.True(t, ok)
}

func TestSetOnPricingNamespaceClampsTTL(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	frozen := time.Date(2024, 1, 31, 22, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return frozen }

	c.Set(ctx, "pricing", "EX001", []byte(`{"external_id":"EX001"}`), 6*time.Hour)

	e, err := c.store.get("pricing", "EX001", frozen)
	require.NoError(t, err)
	require.NotNil(t, e)
	require.Equal(t, frozen.Add(2*time.Hour), e.ExpiresAt)
}

func TestCorruptPayloadOnReadIsTreatedAsAbsentAndDeleted(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "lib_items", "item-1", []byte(`{"title":"ok"}`), time.Hour)

	// Simulate corruption by overwriting the persisted payload directly,
	// bypassing both cache layers.
	require.NoError(t, c.store.db.Model(&entry{}).Where("ns = ? AND key = ?", "lib_items", "item-1").
		Update("payload", []byte("not json { at all")).Error)
	c.hot.delete(ctx, "lib_items", "item-1")

	e, err := c.store.get("lib_items", "item-1", c.now())
	require.NoError(t, err)
	require.NotNil(t, e)
	var decoded map[string]interface{}
	require.Error(t, json.Unmarshal(e.Payload, &decoded))

	// Get treats the malformed payload as a miss and removes the entry
	// from the persistent store.
	_, ok := c.Get(ctx, "lib_items", "item-1")
	require.False(t, ok)
	gone, err := c.store.get("lib_items", "item-1", c.now())
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestSearchFullTextRanksByRelevance(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "lib_items", "item-1", []byte(`{"title":"Leviathan Wakes","author":"James S. A. Corey"}`), time.Hour)
	c.Set(ctx, "lib_items", "item-2", []byte(`{"title":"Caliban's War","author":"James S. A. Corey"}`), time.Hour)
	c.Set(ctx, "lib_items", "item-3", []byte(`{"title":"Project Hail Mary","author":"Andy Weir"}`), time.Hour)

	hits, err := c.SearchFullText("Leviathan", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, "item-1", hits[0].Key)
}

func TestDeleteByPatternRemovesMatchingKeysOnly(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "lib_items", "author:1:book:1", []byte(`{}`), time.Hour)
	c.Set(ctx, "lib_items", "author:1:book:2", []byte(`{}`), time.Hour)
	c.Set(ctx, "lib_items", "author:2:book:1", []byte(`{}`), time.Hour)

	n, err := c.DeleteByPattern(ctx, "lib_items", "author:1:*")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	_, ok := c.Get(ctx, "lib_items", "author:2:book:1")
	require.True(t, ok)
}

func TestMappingUpsertAndLookup(t *testing.T) {
	c := newTestCache(t)
	localID := "local-1"

	require.NoError(t, c.MappingUpsert(MappingRecord{
		ExternalID: "EX001",
		LocalID:    &localID,
		Title:      "Leviathan Wakes",
		Author:     "James S. A. Corey",
		Confidence: 0.97,
	}))

	byExternal, err := c.MappingGet("EX001")
	require.NoError(t, err)
	require.Equal(t, localID, *byExternal.LocalID)

	byLocal, err := c.MappingGetByLocalID(localID)
	require.NoError(t, err)
	require.Equal(t, "EX001", byLocal.ExternalID)

	unmapped, err := c.MappingUnmappedLocalItems([]string{localID, "local-2"})
	require.NoError(t, err)
	require.Equal(t, []string{"local-2"}, unmapped)
}

func TestGetStatsCountsPerNamespace(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "lib_items", "a", []byte(`{}`), time.Hour)
	c.Set(ctx, "lib_items", "b", []byte(`{}`), time.Hour)
	c.Set(ctx, "cat_products", "c", []byte(`{}`), time.Hour)

	stats, err := c.GetStats()
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.TotalEntries)
	require.EqualValues(t, 2, stats.PerNamespace["lib_items"])
	require.EqualValues(t, 1, stats.PerNamespace["cat_products"])
}

func TestCleanupExpiredRemovesOnlyExpiredEntries(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	frozen := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return frozen }

	c.Set(ctx, "lib_items", "expired", []byte(`{}`), time.Second)
	c.Set(ctx, "lib_items", "fresh", []byte(`{}`), time.Hour)

	c.now = func() time.Time { return frozen.Add(2 * time.Second) }
	n, err := c.CleanupExpired()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	stats, err := c.GetStats()
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.TotalEntries)
}
