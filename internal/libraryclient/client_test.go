package libraryclient

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
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := cache.New(cache.Config{DBPath: ":memory:", MaxHotEntries: 100}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	client := New(Config{
		BaseURL:            srv.URL,
		Token:              "test-token",
		MinRequestInterval: time.Millisecond,
		MaxConcurrent:      5,
		BatchMaxConcurrent: 5,
		RequestTimeout:     5 * time.Second,
	}, c, nil)
	return client, srv
}

func TestWhoAmIReturnsIdentity(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/me", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(WhoAmI{ID: "u1", Username: "reader"})
	})

	who, err := client.WhoAmI(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", who.ID)
}

func TestListLibrariesCachesSecondCall(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"libraries": []Library{{ID: "lib1", Name: "Main"}},
		})
	})

	first, err := client.ListLibraries(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := client.ListLibraries(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGetItemWithIncludesBypassesCache(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "item-1", "title": "x"})
	})

	_, err := client.GetItem(context.Background(), "item-1", "chapters")
	require.NoError(t, err)
	_, err = client.GetItem(context.Background(), "item-1", "chapters")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestGetItemDefaultIncludesUsesCache(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "item-1", "title": "x"})
	})

	_, err := client.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	_, err = client.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestBatchGetItemsSkipsFailuresAndReportsProgress(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/items/bad" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "ok", "title": "x"})
	})

	var progressCalls int32
	items, err := client.BatchGetItems(context.Background(), []string{"ok1", "bad", "ok2"}, func(completed, total int) {
		atomic.AddInt32(&progressCalls, 1)
		assert.LessOrEqual(t, completed, total)
	})
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.EqualValues(t, 3, atomic.LoadInt32(&progressCalls))
}

func TestWhoAmIPropagatesUnauthorized(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.WhoAmI(context.Background())
	require.Error(t, err)
}

func TestFindOrCreateCollectionReusesExisting(t *testing.T) {
	var createCalls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/libraries/lib1/collections":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"collections": []Collection{{ID: "c1", Name: "Upgrades"}},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/api/collections":
			atomic.AddInt32(&createCalls, 1)
			_ = json.NewEncoder(w).Encode(Collection{ID: "c2", Name: "New"})
		}
	})

	col, err := client.FindOrCreateCollection(context.Background(), "lib1", "Upgrades")
	require.NoError(t, err)
	assert.Equal(t, "c1", col.ID)
	assert.Zero(t, atomic.LoadInt32(&createCalls))
}

func TestListItemsPaginates(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{{"id": "a", "title": "x"}},
		})
	})

	items, err := client.ListItems(context.Background(), "lib1", 1, 50)
	require.NoError(t, err)
	require.Len(t, items, 1)
}
