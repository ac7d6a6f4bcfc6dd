// Package libraryclient implements typed, rate-limited, read-through
// access to the self-hosted library API.
package libraryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/drallgood/audiobook-reconciler/internal/apperrors"
	"github.com/drallgood/audiobook-reconciler/internal/cache"
	applog "github.com/drallgood/audiobook-reconciler/internal/logger"
	"github.com/drallgood/audiobook-reconciler/internal/models"
)

const apiPath = "/api"

// cache namespaces, per SPEC_FULL §4.2: all items/authors/series/
// collections fetches go through the "lib_" prefix family.
const (
	nsLibraries   = "lib_libraries"
	nsItems       = "lib_items"
	nsAuthors     = "lib_authors"
	nsSeries      = "lib_series"
	nsCollections = "lib_collections"
)

// Config configures a Client.
type Config struct {
	BaseURL            string
	Token              string
	MinRequestInterval time.Duration
	MaxConcurrent      int64
	BatchMaxConcurrent int64
	RequestTimeout     time.Duration
	ItemTTL            time.Duration
}

func (c *Config) setDefaults() {
	if c.MinRequestInterval <= 0 {
		c.MinRequestInterval = 100 * time.Millisecond
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.BatchMaxConcurrent <= 0 {
		c.BatchMaxConcurrent = 20
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ItemTTL <= 0 {
		c.ItemTTL = 6 * time.Hour
	}
}

// Client is a typed client for the self-hosted library API.
type Client struct {
	cfg     Config
	http    *http.Client
	log     *applog.Logger
	cache   *cache.Cache
	limiter *limiter
	// batchSem bounds the large-return batch-fetch path's concurrency.
	// It deliberately carries no rate-limiting token bucket: per
	// SPEC_FULL §9's large-return-batch-fetcher note, that path has its
	// own higher concurrency bound and does not apply the per-request
	// spacing clock that limiter enforces for everything else.
	batchSem *semaphore.Weighted
}

// New builds a Client. cache may be nil to disable read-through caching
// (tests only; production callers always supply one).
func New(cfg Config, c *cache.Cache, log *applog.Logger) *Client {
	cfg.setDefaults()
	if log == nil {
		log = applog.Get()
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		log:      log.With(map[string]interface{}{"component": "library_client"}),
		cache:    c,
		limiter:  newLimiter(cfg.MinRequestInterval, cfg.MaxConcurrent),
		batchSem: semaphore.NewWeighted(cfg.BatchMaxConcurrent),
	}
}

// WhoAmI is the identity of the authenticated user.
type WhoAmI struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Library is one top-level library.
type Library struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LibraryStats summarizes one library's holdings.
type LibraryStats struct {
	TotalItems      int     `json:"total_items"`
	TotalSizeBytes  int64   `json:"total_size_bytes"`
	TotalDurationHr float64 `json:"total_duration_hours"`
}

// Author is one author entry known to the library.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SeriesSummary is the library's own lightweight series listing (as
// opposed to internal/models.LocalSeries, which the Series Matcher
// assembles with full book detail).
type SeriesSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	BookCount int    `json:"book_count"`
}

// Collection is a named, ordered grouping of library items.
type Collection struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	ItemIDs []string `json:"item_ids"`
}

// WhoAmI returns the authenticated user's identity.
func (c *Client) WhoAmI(ctx context.Context) (*WhoAmI, error) {
	var who WhoAmI
	if err := c.doGet(ctx, "/me", nil, &who); err != nil {
		return nil, err
	}
	return &who, nil
}

// ListLibraries returns every library visible to the authenticated user.
func (c *Client) ListLibraries(ctx context.Context) ([]Library, error) {
	if libs, ok := c.readThrough(ctx, nsLibraries, "all"); ok {
		var out []Library
		if json.Unmarshal(libs, &out) == nil {
			return out, nil
		}
	}

	var result struct {
		Libraries []Library `json:"libraries"`
	}
	if err := c.doGet(ctx, "/libraries", nil, &result); err != nil {
		return nil, err
	}
	c.writeThrough(ctx, nsLibraries, "all", result.Libraries, 6*time.Hour)
	return result.Libraries, nil
}

// LibraryStats returns aggregate holdings for one library.
func (c *Client) LibraryStats(ctx context.Context, libraryID string) (*LibraryStats, error) {
	var stats LibraryStats
	path := fmt.Sprintf("/libraries/%s/stats", libraryID)
	if err := c.doGet(ctx, path, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListItems returns one page of library items. page is zero-based.
func (c *Client) ListItems(ctx context.Context, libraryID string, page, pageSize int) ([]models.LibraryItem, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	key := fmt.Sprintf("%s:page:%d:%d", libraryID, page, pageSize)
	if cached, ok := c.readThrough(ctx, nsItems, key); ok {
		var out []models.LibraryItem
		if json.Unmarshal(cached, &out) == nil {
			return out, nil
		}
	}

	params := map[string]string{
		"page":  fmt.Sprintf("%d", page),
		"limit": fmt.Sprintf("%d", pageSize),
	}
	var result struct {
		Results []models.LibraryItem `json:"results"`
	}
	path := fmt.Sprintf("/libraries/%s/items", libraryID)
	if err := c.doGet(ctx, path, params, &result); err != nil {
		return nil, err
	}
	c.writeThrough(ctx, nsItems, key, result.Results, c.cfg.ItemTTL)
	return result.Results, nil
}

// GetItem fetches one expanded library item. Non-default includes
// bypass the cache per §4.2's "item fetches with non-default include
// sets bypass cache" rule.
func (c *Client) GetItem(ctx context.Context, itemID string, includes ...string) (*models.LibraryItem, error) {
	useCache := len(includes) == 0
	if useCache {
		if cached, ok := c.readThrough(ctx, nsItems, itemID); ok {
			var item models.LibraryItem
			if json.Unmarshal(cached, &item) == nil {
				return &item, nil
			}
		}
	}

	params := map[string]string{"expanded": "1"}
	if len(includes) > 0 {
		joined := ""
		for i, inc := range includes {
			if i > 0 {
				joined += ","
			}
			joined += inc
		}
		params["include"] = joined
	}

	var item models.LibraryItem
	path := fmt.Sprintf("/items/%s", itemID)
	if err := c.doRequest(ctx, http.MethodGet, path, params, nil, &item, true); err != nil {
		return nil, err
	}
	if useCache {
		c.writeThrough(ctx, nsItems, itemID, item, c.cfg.ItemTTL)
	}
	return &item, nil
}

// getItemUnspaced fetches one expanded item without applying the
// per-request rate-limiting clock. Used only by BatchGetItems, whose
// own concurrency semaphore is the sole pacing control for the
// large-return batch-fetch path.
func (c *Client) getItemUnspaced(ctx context.Context, itemID string) (*models.LibraryItem, error) {
	var item models.LibraryItem
	path := fmt.Sprintf("/items/%s", itemID)
	params := map[string]string{"expanded": "1"}
	if err := c.doRequest(ctx, http.MethodGet, path, params, nil, &item, false); err != nil {
		return nil, err
	}
	return &item, nil
}

// BatchProgressFunc reports (completed, total) as a batch fetch proceeds.
type BatchProgressFunc func(completed, total int)

// BatchGetItems fetches N identifiers concurrently, bounded only by the
// batch concurrency limit. Per the source's "large-return batch
// fetcher" pattern, the fan-out deliberately bypasses the per-request
// spacing clock that single-item GetItem calls observe — only the
// batch semaphore governs pacing here. Cache lookups happen before the
// fan-out so already-cached items never occupy a worker slot; misses
// are fetched and cached inside their worker. Returns at most N items,
// one per successful fetch, in arbitrary order; failures are logged
// and omitted.
func (c *Client) BatchGetItems(ctx context.Context, itemIDs []string, onProgress BatchProgressFunc) ([]models.LibraryItem, error) {
	type result struct {
		item *models.LibraryItem
		err  error
	}

	total := len(itemIDs)
	items := make([]models.LibraryItem, 0, total)
	completed := 0
	reportProgress := func() {
		completed++
		if onProgress != nil {
			onProgress(completed, total)
		}
	}

	var misses []string
	for _, id := range itemIDs {
		if cached, ok := c.readThrough(ctx, nsItems, id); ok {
			var item models.LibraryItem
			if json.Unmarshal(cached, &item) == nil {
				items = append(items, item)
				reportProgress()
				continue
			}
		}
		misses = append(misses, id)
	}

	results := make(chan result, len(misses))
	for _, id := range misses {
		id := id
		go func() {
			if err := c.batchSem.Acquire(ctx, 1); err != nil {
				results <- result{err: err}
				return
			}
			defer c.batchSem.Release(1)

			item, err := c.getItemUnspaced(ctx, id)
			if err == nil {
				c.writeThrough(ctx, nsItems, id, *item, c.cfg.ItemTTL)
			}
			results <- result{item: item, err: err}
		}()
	}

	for i := 0; i < len(misses); i++ {
		r := <-results
		reportProgress()
		if r.err != nil {
			c.log.Warn("batch item fetch failed, skipping", map[string]interface{}{"error": r.err.Error()})
			continue
		}
		items = append(items, *r.item)
	}
	return items, nil
}

// Authors lists every author known to libraryID.
func (c *Client) Authors(ctx context.Context, libraryID string) ([]Author, error) {
	if cached, ok := c.readThrough(ctx, nsAuthors, libraryID); ok {
		var out []Author
		if json.Unmarshal(cached, &out) == nil {
			return out, nil
		}
	}

	var result struct {
		Authors []Author `json:"authors"`
	}
	path := fmt.Sprintf("/libraries/%s/authors", libraryID)
	if err := c.doGet(ctx, path, nil, &result); err != nil {
		return nil, err
	}
	c.writeThrough(ctx, nsAuthors, libraryID, result.Authors, 24*time.Hour)
	return result.Authors, nil
}

// SeriesSummaries lists the library's lightweight series listing.
func (c *Client) SeriesSummaries(ctx context.Context, libraryID string) ([]SeriesSummary, error) {
	if cached, ok := c.readThrough(ctx, nsSeries, libraryID); ok {
		var out []SeriesSummary
		if json.Unmarshal(cached, &out) == nil {
			return out, nil
		}
	}

	var result struct {
		Series []SeriesSummary `json:"series"`
	}
	path := fmt.Sprintf("/libraries/%s/series", libraryID)
	if err := c.doGet(ctx, path, nil, &result); err != nil {
		return nil, err
	}
	c.writeThrough(ctx, nsSeries, libraryID, result.Series, 24*time.Hour)
	return result.Series, nil
}

// ListCollections lists every collection in libraryID.
func (c *Client) ListCollections(ctx context.Context, libraryID string) ([]Collection, error) {
	var result struct {
		Collections []Collection `json:"collections"`
	}
	path := fmt.Sprintf("/libraries/%s/collections", libraryID)
	if err := c.doGet(ctx, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Collections, nil
}

// GetCollection fetches one collection by ID.
func (c *Client) GetCollection(ctx context.Context, collectionID string) (*Collection, error) {
	var col Collection
	path := fmt.Sprintf("/collections/%s", collectionID)
	if err := c.doGet(ctx, path, nil, &col); err != nil {
		return nil, err
	}
	return &col, nil
}

// CreateCollection creates a new, empty collection named name.
func (c *Client) CreateCollection(ctx context.Context, libraryID, name string) (*Collection, error) {
	var col Collection
	body := map[string]string{"libraryId": libraryID, "name": name}
	if err := c.doPost(ctx, "/collections", body, &col); err != nil {
		return nil, err
	}
	return &col, nil
}

// AddItemsToCollection appends itemIDs to an existing collection.
func (c *Client) AddItemsToCollection(ctx context.Context, collectionID string, itemIDs []string) error {
	path := fmt.Sprintf("/collections/%s/batch/add", collectionID)
	body := map[string]interface{}{"items": itemIDs}
	return c.doPost(ctx, path, body, nil)
}

// FindOrCreateCollection returns the named collection in libraryID,
// creating it if it does not already exist.
func (c *Client) FindOrCreateCollection(ctx context.Context, libraryID, name string) (*Collection, error) {
	cols, err := c.ListCollections(ctx, libraryID)
	if err != nil {
		return nil, err
	}
	for _, col := range cols {
		if col.Name == name {
			return &col, nil
		}
	}
	return c.CreateCollection(ctx, libraryID, name)
}

// Search performs a keyword search within libraryID.
func (c *Client) Search(ctx context.Context, libraryID, query string) ([]models.LibraryItem, error) {
	params := map[string]string{"q": query}
	var result struct {
		Results []models.LibraryItem `json:"results"`
	}
	path := fmt.Sprintf("/libraries/%s/search", libraryID)
	if err := c.doGet(ctx, path, params, &result); err != nil {
		return nil, err
	}
	return result.Results, nil
}

func (c *Client) readThrough(ctx context.Context, ns, key string) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Get(ctx, ns, key)
}

func (c *Client) writeThrough(ctx context.Context, ns, key string, v interface{}, ttl time.Duration) {
	if c.cache == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.cache.Set(ctx, ns, key, payload, ttl)
}

// doGet issues a rate-limited, retrying GET and decodes the response
// body into out (which may be nil to discard the body).
func (c *Client) doGet(ctx context.Context, path string, params map[string]string, out interface{}) error {
	return c.doRequest(ctx, http.MethodGet, path, params, nil, out, true)
}

// doPost issues a rate-limited, retrying POST and decodes the response
// body into out (which may be nil to discard the body).
func (c *Client) doPost(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.doRequest(ctx, http.MethodPost, path, nil, body, out, true)
}

// doRequest issues one request and decodes the response into out
// (which may be nil to discard the body). When spaced is true, the
// per-request limiter's concurrency slot and rate token are acquired
// first; getItemUnspaced passes false to bypass the spacing clock on
// the batch-fetch path, per SPEC_FULL §9's large-return-batch-fetcher note.
func (c *Client) doRequest(ctx context.Context, method, path string, params map[string]string, body interface{}, out interface{}, spaced bool) error {
	if spaced {
		if err := c.limiter.acquire(ctx); err != nil {
			return apperrors.Wrap(apperrors.Timeout, err, "waiting for rate limit slot")
		}
		defer c.limiter.release()
	}

	resp, respBody, err := c.execute(ctx, method, path, params, body)
	if err != nil && apperrors.IsRetryable(err) {
		c.log.Debug("retrying request once after transient failure", map[string]interface{}{"path": path, "error": err.Error()})
		resp, respBody, err = c.execute(ctx, method, path, params, body)
	}
	if err != nil {
		return err
	}

	if out != nil && len(respBody) > 0 {
		if jsonErr := json.Unmarshal(respBody, out); jsonErr != nil {
			return apperrors.Wrap(apperrors.Validation, jsonErr, "decoding response from %s", path)
		}
	}
	_ = resp
	return nil
}

func (c *Client) execute(ctx context.Context, method, path string, params map[string]string, body interface{}) (*http.Response, []byte, error) {
	url := c.cfg.BaseURL + apiPath + path
	if len(params) > 0 {
		url += "?"
		first := true
		for k, v := range params {
			if !first {
				url += "&"
			}
			url += k + "=" + v
			first = false
		}
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.Validation, err, "encoding request body")
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.Transport, err, "building request to %s", path)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, apperrors.Wrap(apperrors.Timeout, err, "request to %s timed out", path)
		}
		return nil, nil, apperrors.Wrap(apperrors.Transport, err, "request to %s failed", path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.Transport, err, "reading response from %s", path)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, nil, apperrors.New(apperrors.Unauthorized, "unauthorized: %s", path)
	case resp.StatusCode == http.StatusForbidden:
		return nil, nil, apperrors.New(apperrors.Forbidden, "forbidden: %s", path)
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil, apperrors.New(apperrors.NotFound, "not found: %s", path)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, nil, apperrors.WithStatus(resp.StatusCode, "rate limited: %s", path)
	case resp.StatusCode >= 500:
		return nil, nil, apperrors.WithStatus(resp.StatusCode, "server error from %s", path)
	case resp.StatusCode >= 400:
		return nil, nil, apperrors.WithStatus(resp.StatusCode, "unexpected status from %s: %s", path, string(respBody))
	}

	return resp, respBody, nil
}
