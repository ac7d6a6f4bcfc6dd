// Package catalogclient implements typed, rate-limited, read-through
// access to the commercial catalog.
package catalogclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/drallgood/audiobook-reconciler/internal/apperrors"
	"github.com/drallgood/audiobook-reconciler/internal/cache"
	applog "github.com/drallgood/audiobook-reconciler/internal/logger"
	"github.com/drallgood/audiobook-reconciler/internal/models"
)

const apiPath = "/api/v1"

// Cache namespaces, per SPEC_FULL §4.3.
const (
	NamespaceProduct              = "catalog_product"
	NamespaceSearch               = "catalog_search"
	NamespaceSims                 = "catalog_sims"
	NamespaceQuality              = "catalog_quality"
	NamespaceMetadata             = "catalog_metadata"
	NamespaceLibrarySubscriptions = "library_subscriptions"
	NamespaceLibraryWishlist      = "library_wishlist"
)

// defaultProductTTL covers slow-changing product metadata; pricing
// namespaces get the shorter TTL and are further clamped by
// cache.EffectiveTTL's calendar-boundary rule.
const (
	defaultProductTTL = 7 * 24 * time.Hour
	defaultPricingTTL = 6 * time.Hour
)

// Config configures a Client.
type Config struct {
	BaseURL           string
	CredentialPath    string
	RequestTimeout    time.Duration
	RequestsPerMinute int
	Burst             int
	MaxConcurrent     int
	JitterFactor      float64
	BackoffMultiplier float64
	MaxBackoffSeconds float64
	// ProductTTL and PricingTTL override defaultProductTTL/
	// defaultPricingTTL; zero keeps the package default.
	ProductTTL  time.Duration
	PricingTTL  time.Duration
	DRMVariants []string
}

func (c *Config) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 20
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.ProductTTL <= 0 {
		c.ProductTTL = defaultProductTTL
	}
	if c.PricingTTL <= 0 {
		c.PricingTTL = defaultPricingTTL
	}
}

// Client is a typed client for the commercial catalog API. The
// credential is read once at construction time; any decryption of an
// encrypted-at-rest credential file is the responsibility of a caller
// supplying Config.CredentialPath, not this client.
type Client struct {
	cfg        Config
	credential string
	http       *http.Client
	log        *applog.Logger
	cache      *cache.Cache
	limiter    *rateLimiter
}

// New builds a Client. credential is the already-decrypted bearer
// token; cache may be nil to disable read-through caching (tests only).
func New(cfg Config, credential string, c *cache.Cache, log *applog.Logger) *Client {
	cfg.setDefaults()
	if log == nil {
		log = applog.Get()
	}
	log = log.With(map[string]interface{}{"component": "catalog_client"})

	rate := time.Minute / time.Duration(cfg.RequestsPerMinute)
	limiter := newRateLimiter(rate, cfg.Burst, cfg.MaxConcurrent, log)
	if cfg.JitterFactor > 0 {
		limiter.setJitterFactor(cfg.JitterFactor)
	}
	if cfg.BackoffMultiplier > 0 {
		limiter.setBackoffFactor(cfg.BackoffMultiplier)
	}
	if cfg.MaxBackoffSeconds > 0 {
		limiter.setMaxRate(time.Duration(cfg.MaxBackoffSeconds * float64(time.Second)))
	}

	return &Client{
		cfg:        cfg,
		credential: credential,
		http:       &http.Client{Timeout: cfg.RequestTimeout},
		log:        log,
		cache:      c,
		limiter:    limiter,
	}
}

// Chapter is one chapter entry within a content reference.
type Chapter struct {
	Title     string  `json:"title"`
	StartSecs float64 `json:"start_seconds"`
}

// ContentReference describes one concrete encoded asset for a product.
type ContentReference struct {
	Codec         string    `json:"codec"`
	SizeBytes     int64     `json:"size_bytes"`
	RuntimeMillis int64     `json:"runtime_ms"`
	Chapters      []Chapter `json:"chapters"`
}

// BitrateKbps derives the reference's bitrate from byte size and
// runtime, per SPEC_FULL §4.3: (bytes × 8) / (runtime_ms / 1000) / 1000.
func (c ContentReference) BitrateKbps() float64 {
	if c.RuntimeMillis <= 0 {
		return 0
	}
	seconds := float64(c.RuntimeMillis) / 1000
	bits := float64(c.SizeBytes) * 8
	return bits / seconds / 1000
}

// FormatOption is one discovered (codec, bitrate) pairing for a product.
type FormatOption struct {
	DRMVariant  string  `json:"drm_variant"`
	Codec       string  `json:"codec"`
	BitrateKbps float64 `json:"bitrate_kbps"`
}

// ContentQualityInfo is the result of fast_quality_check: every format
// discovered across the configured drm_variants, the best by bitrate,
// and whether any variant carries a spatial codec.
type ContentQualityInfo struct {
	Formats    []FormatOption `json:"formats"`
	BestFormat *FormatOption  `json:"best_format"`
	HasSpatial bool           `json:"has_spatial"`
}

// SearchParams filters a catalog search. All fields are optional.
type SearchParams struct {
	Keywords string
	Author   string
	Narrator string
	Title    string
	Page     int
	PageSize int
}

// GetProduct returns a CatalogProduct by external ID, including pricing,
// subscription inclusion, series membership, and codec descriptors.
func (c *Client) GetProduct(ctx context.Context, externalID string) (*models.CatalogProduct, error) {
	if cached, ok := c.readThrough(ctx, NamespaceProduct, externalID); ok {
		var p models.CatalogProduct
		if json.Unmarshal(cached, &p) == nil {
			return &p, nil
		}
	}

	var product models.CatalogProduct
	path := fmt.Sprintf("/products/%s", externalID)
	if err := c.doGet(ctx, path, nil, &product); err != nil {
		return nil, err
	}
	c.writeThrough(ctx, NamespaceProduct, externalID, product, c.cfg.PricingTTL)
	return &product, nil
}

// Search performs a paged keyword/author/narrator/title search.
func (c *Client) Search(ctx context.Context, params SearchParams) ([]models.CatalogProduct, error) {
	if params.PageSize <= 0 {
		params.PageSize = 25
	}
	q := map[string]string{
		"page":  fmt.Sprintf("%d", params.Page),
		"limit": fmt.Sprintf("%d", params.PageSize),
	}
	if params.Keywords != "" {
		q["q"] = params.Keywords
	}
	if params.Author != "" {
		q["author"] = params.Author
	}
	if params.Narrator != "" {
		q["narrator"] = params.Narrator
	}
	if params.Title != "" {
		q["title"] = params.Title
	}

	var result struct {
		Results []models.CatalogProduct `json:"results"`
	}
	if err := c.doGet(ctx, "/search", q, &result); err != nil {
		return nil, err
	}
	return result.Results, nil
}

// SimilarProducts returns products related to externalID under the
// given similarity type (e.g. "same-series").
func (c *Client) SimilarProducts(ctx context.Context, externalID, similarityType string) ([]models.CatalogProduct, error) {
	key := externalID + ":" + similarityType
	if cached, ok := c.readThrough(ctx, NamespaceSims, key); ok {
		var out []models.CatalogProduct
		if json.Unmarshal(cached, &out) == nil {
			return out, nil
		}
	}

	params := map[string]string{"type": similarityType}
	var result struct {
		Results []models.CatalogProduct `json:"results"`
	}
	path := fmt.Sprintf("/products/%s/similar", externalID)
	if err := c.doGet(ctx, path, params, &result); err != nil {
		return nil, err
	}
	c.writeThrough(ctx, NamespaceSims, key, result.Results, c.cfg.ProductTTL)
	return result.Results, nil
}

// SeriesBooks is the primary series-discovery primitive: every product
// the catalog considers part of the same series as seedExternalID.
func (c *Client) SeriesBooks(ctx context.Context, seedExternalID string) ([]models.CatalogProduct, error) {
	return c.SimilarProducts(ctx, seedExternalID, "same-series")
}

// ContentMetadata returns chapter info and a content reference for
// externalID at the given quality, optionally scoped to one
// drm_variant. This path is preferred over LicenseRequest: roughly 3x
// faster per SPEC_FULL §4.3.
func (c *Client) ContentMetadata(ctx context.Context, externalID, quality, drmVariant string) (*ContentReference, error) {
	key := fmt.Sprintf("%s:%s:%s", externalID, quality, drmVariant)
	if cached, ok := c.readThrough(ctx, NamespaceMetadata, key); ok {
		var ref ContentReference
		if json.Unmarshal(cached, &ref) == nil {
			return &ref, nil
		}
	}

	params := map[string]string{"quality": quality}
	if drmVariant != "" {
		params["drm_variant"] = drmVariant
	}
	var ref ContentReference
	path := fmt.Sprintf("/products/%s/content-metadata", externalID)
	if err := c.doGet(ctx, path, params, &ref); err != nil {
		return nil, err
	}
	c.writeThrough(ctx, NamespaceMetadata, key, ref, c.cfg.ProductTTL)
	return &ref, nil
}

// LicenseRequestParams configures the slower, exhaustive format
// discovery path.
type LicenseRequestParams struct {
	Codecs   []string
	DRMTypes []string
	Spatial  bool
}

// LicenseRequest is the slower but more exhaustive format discovery
// path, used only when ContentMetadata's per-variant enumeration is
// insufficient.
func (c *Client) LicenseRequest(ctx context.Context, externalID string, params LicenseRequestParams) (*ContentReference, error) {
	body := map[string]interface{}{
		"codecs":   params.Codecs,
		"drmTypes": params.DRMTypes,
		"spatial":  params.Spatial,
	}
	var ref ContentReference
	path := fmt.Sprintf("/products/%s/license-request", externalID)
	if err := c.doPost(ctx, path, body, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// FastQualityCheck runs ContentMetadata for each configured drm_variant
// concurrently and assembles a ContentQualityInfo ordered by bitrate.
func (c *Client) FastQualityCheck(ctx context.Context, externalID string) (*ContentQualityInfo, error) {
	if cached, ok := c.readThrough(ctx, NamespaceQuality, externalID); ok {
		var info ContentQualityInfo
		if json.Unmarshal(cached, &info) == nil {
			return &info, nil
		}
	}

	variants := c.cfg.DRMVariants
	if len(variants) == 0 {
		variants = []string{"default"}
	}

	type outcome struct {
		variant string
		ref     *ContentReference
		err     error
	}
	results := make(chan outcome, len(variants))
	for _, v := range variants {
		v := v
		go func() {
			ref, err := c.ContentMetadata(ctx, externalID, "best", v)
			results <- outcome{variant: v, ref: ref, err: err}
		}()
	}

	var formats []FormatOption
	hasSpatial := false
	for i := 0; i < len(variants); i++ {
		o := <-results
		if o.err != nil {
			c.log.Warn("fast quality check variant failed, skipping", map[string]interface{}{"external_id": externalID, "variant": o.variant, "error": o.err.Error()})
			continue
		}
		opt := FormatOption{DRMVariant: o.variant, Codec: o.ref.Codec, BitrateKbps: o.ref.BitrateKbps()}
		formats = append(formats, opt)
		if isSpatialCodec(o.ref.Codec) {
			hasSpatial = true
		}
	}

	sort.Slice(formats, func(i, j int) bool { return formats[i].BitrateKbps > formats[j].BitrateKbps })

	info := ContentQualityInfo{Formats: formats, HasSpatial: hasSpatial}
	if len(formats) > 0 {
		best := formats[0]
		info.BestFormat = &best
	}

	c.writeThrough(ctx, NamespaceQuality, externalID, info, c.cfg.ProductTTL)
	return &info, nil
}

func isSpatialCodec(codec string) bool {
	switch codec {
	case "EAC3", "AC4", "DOLBY_ATMOS", "ATMOS":
		return true
	default:
		return false
	}
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

func (c *Client) doGet(ctx context.Context, path string, params map[string]string, out interface{}) error {
	return c.doRequest(ctx, http.MethodGet, path, params, nil, out)
}

func (c *Client) doPost(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.doRequest(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) doRequest(ctx context.Context, method, path string, params map[string]string, body interface{}, out interface{}) error {
	if err := c.limiter.wait(ctx); err != nil {
		return apperrors.Wrap(apperrors.Timeout, err, "waiting for catalog rate limit slot")
	}

	respBody, retryAfter, err := c.execute(ctx, method, path, params, body)
	if err != nil && apperrors.Is(err, apperrors.RateLimit) {
		backoff := c.limiter.onRateLimited(retryAfter)
		c.log.Debug("retrying catalog request after 429 backoff", map[string]interface{}{"path": path, "backoff": backoff.String()})
		if err := c.limiter.wait(ctx); err != nil {
			return apperrors.Wrap(apperrors.Timeout, err, "waiting out catalog backoff")
		}
		respBody, _, err = c.execute(ctx, method, path, params, body)
	} else if err != nil && apperrors.IsRetryable(err) {
		c.log.Debug("retrying catalog request once after transient failure", map[string]interface{}{"path": path, "error": err.Error()})
		respBody, _, err = c.execute(ctx, method, path, params, body)
	}
	if err != nil {
		return err
	}

	if out != nil && len(respBody) > 0 {
		if jsonErr := json.Unmarshal(respBody, out); jsonErr != nil {
			return apperrors.Wrap(apperrors.Validation, jsonErr, "decoding catalog response from %s", path)
		}
	}
	return nil
}

// execute issues one HTTP round trip, returning the decoded 429
// Retry-After duration (zero otherwise) alongside any error so the
// caller can feed it to the rate limiter's backoff calculation.
func (c *Client) execute(ctx context.Context, method, path string, params map[string]string, body interface{}) ([]byte, time.Duration, error) {
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
			return nil, 0, apperrors.Wrap(apperrors.Validation, err, "encoding catalog request body")
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, 0, apperrors.Wrap(apperrors.Transport, err, "building catalog request to %s", path)
	}
	req.Header.Set("Authorization", "Bearer "+c.credential)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, apperrors.Wrap(apperrors.Timeout, err, "catalog request to %s timed out", path)
		}
		return nil, 0, apperrors.Wrap(apperrors.Transport, err, "catalog request to %s failed", path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, apperrors.Wrap(apperrors.Transport, err, "reading catalog response from %s", path)
	}

	for k := range resp.Header {
		if looksLikeRateLimitHeader(k) {
			c.log.Debug("catalog rate limit header observed", map[string]interface{}{"header": k, "value": resp.Header.Get(k)})
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, 0, apperrors.New(apperrors.Unauthorized, "unauthorized: %s", path)
	case resp.StatusCode == http.StatusForbidden:
		return nil, 0, apperrors.New(apperrors.Forbidden, "forbidden: %s", path)
	case resp.StatusCode == http.StatusNotFound:
		return nil, 0, apperrors.New(apperrors.NotFound, "not found: %s", path)
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, retryAfter, apperrors.New(apperrors.RateLimit, "rate limited: %s", path)
	case resp.StatusCode >= 500:
		return nil, 0, apperrors.WithStatus(resp.StatusCode, "server error from %s", path)
	case resp.StatusCode >= 400:
		return nil, 0, apperrors.WithStatus(resp.StatusCode, "unexpected status from %s: %s", path, string(respBody))
	}

	return respBody, 0, nil
}
