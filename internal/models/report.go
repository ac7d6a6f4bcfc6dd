package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnrichmentResult is the assembled view of one Catalog product combining
// ownership, pricing, subscription-inclusion, and audio-quality hints.
type EnrichmentResult struct {
	ExternalID          string       `json:"external_id"`
	Owned               bool         `json:"owned"`
	Product             *CatalogProduct `json:"product"`
	Pricing             PricingInfo  `json:"pricing"`
	Subscription        SubscriptionInclusion `json:"subscription"`
	Codecs              []string     `json:"codecs"`
	CoverURLs           []string     `json:"cover_urls"`
	CatalogURL          string       `json:"catalog_url,omitempty"`
	BestBitrateKbps     float64      `json:"best_bitrate_kbps"`
	SpatialAvailable    bool         `json:"spatial_available"`
	RecommendationLabel string       `json:"recommendation_label"`
	PriorityMultiplier  float64      `json:"priority_multiplier"`
}

// Validate enforces the cross-field invariants spec.md states for an
// enrichment result.
func (e EnrichmentResult) Validate() error {
	if e.ExternalID == "" {
		return fmt.Errorf("enrichment result: external_id must not be empty")
	}
	if e.PriorityMultiplier < 0 {
		return fmt.Errorf("enrichment result %s: priority_multiplier must be >= 0, got %f", e.ExternalID, e.PriorityMultiplier)
	}
	return nil
}

// UpgradeCandidate pairs a library item's quality assessment with its
// catalog enrichment, plus the finder's computed ranking score.
type UpgradeCandidate struct {
	Quality        AudioQuality      `json:"quality"`
	Enrichment     *EnrichmentResult `json:"enrichment"`
	RankingScore   float64           `json:"ranking_score"`
}

// Validate enforces that the contained score is within [0,100] and that
// ranking never goes negative.
func (c UpgradeCandidate) Validate() error {
	if c.Quality.Score < 0 || c.Quality.Score > 100 {
		return fmt.Errorf("upgrade candidate %s: score %f out of [0,100]", c.Quality.LibraryItemID, c.Quality.Score)
	}
	if c.RankingScore < 0 {
		return fmt.Errorf("upgrade candidate %s: ranking_score must be >= 0", c.Quality.LibraryItemID)
	}
	return nil
}

// UpgradeFilterCounters tallies how many candidates were excluded, and
// why, during the Upgrade Finder's filter stage.
type UpgradeFilterCounters struct {
	SubscriptionIncluded int `json:"subscription_included"`
	MonthlyDeal          int `json:"monthly_deal"`
	GoodDeal             int `json:"good_deal"`
	AlreadyOwned         int `json:"already_owned"`
	SpatialAvailable     int `json:"spatial_available"`
}

// UpgradeFinderResult is the output of one upgrade-finder invocation.
type UpgradeFinderResult struct {
	Candidates          []UpgradeCandidate    `json:"candidates"`
	Counters            UpgradeFilterCounters `json:"counters"`
	ScanDuration        time.Duration         `json:"scan_duration_ms"`
	EnrichmentDuration  time.Duration         `json:"enrichment_duration_ms"`
	EnrichmentCacheHits int                   `json:"enrichment_cache_hits"`
	EnrichmentAPICalls  int                   `json:"enrichment_api_calls"`
}

// MarshalJSON renders durations in milliseconds and keeps every optional
// field as explicit null rather than an omitted key, per the stable
// report-extract contract.
func (r UpgradeFinderResult) MarshalJSON() ([]byte, error) {
	type alias struct {
		Candidates          []UpgradeCandidate    `json:"candidates"`
		Counters            UpgradeFilterCounters `json:"counters"`
		ScanDurationMs      int64                 `json:"scan_duration_ms"`
		EnrichmentDurationMs int64                `json:"enrichment_duration_ms"`
		EnrichmentCacheHits int                   `json:"enrichment_cache_hits"`
		EnrichmentAPICalls  int                   `json:"enrichment_api_calls"`
	}
	if r.Candidates == nil {
		r.Candidates = []UpgradeCandidate{}
	}
	return json.Marshal(alias{
		Candidates:           r.Candidates,
		Counters:             r.Counters,
		ScanDurationMs:       r.ScanDuration.Milliseconds(),
		EnrichmentDurationMs: r.EnrichmentDuration.Milliseconds(),
		EnrichmentCacheHits:  r.EnrichmentCacheHits,
		EnrichmentAPICalls:   r.EnrichmentAPICalls,
	})
}

// SeriesLibraryReport is the whole-library series-comparison summary
// returned by analyze_library.
type SeriesLibraryReport struct {
	Results               []SeriesComparisonResult `json:"results"`
	TotalSeries           int                       `json:"total_series"`
	MatchedSeries         int                       `json:"matched_series"`
	CompleteSeries        int                       `json:"complete_series"`
	TotalMissingBooks     int                       `json:"total_missing_books"`
	TotalMissingHours     float64                   `json:"total_missing_hours"`
}

// Validate enforces that the summary counters never exceed the result
// count they are drawn from.
func (r SeriesLibraryReport) Validate() error {
	if r.MatchedSeries > r.TotalSeries || r.CompleteSeries > r.TotalSeries {
		return fmt.Errorf("series library report: matched/complete counters exceed total_series")
	}
	return nil
}

// CacheEntry is the public view of one persisted cache record. The
// (namespace, key) pair is unique and expires_at must never precede
// created_at.
type CacheEntry struct {
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	Payload   []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	ExternalID string   `json:"external_id,omitempty"`
	Title      string   `json:"title,omitempty"`
	Author     string   `json:"author,omitempty"`
	Source     string   `json:"source,omitempty"`
}

// Validate enforces the entry's one cross-field invariant.
func (e CacheEntry) Validate() error {
	if e.ExpiresAt.Before(e.CreatedAt) {
		return fmt.Errorf("cache entry %s/%s: expires_at %s precedes created_at %s", e.Namespace, e.Key, e.ExpiresAt, e.CreatedAt)
	}
	return nil
}

// IsExpired reports whether the entry has passed its expiry relative to now.
func (e CacheEntry) IsExpired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// CrossSourceMapping links a Catalog external_id to a local library
// identity. external_id is unique; local_id is unique when present.
type CrossSourceMapping struct {
	ExternalID          string  `json:"external_id"`
	LocalID             *string `json:"local_id"`
	LocalPath           *string `json:"local_path"`
	CanonicalExternalID *string `json:"canonical_external_id"`
	Title               string  `json:"title"`
	Author              string  `json:"author"`
	Confidence          float64 `json:"confidence"`
}

// Validate enforces the mapping's confidence bound.
func (m CrossSourceMapping) Validate() error {
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("cross-source mapping %s: confidence %f out of [0,1]", m.ExternalID, m.Confidence)
	}
	return nil
}
