// Package upgrade implements the Upgrade Finder Service: scan a Library,
// analyze quality, enrich against the Catalog, and produce a ranked list
// of upgrade candidates.
package upgrade

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/drallgood/audiobook-reconciler/internal/enrichment"
	"github.com/drallgood/audiobook-reconciler/internal/libraryclient"
	applog "github.com/drallgood/audiobook-reconciler/internal/logger"
	"github.com/drallgood/audiobook-reconciler/internal/models"
	"github.com/drallgood/audiobook-reconciler/internal/quality"
)

// DefaultBitrateThresholdKbps is the scan's default upgrade-eligibility
// cutoff.
const DefaultBitrateThresholdKbps = 110.0

// Filters narrows the final candidate list.
type Filters struct {
	SubscriptionOnly  bool
	DealsOnly         bool
	MonthlyDealsOnly  bool
	ExcludeOwned      bool
}

// FindParams parameterizes one Find invocation.
type FindParams struct {
	LibraryID            string
	BitrateThresholdKbps float64
	Filters              Filters
	Limit                int
	MaxConcurrent        int
	OnScanProgress       func(completed, total int)
	OnEnrichProgress     func(completed, total int)
}

// Config tunes the Finder's defaults.
type Config struct {
	MaxConcurrent int
}

func (c *Config) setDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
}

// Finder produces ranked upgrade candidates from a Library, optionally
// enriched against a Catalog. enrichSvc is nil when no Catalog client is
// configured; in that case candidates are quality-only.
type Finder struct {
	cfg       Config
	library   *libraryclient.Client
	enrichSvc *enrichment.Service
	analyzer  *quality.Analyzer
	log       *applog.Logger
}

// New builds a Finder. library and analyzer must not be nil; enrichSvc
// may be nil to run without Catalog enrichment.
func New(cfg Config, library *libraryclient.Client, enrichSvc *enrichment.Service, analyzer *quality.Analyzer, log *applog.Logger) *Finder {
	cfg.setDefaults()
	if log == nil {
		log = applog.Get()
	}
	return &Finder{cfg: cfg, library: library, enrichSvc: enrichSvc, analyzer: analyzer, log: log}
}

// Find runs the full scan → analyze → enrich → filter/sort/truncate
// pipeline for one library.
func (f *Finder) Find(ctx context.Context, params FindParams) (*models.UpgradeFinderResult, error) {
	threshold := params.BitrateThresholdKbps
	if threshold <= 0 {
		threshold = DefaultBitrateThresholdKbps
	}
	maxConcurrent := params.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = f.cfg.MaxConcurrent
	}

	scanStart := time.Now()
	items, err := f.scanLibrary(ctx, params.LibraryID, params.OnScanProgress)
	if err != nil {
		return nil, err
	}
	scanDuration := time.Since(scanStart)

	var assessed []models.AudioQuality
	eligibleItems := make(map[string]models.LibraryItem)
	for _, item := range items {
		q := f.analyzer.Analyze(item)
		if q.BitrateKbps >= threshold || item.ExternalID == "" {
			continue
		}
		assessed = append(assessed, q)
		eligibleItems[item.ExternalID] = item
	}

	enrichStart := time.Now()
	enrichResults := make(map[string]*models.EnrichmentResult)
	// cacheHits stays 0: the Enrichment Service doesn't expose a
	// per-call cache-hit count, only the final result map. apiCalls
	// counts attempted lookups, not actual HTTP round trips (some of
	// which the Catalog Client's own cache will have absorbed).
	var cacheHits, apiCalls int
	if f.enrichSvc != nil && len(assessed) > 0 {
		externalIDs := make([]string, 0, len(assessed))
		for _, q := range assessed {
			externalIDs = append(externalIDs, q.ExternalID)
		}
		enrichResults, err = f.enrichSvc.EnrichBatch(ctx, externalIDs, true, false, maxConcurrent, params.OnEnrichProgress)
		if err != nil {
			return nil, err
		}
		apiCalls = len(externalIDs)
	}
	enrichDuration := time.Since(enrichStart)

	candidates, counters := buildCandidates(assessed, enrichResults)
	filtered := applyFilters(candidates, params.Filters)

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].RankingScore > filtered[j].RankingScore
	})
	if params.Limit > 0 && len(filtered) > params.Limit {
		filtered = filtered[:params.Limit]
	}

	return &models.UpgradeFinderResult{
		Candidates:          filtered,
		Counters:            counters,
		ScanDuration:        scanDuration,
		EnrichmentDuration:  enrichDuration,
		EnrichmentCacheHits: cacheHits,
		EnrichmentAPICalls:  apiCalls,
	}, nil
}

// scanLibrary lists every item id in libraryID, then fetches each
// expanded item under the Library Client's own batch concurrency bound
// and cache.
func (f *Finder) scanLibrary(ctx context.Context, libraryID string, onProgress libraryclient.BatchProgressFunc) ([]models.LibraryItem, error) {
	var ids []string
	for page := 0; ; page++ {
		items, err := f.library.ListItems(ctx, libraryID, page, 200)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			break
		}
		for _, it := range items {
			ids = append(ids, it.ID)
		}
		if len(items) < 200 {
			break
		}
	}

	return f.library.BatchGetItems(ctx, ids, onProgress)
}

// buildCandidates pairs each quality assessment with its enrichment (if
// any) and computes the filter-bucket counters over the full, unfiltered
// set.
func buildCandidates(assessed []models.AudioQuality, enrichResults map[string]*models.EnrichmentResult) ([]models.UpgradeCandidate, models.UpgradeFilterCounters) {
	var counters models.UpgradeFilterCounters
	candidates := make([]models.UpgradeCandidate, 0, len(assessed))

	for _, q := range assessed {
		enriched := enrichResults[q.ExternalID]
		priorityBoost := 1.0
		if enriched != nil {
			priorityBoost = enriched.PriorityMultiplier
			if enriched.Owned {
				counters.AlreadyOwned++
			}
			if strings.Contains(enriched.RecommendationLabel, "FREE") {
				counters.SubscriptionIncluded++
			}
			if strings.Contains(enriched.RecommendationLabel, "MONTHLY_DEAL") {
				counters.MonthlyDeal++
			}
			if strings.Contains(enriched.RecommendationLabel, "GOOD_DEAL") {
				counters.GoodDeal++
			}
			if enriched.SpatialAvailable {
				counters.SpatialAvailable++
			}
		}

		candidates = append(candidates, models.UpgradeCandidate{
			Quality:      q,
			Enrichment:   enriched,
			RankingScore: float64(q.UpgradePriority) * priorityBoost,
		})
	}

	return candidates, counters
}

// applyFilters keeps only candidates matching every active filter flag.
func applyFilters(candidates []models.UpgradeCandidate, filters Filters) []models.UpgradeCandidate {
	out := make([]models.UpgradeCandidate, 0, len(candidates))
	for _, c := range candidates {
		if filters.ExcludeOwned && c.Enrichment != nil && c.Enrichment.Owned {
			continue
		}
		if filters.SubscriptionOnly && (c.Enrichment == nil || !c.Enrichment.Subscription.IsIncludedFree) {
			continue
		}
		if filters.MonthlyDealsOnly && (c.Enrichment == nil || !strings.Contains(c.Enrichment.RecommendationLabel, "MONTHLY_DEAL")) {
			continue
		}
		if filters.DealsOnly && (c.Enrichment == nil || !strings.Contains(c.Enrichment.RecommendationLabel, "DEAL")) {
			continue
		}
		out = append(out, c)
	}
	return out
}
