// Package enrichment joins Catalog product data onto a library item's
// external_id, adding pricing, subscription-inclusion, and a
// best-available audio-quality summary.
package enrichment

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/drallgood/audiobook-reconciler/internal/catalogclient"
	"github.com/drallgood/audiobook-reconciler/internal/libraryclient"
	applog "github.com/drallgood/audiobook-reconciler/internal/logger"
	"github.com/drallgood/audiobook-reconciler/internal/models"
)

// Config configures a Service.
type Config struct {
	// SubscriptionMarker is the substring a subscription plan's name must
	// contain (case-insensitively) to count as the free-inclusion plan.
	SubscriptionMarker string
	// GoodDealThreshold is the effective-price ceiling below which a
	// non-monthly-deal sale still counts as a good deal.
	GoodDealThreshold float64
	// MaxConcurrent bounds EnrichBatch's fan-out when the caller passes 0.
	MaxConcurrent int
}

func (c *Config) setDefaults() {
	if c.SubscriptionMarker == "" {
		c.SubscriptionMarker = "Plus"
	}
	if c.GoodDealThreshold <= 0 {
		c.GoodDealThreshold = 15.0
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
}

// Service assembles EnrichmentResults from a Catalog client, using a
// Library client to populate its once-per-session owned-id set.
type Service struct {
	cfg     Config
	catalog *catalogclient.Client
	library *libraryclient.Client
	log     *applog.Logger

	ownedMu     sync.Mutex
	ownedIDs    map[string]bool
	ownedLoaded bool
}

// New builds a Service. library may be nil, in which case every
// external_id is treated as unowned.
func New(cfg Config, catalog *catalogclient.Client, library *libraryclient.Client, log *applog.Logger) *Service {
	cfg.setDefaults()
	if log == nil {
		log = applog.Get()
	}
	return &Service{
		cfg:     cfg,
		catalog: catalog,
		library: library,
		log:     log.With(map[string]interface{}{"component": "enrichment_service"}),
	}
}

// Enrich assembles one EnrichmentResult for externalID. When
// discoverQuality is true, it probes content_metadata across the
// Catalog client's configured drm_variants for a precise best bitrate
// and spatial-availability flag instead of parsing codec descriptors.
func (s *Service) Enrich(ctx context.Context, externalID string, discoverQuality bool) (*models.EnrichmentResult, error) {
	owned, err := s.isOwned(ctx, externalID, true)
	if err != nil {
		return nil, err
	}

	product, err := s.catalog.GetProduct(ctx, externalID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	pricing := derivePricing(product)
	subscription := parseSubscriptionInclusion(s.cfg.SubscriptionMarker, product.Subscriptions, now)

	bestBitrate := bestBitrateFromCodecs(product.Codecs)
	spatialAvailable := false
	if discoverQuality && s.catalog != nil {
		info, qErr := s.catalog.FastQualityCheck(ctx, externalID)
		if qErr != nil {
			s.log.Warn("fast quality check failed, falling back to codec-descriptor bitrate", map[string]interface{}{"external_id": externalID, "error": qErr.Error()})
		} else if info.BestFormat != nil {
			bestBitrate = info.BestFormat.BitrateKbps
			spatialAvailable = info.HasSpatial
		}
	}

	label, multiplier := recommendation(s.cfg, owned, subscription, pricing, spatialAvailable, now)

	result := &models.EnrichmentResult{
		ExternalID:          externalID,
		Owned:               owned,
		Product:             product,
		Pricing:             pricing,
		Subscription:        subscription,
		Codecs:              product.Codecs,
		CoverURLs:           product.CoverURLs,
		CatalogURL:          product.CatalogURL,
		BestBitrateKbps:     bestBitrate,
		SpatialAvailable:    spatialAvailable,
		RecommendationLabel: label,
		PriorityMultiplier:  multiplier,
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}

// EnrichBatch fans out Enrich over externalIDs with a bounded
// concurrency semaphore, reporting per-item progress on completion.
// Failed enrichments are logged and skipped; the result map contains
// only successful entries. useCache=false forces the owned-id set to
// be recomputed before this batch, rather than reused from a prior call.
func (s *Service) EnrichBatch(ctx context.Context, externalIDs []string, useCache, discoverQuality bool, maxConcurrent int, onProgress func(completed, total int)) (map[string]*models.EnrichmentResult, error) {
	if !useCache {
		if _, err := s.ownedSet(ctx, false); err != nil {
			return nil, err
		}
	}
	if maxConcurrent <= 0 {
		maxConcurrent = s.cfg.MaxConcurrent
	}

	sem := semaphore.NewWeighted(int64(maxConcurrent))
	total := len(externalIDs)
	var completed int32
	var mu sync.Mutex
	results := make(map[string]*models.EnrichmentResult, total)

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range externalIDs {
		id := id
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				atomic.AddInt32(&completed, 1)
				return nil
			}
			defer sem.Release(1)

			res, err := s.Enrich(gctx, id, discoverQuality)
			n := atomic.AddInt32(&completed, 1)
			if onProgress != nil {
				onProgress(int(n), total)
			}
			if err != nil {
				s.log.Warn("batch enrichment failed, skipping", map[string]interface{}{"external_id": id, "error": err.Error()})
				return nil
			}

			mu.Lock()
			results[id] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (s *Service) isOwned(ctx context.Context, externalID string, useCache bool) (bool, error) {
	ids, err := s.ownedSet(ctx, useCache)
	if err != nil {
		return false, err
	}
	return ids[externalID], nil
}

// ownedSet returns the memoized owned-external-id set, populating it on
// first use (or on a forced refresh when useCache is false) by paging
// every library's items through the Library client.
func (s *Service) ownedSet(ctx context.Context, useCache bool) (map[string]bool, error) {
	s.ownedMu.Lock()
	defer s.ownedMu.Unlock()

	if s.ownedLoaded && useCache {
		return s.ownedIDs, nil
	}

	ids := make(map[string]bool)
	if s.library != nil {
		libs, err := s.library.ListLibraries(ctx)
		if err != nil {
			s.log.Warn("failed to list libraries while computing ownership", map[string]interface{}{"error": err.Error()})
		} else {
			for _, lib := range libs {
				for page := 0; ; page++ {
					items, err := s.library.ListItems(ctx, lib.ID, page, 200)
					if err != nil {
						s.log.Warn("failed to list items while computing ownership", map[string]interface{}{"library_id": lib.ID, "error": err.Error()})
						break
					}
					if len(items) == 0 {
						break
					}
					for _, it := range items {
						if it.ExternalID != "" {
							ids[it.ExternalID] = true
						}
					}
					if len(items) < 200 {
						break
					}
				}
			}
		}
	}

	s.ownedIDs = ids
	s.ownedLoaded = true
	return ids, nil
}

// derivePricing parses a CatalogProduct's raw price fields into a
// PricingInfo, per spec.md §3/§4.5.
func derivePricing(product *models.CatalogProduct) models.PricingInfo {
	priceType := models.PriceTypeList
	isMonthlyDeal := false

	if product.SalePrice != nil {
		priceType = models.PriceTypeSale
		if product.ListPrice != nil && *product.ListPrice > 0 {
			isMonthlyDeal = *product.SalePrice < *product.ListPrice
		}
	}

	return models.PricingInfo{
		ListPrice:     product.ListPrice,
		SalePrice:     product.SalePrice,
		CreditPrice:   product.CreditPrice,
		Currency:      product.Currency,
		PriceType:     priceType,
		IsMonthlyDeal: isMonthlyDeal,
	}
}

// parseSubscriptionInclusion finds the plan whose name contains marker
// and derives its expiration, per spec.md §4.5 rule 4. A plausible
// end_date (year < 2099) yields an expiration; anything else (including
// the absence of an end_date) is "forever".
func parseSubscriptionInclusion(marker string, plans []models.SubscriptionPlan, now time.Time) models.SubscriptionInclusion {
	marker = strings.ToLower(marker)
	for _, p := range plans {
		if !strings.Contains(strings.ToLower(p.Name), marker) {
			continue
		}
		inclusion := models.SubscriptionInclusion{IsIncludedFree: true, PlanName: p.Name}
		if end, ok := parsePlausibleEndDate(p.EndDate); ok {
			inclusion.ExpirationDate = &end
		}
		return inclusion
	}
	return models.SubscriptionInclusion{}
}

func parsePlausibleEndDate(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		t, err = time.Parse("2006-01-02", raw)
	}
	if err != nil || t.Year() >= 2099 {
		return time.Time{}, false
	}
	return t, true
}

var (
	bitrateSuffixPattern = regexp.MustCompile(`(?i)(\d{2,3})\s*k(bps)?\b`)
	digitRunPattern      = regexp.MustCompile(`\d{2,3}`)
)

// bestBitrateFromCodecs applies two independent parsers to each codec
// descriptor (e.g. "aac_128k", "mp3-192") and keeps the largest valid
// reading, per spec.md §4.5 rule 6. A parse above 320 kbps is rejected
// as probably a sample rate rather than a bitrate.
func bestBitrateFromCodecs(codecs []string) float64 {
	var best float64
	for _, descriptor := range codecs {
		for _, v := range []float64{parseBitrateSuffix(descriptor), parseBitrateDigitRun(descriptor)} {
			if v > 0 && v <= 320 && v > best {
				best = v
			}
		}
	}
	return best
}

func parseBitrateSuffix(descriptor string) float64 {
	m := bitrateSuffixPattern.FindStringSubmatch(descriptor)
	if m == nil {
		return 0
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return float64(v)
}

func parseBitrateDigitRun(descriptor string) float64 {
	m := digitRunPattern.FindString(descriptor)
	if m == "" {
		return 0
	}
	v, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return float64(v)
}

func spatialBonus(available bool) float64 {
	if available {
		return 0.5
	}
	return 0
}

// recommendation derives the recommendation label and priority
// multiplier, per spec.md §4.5's ordered rules.
func recommendation(cfg Config, owned bool, sub models.SubscriptionInclusion, pricing models.PricingInfo, spatialAvailable bool, now time.Time) (string, float64) {
	bonus := spatialBonus(spatialAvailable)

	if owned {
		return "OWNED", 0.1 + bonus
	}

	if sub.IsIncludedFree {
		if !sub.IsExpiringSoon(now) {
			return "FREE", 5.0 + bonus
		}
		days := sub.DaysUntilExpiration(now)
		urgency := (30 - float64(*days)) / 6
		if urgency < 0 {
			urgency = 0
		}
		if urgency > 5 {
			urgency = 5
		}
		return fmt.Sprintf("FREE (expires in %d days)", *days), 5.0 + urgency + bonus
	}

	discount := pricing.DiscountPercent()
	if pricing.IsMonthlyDeal && discount != nil {
		switch {
		case *discount >= 0.70:
			return fmt.Sprintf("MONTHLY_DEAL (%.0f%% off)", *discount*100), 4.0 + bonus
		case *discount >= 0.50:
			return fmt.Sprintf("MONTHLY_DEAL (%.0f%% off)", *discount*100), 3.5 + bonus
		}
	}

	if pricing.IsGoodDeal(cfg.GoodDealThreshold) && discount != nil && *discount > 0 {
		multiplier := 2.5 + 0.5*(*discount)
		if multiplier > 3.0 {
			multiplier = 3.0
		}
		return fmt.Sprintf("GOOD_DEAL (%.0f%% off)", *discount*100), multiplier + bonus
	}

	if pricing.CreditPrice != nil && *pricing.CreditPrice == 1 {
		return "CREDIT", 1.0 + bonus
	}

	price := pricing.EffectivePrice()
	priceStr := "unknown"
	if price != nil {
		priceStr = fmt.Sprintf("%.2f %s", *price, strings.TrimSpace(pricing.Currency))
	}
	return fmt.Sprintf("EXPENSIVE (%s)", priceStr), 1.0 + bonus
}
