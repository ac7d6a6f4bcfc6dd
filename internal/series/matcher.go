package series

import (
	"context"
	"fmt"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/drallgood/audiobook-reconciler/internal/catalogclient"
	applog "github.com/drallgood/audiobook-reconciler/internal/logger"
	"github.com/drallgood/audiobook-reconciler/internal/models"
)

// DefaultMinMatchScore is the acceptance floor for a book match and for
// the keyword-search series-title fuzzy match.
const DefaultMinMatchScore = 60.0

// Config tunes the matcher's acceptance threshold.
type Config struct {
	MinMatchScore float64
}

func (c *Config) setDefaults() {
	if c.MinMatchScore <= 0 {
		c.MinMatchScore = DefaultMinMatchScore
	}
}

// Matcher reconciles LocalSeries records against the Catalog.
type Matcher struct {
	cfg     Config
	catalog *catalogclient.Client
	log     *applog.Logger
}

// New builds a Matcher. catalog must not be nil; log may be nil.
func New(cfg Config, catalog *catalogclient.Client, log *applog.Logger) *Matcher {
	cfg.setDefaults()
	if log == nil {
		log = applog.Get()
	}
	return &Matcher{cfg: cfg, catalog: catalog, log: log}
}

// Compare reconciles one LocalSeries against the Catalog, trying each
// series-discovery strategy in order until one yields any books.
func (m *Matcher) Compare(ctx context.Context, local models.LocalSeries) (*models.SeriesComparisonResult, error) {
	catalogSeries, err := m.discoverSeries(ctx, local)
	if err != nil {
		return nil, fmt.Errorf("discovering series for %q: %w", local.Name, err)
	}

	result := &models.SeriesComparisonResult{
		LocalSeries:   local,
		CatalogSeries: catalogSeries,
	}

	if catalogSeries == nil {
		result.Warnings = append(result.Warnings, models.WarnMissingMetadata)
		for _, book := range local.Books {
			result.Matches = append(result.Matches, models.MatchResult{
				LocalBook:    book,
				Score:        0,
				Confidence:   models.ConfidenceNone,
				StrategyUsed: models.MatchNone,
			})
		}
		return result, nil
	}

	matchedExternalIDs := make(map[string]bool, len(local.Books))
	for _, localBook := range local.Books {
		match := matchBook(localBook, catalogSeries.Books, m.cfg.MinMatchScore)
		result.Matches = append(result.Matches, match)
		if match.CatalogBook != nil {
			matchedExternalIDs[match.CatalogBook.ExternalID] = true
		}
	}

	for _, cb := range catalogSeries.Books {
		if !matchedExternalIDs[cb.ExternalID] {
			result.MissingBooks = append(result.MissingBooks, cb)
		}
	}

	if result.CompletionPercentage() > 100 {
		result.Warnings = append(result.Warnings, models.WarnPotentialDupes)
	}

	return result, nil
}

// discoverSeries tries seed-sims, then enumerate-local-external-ids, then
// keyword search; the first strategy to yield any books wins.
func (m *Matcher) discoverSeries(ctx context.Context, local models.LocalSeries) (*models.CatalogSeries, error) {
	if cs, err := m.discoverBySeedSims(ctx, local); err != nil {
		return nil, err
	} else if cs != nil {
		return cs, nil
	}

	if cs, err := m.discoverByEnumeratingLocalIDs(ctx, local); err != nil {
		return nil, err
	} else if cs != nil {
		return cs, nil
	}

	return m.discoverByKeywordSearch(ctx, local)
}

// discoverBySeedSims picks any local book with an external_id and asks the
// Catalog for its series_books; the preferred discovery path.
func (m *Matcher) discoverBySeedSims(ctx context.Context, local models.LocalSeries) (*models.CatalogSeries, error) {
	for _, book := range local.Books {
		if book.ExternalID == "" {
			continue
		}
		products, err := m.catalog.SeriesBooks(ctx, book.ExternalID)
		if err != nil {
			m.log.Warn("series_books lookup failed, trying next strategy", map[string]interface{}{
				"seed_external_id": book.ExternalID,
				"error":            err.Error(),
			})
			continue
		}
		if len(products) == 0 {
			continue
		}
		return buildCatalogSeries(local.Name, products), nil
	}
	return nil, nil
}

// discoverByEnumeratingLocalIDs fetches each local book's CatalogProduct and
// collects those that record series membership, deduplicated by
// external_id.
func (m *Matcher) discoverByEnumeratingLocalIDs(ctx context.Context, local models.LocalSeries) (*models.CatalogSeries, error) {
	seen := make(map[string]bool)
	var products []models.CatalogProduct
	for _, book := range local.Books {
		if book.ExternalID == "" {
			continue
		}
		product, err := m.catalog.GetProduct(ctx, book.ExternalID)
		if err != nil {
			m.log.Warn("catalog product lookup failed during series enumeration", map[string]interface{}{
				"external_id": book.ExternalID,
				"error":       err.Error(),
			})
			continue
		}
		if len(product.Series) == 0 {
			continue
		}
		if !seen[product.ExternalID] {
			seen[product.ExternalID] = true
			products = append(products, *product)
		}
	}
	if len(products) == 0 {
		return nil, nil
	}
	return buildCatalogSeries(local.Name, products), nil
}

// discoverByKeywordSearch searches the Catalog by series name and primary
// local author, keeping results whose normalized series title fuzzy-
// matches the normalized local series name.
func (m *Matcher) discoverByKeywordSearch(ctx context.Context, local models.LocalSeries) (*models.CatalogSeries, error) {
	author := primaryAuthor(local)
	results, err := m.catalog.Search(ctx, catalogclient.SearchParams{
		Keywords: local.Name,
		Author:   author,
		PageSize: 50,
	})
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	normalizedLocal := normalizeSeriesName(local.Name)
	var products []models.CatalogProduct
	for _, product := range results {
		for _, ref := range product.Series {
			if levenshteinRatio(normalizedLocal, normalizeSeriesName(ref.SeriesTitle)) >= m.cfg.MinMatchScore {
				products = append(products, product)
				break
			}
		}
	}
	if len(products) == 0 {
		return nil, nil
	}
	return buildCatalogSeries(local.Name, products), nil
}

func primaryAuthor(local models.LocalSeries) string {
	for _, b := range local.Books {
		if b.Author != "" {
			return b.Author
		}
	}
	return ""
}

// buildCatalogSeries converts a CatalogProduct set into a CatalogSeries,
// pulling each product's pricing/subscription/sequence fields for its
// membership in seriesName.
func buildCatalogSeries(seriesName string, products []models.CatalogProduct) *models.CatalogSeries {
	cs := &models.CatalogSeries{Title: seriesName}
	for _, p := range products {
		ref := seriesRefFor(p, seriesName)
		if cs.ExternalID == "" && ref != nil {
			cs.ExternalID = ref.SeriesExternalID
		}
		var seq *string
		if ref != nil {
			seq = ref.Sequence
		}
		cs.Books = append(cs.Books, models.CatalogSeriesBook{
			ExternalID: p.ExternalID,
			Title:      p.Title,
			Sequence:   seq,
			CatalogURL: p.CatalogURL,
		})
	}
	return cs
}

// seriesRefFor returns the product's SeriesRef for the named series,
// preferring an exact (normalized) series-name match and falling back to
// the product's first recorded series membership.
func seriesRefFor(p models.CatalogProduct, seriesName string) *models.SeriesRef {
	normalized := normalizeSeriesName(seriesName)
	for i, ref := range p.Series {
		if normalizeSeriesName(ref.SeriesTitle) == normalized {
			return &p.Series[i]
		}
	}
	if len(p.Series) > 0 {
		return &p.Series[0]
	}
	return nil
}

// matchBook applies the book-matching strategies in order and keeps the
// best-scoring candidate, accepted only when its score meets minScore.
func matchBook(local models.LocalSeriesBook, candidates []models.CatalogSeriesBook, minScore float64) models.MatchResult {
	best := models.MatchResult{LocalBook: local, Confidence: models.ConfidenceNone, StrategyUsed: models.MatchNone}

	for _, candidate := range candidates {
		score, strategy := scoreCandidate(local, candidate)
		if score > best.Score {
			best.Score = score
			best.StrategyUsed = strategy
			candidate := candidate
			best.CatalogBook = &candidate
		}
	}

	if best.Score < minScore {
		best.CatalogBook = nil
		best.Confidence = models.ConfidenceNone
		best.StrategyUsed = models.MatchNone
		best.Score = 0
		return best
	}

	best.Confidence = models.ConfidenceForScore(best.Score)
	return best
}

// scoreCandidate tries external_id equality, normalized-title Levenshtein
// ratio, and (if local carries an author) title+author token-set ratio,
// returning the best of the three.
func scoreCandidate(local models.LocalSeriesBook, candidate models.CatalogSeriesBook) (float64, models.MatchStrategy) {
	if local.ExternalID != "" && local.ExternalID == candidate.ExternalID {
		return 100, models.MatchByExternalID
	}

	titleScore := levenshteinRatio(normalizeTitle(local.Title), normalizeTitle(candidate.Title))
	bestScore := titleScore
	bestStrategy := models.MatchByFuzzy

	if local.Author != "" {
		localTokens := tokenSet(normalizeTitle(local.Title) + " " + strings.ToLower(local.Author))
		candidateTokens := tokenSet(normalizeTitle(candidate.Title))
		authorScore := levenshteinRatio(strings.Join(localTokens, " "), strings.Join(candidateTokens, " "))
		if authorScore > bestScore {
			bestScore = authorScore
			bestStrategy = models.MatchBySequence
		}
	}

	return bestScore, bestStrategy
}

// levenshteinRatio converts an edit distance into a 0-100 similarity
// score: 100 when the strings are identical, scaling down to 0 as the
// distance approaches the length of the longer string. It prefers
// fuzzysearch's RankMatchNormalizedFold, which is fast and handles case
// and accent folding; that function only scores pairs where one string's
// characters appear as an ordered subsequence of the other; pairs that
// fail that (e.g. reordered words) fall back to a plain edit distance.
func levenshteinRatio(a, b string) float64 {
	if a == "" && b == "" {
		return 100
	}
	dist := fuzzy.RankMatchNormalizedFold(a, b)
	if dist < 0 {
		dist = levenshteinDistance(a, b)
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 100
	}
	ratio := 1 - float64(dist)/float64(maxLen)
	if ratio < 0 {
		ratio = 0
	}
	return ratio * 100
}

// levenshteinDistance computes the edit distance between a and b with a
// single-row DP, the same shape used for local fuzzy title matching
// elsewhere in the corpus.
func levenshteinDistance(a, b string) int {
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev := make([]int, lb+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr := make([]int, lb+1)
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			curr[j] = m
		}
		prev = curr
	}
	return prev[lb]
}
