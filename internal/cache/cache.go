package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	applog "github.com/drallgood/audiobook-reconciler/internal/logger"
)

// Config configures a Cache instance.
type Config struct {
	// DBPath is the path to the single embedded relational file. Use
	// ":memory:" for an ephemeral, process-local cache.
	DBPath string
	// FTSPath is the on-disk location of the full-text index; empty
	// builds an in-memory index.
	FTSPath string
	// MaxHotEntries bounds the in-process hot layer (default 500).
	MaxHotEntries int64
	// PricingNamespaces lists the namespaces subject to the
	// calendar-boundary-aware TTL clamp.
	PricingNamespaces []string
}

// Stats summarizes the Cache's current contents.
type Stats struct {
	TotalEntries   int64
	ExpiredEntries int64
	PerNamespace   map[string]int64
}

// Cache is the persistent, process-local, TTL-bounded, namespaced
// key-value store described in §4.1. It is safe for concurrent use:
// writes are serialized at the store layer and the hot layer uses its
// own internal locking.
type Cache struct {
	store     *store
	hot       *hotLayer
	fts       *fullTextIndex
	log       *applog.Logger
	pricingNS map[string]struct{}
	now       func() time.Time
}

// New opens or creates a Cache backed by the given configuration.
func New(cfg Config, log *applog.Logger) (*Cache, error) {
	if log == nil {
		log = applog.Get()
	}
	if cfg.DBPath == "" {
		cfg.DBPath = ":memory:"
	}

	st, err := openStore(cfg.DBPath, log)
	if err != nil {
		return nil, err
	}
	hot, err := newHotLayer(cfg.MaxHotEntries)
	if err != nil {
		return nil, err
	}
	fts, err := openFullTextIndex(cfg.FTSPath)
	if err != nil {
		return nil, err
	}

	pricingNS := make(map[string]struct{}, len(cfg.PricingNamespaces))
	for _, ns := range cfg.PricingNamespaces {
		pricingNS[ns] = struct{}{}
	}

	return &Cache{
		store:     st,
		hot:       hot,
		fts:       fts,
		log:       log,
		pricingNS: pricingNS,
		now:       time.Now,
	}, nil
}

// Close releases the underlying database connection, hot layer, and
// full-text index.
func (c *Cache) Close() error {
	c.hot.close()
	if err := c.fts.close(); err != nil {
		return err
	}
	return c.store.close()
}

// Get returns the payload stored at (ns, key), or (nil, false) if the
// entry is missing or expired. An expired entry is a miss, never
// surfaced as stale. Hits are served from the hot layer without
// touching the persistent store; misses populate it. A stored payload
// that is not valid JSON is corrupt: it is deleted and reported as a miss.
func (c *Cache) Get(ctx context.Context, ns, key string) ([]byte, bool) {
	if payload, ok := c.hot.get(ctx, ns, key); ok {
		return payload, true
	}

	e, err := c.store.get(ns, key, c.now())
	if err != nil {
		c.log.Warn("cache read failed, treating as miss", map[string]interface{}{"ns": ns, "key": key, "error": err.Error()})
		return nil, false
	}
	if e == nil {
		return nil, false
	}
	if !json.Valid(e.Payload) {
		c.log.Warn("corrupt cache payload, deleting entry", map[string]interface{}{"ns": ns, "key": key})
		if err := c.Delete(ctx, ns, key); err != nil {
			c.log.Warn("deleting corrupt cache entry failed", map[string]interface{}{"ns": ns, "key": key, "error": err.Error()})
		}
		return nil, false
	}

	var ttl time.Duration
	if !e.ExpiresAt.IsZero() {
		ttl = time.Until(e.ExpiresAt)
	}
	c.hot.set(ctx, ns, key, e.Payload, ttl)
	return e.Payload, true
}

// Set overwrites any existing entry at (ns, key), extracting indexed
// metadata from payload using the rules keyed by ns's prefix and
// clamping ttl via EffectiveTTL when ns is a configured pricing
// namespace. I/O failure is logged and swallowed: the cache is an
// optimization, never a correctness requirement.
func (c *Cache) Set(ctx context.Context, ns, key string, payload []byte, ttl time.Duration) {
	effectiveTTL := EffectiveTTL(ns, ttl, c.now(), c.pricingNS)
	now := c.now()
	expiresAt := now.Add(effectiveTTL)
	if effectiveTTL <= 0 {
		expiresAt = time.Time{}
	}

	meta := extractMetadata(ns, payload)

	e := &entry{
		ID:         uuid.NewString(),
		Namespace:  ns,
		Key:        key,
		Payload:    payload,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
		ExternalID: meta.ExternalID,
		Title:      meta.Title,
		Author:     meta.Author,
		Source:     meta.Source,
	}

	if err := c.store.upsert(e); err != nil {
		c.log.Warn("cache write failed, continuing without persistence", map[string]interface{}{"ns": ns, "key": key, "error": err.Error()})
		return
	}

	c.hot.set(ctx, ns, key, payload, effectiveTTL)

	if meta.Title != "" || meta.Author != "" {
		if err := c.fts.indexDoc(ns, key, meta.Title, meta.Author); err != nil {
			c.log.Warn("fts index update failed", map[string]interface{}{"ns": ns, "key": key, "error": err.Error()})
		}
	}
}

// Delete removes the entry at (ns, key) from every layer.
func (c *Cache) Delete(ctx context.Context, ns, key string) error {
	c.hot.delete(ctx, ns, key)
	if err := c.fts.delete(ns, key); err != nil {
		c.log.Debug("fts delete on missing doc", map[string]interface{}{"error": err.Error()})
	}
	return c.store.delete(ns, key)
}

// ClearNamespace removes every entry in ns and returns the count removed.
func (c *Cache) ClearNamespace(ctx context.Context, ns string) (int64, error) {
	if err := c.fts.deleteNamespace(ns); err != nil {
		c.log.Warn("fts namespace clear failed", map[string]interface{}{"ns": ns, "error": err.Error()})
	}
	// Ristretto offers no prefix-scoped eviction; clearing a namespace
	// drops the whole hot layer rather than leaving stale entries behind.
	c.hot.clear(ctx)
	return c.store.clearNamespace(ns)
}

// DeleteByPattern removes entries in ns whose key matches a glob pattern
// ("*" and "?" wildcards), returning the count removed.
func (c *Cache) DeleteByPattern(ctx context.Context, ns, glob string) (int64, error) {
	sqlPattern := globToSQLLike(glob)
	c.hot.clear(ctx)
	return c.store.deleteByPattern(ns, sqlPattern)
}

func globToSQLLike(glob string) string {
	replacer := strings.NewReplacer("%", "\\%", "_", "\\_", "*", "%", "?", "_")
	return replacer.Replace(glob)
}

// escapeLikeMeta escapes a literal string for safe embedding inside a SQL
// LIKE pattern (used with an explicit ESCAPE '\' clause), so that any
// "%"/"_"/"\\" an external_id happens to contain is matched literally
// rather than treated as a wildcard.
func escapeLikeMeta(s string) string {
	replacer := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return replacer.Replace(s)
}

// InvalidateByExternalID removes every entry carrying externalID across
// all namespaces, returning a per-namespace count removed.
func (c *Cache) InvalidateByExternalID(ctx context.Context, externalID string) (map[string]int, error) {
	counts, err := c.store.deleteByExternalID(externalID)
	if err != nil {
		return nil, err
	}
	c.hot.clear(ctx)
	return counts, nil
}

// Touch extends the TTL of an existing entry without rewriting its
// payload.
func (c *Cache) Touch(ctx context.Context, ns, key string, newTTL time.Duration) error {
	effectiveTTL := EffectiveTTL(ns, newTTL, c.now(), c.pricingNS)
	newExpiresAt := c.now().Add(effectiveTTL)
	if err := c.store.touch(ns, key, newExpiresAt); err != nil {
		return err
	}
	c.hot.delete(ctx, ns, key)
	return nil
}

// SearchResult is one record returned by SearchByExternalID.
type SearchResult struct {
	Namespace string
	Key       string
	Payload   []byte
}

// SearchByExternalID returns every entry carrying externalID, optionally
// restricted to one source tag.
func (c *Cache) SearchByExternalID(externalID, source string) ([]SearchResult, error) {
	entries, err := c.store.searchByExternalID(externalID, source)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(entries))
	for _, e := range entries {
		results = append(results, SearchResult{Namespace: e.Namespace, Key: e.Key, Payload: e.Payload})
	}
	return results, nil
}

// FullTextHit is one ranked full-text search result.
type FullTextHit struct {
	Namespace string
	Key       string
	Payload   []byte
	Score     float64
}

// SearchFullText searches (title, author) across every namespace and
// returns hits ordered by BM25 score, loading each hit's payload from
// the persistent store.
func (c *Cache) SearchFullText(query string, limit int) ([]FullTextHit, error) {
	hits, err := c.fts.search(query, limit)
	if err != nil {
		return nil, fmt.Errorf("full text search: %w", err)
	}
	results := make([]FullTextHit, 0, len(hits))
	for _, h := range hits {
		e, err := c.store.get(h.Namespace, h.Key, c.now())
		if err != nil || e == nil {
			continue
		}
		results = append(results, FullTextHit{Namespace: h.Namespace, Key: h.Key, Payload: e.Payload, Score: h.Score})
	}
	return results, nil
}

// MappingRecord is the public view of one cross-source mapping.
type MappingRecord struct {
	ExternalID          string
	LocalID             *string
	LocalPath           *string
	CanonicalExternalID *string
	Title               string
	Author              string
	Confidence          float64
	MatchedAt           time.Time
}

// MappingUpsert creates or replaces the mapping for m.ExternalID.
func (c *Cache) MappingUpsert(m MappingRecord) error {
	if m.MatchedAt.IsZero() {
		m.MatchedAt = c.now()
	}
	return c.store.mappingUpsert(&mapping{
		ExternalID:          m.ExternalID,
		LocalID:             m.LocalID,
		LocalPath:           m.LocalPath,
		CanonicalExternalID: m.CanonicalExternalID,
		Title:               m.Title,
		Author:              m.Author,
		Confidence:          m.Confidence,
		MatchedAt:           m.MatchedAt,
	})
}

// MappingGet returns the mapping for externalID, or nil if unmapped.
func (c *Cache) MappingGet(externalID string) (*MappingRecord, error) {
	m, err := c.store.mappingGet(externalID)
	if err != nil || m == nil {
		return nil, err
	}
	return toMappingRecord(m), nil
}

// MappingGetByLocalID returns the mapping whose local_id equals localID,
// or nil if none exists.
func (c *Cache) MappingGetByLocalID(localID string) (*MappingRecord, error) {
	m, err := c.store.mappingGetByLocalID(localID)
	if err != nil || m == nil {
		return nil, err
	}
	return toMappingRecord(m), nil
}

// MappingUnmappedLocalItems filters localIDs down to those with no
// recorded mapping.
func (c *Cache) MappingUnmappedLocalItems(localIDs []string) ([]string, error) {
	return c.store.mappingUnmapped(localIDs)
}

func toMappingRecord(m *mapping) *MappingRecord {
	return &MappingRecord{
		ExternalID:          m.ExternalID,
		LocalID:             m.LocalID,
		LocalPath:           m.LocalPath,
		CanonicalExternalID: m.CanonicalExternalID,
		Title:               m.Title,
		Author:              m.Author,
		Confidence:          m.Confidence,
		MatchedAt:           m.MatchedAt,
	}
}

// GetStats reports aggregate and per-namespace cache occupancy.
func (c *Cache) GetStats() (Stats, error) {
	total, err := c.store.totalCount()
	if err != nil {
		return Stats{}, err
	}
	expired, err := c.store.expiredCount(c.now())
	if err != nil {
		return Stats{}, err
	}
	perNS, err := c.store.countByNamespace()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{TotalEntries: total, ExpiredEntries: expired, PerNamespace: make(map[string]int64, len(perNS))}
	for _, row := range perNS {
		stats.PerNamespace[row.Namespace] = row.Count
	}
	return stats, nil
}

// CleanupExpired deletes every expired entry and returns the count removed.
func (c *Cache) CleanupExpired() (int64, error) {
	return c.store.cleanupExpired(c.now())
}
