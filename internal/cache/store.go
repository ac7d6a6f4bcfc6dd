// Package cache implements the persistent, namespaced, TTL-bounded
// key-value store shared by every client and service: a GORM-backed
// relational store (store.go), a bounded in-process hot layer
// (hotlayer.go), a bleve full-text index (fts.go), calendar-aware TTL
// clamping for pricing namespaces (ttl.go), and namespace-prefix metadata
// extraction (extract.go).
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	applog "github.com/drallgood/audiobook-reconciler/internal/logger"
)

// entry is the GORM model backing the "entries" table.
type entry struct {
	ID         string `gorm:"primaryKey"`
	Namespace  string `gorm:"column:ns;not null;uniqueIndex:idx_ns_key;index:idx_ns"`
	Key        string `gorm:"column:key;not null;uniqueIndex:idx_ns_key"`
	Payload    []byte `gorm:"column:payload;type:blob"`
	CreatedAt  time.Time
	ExpiresAt  time.Time `gorm:"index:idx_expires_at"`
	ExternalID string    `gorm:"column:external_id;index:idx_external_id;index:idx_source_external_id,priority:2"`
	Title      string    `gorm:"column:title"`
	Author     string    `gorm:"column:author"`
	Source     string    `gorm:"column:source;index:idx_source_external_id,priority:1"`
}

func (entry) TableName() string { return "entries" }

// mapping is the GORM model backing the "mappings" table.
type mapping struct {
	ExternalID          string `gorm:"column:external_id;primaryKey"`
	LocalID             *string `gorm:"column:local_id;uniqueIndex:idx_local_id"`
	LocalPath           *string `gorm:"column:local_path"`
	CanonicalExternalID *string `gorm:"column:canonical_external_id"`
	Title               string  `gorm:"column:title"`
	Author              string  `gorm:"column:author"`
	Confidence          float64 `gorm:"column:confidence"`
	MatchedAt           time.Time
}

func (mapping) TableName() string { return "mappings" }

// store wraps the GORM connection used by the persistent layer.
type store struct {
	db  *gorm.DB
	log *applog.Logger
}

// openStore opens (creating if absent) the single embedded relational
// file backing the Cache, migrating its schema.
func openStore(dbPath string, log *applog.Logger) (*store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	// SQLite allows exactly one writer; the Cache serializes writes at
	// this layer rather than exposing transactional semantics to callers.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&entry{}, &mapping{}); err != nil {
		return nil, fmt.Errorf("migrate cache schema: %w", err)
	}

	return &store{db: db, log: log}, nil
}

func (s *store) close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *store) get(ns, key string, now time.Time) (*entry, error) {
	var e entry
	err := s.db.Where("ns = ? AND key = ?", ns, key).First(&e).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
		return nil, nil
	}
	return &e, nil
}

func (s *store) upsert(e *entry) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing entry
		err := tx.Where("ns = ? AND key = ?", e.Namespace, e.Key).First(&existing).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			return tx.Create(e).Error
		case err != nil:
			return err
		default:
			e.ID = existing.ID
			return tx.Model(&existing).Select("*").Updates(e).Error
		}
	})
}

func (s *store) delete(ns, key string) error {
	return s.db.Where("ns = ? AND key = ?", ns, key).Delete(&entry{}).Error
}

func (s *store) clearNamespace(ns string) (int64, error) {
	res := s.db.Where("ns = ?", ns).Delete(&entry{})
	return res.RowsAffected, res.Error
}

func (s *store) deleteByPattern(ns, sqlLikePattern string) (int64, error) {
	res := s.db.Where("ns = ? AND key LIKE ?", ns, sqlLikePattern).Delete(&entry{})
	return res.RowsAffected, res.Error
}

func (s *store) deleteByExternalID(externalID string) (map[string]int, error) {
	var entries []entry
	likePattern := "%" + escapeLikeMeta(externalID) + "%"
	if err := s.db.Where("external_id = ? OR key LIKE ? ESCAPE '\\'", externalID, likePattern).Find(&entries).Error; err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, e := range entries {
		if err := s.db.Delete(&e).Error; err != nil {
			return nil, err
		}
		counts[e.Namespace]++
	}
	return counts, nil
}

func (s *store) touch(ns, key string, newExpiresAt time.Time) error {
	res := s.db.Model(&entry{}).Where("ns = ? AND key = ?", ns, key).Update("expires_at", newExpiresAt)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *store) searchByExternalID(externalID, source string) ([]entry, error) {
	q := s.db.Where("external_id = ?", externalID)
	if source != "" {
		q = q.Where("source = ?", source)
	}
	var entries []entry
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *store) cleanupExpired(now time.Time) (int64, error) {
	res := s.db.Where("expires_at <> ? AND expires_at < ?", time.Time{}, now).Delete(&entry{})
	return res.RowsAffected, res.Error
}

type namespaceCount struct {
	Namespace string
	Count     int64
}

func (s *store) countByNamespace() ([]namespaceCount, error) {
	var counts []namespaceCount
	err := s.db.Model(&entry{}).Select("ns as namespace, count(*) as count").Group("ns").Scan(&counts).Error
	return counts, err
}

func (s *store) totalCount() (int64, error) {
	var n int64
	err := s.db.Model(&entry{}).Count(&n).Error
	return n, err
}

func (s *store) expiredCount(now time.Time) (int64, error) {
	var n int64
	err := s.db.Model(&entry{}).Where("expires_at <> ? AND expires_at < ?", time.Time{}, now).Count(&n).Error
	return n, err
}

func (s *store) mappingUpsert(m *mapping) error {
	return s.db.Save(m).Error
}

func (s *store) mappingGet(externalID string) (*mapping, error) {
	var m mapping
	err := s.db.Where("external_id = ?", externalID).First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *store) mappingGetByLocalID(localID string) (*mapping, error) {
	var m mapping
	err := s.db.Where("local_id = ?", localID).First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *store) mappingUnmapped(localIDs []string) ([]string, error) {
	var mapped []string
	if err := s.db.Model(&mapping{}).Where("local_id IN ?", localIDs).Pluck("local_id", &mapped).Error; err != nil {
		return nil, err
	}
	mappedSet := make(map[string]struct{}, len(mapped))
	for _, id := range mapped {
		mappedSet[id] = struct{}{}
	}
	var unmapped []string
	for _, id := range localIDs {
		if _, ok := mappedSet[id]; !ok {
			unmapped = append(unmapped, id)
		}
	}
	return unmapped, nil
}
