package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	gostore "github.com/eko/gocache/lib/v4/store"
	ristrettostore "github.com/eko/gocache/store/ristretto/v4"
)

// hotLayer is the bounded in-process cache that sits in front of the
// persistent store. Ristretto's cost-based admission/eviction policy
// stands in for the spec's "least-recently-expiring eviction": each
// entry costs 1, and the manager is capped at maxEntries, so once full
// the hottest working set wins admission rather than raw recency.
type hotLayer struct {
	manager   *gocache.Cache[[]byte]
	ristretto *ristretto.Cache
}

func newHotLayer(maxEntries int64) (*hotLayer, error) {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	rcache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}
	rstore := ristrettostore.NewRistretto(rcache)
	manager := gocache.New[[]byte](rstore)
	return &hotLayer{manager: manager, ristretto: rcache}, nil
}

func hotKey(ns, key string) string { return ns + "\x00" + key }

func (h *hotLayer) get(ctx context.Context, ns, key string) ([]byte, bool) {
	val, err := h.manager.Get(ctx, hotKey(ns, key))
	if err != nil {
		return nil, false
	}
	return val, true
}

func (h *hotLayer) set(ctx context.Context, ns, key string, payload []byte, ttl time.Duration) {
	opts := []gostore.Option{gostore.WithCost(1)}
	if ttl > 0 {
		opts = append(opts, gostore.WithExpiration(ttl))
	}
	_ = h.manager.Set(ctx, hotKey(ns, key), payload, opts...)
}

func (h *hotLayer) delete(ctx context.Context, ns, key string) {
	_ = h.manager.Delete(ctx, hotKey(ns, key))
}

func (h *hotLayer) clear(ctx context.Context) {
	_ = h.manager.Clear(ctx)
}

func (h *hotLayer) close() {
	h.ristretto.Close()
}
