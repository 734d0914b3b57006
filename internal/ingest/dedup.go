package ingest

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"sentinel-core/internal/schema"
)

// Dedup suppresses at-least-once duplicates from collectors within a
// bounded LRU window keyed by (sensor_id, flow_id, t_end). The cache
// evicts its coldest entry when full; evictions are counted by the
// publisher, not treated as errors.
type Dedup struct {
	cache *lru.Cache[string, struct{}]
}

// NewDedup creates a dedup window holding up to size keys.
func NewDedup(size int) (*Dedup, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Dedup{cache: cache}, nil
}

// Seen records the key and reports whether it was already present.
// The second result reports whether recording it evicted another key.
func (d *Dedup) Seen(rec *schema.CommonRecord) (duplicate, evicted bool) {
	key := rec.DedupKey()
	if _, ok := d.cache.Get(key); ok {
		return true, false
	}
	evicted = d.cache.Add(key, struct{}{})
	return false, evicted
}

// Len returns the number of keys currently tracked.
func (d *Dedup) Len() int { return d.cache.Len() }
