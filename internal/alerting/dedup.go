package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"sentinel-core/internal/agent"
	"sentinel-core/internal/config"
)

// deduper reports whether an alert key was already seen inside the
// window. First sight of a key returns false.
type deduper interface {
	Seen(ctx context.Context, key string, window time.Duration) bool
}

// dedupKey buckets alerts by source, action, and window-aligned time
// so a flood of identical decisions yields one alert per window.
func dedupKey(a *Alert, window time.Duration) string {
	bucket := int64(0)
	if window > 0 {
		bucket = a.CreatedAt.Unix() / int64(window/time.Second)
	}
	return fmt.Sprintf("%s|%s|%d", a.SrcAddr, a.Action, bucket)
}

// memoryDedup is the single-instance deduper.
type memoryDedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newMemoryDedup() *memoryDedup {
	return &memoryDedup{seen: make(map[string]time.Time)}
}

func (m *memoryDedup) Seen(_ context.Context, key string, window time.Duration) bool {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.seen[key]; ok && exp.After(now) {
		return true
	}
	m.seen[key] = now.Add(window)
	// Opportunistic prune keeps the map bounded by active keys.
	if len(m.seen) > 4096 {
		for k, exp := range m.seen {
			if !exp.After(now) {
				delete(m.seen, k)
			}
		}
	}
	return false
}

const (
	dedupKeyPrefix = "sentinel:alert_dedup:"
	redisTimeout   = 200 * time.Millisecond
)

// redisDedup shares suppression state across instances and maintains
// the per-source alert counters the policy agent reads back as state.
type redisDedup struct {
	client *redis.Client
	logger *slog.Logger
}

// newRedisDedup connects the cross-instance deduper.
func newRedisDedup(cfg config.RedisConfig, logger *slog.Logger) *redisDedup {
	return &redisDedup{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		logger: logger,
	}
}

// Seen claims the key with SETNX. A Redis failure reports unseen, so
// alerts are duplicated rather than lost when Redis is down.
func (r *redisDedup) Seen(ctx context.Context, key string, window time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	ok, err := r.client.SetNX(ctx, dedupKeyPrefix+key, 1, window).Result()
	if err != nil {
		r.logger.Debug("dedup check failed open", "error", err)
		return false
	}
	return !ok
}

// CountAlert bumps the rolling per-source alert counter.
func (r *redisDedup) CountAlert(ctx context.Context, srcAddr string, window time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	key := agent.AlertCountKeyPrefix + srcAddr
	pipe := r.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Debug("alert counter update failed", "src_addr", srcAddr, "error", err)
	}
}

// Close releases the Redis connection.
func (r *redisDedup) Close() error { return r.client.Close() }
