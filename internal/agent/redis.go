package agent

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"sentinel-core/internal/config"
)

// Redis key prefixes shared with the alerting stage, which maintains
// the per-source alert counters.
const (
	ReputationKeyPrefix = "sentinel:rep:"
	AlertCountKeyPrefix = "sentinel:alerts:"
)

// redisTimeout caps every lookup so a slow Redis cannot stall the
// decision path.
const redisTimeout = 200 * time.Millisecond

// RedisContext reads source reputation and alert history from Redis.
// Lookups degrade to defaults on any error.
type RedisContext struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisContext connects the provider. The connection is verified
// lazily; a dead Redis degrades lookups instead of failing startup.
func NewRedisContext(cfg config.RedisConfig, logger *slog.Logger) *RedisContext {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisContext{client: client, logger: logger}
}

// Reputation looks up the stored risk score for the address.
func (r *RedisContext) Reputation(ctx context.Context, addr string) (float64, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	val, err := r.client.Get(ctx, ReputationKeyPrefix+addr).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.Debug("reputation lookup failed", "addr", addr, "error", err)
		}
		return 0, false
	}
	score, err := strconv.ParseFloat(val, 64)
	if err != nil {
		r.logger.Debug("reputation value malformed", "addr", addr, "value", val)
		return 0, false
	}
	return score, true
}

// AlertCount returns the recent alert counter for the address.
func (r *RedisContext) AlertCount(ctx context.Context, addr string) int {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	n, err := r.client.Get(ctx, AlertCountKeyPrefix+addr).Int()
	if err != nil {
		if err != redis.Nil {
			r.logger.Debug("alert count lookup failed", "addr", addr, "error", err)
		}
		return 0
	}
	return n
}

// Close releases the connection pool.
func (r *RedisContext) Close() error { return r.client.Close() }
