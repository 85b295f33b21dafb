package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"library-notifications/shared/events"
	"library-notifications/shared/logx"
)

const redisKeyPrefix = "notifier:dedup:"

// Claimer is satisfied by cachex.Client.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisGate shares the dedup window between replicas with SET NX PX. When Redis
// fails the local cache decides, so an outage degrades to per-replica dedup
// instead of dropping or duplicating everything.
type RedisGate struct {
	claimer Claimer
	ttl     time.Duration
	timeout time.Duration
	local   *Cache
	logger  logx.Logger
}

func NewRedisGate(claimer Claimer, ttl time.Duration, local *Cache, logger logx.Logger) *RedisGate {
	if local == nil {
		local = NewCache(ttl)
	}
	return &RedisGate{
		claimer: claimer,
		ttl:     ttl,
		timeout: 500 * time.Millisecond,
		local:   local,
		logger:  logger,
	}
}

func (g *RedisGate) ShouldProcess(ctx context.Context, ev events.CanonicalEvent) bool {
	key := ev.DedupKey()
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	won, err := g.claimer.Claim(cctx, redisKey(key), g.ttl)
	if err != nil {
		g.logger.Warn(ctx, "dedup_redis_failed", "redis dedup unavailable, using local cache",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		return g.local.claim(key)
	}
	// keep the local window warm so a later outage still suppresses what we saw
	g.local.claim(key)
	return won
}

func (g *RedisGate) Len() int {
	return g.local.Len()
}

func redisKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return redisKeyPrefix + hex.EncodeToString(sum[:])
}
