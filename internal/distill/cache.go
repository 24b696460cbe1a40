package distill

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joelkehle/diagdistill/internal/logger"
	"github.com/joelkehle/diagdistill/internal/metrics"
)

const cacheKeyPrefix = "distill:completion:"

// CachedCaller memoizes successful completions in Redis keyed by model and
// prompt. Redis outages degrade to uncached calls.
type CachedCaller struct {
	next LLMCaller
	rdb  redis.Cmdable
	ttl  time.Duration
	log  *zap.Logger
}

func NewCachedCaller(next LLMCaller, rdb redis.Cmdable, ttl time.Duration, log *zap.Logger) *CachedCaller {
	return &CachedCaller{next: next, rdb: rdb, ttl: ttl, log: logger.OrNop(log)}
}

func (c *CachedCaller) ModelName() string { return c.next.ModelName() }

func (c *CachedCaller) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	key := CacheKey(c.next.ModelName(), prompt)
	cached, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil && cached != "":
		metrics.CompletionCache.WithLabelValues("hit").Inc()
		return cached, nil
	case err != nil && !errors.Is(err, redis.Nil):
		metrics.CompletionCache.WithLabelValues("error").Inc()
		c.log.Warn("completion cache read failed", zap.Error(err))
	default:
		metrics.CompletionCache.WithLabelValues("miss").Inc()
	}

	out, err := c.next.GenerateJSON(ctx, prompt)
	if err != nil || out == "" {
		return out, err
	}
	if err := c.rdb.Set(ctx, key, out, c.ttl).Err(); err != nil {
		c.log.Warn("completion cache write failed", zap.Error(err))
	}
	return out, nil
}

func CacheKey(model, prompt string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + prompt))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}
