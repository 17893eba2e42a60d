package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss indicates cache miss.
var ErrCacheMiss = errors.New("cache miss")

// CacheEntry is a cached model response.
type CacheEntry struct {
	Response  *ModelResponse `json:"response"`
	CreatedAt time.Time      `json:"created_at"`
}

// ResponseCache caches successful responses in redis, keyed by a digest of
// task type, step, and prompt. A hit spares a full provider round trip; the
// router records it as a routing decision with reason "cache_hit".
type ResponseCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewResponseCache creates a redis-backed response cache.
func NewResponseCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *ResponseCache {
	if ttl <= 0 {
		ttl = 1 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseCache{client: client, ttl: ttl, logger: logger.With(zap.String("component", "response_cache"))}
}

func cacheKey(taskType, taskStep, prompt string) string {
	sum := sha256.Sum256([]byte(taskType + "\x00" + taskStep + "\x00" + prompt))
	return "contentflow:response:" + hex.EncodeToString(sum[:])
}

// Get returns the cached response for a query, or ErrCacheMiss.
func (c *ResponseCache) Get(ctx context.Context, taskType, taskStep, prompt string) (*ModelResponse, error) {
	raw, err := c.client.Get(ctx, cacheKey(taskType, taskStep, prompt)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}

	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	return entry.Response, nil
}

// Set stores a response. Failures are logged, never propagated.
func (c *ResponseCache) Set(ctx context.Context, taskType, taskStep, prompt string, resp *ModelResponse) {
	entry := CacheEntry{Response: resp, CreatedAt: time.Now()}
	raw, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("marshal cache entry failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, cacheKey(taskType, taskStep, prompt), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", zap.Error(err))
	}
}
