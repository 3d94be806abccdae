package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"linkproxy/internal/config"
)

const (
	redisKeyPrefix    = "linkproxy:ratelimit:"
	redisWindow       = time.Second
	redisCallDeadline = 250 * time.Millisecond
)

// redisCounter is the subset of *redis.Client the limiter needs.
type redisCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisRateLimiterStore is an echo RateLimiterStore shared between proxy
// instances. Each identifier gets a fixed one-second window counter in redis.
type RedisRateLimiterStore struct {
	client redisCounter
	limit  int64
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisRateLimiterStore creates a store allowing max(burst, ceil(rps))
// requests per identifier per second.
func NewRedisRateLimiterStore(client redisCounter, rl config.RateLimitConfig, logger *slog.Logger) *RedisRateLimiterStore {
	return &RedisRateLimiterStore{
		client: client,
		limit:  windowLimit(rl),
		logger: logger.With("component", "rate_limiter"),
		now:    time.Now,
	}
}

// Allow implements echomw.RateLimiterStore. Redis failures let the request
// through so a store outage never takes the proxy down.
func (s *RedisRateLimiterStore) Allow(identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisCallDeadline)
	defer cancel()

	key := fmt.Sprintf("%s%s:%d", redisKeyPrefix, identifier, s.now().Unix())
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		s.logger.Warn("rate limiter store unavailable, allowing request", "err", err)
		return true, nil
	}
	if n == 1 {
		// Two windows, so a key created at the end of a second still expires.
		if err := s.client.Expire(ctx, key, 2*redisWindow).Err(); err != nil {
			s.logger.Warn("rate limiter key expiry failed", "key", key, "err", err)
		}
	}
	return n <= s.limit, nil
}

func windowLimit(rl config.RateLimitConfig) int64 {
	limit := int64(math.Ceil(rl.RequestsPerSecond))
	if int64(rl.Burst) > limit {
		limit = int64(rl.Burst)
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// NewRateLimiterStore returns the store selected by server.rate_limit.store.
// client may be nil unless the store is "redis".
func NewRateLimiterStore(rl config.RateLimitConfig, client *redis.Client, logger *slog.Logger) (echomw.RateLimiterStore, error) {
	switch strings.ToLower(rl.Store) {
	case "", "memory":
		return echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
			Rate:  rate.Limit(rl.RequestsPerSecond),
			Burst: rl.Burst,
		}), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("rate limiter: redis store selected but no redis client configured")
		}
		return NewRedisRateLimiterStore(client, rl, logger), nil
	}
	return nil, fmt.Errorf("rate limiter: unknown store %q", rl.Store)
}
