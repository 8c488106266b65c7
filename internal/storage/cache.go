package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/johnayoung/tradebot-collector/internal/models"
)

// CachedStore decorates a Store with a Redis read-through cache for candle
// range queries. Cached ranges are keyed by a per-pair generation counter.
// Writes go to the inner store first, then bump the generation and drop the
// old entries, so a reader that raced a write can only fill a key nobody
// reads again. Cache failures never fail a call.
type CachedStore struct {
	Store
	rdb       *redis.Client
	ttl       time.Duration
	namespace string
	logger    *slog.Logger
}

// NewCachedStore wraps inner. A nil rdb disables caching. A zero ttl defaults
// to 5 minutes and an empty namespace to "candles".
func NewCachedStore(rdb *redis.Client, ttl time.Duration, inner Store, namespace string, logger *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if namespace == "" {
		namespace = "candles"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		Store:     inner,
		rdb:       rdb,
		ttl:       ttl,
		namespace: namespace,
		logger:    logger.With("component", "storage_cache"),
	}
}

// UpsertCandles writes through, then bumps the generation of each pair and
// removes its cached ranges.
func (c *CachedStore) UpsertCandles(ctx context.Context, candles []models.Candle) (UpsertResult, error) {
	result, err := c.Store.UpsertCandles(ctx, candles)
	if err != nil {
		return result, err
	}
	if c.rdb == nil || len(candles) == 0 {
		return result, nil
	}

	seen := make(map[string]struct{})
	for _, cd := range candles {
		prefix := c.keyPrefix(cd.Symbol, cd.Timeframe)
		if _, ok := seen[prefix]; ok {
			continue
		}
		seen[prefix] = struct{}{}
		if err := c.rdb.Incr(ctx, c.genKey(cd.Symbol, cd.Timeframe)).Err(); err != nil {
			c.logger.Warn("cache generation bump failed", "prefix", prefix, "error", err)
		}
		if err := c.deleteByPattern(ctx, prefix+"*"); err != nil {
			c.logger.Warn("cache invalidation failed", "prefix", prefix, "error", err)
		}
	}
	return result, nil
}

// CandlesInRange serves from cache when possible.
func (c *CachedStore) CandlesInRange(ctx context.Context, symbol, timeframe string, start, end int64) ([]models.Candle, error) {
	if c.rdb == nil {
		return c.Store.CandlesInRange(ctx, symbol, timeframe, start, end)
	}

	gen, err := c.rdb.Get(ctx, c.genKey(symbol, timeframe)).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		gen = 0
	case err != nil:
		c.logger.Debug("cache generation unavailable, reading through", "error", err)
		return c.Store.CandlesInRange(ctx, symbol, timeframe, start, end)
	}

	key := c.key(symbol, timeframe, gen, start, end)
	if b, err := c.rdb.Get(ctx, key).Bytes(); err == nil && len(b) > 0 {
		var out []models.Candle
		if err := json.Unmarshal(b, &out); err == nil {
			return out, nil
		}
		_ = c.rdb.Del(ctx, key).Err()
	}

	out, err := c.Store.CandlesInRange(ctx, symbol, timeframe, start, end)
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(out); err == nil {
		if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
			c.logger.Debug("cache set failed", "key", key, "error", err)
		}
	}
	return out, nil
}

// Close closes the inner store and the Redis client.
func (c *CachedStore) Close() error {
	err := c.Store.Close()
	if c.rdb != nil {
		if cerr := c.rdb.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (c *CachedStore) key(symbol, timeframe string, gen, start, end int64) string {
	return fmt.Sprintf("%s:%s:%s:g%d:%d:%d", c.namespace, safeKey(symbol), safeKey(timeframe), gen, start, end)
}

func (c *CachedStore) genKey(symbol, timeframe string) string {
	return fmt.Sprintf("%s:gen:%s:%s", c.namespace, safeKey(symbol), safeKey(timeframe))
}

func (c *CachedStore) keyPrefix(symbol, timeframe string) string {
	return fmt.Sprintf("%s:%s:%s:", c.namespace, safeKey(symbol), safeKey(timeframe))
}

func (c *CachedStore) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// safeKey replaces characters that collide with the key separator or glob syntax.
func safeKey(s string) string {
	return strings.NewReplacer(" ", "_", ":", "_", "*", "_", "/", "-").Replace(s)
}

var _ Store = (*CachedStore)(nil)
