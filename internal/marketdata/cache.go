// Package marketdata caches per-symbol multi-timeframe OHLCV (spec
// §2 item 3) and computes the Higher-Timeframe Context (spec §4.4).
// The cache is read-mostly with TTL, backed by an in-memory map by
// default and optionally decorated with a Redis store for
// cross-process sharing, grounded on tgeconf-nof0's use of
// go-redis/v9.
package marketdata

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duskline/spotpilot/internal/candle"
)

// entry is one cached OHLCV series with its fetch time.
type entry struct {
	candles []candle.Candle
	fetched time.Time
}

// Store is the cache's backing contract; Cache uses an in-memory
// store by default and RedisStore when configured.
type Store interface {
	Get(ctx context.Context, key string) ([]candle.Candle, time.Time, bool)
	Set(ctx context.Context, key string, candles []candle.Candle, fetched time.Time)
}

// memStore is the zero-dependency default.
type memStore struct {
	mu   sync.RWMutex
	data map[string]entry
}

func newMemStore() *memStore { return &memStore{data: make(map[string]entry)} }

func (m *memStore) Get(_ context.Context, key string) ([]candle.Candle, time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[key]
	return e.candles, e.fetched, ok
}

func (m *memStore) Set(_ context.Context, key string, candles []candle.Candle, fetched time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = entry{candles: candles, fetched: fetched}
}

// RedisStore backs the cache with Redis, expiring keys via TTL
// instead of the in-memory store's fetched-time comparison.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(addr string, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: redis.NewClient(&redis.Options{Addr: addr}), ttl: ttl}
}

type redisPayload struct {
	Candles []candle.Candle `json:"candles"`
	Fetched time.Time       `json:"fetched"`
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]candle.Candle, time.Time, bool) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, time.Time{}, false
	}
	var p redisPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, time.Time{}, false
	}
	return p.Candles, p.Fetched, true
}

func (r *RedisStore) Set(ctx context.Context, key string, candles []candle.Candle, fetched time.Time) {
	b, err := json.Marshal(redisPayload{Candles: candles, Fetched: fetched})
	if err != nil {
		return
	}
	r.rdb.Set(ctx, key, b, r.ttl)
}

// Fetcher supplies fresh OHLCV when the cache misses or is stale.
type Fetcher func(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error)

// Cache is the per-symbol multi-timeframe OHLCV cache with TTL.
type Cache struct {
	store   Store
	ttl     time.Duration
	fetcher Fetcher
}

func New(ttl time.Duration, fetcher Fetcher, redisAddr string) *Cache {
	var store Store
	if redisAddr != "" {
		store = NewRedisStore(redisAddr, ttl)
	} else {
		store = newMemStore()
	}
	return &Cache{store: store, ttl: ttl, fetcher: fetcher}
}

func key(symbol, timeframe string) string { return symbol + "|" + timeframe }

// Get returns cached candles if fresh, else fetches and caches them.
func (c *Cache) Get(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error) {
	k := key(symbol, timeframe)
	if cands, fetched, ok := c.store.Get(ctx, k); ok && time.Since(fetched) < c.ttl && len(cands) >= limit {
		return cands, nil
	}
	cands, err := c.fetcher(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, err
	}
	c.store.Set(ctx, k, cands, time.Now())
	return cands, nil
}
