package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Cache stores complete analyses by fingerprint. Implementations are
// best-effort: a failing backend behaves like a miss.
type Cache interface {
	Get(ctx context.Context, key string) (*Result, bool)
	Set(ctx context.Context, key string, r *Result)
}

// MemoryCache is an in-process LRU with per-entry expiry.
type MemoryCache struct {
	lru *expirable.LRU[string, *Result]
}

// NewMemoryCache returns a cache of size entries living for ttl. A size
// or ttl ≤ 0 disables caching.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 || ttl <= 0 {
		return &MemoryCache{}
	}
	return &MemoryCache{lru: expirable.NewLRU[string, *Result](size, nil, ttl)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*Result, bool) {
	if c.lru == nil {
		return nil, false
	}
	return c.lru.Get(key)
}

func (c *MemoryCache) Set(_ context.Context, key string, r *Result) {
	if c.lru != nil {
		c.lru.Add(key, r)
	}
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

// RedisCache shares analyses between processes as JSON values with a TTL.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache stores entries under "lexrag:analysis:<fingerprint>".
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: "lexrag:analysis:", ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Result, bool) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("analysis: redis get failed", "error", err)
		}
		return nil, false
	}
	var r Result
	if err := json.Unmarshal(b, &r); err != nil {
		slog.Warn("analysis: dropping undecodable cache entry", "key", key, "error", err)
		return nil, false
	}
	return &r, true
}

func (c *RedisCache) Set(ctx context.Context, key string, r *Result) {
	b, err := json.Marshal(r)
	if err != nil {
		slog.Warn("analysis: encoding cache entry", "error", err)
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, b, c.ttl).Err(); err != nil {
		slog.Warn("analysis: redis set failed", "error", err)
	}
}

// ConnectRedis parses a redis:// URL and checks the server answers.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 8 * time.Millisecond
	opts.MaxRetryBackoff = 512 * time.Millisecond
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	slog.Info("analysis: redis cache connected", "addr", opts.Addr)
	return client, nil
}

// Tiered consults each layer in order and backfills the faster layers on
// a hit in a slower one.
type Tiered []Cache

func (t Tiered) Get(ctx context.Context, key string) (*Result, bool) {
	for i, c := range t {
		if r, ok := c.Get(ctx, key); ok {
			for _, faster := range t[:i] {
				faster.Set(ctx, key, r)
			}
			return r, true
		}
	}
	return nil, false
}

func (t Tiered) Set(ctx context.Context, key string, r *Result) {
	for _, c := range t {
		c.Set(ctx, key, r)
	}
}
