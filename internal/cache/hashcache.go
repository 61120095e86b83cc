// Package cache holds the optional content-hash sidecar the idempotency
// resolver consults before paying for the global document-store query.
// Everything here is best effort: a cache failure must never fail a
// pipeline run.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "ledgerlens:imghash:"

// HashCache maps an image content hash to the batch/receipt that first
// carried it.
type HashCache interface {
	Lookup(ctx context.Context, imageHash string) (batchID, receiptID string, ok bool)
	Store(ctx context.Context, imageHash, batchID, receiptID string)
}

// NewRedisCache dials redis and returns a HashCache over it.
func NewRedisCache(ctx context.Context, addr string, ttl time.Duration, logger *slog.Logger) (HashCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisCache{rdb: rdb, ttl: ttl, log: logger}, nil
}

type redisCache struct {
	rdb *goredis.Client
	ttl time.Duration
	log *slog.Logger
}

func (c *redisCache) Lookup(ctx context.Context, imageHash string) (string, string, bool) {
	val, err := c.rdb.Get(ctx, keyPrefix+imageHash).Result()
	if err != nil {
		if err != goredis.Nil {
			c.log.Warn("cache.lookup_failed", "error", err)
		}
		return "", "", false
	}
	batchID, receiptID, found := strings.Cut(val, "/")
	if !found || batchID == "" || receiptID == "" {
		return "", "", false
	}
	return batchID, receiptID, true
}

func (c *redisCache) Store(ctx context.Context, imageHash, batchID, receiptID string) {
	if err := c.rdb.Set(ctx, keyPrefix+imageHash, batchID+"/"+receiptID, c.ttl).Err(); err != nil {
		c.log.Warn("cache.store_failed", "error", err)
	}
}

// Noop disables the sidecar; every lookup misses.
type Noop struct{}

func (Noop) Lookup(context.Context, string) (string, string, bool) { return "", "", false }
func (Noop) Store(context.Context, string, string, string)        {}

var _ HashCache = (*redisCache)(nil)
var _ HashCache = Noop{}
