// Package pricing resolves historical USD prices through a bucketed two-tier cache in front of a
// market-data oracle.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultBucketMs      = int64(24 * time.Hour / time.Millisecond)
	DefaultTTL           = 7 * 24 * time.Hour
	DefaultKeyPrefix     = "twbx:price:"
	DefaultLookupTimeout = 30 * time.Second
	DefaultFailureTTL    = time.Minute

	pruneEvery = 256
)

// ErrUnavailable is returned while a recent oracle failure for the same bucket is remembered.
var ErrUnavailable = errors.New("price unavailable")

// Oracle fetches the USD price of key at bucketTs (unix ms).
type Oracle interface {
	Fetch(ctx context.Context, key string, bucketTs int64) (decimal.Decimal, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, key string, bucketTs int64) (decimal.Decimal, error)

func (f OracleFunc) Fetch(ctx context.Context, key string, bucketTs int64) (decimal.Decimal, error) {
	return f(ctx, key, bucketTs)
}

// Entry is a cached price for one (key, bucket).
type Entry struct {
	Key       string
	Bucket    int64
	Price     decimal.Decimal
	FetchedAt time.Time
}

// Config configures a Cache. LookupTimeout bounds one oracle fetch including its retries; FailureTTL is
// how long a failed bucket resolves to zero without asking the oracle again.
type Config struct {
	BucketMs      int64
	TTL           time.Duration
	KeyPrefix     string
	LookupTimeout time.Duration
	FailureTTL    time.Duration
}

// Cache looks prices up in process memory, then Redis, then the oracle. Concurrent misses for the
// same bucket share one oracle call.
type Cache struct {
	cfg    Config
	oracle Oracle
	rdb    redis.Cmdable
	mem    *xsync.Map[string, Entry]
	failed *xsync.Map[string, time.Time]
	stores atomic.Int64
	group  singleflight.Group
	logger *zap.Logger
	now    func() time.Time
}

// NewCache builds a Cache. rdb may be nil, in which case only the in-process tier is used.
func NewCache(cfg Config, oracle Oracle, rdb redis.Cmdable, logger *zap.Logger) (*Cache, error) {
	if oracle == nil {
		return nil, errors.New("pricing: oracle is required")
	}
	if cfg.BucketMs <= 0 {
		cfg.BucketMs = DefaultBucketMs
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = DefaultFailureTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		cfg:    cfg,
		oracle: oracle,
		rdb:    rdb,
		mem:    xsync.NewMap[string, Entry](),
		failed: xsync.NewMap[string, time.Time](),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Bucket floors atMs to the bucket start.
func (c *Cache) Bucket(atMs int64) int64 {
	b := atMs / c.cfg.BucketMs * c.cfg.BucketMs
	if atMs < 0 && atMs%c.cfg.BucketMs != 0 {
		b -= c.cfg.BucketMs
	}
	return b
}

// GetPrice returns the USD price of key at atMs. Missing market data resolves to zero and is logged.
func (c *Cache) GetPrice(ctx context.Context, key string, atMs int64) decimal.Decimal {
	price, err := c.Lookup(ctx, key, atMs)
	if err != nil {
		c.logger.Warn("price unavailable, using zero",
			zap.String("key", key),
			zap.Int64("at_ms", atMs),
			zap.Error(err))
		return decimal.Zero
	}
	return price
}

// Lookup is GetPrice with the oracle error surfaced.
func (c *Cache) Lookup(ctx context.Context, key string, atMs int64) (decimal.Decimal, error) {
	bucket := c.Bucket(atMs)
	cacheKey := c.cacheKey(key, bucket)

	if price, ok := c.loadMem(cacheKey); ok {
		return price, nil
	}
	if at, ok := c.failed.Load(cacheKey); ok {
		if c.now().Sub(at) < c.cfg.FailureTTL {
			return decimal.Zero, fmt.Errorf("%w: %s@%d failed at %s", ErrUnavailable, key, bucket, at.Format(time.RFC3339))
		}
		c.failed.Delete(cacheKey)
	}

	v, err, _ := c.group.Do(cacheKey, func() (interface{}, error) {
		if price, ok := c.loadMem(cacheKey); ok {
			return price, nil
		}
		if price, ok := c.loadShared(ctx, cacheKey); ok {
			c.remember(cacheKey, Entry{Key: key, Bucket: bucket, Price: price, FetchedAt: c.now()})
			return price, nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
		defer cancel()
		price, err := c.oracle.Fetch(fetchCtx, key, bucket)
		if err != nil {
			if ctx.Err() == nil {
				c.failed.Store(cacheKey, c.now())
			}
			return nil, fmt.Errorf("fetch %s@%d: %w", key, bucket, err)
		}
		c.remember(cacheKey, Entry{Key: key, Bucket: bucket, Price: price, FetchedAt: c.now()})
		c.storeShared(ctx, cacheKey, price)
		return price, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

// loadMem returns a live in-process entry and drops an expired one.
func (c *Cache) loadMem(cacheKey string) (decimal.Decimal, bool) {
	e, ok := c.mem.Load(cacheKey)
	if !ok {
		return decimal.Zero, false
	}
	if c.now().Sub(e.FetchedAt) >= c.cfg.TTL {
		c.mem.Delete(cacheKey)
		return decimal.Zero, false
	}
	return e.Price, true
}

func (c *Cache) remember(cacheKey string, e Entry) {
	c.mem.Store(cacheKey, e)
	if c.stores.Add(1)%pruneEvery == 0 {
		c.prune()
	}
}

// prune drops expired prices and failures.
func (c *Cache) prune() {
	now := c.now()
	c.mem.Range(func(k string, e Entry) bool {
		if now.Sub(e.FetchedAt) >= c.cfg.TTL {
			c.mem.Delete(k)
		}
		return true
	})
	c.failed.Range(func(k string, at time.Time) bool {
		if now.Sub(at) >= c.cfg.FailureTTL {
			c.failed.Delete(k)
		}
		return true
	})
}

func (c *Cache) cacheKey(key string, bucket int64) string {
	return c.cfg.KeyPrefix + key + ":" + strconv.FormatInt(bucket, 10)
}

func (c *Cache) loadShared(ctx context.Context, cacheKey string) (decimal.Decimal, bool) {
	if c.rdb == nil {
		return decimal.Zero, false
	}
	raw, err := c.rdb.Get(ctx, cacheKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("price cache read failed", zap.String("key", cacheKey), zap.Error(err))
		}
		return decimal.Zero, false
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		c.logger.Warn("discarding malformed cached price", zap.String("key", cacheKey), zap.String("value", raw))
		return decimal.Zero, false
	}
	return price, true
}

func (c *Cache) storeShared(ctx context.Context, cacheKey string, price decimal.Decimal) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.SetEx(ctx, cacheKey, price.String(), c.cfg.TTL).Err(); err != nil {
		c.logger.Warn("price cache write failed", zap.String("key", cacheKey), zap.Error(err))
	}
}

// Size returns the number of in-process entries.
func (c *Cache) Size() int {
	return c.mem.Size()
}
