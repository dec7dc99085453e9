package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/canopy-network/twbx/pkg/events"
	"github.com/canopy-network/twbx/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Default stream configuration
const (
	DefaultStreamMaxLen = 10000 // Default max entries per stream
	DefaultStreamPrefix = "twbx:events"
)

// Config holds connection and stream settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	// StreamMaxLen caps each stream, 0 = unlimited.
	StreamMaxLen int64
	StreamPrefix string
}

// ConfigFromEnv reads the connection settings.
// Environment variables:
//   - REDIS_HOST: Redis host (default: "localhost")
//   - REDIS_PORT: Redis port (default: "6379")
//   - REDIS_PASSWORD: Redis password (default: "")
//   - REDIS_DB: Redis database number (default: "0")
//   - REDIS_STREAM_MAXLEN: Max entries per stream (default: 10000)
//   - REDIS_STREAM_PREFIX: Stream key prefix (default: "twbx:events")
func ConfigFromEnv() Config {
	return Config{
		Addr:         fmt.Sprintf("%s:%s", utils.Env("REDIS_HOST", "localhost"), utils.Env("REDIS_PORT", "6379")),
		Password:     utils.Env("REDIS_PASSWORD", ""),
		DB:           utils.EnvInt("REDIS_DB", 0),
		StreamMaxLen: utils.EnvInt64("REDIS_STREAM_MAXLEN", DefaultStreamMaxLen),
		StreamPrefix: utils.Env("REDIS_STREAM_PREFIX", DefaultStreamPrefix),
	}
}

// Client wraps the Redis connection shared by the scope store, the price cache and event publishing.
type Client struct {
	client *redis.Client
	cfg    Config
	logger *zap.Logger
}

// NewClient dials Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		// Connection pool
		PoolSize:     10,
		MinIdleConns: 2,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Int64("streamMaxLen", cfg.StreamMaxLen))

	return Wrap(rdb, cfg, logger), nil
}

// Wrap adopts an existing connection.
func Wrap(rdb *redis.Client, cfg Config, logger *zap.Logger) *Client {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = DefaultStreamPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{client: rdb, cfg: cfg, logger: logger}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// GetClient returns the underlying Redis client.
func (c *Client) GetClient() *redis.Client {
	return c.client
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Publish publishes a message to a Pub/Sub channel. Errors are logged, not returned.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) {
	if err := c.client.Publish(ctx, channel, message).Err(); err != nil {
		c.logger.Warn("Failed to publish Redis message",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// XAdd adds an entry to a stream, trimming approximately to StreamMaxLen. Returns the entry ID or ""
// on failure; errors are logged, not returned.
func (c *Client) XAdd(ctx context.Context, stream string, values map[string]interface{}) string {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if c.cfg.StreamMaxLen > 0 {
		args.MaxLen = c.cfg.StreamMaxLen
		args.Approx = true
	}

	id, err := c.client.XAdd(ctx, args).Result()
	if err != nil {
		c.logger.Warn("Failed to add to Redis stream",
			zap.String("stream", stream),
			zap.Error(err))
		return ""
	}
	return id
}

// XLen returns the number of entries in a stream.
func (c *Client) XLen(ctx context.Context, stream string) (int64, error) {
	return c.client.XLen(ctx, stream).Result()
}

// XRange returns up to count entries between start and end ("-" and "+" for the whole stream).
func (c *Client) XRange(ctx context.Context, stream, start, end string, count int64) ([]redis.XMessage, error) {
	return c.client.XRangeN(ctx, stream, start, end, count).Result()
}

// StreamKey is the audit stream of a scope.
func (c *Client) StreamKey(scope string) string {
	return c.cfg.StreamPrefix + ":" + scope
}

// BatchChannel receives one notification per published batch.
func (c *Client) BatchChannel() string {
	return c.cfg.StreamPrefix + ":batches"
}

// BatchNotice is published on BatchChannel after a batch was mirrored.
type BatchNotice struct {
	Scope  string `json:"scope"`
	Events int    `json:"events"`
	LastID string `json:"lastId"`
}

// PublishEvents mirrors delivered events to the scope stream, one entry per event, then announces the
// batch. It is best effort.
func (c *Client) PublishEvents(ctx context.Context, scope string, evs []events.Event) {
	stream := c.StreamKey(scope)
	var lastID string
	for _, ev := range evs {
		payload, err := json.Marshal(ev)
		if err != nil {
			c.logger.Warn("Failed to encode event for stream",
				zap.String("scope", scope),
				zap.String("eventId", ev.ID()),
				zap.Error(err))
			continue
		}
		if id := c.XAdd(ctx, stream, map[string]interface{}{
			"id":      ev.ID(),
			"type":    ev.Type(),
			"payload": string(payload),
		}); id != "" {
			lastID = id
		}
	}

	notice, err := json.Marshal(BatchNotice{Scope: scope, Events: len(evs), LastID: lastID})
	if err != nil {
		return
	}
	c.Publish(ctx, c.BatchChannel(), notice)
}
