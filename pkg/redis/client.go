package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sealedvote/sealedvote/pkg/retry"
	"github.com/sealedvote/sealedvote/pkg/utils"
	"go.uber.org/zap"
)

// Default stream configuration
const (
	DefaultStreamMaxLen = 10000 // Default max entries per stream
)

// Client wraps the Redis client backing the job queue (streams, consumer
// groups and the scheduled-job sorted sets).
type Client struct {
	client       *redis.Client
	logger       *zap.Logger
	streamMaxLen int64 // Max entries per stream (0 = unlimited)
}

// NewClient creates a new Redis client using environment variables for configuration.
// Environment variables:
//   - REDIS_HOST: Redis host (default: "localhost")
//   - REDIS_PORT: Redis port (default: "6379")
//   - REDIS_PASSWORD: Redis password (default: "")
//   - REDIS_DB: Redis database number (default: "0")
//   - REDIS_STREAM_MAXLEN: Max entries per stream (default: 10000, 0 = unlimited)
//   - REDIS_CONNECT_TIMEOUT: Overall deadline for the initial connection (default: "2m")
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	password := utils.Env("REDIS_PASSWORD", "")
	db := utils.EnvInt("REDIS_DB", 0)
	streamMaxLen := utils.EnvInt64("REDIS_STREAM_MAXLEN", DefaultStreamMaxLen)
	connectTimeout := utils.EnvDuration("REDIS_CONNECT_TIMEOUT", 2*time.Minute)

	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		// Connection pool
		PoolSize:     10,
		MinIdleConns: 2,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// Redis usually comes up alongside this process, so the first pings may
	// land before it is ready to accept connections.
	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	retryErr := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "redis_connection", func() error {
		return rdb.Ping(connCtx).Err()
	})
	if retryErr != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, retryErr)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int("db", db),
		zap.Int64("streamMaxLen", streamMaxLen))

	return &Client{
		client:       rdb,
		logger:       logger,
		streamMaxLen: streamMaxLen,
	}, nil
}

// NewClientFromAddr connects to a specific address, bypassing the environment.
// Used by tests against an in-process redis.
func NewClientFromAddr(ctx context.Context, logger *zap.Logger, addr string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	return &Client{
		client:       rdb,
		logger:       logger,
		streamMaxLen: DefaultStreamMaxLen,
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// GetClient returns the underlying Redis client.
// This allows the queue to use the full Redis API (hashes, pipelines) directly.
func (c *Client) GetClient() *redis.Client {
	return c.client
}

// StreamMaxLen returns the configured MAXLEN cap so callers building their own
// XADD pipelines apply the same bound.
func (c *Client) StreamMaxLen() int64 {
	return c.streamMaxLen
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// =============================================================================
// Redis Streams API
// =============================================================================

// XAdd adds an entry to a stream. Uses MAXLEN to cap stream size if configured.
// Unlike best-effort notification streams, queue writes must not be silently
// dropped, so errors are returned to the caller.
func (c *Client) XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}

	// Apply MAXLEN if configured (approximate for performance)
	if c.streamMaxLen > 0 {
		args.MaxLen = c.streamMaxLen
		args.Approx = true
	}

	return c.client.XAdd(ctx, args).Result()
}

// XReadGroup reads entries from streams using a consumer group.
// Supports at-least-once delivery with acknowledgments.
// Use ">" as lastID to read only new (undelivered) entries.
func (c *Client) XReadGroup(ctx context.Context, group, consumer string, streams []string, lastIDs []string, count int64, block time.Duration) ([]redis.XStream, error) {
	streamsArg := append(streams, lastIDs...)

	return c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streamsArg,
		Count:    count,
		Block:    block,
	}).Result()
}

// XAck acknowledges that entries have been processed by a consumer group.
// Returns the number of entries acknowledged.
func (c *Client) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	return c.client.XAck(ctx, stream, group, ids...).Result()
}

// XAutoClaim transfers ownership of pending entries idle for longer than
// minIdle to the given consumer. This is how deliveries lost to a crashed
// worker get redelivered.
func (c *Client) XAutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]redis.XMessage, string, error) {
	msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	return msgs, next, err
}

// XGroupCreateMkStream creates a consumer group, creating the stream if it doesn't exist.
// Use "$" as start to only receive new messages, "0" to receive all messages.
// Returns nil if successful, or error (ignores "BUSYGROUP" error if group already exists).
func (c *Client) XGroupCreateMkStream(ctx context.Context, stream, group, start string) error {
	err := c.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		// Group already exists, that's fine
		return nil
	}
	return err
}

// XLen returns the number of entries in a stream.
func (c *Client) XLen(ctx context.Context, stream string) (int64, error) {
	return c.client.XLen(ctx, stream).Result()
}

// =============================================================================
// Sorted-set scheduler API
// =============================================================================

// ZAdd schedules a member at the given unix-milli score.
func (c *Client) ZAdd(ctx context.Context, key, member string, score float64) error {
	return c.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZDue returns up to count members whose score is <= max.
func (c *Client) ZDue(ctx context.Context, key string, max float64, count int64) ([]string, error) {
	return c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", max),
		Count: count,
	}).Result()
}

// ZRem removes a member, returning true when this call removed it. The
// promoter uses the return value as a claim so two promoters never move the
// same job twice.
func (c *Client) ZRem(ctx context.Context, key, member string) (bool, error) {
	n, err := c.client.ZRem(ctx, key, member).Result()
	return n == 1, err
}
