package redis

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ppdbx/chunkpromoter/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultStreamMaxLen caps each stream with approximate trimming.
const DefaultStreamMaxLen = 10000

// Config locates the Redis server and the promotion stream.
type Config struct {
	Host         string
	Port         string
	Password     string
	DB           int
	StreamMaxLen int64
	Stream       string
}

// ConfigFromEnv reads REDIS_HOST, REDIS_PORT, REDIS_PASSWORD, REDIS_DB,
// REDIS_STREAM_MAXLEN and PROMOTION_STREAM.
func ConfigFromEnv() Config {
	return Config{
		Host:         utils.Env("REDIS_HOST", "localhost"),
		Port:         utils.Env("REDIS_PORT", "6379"),
		Password:     utils.Env("REDIS_PASSWORD", ""),
		DB:           utils.EnvInt("REDIS_DB", 0),
		StreamMaxLen: utils.EnvInt64("REDIS_STREAM_MAXLEN", DefaultStreamMaxLen),
		Stream:       utils.Env("PROMOTION_STREAM", DefaultPromotionStream),
	}
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Client wraps the Redis client used for promotion event streams.
type Client struct {
	client       *redis.Client
	logger       *zap.Logger
	stream       string
	streamMaxLen int64 // 0 disables trimming
}

// NewClient connects and pings the server described by cfg.
func NewClient(ctx context.Context, logger *zap.Logger, cfg Config) (*Client, error) {
	if cfg.Stream == "" {
		cfg.Stream = DefaultPromotionStream
	}
	addr := cfg.Addr()
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     4,
		MinIdleConns: 1,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int("db", cfg.DB),
		zap.String("stream", cfg.Stream),
		zap.Int64("streamMaxLen", cfg.StreamMaxLen))

	return &Client{
		client:       rdb,
		logger:       logger,
		stream:       cfg.Stream,
		streamMaxLen: cfg.StreamMaxLen,
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// XRead reads entries after lastID. Block of 0 means no blocking.
func (c *Client) XRead(ctx context.Context, stream, lastID string, count int64, block time.Duration) ([]redis.XStream, error) {
	return c.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
}

// XReadGroup reads new entries for a consumer in group.
func (c *Client) XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.XStream, error) {
	return c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
}

// XAck acknowledges entries processed by a consumer group.
func (c *Client) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	return c.client.XAck(ctx, stream, group, ids...).Result()
}

// XGroupCreateMkStream creates a consumer group and the stream if needed.
// An existing group is not an error.
func (c *Client) XGroupCreateMkStream(ctx context.Context, stream, group, start string) error {
	err := c.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}
