package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultPromotionStream = "ppdb:promotions"
	// DataField is the stream entry field carrying the JSON payload.
	DataField = "data"
)

var ErrStreamNotFound = errors.New("stream does not exist")

type streamAPI interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
}

// Publisher appends JSON events to a single stream. Unlike the best-effort helpers used
// for notifications elsewhere, every failure is returned to the caller.
type Publisher struct {
	Logger *zap.Logger
	Stream string
	MaxLen int64
	rdb    streamAPI
}

// NewPublisher publishes to stream, or to the client's configured stream when empty.
func NewPublisher(c *Client, stream string) *Publisher {
	if stream == "" {
		stream = c.stream
	}
	return &Publisher{
		Logger: c.logger,
		Stream: stream,
		MaxLen: c.streamMaxLen,
		rdb:    c.client,
	}
}

// ValidateStream returns ErrStreamNotFound when the stream key is absent.
func (p *Publisher) ValidateStream(ctx context.Context) error {
	n, err := p.rdb.Exists(ctx, p.Stream).Result()
	if err != nil {
		return fmt.Errorf("check stream %s: %w", p.Stream, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, p.Stream)
	}
	return nil
}

// Publish JSON-encodes message into the data field of a new entry and returns its id.
func (p *Publisher) Publish(ctx context.Context, message any) (string, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.Stream,
		Values: map[string]interface{}{DataField: string(payload)},
	}
	if p.MaxLen > 0 {
		args.MaxLen = p.MaxLen
		args.Approx = true
	}

	id, err := p.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", p.Stream, err)
	}
	p.Logger.Debug("Published message",
		zap.String("stream", p.Stream),
		zap.String("id", id),
		zap.Int("bytes", len(payload)))
	return id, nil
}

// Latest returns up to n entries, newest first.
func (p *Publisher) Latest(ctx context.Context, n int64) ([]Message, error) {
	xs, err := p.rdb.XRevRangeN(ctx, p.Stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.Stream, err)
	}
	out := make([]Message, 0, len(xs))
	for _, x := range xs {
		out = append(out, Message{ID: x.ID, Stream: p.Stream, Values: x.Values})
	}
	return out, nil
}
