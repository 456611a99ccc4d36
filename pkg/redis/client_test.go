package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("REDIS_STREAM_MAXLEN", "500")
	t.Setenv("PROMOTION_STREAM", "")

	cfg := ConfigFromEnv()
	assert.Equal(t, "redis.internal:6380", cfg.Addr())
	assert.Equal(t, 2, cfg.DB)
	assert.Equal(t, int64(500), cfg.StreamMaxLen)
	assert.Equal(t, DefaultPromotionStream, cfg.Stream)
}

func TestNewPublisherUsesClientStream(t *testing.T) {
	c := &Client{stream: "ppdb:test", streamMaxLen: 10}
	p := NewPublisher(c, "")
	assert.Equal(t, "ppdb:test", p.Stream)
	assert.Equal(t, int64(10), p.MaxLen)

	assert.Equal(t, "other", NewPublisher(c, "other").Stream)
}
