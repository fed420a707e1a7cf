package eventbus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xmhha/block-streamer/internal/config"
)

func newTestRedisProducer(t *testing.T, maxLen int64) (*RedisStreamProducer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.RedisStreamConfig{
		RedisConfig: config.RedisConfig{Addresses: []string{mr.Addr()}},
		MaxLen:      maxLen,
	}
	p, err := NewRedisStreamProducer(cfg, "blocks", "node-1", zap.NewNop())
	require.NoError(t, err)
	return p, mr
}

// ============================================================================
// RedisStreamProducer Tests
// ============================================================================

func TestNewRedisStreamProducer_Validation(t *testing.T) {
	_, err := NewRedisStreamProducer(config.RedisStreamConfig{}, "blocks", "n", nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	cfg := config.RedisStreamConfig{RedisConfig: config.RedisConfig{Addresses: []string{"localhost:6379"}}}
	_, err = NewRedisStreamProducer(cfg, "", "n", nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestRedisStreamProducer_NotStarted(t *testing.T) {
	p, _ := newTestRedisProducer(t, 0)

	assert.ErrorIs(t, p.ProduceEvent(context.Background(), Message{Key: "1"}), ErrNotStarted)

	stopped, err := p.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestRedisStreamProducer_AppendsInOrder(t *testing.T) {
	p, mr := newTestRedisProducer(t, 0)
	collector := newReportCollector()

	meta, err := p.Start(context.Background(), collector.handle)
	require.NoError(t, err)
	assert.Equal(t, TypeRedis, meta.Type)
	assert.Equal(t, "blocks", meta.Topic)

	ts := time.UnixMilli(1_700_000_000_000)
	for i := 1; i <= 5; i++ {
		require.NoError(t, p.ProduceEvent(context.Background(), Message{
			Key:       fmt.Sprint(i),
			Payload:   []byte(fmt.Sprintf(`{"number":%d}`, i)),
			Timestamp: ts,
			Headers:   map[string]string{"block_hash": fmt.Sprintf("0x%02x", i)},
			Opaque:    i,
		}))
	}

	reports := collector.wait(t, 5)
	for i, r := range reports {
		require.NoError(t, r.Err)
		assert.Equal(t, i+1, r.Opaque)
		assert.NotEmpty(t, r.ID)
	}

	stopped, err := p.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, stopped)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	entries, err := client.XRange(context.Background(), "blocks", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, fmt.Sprint(i+1), e.Values["key"])
		assert.Equal(t, fmt.Sprintf(`{"number":%d}`, i+1), e.Values["payload"])
		assert.Equal(t, "node-1", e.Values["node_id"])
		assert.Equal(t, "1700000000000", e.Values["timestamp"])
		assert.Equal(t, fmt.Sprintf("0x%02x", i+1), e.Values["block_hash"])
	}
}

func TestRedisStreamProducer_TopicOverride(t *testing.T) {
	p, mr := newTestRedisProducer(t, 0)
	collector := newReportCollector()
	_, err := p.Start(context.Background(), collector.handle)
	require.NoError(t, err)
	defer p.Stop(context.Background())

	require.NoError(t, p.ProduceEvent(context.Background(), Message{Key: "1", Topic: "other"}))
	r := collector.wait(t, 1)[0]
	require.NoError(t, r.Err)
	assert.Equal(t, "other", r.Topic)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	n, err := client.XLen(context.Background(), "other").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisStreamProducer_WrongTypeIsIrrecoverable(t *testing.T) {
	p, mr := newTestRedisProducer(t, 0)
	require.NoError(t, mr.Set("blocks", "not a stream"))

	collector := newReportCollector()
	_, err := p.Start(context.Background(), collector.handle)
	require.NoError(t, err)
	defer p.Stop(context.Background())

	require.NoError(t, p.ProduceEvent(context.Background(), Message{Key: "1", Opaque: "tag"}))
	r := collector.wait(t, 1)[0]
	assert.True(t, IsIrrecoverable(r.Err))
	assert.Equal(t, "tag", r.Opaque)
}

func TestRedisStreamProducer_StartUnreachable(t *testing.T) {
	p, mr := newTestRedisProducer(t, 0)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := p.Start(ctx, nil)
	require.Error(t, err)
	assert.False(t, IsIrrecoverable(err))
}

func TestClassifyRedisError(t *testing.T) {
	assert.Nil(t, classifyRedisError(nil))
	assert.True(t, IsIrrecoverable(classifyRedisError(errors.New("NOAUTH Authentication required."))))
	assert.True(t, IsIrrecoverable(classifyRedisError(errors.New("WRONGPASS invalid username-password pair"))))
	assert.False(t, IsIrrecoverable(classifyRedisError(errors.New("i/o timeout"))))
}
