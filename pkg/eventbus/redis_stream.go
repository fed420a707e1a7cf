package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0xmhha/block-streamer/internal/config"
	"github.com/0xmhha/block-streamer/internal/netutil"
)

// RedisStreamProducer appends events to a Redis stream with XADD.
// Entries are written from a single goroutine, so stream order equals
// production order.
type RedisStreamProducer struct {
	config config.RedisStreamConfig
	topic  string
	nodeID string
	logger *zap.Logger

	mu     sync.Mutex
	client redis.UniversalClient
	sender *asyncSender
}

var _ Producer = (*RedisStreamProducer)(nil)

// NewRedisStreamProducer creates a new Redis Streams producer. No connection
// is made until Start.
func NewRedisStreamProducer(cfg config.RedisStreamConfig, topic, nodeID string, logger *zap.Logger) (*RedisStreamProducer, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("%w: no Redis addresses configured", ErrInvalidConfiguration)
	}
	if topic == "" {
		return nil, fmt.Errorf("%w: no stream key configured", ErrInvalidConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisStreamProducer{
		config: cfg,
		topic:  topic,
		nodeID: nodeID,
		logger: logger.With(zap.String("component", "redis-producer"), zap.String("node_id", nodeID)),
	}, nil
}

// Type returns the backend type
func (rp *RedisStreamProducer) Type() Type {
	return TypeRedis
}

// Start connects to Redis and begins delivering to handler
func (rp *RedisStreamProducer) Start(ctx context.Context, handler DeliveryHandler) (Metadata, error) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.sender != nil {
		return Metadata{}, ErrAlreadyStarted
	}

	client, err := netutil.NewRedisClient(rp.config.RedisConfig, rp.logger)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrIrrecoverable, err)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return Metadata{}, fmt.Errorf("failed to connect to Redis: %w", classifyRedisError(err))
	}

	rp.client = client
	rp.sender = newAsyncSender(DefaultPublishBufferSize, func(ctx context.Context, msg Message) Report {
		return rp.send(ctx, client, msg)
	}, handler)

	rp.logger.Info("Connected to Redis",
		zap.Strings("addresses", rp.config.Addresses),
		zap.Bool("cluster_mode", rp.config.ClusterMode),
		zap.String("stream", rp.topic),
	)
	return Metadata{Type: TypeRedis, Topic: rp.topic, Brokers: rp.config.Addresses}, nil
}

// ProduceEvent queues msg for XADD
func (rp *RedisStreamProducer) ProduceEvent(ctx context.Context, msg Message) error {
	rp.mu.Lock()
	sender := rp.sender
	rp.mu.Unlock()

	if sender == nil {
		return ErrNotStarted
	}
	return sender.submit(ctx, msg)
}

func (rp *RedisStreamProducer) send(ctx context.Context, client redis.UniversalClient, msg Message) Report {
	stream := msg.Topic
	if stream == "" {
		stream = rp.topic
	}

	id, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: rp.config.MaxLen,
		Approx: rp.config.MaxLen > 0,
		Values: rp.streamValues(msg),
	}).Result()
	if err != nil {
		err = classifyRedisError(err)
		rp.logger.Warn("Redis delivery failed", zap.String("key", msg.Key), zap.Error(err))
		return Report{Err: err, Topic: stream}
	}
	return Report{Topic: stream, ID: id}
}

// streamValues lays the message out as stream entry fields
func (rp *RedisStreamProducer) streamValues(msg Message) []interface{} {
	values := []interface{}{"key", msg.Key, "payload", msg.Payload}
	if rp.nodeID != "" {
		values = append(values, "node_id", rp.nodeID)
	}
	if !msg.Timestamp.IsZero() {
		values = append(values, "timestamp", msg.Timestamp.UnixMilli())
	}
	for k, v := range msg.Headers {
		values = append(values, k, v)
	}
	return values
}

// Stop drains queued messages and closes the client
func (rp *RedisStreamProducer) Stop(ctx context.Context) (bool, error) {
	rp.mu.Lock()
	sender, client := rp.sender, rp.client
	rp.sender, rp.client = nil, nil
	rp.mu.Unlock()

	if sender == nil {
		return false, nil
	}

	drainErr := sender.close(ctx)
	if err := client.Close(); err != nil {
		rp.logger.Error("Error closing Redis client", zap.Error(err))
	}
	if drainErr != nil {
		return false, drainErr
	}

	rp.logger.Info("Disconnected from Redis")
	return true, nil
}

// classifyRedisError wraps authentication and type errors with ErrIrrecoverable
func classifyRedisError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, prefix := range []string{"NOAUTH", "WRONGPASS", "NOPERM", "WRONGTYPE"} {
		if strings.HasPrefix(msg, prefix) {
			return fmt.Errorf("%w: %v", ErrIrrecoverable, err)
		}
	}
	return err
}
