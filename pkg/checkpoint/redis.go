package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0xmhha/block-streamer/internal/config"
	"github.com/0xmhha/block-streamer/internal/netutil"
)

// RedisStore implements Store on a Redis sorted set scored by block number.
// Scores are float64, so numbers are exact up to 2^53.
type RedisStore struct {
	client redis.UniversalClient
	key    string
	logger *zap.Logger
	closed atomic.Bool
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg config.RedisConfig, key string, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := netutil.NewRedisClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected checkpoint ledger to Redis",
		zap.Strings("addresses", cfg.Addresses),
		zap.Bool("cluster_mode", cfg.ClusterMode),
		zap.String("key", key),
	)
	return NewRedisStoreWithClient(client, key, logger), nil
}

// NewRedisStoreWithClient wraps an existing client. The store owns the client.
func NewRedisStoreWithClient(client redis.UniversalClient, key string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, key: key, logger: logger}
}

func (s *RedisStore) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Latest returns the record with the highest number
func (s *RedisStore) Latest(ctx context.Context) (Record, error) {
	if err := s.ensureNotClosed(); err != nil {
		return Record{}, err
	}
	return s.first(ctx, "+inf", "-inf")
}

// Get returns the record at the given number
func (s *RedisStore) Get(ctx context.Context, number uint64) (Record, error) {
	if err := s.ensureNotClosed(); err != nil {
		return Record{}, err
	}
	score := strconv.FormatUint(number, 10)
	return s.first(ctx, score, score)
}

// Prev returns the record with the highest number strictly below number
func (s *RedisStore) Prev(ctx context.Context, number uint64) (Record, error) {
	if err := s.ensureNotClosed(); err != nil {
		return Record{}, err
	}
	return s.first(ctx, "("+strconv.FormatUint(number, 10), "-inf")
}

// first returns the highest-scored record in [min, max]
func (s *RedisStore) first(ctx context.Context, max, min string) (Record, error) {
	members, err := s.client.ZRevRangeByScore(ctx, s.key, &redis.ZRangeBy{Max: max, Min: min, Count: 1}).Result()
	if err != nil {
		return Record{}, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	if len(members) == 0 {
		return Record{}, ErrNotFound
	}

	var rec Record
	if err := json.Unmarshal([]byte(members[0]), &rec); err != nil {
		return Record{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return rec, nil
}

// Add inserts rec and prunes everything outside the window in one MULTI/EXEC
func (s *RedisStore) Add(ctx context.Context, rec Record, window uint64) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	member, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	floor := windowFloor(rec.Number, window)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, s.key, "-inf", "("+strconv.FormatUint(floor, 10))
		// Also drops a stale member at rec.Number carrying another hash
		pipe.ZRemRangeByScore(ctx, s.key, strconv.FormatUint(rec.Number, 10), "+inf")
		pipe.ZAdd(ctx, s.key, redis.Z{Score: float64(rec.Number), Member: string(member)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write checkpoint %d: %w", rec.Number, err)
	}
	return nil
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
