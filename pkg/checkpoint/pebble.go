package checkpoint

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/0xmhha/block-streamer/internal/constants"
)

// Key prefix for checkpoint records. Numbers are big-endian so that
// lexicographic key order equals numeric order.
var checkpointPrefix = []byte("/checkpoint/")

// PebbleConfig holds Pebble ledger configuration
type PebbleConfig struct {
	// Path to the database directory
	Path string

	// Cache size in MB
	Cache int

	// MaxOpenFiles is the maximum number of open files
	MaxOpenFiles int

	// WriteBuffer size in MB
	WriteBuffer int

	// CompactionConcurrency for background compaction
	CompactionConcurrency int
}

// DefaultPebbleConfig returns a default configuration
func DefaultPebbleConfig(path string) *PebbleConfig {
	return &PebbleConfig{
		Path:                  path,
		Cache:                 constants.DefaultCacheSize,
		MaxOpenFiles:          constants.DefaultMaxOpenFiles,
		WriteBuffer:           constants.DefaultWriteBuffer,
		CompactionConcurrency: constants.DefaultCompactionConcurrency,
	}
}

// Validate checks if the configuration is valid
func (c *PebbleConfig) Validate() error {
	if c.Path == "" {
		return errors.New("path cannot be empty")
	}
	if c.Cache < 0 {
		return errors.New("cache size cannot be negative")
	}
	if c.MaxOpenFiles < 0 {
		return errors.New("max open files cannot be negative")
	}
	if c.WriteBuffer < 0 {
		return errors.New("write buffer size cannot be negative")
	}
	if c.CompactionConcurrency < 1 {
		return errors.New("compaction concurrency must be at least 1")
	}
	return nil
}

// PebbleStore implements Store using PebbleDB
type PebbleStore struct {
	db     *pebble.DB
	config *PebbleConfig
	logger *zap.Logger
	closed atomic.Bool
}

var _ Store = (*PebbleStore)(nil)

// NewPebbleStore opens (or creates) a Pebble ledger
func NewPebbleStore(cfg *PebbleConfig, logger *zap.Logger) (*PebbleStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := &pebble.Options{
		Cache:                    pebble.NewCache(int64(cfg.Cache) << 20), // Convert MB to bytes
		MaxOpenFiles:             cfg.MaxOpenFiles,
		MemTableSize:             uint64(cfg.WriteBuffer) << 20,
		MaxConcurrentCompactions: func() int { return cfg.CompactionConcurrency },
	}

	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	logger.Info("Opened checkpoint ledger", zap.String("path", cfg.Path))

	return &PebbleStore{
		db:     db,
		config: cfg,
		logger: logger,
	}, nil
}

func checkpointKey(number uint64) []byte {
	key := make([]byte, len(checkpointPrefix)+8)
	copy(key, checkpointPrefix)
	binary.BigEndian.PutUint64(key[len(checkpointPrefix):], number)
	return key
}

func decodeCheckpointKey(key []byte) (uint64, error) {
	if len(key) != len(checkpointPrefix)+8 {
		return 0, fmt.Errorf("invalid checkpoint key length: %d", len(key))
	}
	return binary.BigEndian.Uint64(key[len(checkpointPrefix):]), nil
}

// prefixUpperBound returns the upper bound for prefix iteration
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil // All 0xff, no upper bound
}

func (s *PebbleStore) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Latest returns the record with the highest number
func (s *PebbleStore) Latest(ctx context.Context) (Record, error) {
	if err := s.ensureNotClosed(); err != nil {
		return Record{}, err
	}
	return s.lastInRange(checkpointPrefix, prefixUpperBound(checkpointPrefix))
}

// Prev returns the record with the highest number strictly below number
func (s *PebbleStore) Prev(ctx context.Context, number uint64) (Record, error) {
	if err := s.ensureNotClosed(); err != nil {
		return Record{}, err
	}
	return s.lastInRange(checkpointPrefix, checkpointKey(number))
}

// Get returns the record at the given number
func (s *PebbleStore) Get(ctx context.Context, number uint64) (Record, error) {
	if err := s.ensureNotClosed(); err != nil {
		return Record{}, err
	}

	value, closer, err := s.db.Get(checkpointKey(number))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("failed to get checkpoint %d: %w", number, err)
	}
	defer closer.Close()

	var rec Record
	if err := json.Unmarshal(value, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to decode checkpoint %d: %w", number, err)
	}
	return rec, nil
}

// lastInRange returns the last record with key in [lower, upper)
func (s *PebbleStore) lastInRange(lower, upper []byte) (Record, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return Record{}, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return Record{}, err
		}
		return Record{}, ErrNotFound
	}

	number, err := decodeCheckpointKey(iter.Key())
	if err != nil {
		return Record{}, err
	}

	var rec Record
	if err := json.Unmarshal(iter.Value(), &rec); err != nil {
		return Record{}, fmt.Errorf("failed to decode checkpoint %d: %w", number, err)
	}
	return rec, nil
}

// Add inserts rec and prunes everything outside the window in one synced batch
func (s *PebbleStore) Add(ctx context.Context, rec Record, window uint64) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	floor := windowFloor(rec.Number, window)
	if floor > 0 {
		if err := batch.DeleteRange(checkpointPrefix, checkpointKey(floor), nil); err != nil {
			return fmt.Errorf("failed to prune below window: %w", err)
		}
	}
	if rec.Number < math.MaxUint64 {
		if err := batch.DeleteRange(checkpointKey(rec.Number+1), prefixUpperBound(checkpointPrefix), nil); err != nil {
			return fmt.Errorf("failed to prune above window: %w", err)
		}
	}
	if err := batch.Set(checkpointKey(rec.Number), value, nil); err != nil {
		return fmt.Errorf("failed to set checkpoint: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit checkpoint batch: %w", err)
	}
	return nil
}

// Close closes the store and releases resources
func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil // Already closed
	}
	return s.db.Close()
}
