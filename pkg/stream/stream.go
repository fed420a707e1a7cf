// Package stream delivers blocks to an observer in strict ascending order.
// A Subscription follows the chain through a log subscription and switches
// to a parallel backfill whenever it falls too far behind the finalized head.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/0xmhha/block-streamer/internal/constants"
	"github.com/0xmhha/block-streamer/pkg/queue"
	"github.com/0xmhha/block-streamer/pkg/types"
)

var (
	// ErrReorgDetected is returned when a block does not link to the block
	// emitted before it
	ErrReorgDetected = errors.New("reorg detected")

	// ErrSubscriptionStalled is returned when a live subscription delivered
	// nothing within the liveness timeout
	ErrSubscriptionStalled = errors.New("subscription stalled")

	// ErrAlreadySubscribed is returned by Subscribe on an active stream
	ErrAlreadySubscribed = errors.New("already subscribed")

	// ErrSubscriptionClosed is returned when the node ends a log subscription
	ErrSubscriptionClosed = errors.New("log subscription closed by node")
)

// Observer receives the blocks of a stream. Next is called from a single
// goroutine, in block order. After Error or Closed no further calls are made.
type Observer interface {
	Next(block *types.Block)
	Error(err error)
	Closed()
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are ignored.
type ObserverFuncs struct {
	NextFunc   func(*types.Block)
	ErrorFunc  func(error)
	ClosedFunc func()
}

func (o ObserverFuncs) Next(block *types.Block) {
	if o.NextFunc != nil {
		o.NextFunc(block)
	}
}

func (o ObserverFuncs) Error(err error) {
	if o.ErrorFunc != nil {
		o.ErrorFunc(err)
	}
}

func (o ObserverFuncs) Closed() {
	if o.ClosedFunc != nil {
		o.ClosedFunc()
	}
}

// SubscribeOptions selects where a stream starts
type SubscribeOptions struct {
	// StartBlock is the first block emitted
	StartBlock uint64

	// PrevHash, when set, is the hash StartBlock's parent must have
	PrevHash string
}

// Streamer is a source of ordered blocks
type Streamer interface {
	// Subscribe starts streaming into obs and returns once the stream runs
	Subscribe(ctx context.Context, opts SubscribeOptions, obs Observer) error

	// Unsubscribe stops the stream and waits for it to wind down.
	// Returns false when nothing was running.
	Unsubscribe(ctx context.Context) (bool, error)
}

// Source is the part of the block source client a stream needs
type Source interface {
	GetBlock(ctx context.Context, ref types.BlockRef) (*types.Header, error)
	GetLatestBlockNumber(ctx context.Context) (uint64, error)
	SubscribeLogs(ctx context.Context, fromBlock uint64) (types.LogSubscription, error)
}

// Fetcher fetches full blocks on a fixed set of workers. Fetches whose ctx
// is done are dropped and fail with ctx.Err(). *worker.Pool satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, workerID int, blockNumber uint64) *queue.Result[*types.Block]
	Size() int
}

// State is the state of a Subscription
type State int

const (
	StateIdle State = iota
	StateBackfilling
	StateSubscribingLogs
	StateStalled
	StateUnsubscribed
	StatePolling
)

// AllStates lists every state, for gauges keyed by state name
var AllStates = []string{"idle", "backfilling", "subscribing", "stalled", "unsubscribed", "polling"}

func (s State) String() string {
	if int(s) < len(AllStates) {
		return AllStates[s]
	}
	return "unknown"
}

// Config holds Subscription configuration
type Config struct {
	// BlockDelay keeps the stream behind latest. When 0 the "finalized"
	// tag decides whether to backfill.
	BlockDelay uint64

	// SubscriptionTimeout is how long a log subscription may stay silent
	SubscriptionTimeout time.Duration

	// BackfillThreshold is the lag behind the safe head that triggers a backfill
	BackfillThreshold uint64

	// QueueLimit is the soft cap on fetched blocks awaiting emission
	QueueLimit int

	// AdmissionPollInterval is how often a paused backfill re-checks the queue
	AdmissionPollInterval time.Duration

	// HashWindow is how many emitted hashes are kept for duplicate checks
	HashWindow int
}

// DefaultConfig returns the default subscription configuration
func DefaultConfig() Config {
	return Config{
		SubscriptionTimeout:   constants.DefaultSubscriptionTimeout,
		BackfillThreshold:     constants.DefaultBackfillThreshold,
		QueueLimit:            constants.DefaultQueueLimit,
		AdmissionPollInterval: constants.DefaultAdmissionPollInterval,
		HashWindow:            constants.RecentHashWindow,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.SubscriptionTimeout <= 0 {
		c.SubscriptionTimeout = d.SubscriptionTimeout
	}
	if c.BackfillThreshold == 0 {
		c.BackfillThreshold = d.BackfillThreshold
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = d.QueueLimit
	}
	if c.AdmissionPollInterval <= 0 {
		c.AdmissionPollInterval = d.AdmissionPollInterval
	}
	if c.HashWindow <= 0 {
		c.HashWindow = d.HashWindow
	}
}
