// Package poller streams blocks by polling the latest block number, for
// nodes that cannot push log notifications.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/block-streamer/internal/constants"
	"github.com/0xmhha/block-streamer/pkg/metrics"
	"github.com/0xmhha/block-streamer/pkg/queue"
	"github.com/0xmhha/block-streamer/pkg/stream"
	"github.com/0xmhha/block-streamer/pkg/types"
)

// LatestSource reports the chain head
type LatestSource interface {
	GetLatestBlockNumber(ctx context.Context) (uint64, error)
}

// Config holds poller configuration
type Config struct {
	// BlockDelay keeps the poller this many blocks behind latest
	BlockDelay uint64

	// PollInterval is the sleep between polls when caught up
	PollInterval time.Duration

	// BatchSize caps how many blocks are fetched per round
	BatchSize int

	// HashWindow is how many emitted hashes are kept for duplicate checks
	HashWindow int
}

// Poller implements stream.Streamer by polling. Blocks of a round are
// striped over the fetcher's workers and released in order. Every loop is
// bound to a polling id; a loop whose id is no longer current exits without
// emitting.
type Poller struct {
	source  LatestSource
	fetcher stream.Fetcher
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	pollingID uint64
	active    *loop
}

var _ stream.Streamer = (*Poller)(nil)

type loop struct {
	id       uint64
	ctx      context.Context
	cancel   context.CancelFunc
	observer stream.Observer
	tracker  *stream.Tracker
	next     uint64
	done     chan struct{}
}

// New creates a poller
func New(cfg Config, source LatestSource, fetcher stream.Fetcher, logger *zap.Logger, m *metrics.Metrics) (*Poller, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if fetcher == nil || fetcher.Size() <= 0 {
		return nil, fmt.Errorf("fetcher must have at least one worker")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = constants.DefaultPollingInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = constants.DefaultPollBatchSize
	}
	if cfg.HashWindow <= 0 {
		cfg.HashWindow = constants.RecentHashWindow
	}

	return &Poller{
		source:  source,
		fetcher: fetcher,
		config:  cfg,
		logger:  logger.With(zap.String("component", "poller")),
		metrics: m,
	}, nil
}

// Subscribe starts polling from opts.StartBlock
func (p *Poller) Subscribe(ctx context.Context, opts stream.SubscribeOptions, obs stream.Observer) error {
	if obs == nil {
		return fmt.Errorf("observer cannot be nil")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active != nil {
		return stream.ErrAlreadySubscribed
	}

	p.pollingID++
	lctx, cancel := context.WithCancel(ctx)
	l := &loop{
		id:       p.pollingID,
		ctx:      lctx,
		cancel:   cancel,
		observer: obs,
		tracker:  stream.NewTracker(opts.PrevHash, p.config.HashWindow),
		next:     opts.StartBlock,
		done:     make(chan struct{}),
	}
	p.active = l
	p.metrics.SetStreamState(stream.StatePolling.String(), stream.AllStates)

	go p.run(l)
	return nil
}

// Unsubscribe invalidates the running loop and waits for it to exit
func (p *Poller) Unsubscribe(ctx context.Context) (bool, error) {
	p.mu.Lock()
	l := p.active
	p.active = nil
	p.pollingID++
	p.mu.Unlock()

	if l == nil {
		return false, nil
	}
	l.cancel()

	select {
	case <-l.done:
		return true, nil
	case <-ctx.Done():
		return false, fmt.Errorf("failed to stop poller: %w", ctx.Err())
	}
}

func (p *Poller) current(l *loop) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pollingID == l.id
}

func (p *Poller) run(l *loop) {
	logger := p.logger.With(zap.Uint64("polling_id", l.id))
	logger.Info("Polling started", zap.Uint64("start_block", l.next))

	err := p.poll(l, logger)
	l.cancel()

	p.mu.Lock()
	if p.active == l {
		p.active = nil
	}
	if p.active == nil {
		p.metrics.SetStreamState(stream.StateUnsubscribed.String(), stream.AllStates)
	}
	p.mu.Unlock()
	close(l.done)

	if err != nil {
		logger.Error("Polling failed", zap.Error(err))
		l.observer.Error(err)
		return
	}
	logger.Info("Polling stopped")
	l.observer.Closed()
}

// poll returns nil when the loop was invalidated or cancelled
func (p *Poller) poll(l *loop, logger *zap.Logger) error {
	for {
		if !p.current(l) || l.ctx.Err() != nil {
			return nil
		}

		latest, err := p.source.GetLatestBlockNumber(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to get latest block number: %w", err)
		}
		if latest < p.config.BlockDelay {
			latest = 0
		} else {
			latest -= p.config.BlockDelay
		}

		if latest < l.next {
			select {
			case <-l.ctx.Done():
				return nil
			case <-time.After(p.config.PollInterval):
			}
			continue
		}

		end := latest
		if span := uint64(p.config.BatchSize); end-l.next >= span {
			end = l.next + span - 1
		}
		logger.Debug("Fetching blocks", zap.Uint64("from", l.next), zap.Uint64("to", end))

		if err := p.round(l, end); err != nil {
			return err
		}
	}
}

// round fetches l.next..end striped over the workers and emits them in order
func (p *Poller) round(l *loop, end uint64) error {
	// fetches left behind by an early return are dropped by the workers
	ctx, cancel := context.WithCancel(l.ctx)
	defer cancel()

	q := queue.New[*types.Block]()
	workers := uint64(p.fetcher.Size())
	for n := l.next; n <= end; n++ {
		q.Enqueue(p.fetcher.Fetch(ctx, int((n-l.next)%workers), n))
	}
	defer q.Clear()

	for !q.IsEmpty() {
		block, err := q.Shift(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, queue.ErrCleared) {
				return nil
			}
			return fmt.Errorf("failed to fetch block %d: %w", l.next, err)
		}

		if !p.current(l) {
			return nil
		}

		ok, err := l.tracker.Check(block)
		if err != nil {
			p.metrics.ReorgDetected()
			return err
		}
		if ok {
			l.observer.Next(block)
			l.tracker.Advance(block)
			p.metrics.BlockEmitted(block.Number)
		}
		l.next = block.Number + 1
	}
	return nil
}
