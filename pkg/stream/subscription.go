package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/block-streamer/pkg/client"
	"github.com/0xmhha/block-streamer/pkg/metrics"
	"github.com/0xmhha/block-streamer/pkg/queue"
	"github.com/0xmhha/block-streamer/pkg/types"
)

// Subscription streams blocks from a log subscription, backfilling through
// the fetcher whenever the stream lags the safe head by more than
// BackfillThreshold. Fetches complete out of order; a single drain goroutine
// per session releases them in order through the session's queue.
type Subscription struct {
	source  Source
	fetcher Fetcher
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	state   State
	session *session
	nextID  uint64

	// set once the node reports it has no finalized block
	noFinalized atomic.Bool
}

var _ Streamer = (*Subscription)(nil)

// session is one Subscribe..Unsubscribe run. Everything below the
// coordinator comment is touched only by the session goroutine.
type session struct {
	id       uint64
	ctx      context.Context
	cancel   context.CancelFunc
	observer Observer
	queue    *queue.Queue[*types.Block]
	tracker  *Tracker
	notify   chan struct{}
	done     chan struct{}
	logger   *zap.Logger

	errMu sync.Mutex
	err   error

	// coordinator
	startBlock uint64
	nextBlock  uint64
	lastHash   string
	received   map[uint64]string
	nextWorker int
	backfills  uint64
}

// NewSubscription creates a subscription over source and fetcher
func NewSubscription(cfg Config, source Source, fetcher Fetcher, logger *zap.Logger, m *metrics.Metrics) (*Subscription, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if fetcher == nil || fetcher.Size() <= 0 {
		return nil, fmt.Errorf("fetcher must have at least one worker")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.setDefaults()

	return &Subscription{
		source:  source,
		fetcher: fetcher,
		config:  cfg,
		logger:  logger.With(zap.String("component", "subscription")),
		metrics: m,
	}, nil
}

// State returns the current state
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// QueueLength returns the number of fetches awaiting emission
func (s *Subscription) QueueLength() int {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()

	if sess == nil {
		return 0
	}
	return sess.queue.Len()
}

// Subscribe starts a session at opts.StartBlock
func (s *Subscription) Subscribe(ctx context.Context, opts SubscribeOptions, obs Observer) error {
	if obs == nil {
		return fmt.Errorf("observer cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return ErrAlreadySubscribed
	}

	s.nextID++
	sctx, cancel := context.WithCancel(ctx)
	sess := &session{
		id:         s.nextID,
		ctx:        sctx,
		cancel:     cancel,
		observer:   obs,
		queue:      queue.New[*types.Block](),
		tracker:    NewTracker(opts.PrevHash, s.config.HashWindow),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		logger:     s.logger.With(zap.Uint64("session", s.nextID)),
		startBlock: opts.StartBlock,
		nextBlock:  opts.StartBlock,
		received:   make(map[uint64]string),
	}
	s.session = sess
	s.setStateLocked(StateIdle)

	go s.run(sess)
	return nil
}

// Unsubscribe cancels the running session, which drops its queued fetches
// from the worker inboxes, and releases the log subscription
func (s *Subscription) Unsubscribe(ctx context.Context) (bool, error) {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()

	if sess == nil {
		return false, nil
	}

	sess.cancel()
	sess.queue.Clear()

	select {
	case <-sess.done:
		return true, nil
	case <-ctx.Done():
		return false, fmt.Errorf("failed to stop subscription: %w", ctx.Err())
	}
}

func (s *Subscription) run(sess *session) {
	sess.logger.Info("Subscription started",
		zap.Uint64("start_block", sess.startBlock),
		zap.Int("workers", s.fetcher.Size()),
	)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		s.drain(sess)
	}()

	if err := s.loop(sess); err != nil {
		sess.fail(err)
	}
	sess.cancel()
	<-drained
	sess.queue.Clear()

	s.mu.Lock()
	if s.session == sess {
		s.session = nil
	}
	if s.session == nil {
		s.setStateLocked(StateUnsubscribed)
	}
	s.mu.Unlock()
	close(sess.done)

	if err := sess.failure(); err != nil {
		sess.logger.Error("Subscription failed", zap.Error(err))
		sess.observer.Error(err)
		return
	}
	sess.logger.Info("Subscription closed")
	sess.observer.Closed()
}

// loop alternates between backfilling and following the log subscription.
// It returns nil once the session is cancelled.
func (s *Subscription) loop(sess *session) error {
	for {
		if sess.ctx.Err() != nil {
			return nil
		}

		head, err := s.safeHead(sess.ctx)
		if err != nil {
			if sess.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to determine safe head: %w", err)
		}

		if head > s.config.BackfillThreshold && head-s.config.BackfillThreshold > sess.nextBlock {
			s.setState(sess, StateBackfilling)
			s.backfill(sess, head)
			continue
		}

		s.setState(sess, StateSubscribingLogs)
		err = s.follow(sess)
		switch {
		case sess.ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrSubscriptionStalled):
			sess.logger.Warn("Resubscribing", zap.Uint64("from_block", sess.nextBlock), zap.Error(err))
			s.setState(sess, StateStalled)
			s.metrics.Resubscribed()
		default:
			return err
		}
	}
}

// safeHead returns the finalized block number, or latest - BlockDelay when
// a delay is configured or the node has no finalized tag
func (s *Subscription) safeHead(ctx context.Context) (uint64, error) {
	if s.config.BlockDelay == 0 && !s.noFinalized.Load() {
		h, err := s.source.GetBlock(ctx, types.Finalized)
		if err == nil {
			return h.Number, nil
		}
		if ctx.Err() != nil {
			return 0, err
		}
		if errors.Is(err, client.ErrBlockNotFound) {
			s.noFinalized.Store(true)
			s.logger.Warn("Node has no finalized block, using latest block from now on", zap.Error(err))
		} else {
			s.logger.Debug("Finalized block unavailable, using latest block", zap.Error(err))
		}
	}

	latest, err := s.source.GetLatestBlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if latest < s.config.BlockDelay {
		return 0, nil
	}
	return latest - s.config.BlockDelay, nil
}

// follow consumes one log subscription until it fails, stalls or the
// session ends
func (s *Subscription) follow(sess *session) error {
	sub, err := s.source.SubscribeLogs(sess.ctx, sess.nextBlock)
	if err != nil {
		return fmt.Errorf("failed to subscribe to logs: %w", err)
	}
	defer sub.Unsubscribe()

	sess.logger.Info("Following log subscription", zap.Uint64("from_block", sess.nextBlock))

	timeout := s.config.SubscriptionTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	reference := sess.lastHash

	for {
		select {
		case <-sess.ctx.Done():
			return sess.ctx.Err()

		case err, ok := <-sub.Err():
			if !ok {
				return ErrSubscriptionClosed
			}
			return fmt.Errorf("log subscription failed: %w", err)

		case ev, ok := <-sub.Logs():
			if !ok {
				return ErrSubscriptionClosed
			}
			s.onLog(sess, ev)

		case <-timer.C:
			if sess.lastHash == reference {
				return fmt.Errorf("%w: no new block for %s", ErrSubscriptionStalled, timeout)
			}
			reference = sess.lastHash
			timer.Reset(timeout)
		}
	}
}

func (s *Subscription) onLog(sess *session, ev types.LogEvent) {
	if ev.Removed || ev.BlockHash == sess.lastHash || ev.BlockNumber < sess.startBlock {
		return
	}
	if hash, ok := sess.received[ev.BlockNumber]; ok && hash == ev.BlockHash {
		return
	}

	sess.lastHash = ev.BlockHash
	sess.received[ev.BlockNumber] = ev.BlockHash
	if window := uint64(s.config.HashWindow); ev.BlockNumber >= window {
		delete(sess.received, ev.BlockNumber-window)
	}

	if ev.BlockNumber < sess.nextBlock {
		// new hash at a height already fetched; the tracker judges the refetch
		s.enqueue(sess, ev.BlockNumber)
		return
	}

	if ev.BlockNumber > sess.nextBlock {
		sess.logger.Debug("Filling missed blocks",
			zap.Uint64("from", sess.nextBlock),
			zap.Uint64("to", ev.BlockNumber-1),
		)
	}
	for n := sess.nextBlock; n <= ev.BlockNumber; n++ {
		s.enqueue(sess, n)
	}
	sess.nextBlock = ev.BlockNumber + 1
}

// enqueue routes a fetch of number to the next worker, round-robin
func (s *Subscription) enqueue(sess *session, number uint64) {
	worker := sess.nextWorker
	sess.nextWorker = (sess.nextWorker + 1) % s.fetcher.Size()

	sess.queue.Enqueue(s.fetcher.Fetch(sess.ctx, worker, number))
	s.metrics.SetQueueLength(sess.queue.Len())
	sess.wake()
}

// drain emits resolved fetches in queue order. It is the only goroutine
// that calls the observer's Next.
func (s *Subscription) drain(sess *session) {
	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-sess.notify:
		}

		for !sess.queue.IsEmpty() {
			block, err := sess.queue.Shift(sess.ctx)
			s.metrics.SetQueueLength(sess.queue.Len())
			if err != nil {
				if sess.ctx.Err() != nil || errors.Is(err, queue.ErrCleared) {
					return
				}
				sess.fail(fmt.Errorf("failed to fetch block: %w", err))
				return
			}
			if !s.emit(sess, block) {
				return
			}
		}
	}
}

func (s *Subscription) emit(sess *session, block *types.Block) bool {
	ok, err := sess.tracker.Check(block)
	if err != nil {
		s.metrics.ReorgDetected()
		sess.fail(err)
		return false
	}
	if !ok {
		sess.logger.Debug("Skipping duplicate block",
			zap.Uint64("block", block.Number),
			zap.String("hash", block.Hash),
		)
		return true
	}
	if sess.ctx.Err() != nil {
		return false
	}

	sess.observer.Next(block)
	sess.tracker.Advance(block)
	s.metrics.BlockEmitted(block.Number)
	return true
}

func (s *Subscription) setState(sess *session, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == sess {
		s.setStateLocked(st)
	}
}

func (s *Subscription) setStateLocked(st State) {
	if s.state != st {
		s.logger.Debug("State changed", zap.Stringer("from", s.state), zap.Stringer("to", st))
	}
	s.state = st
	s.metrics.SetStreamState(st.String(), AllStates)
}

func (sess *session) wake() {
	select {
	case sess.notify <- struct{}{}:
	default:
	}
}

// fail records the first fatal error and cancels the session
func (sess *session) fail(err error) {
	sess.errMu.Lock()
	if sess.err == nil {
		sess.err = err
	}
	sess.errMu.Unlock()
	sess.cancel()
}

func (sess *session) failure() error {
	sess.errMu.Lock()
	defer sess.errMu.Unlock()
	return sess.err
}
