// Package producer drives a block stream into the event bus and keeps the
// checkpoint ledger of acknowledged blocks that restarts resume from.
package producer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/block-streamer/internal/constants"
	"github.com/0xmhha/block-streamer/pkg/checkpoint"
	"github.com/0xmhha/block-streamer/pkg/eventbus"
	"github.com/0xmhha/block-streamer/pkg/metrics"
	"github.com/0xmhha/block-streamer/pkg/queue"
	"github.com/0xmhha/block-streamer/pkg/stream"
	"github.com/0xmhha/block-streamer/pkg/types"
)

var (
	// ErrAlreadyRunning is returned by Run on a running producer
	ErrAlreadyRunning = errors.New("producer is already running")

	// errStreamClosed is reported when the stream ends without being asked to
	errStreamClosed = errors.New("block stream closed unexpectedly")
)

// Producer states reported by Status
const (
	StateIdle       = "idle"
	StateStarting   = "starting"
	StateStreaming  = "streaming"
	StateRestarting = "restarting"
	StateStopped    = "stopped"
	StateFailed     = "failed"
)

// HeaderSource looks up live block headers for start-block resolution
type HeaderSource interface {
	GetBlock(ctx context.Context, ref types.BlockRef) (*types.Header, error)
}

// Serializer encodes a block into an event payload
type Serializer interface {
	Serialize(block *types.Block) ([]byte, error)
}

// Config holds producer configuration
type Config struct {
	// StartBlock is used when the ledger is empty
	StartBlock uint64

	// MaxReOrgDepth bounds the restart walk-back, the ledger window and
	// the checkpoint backlog
	MaxReOrgDepth uint64

	// RestartDelay is the pause between a fatal error and the restart
	RestartDelay time.Duration

	// WriteAttempts is how many times a checkpoint write is tried
	WriteAttempts int

	// WriteRetryDelay is the pause between checkpoint write attempts
	WriteRetryDelay time.Duration

	// StopTimeout bounds unsubscribing and flushing the event bus
	StopTimeout time.Duration

	// ProduceAttempts is how many times a block is offered to the event bus
	// before its session fails
	ProduceAttempts int

	// ProduceRetryDelay is the pause between produce attempts
	ProduceRetryDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxReOrgDepth == 0 {
		c.MaxReOrgDepth = constants.DefaultMaxReOrgDepth
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = constants.DefaultRestartDelay
	}
	if c.WriteAttempts <= 0 {
		c.WriteAttempts = constants.DefaultCheckpointWriteAttempts
	}
	if c.WriteRetryDelay <= 0 {
		c.WriteRetryDelay = constants.DefaultCheckpointRetryDelay
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = constants.DefaultStopTimeout
	}
	if c.ProduceAttempts <= 0 {
		c.ProduceAttempts = constants.DefaultProduceAttempts
	}
	if c.ProduceRetryDelay <= 0 {
		c.ProduceRetryDelay = constants.DefaultProduceRetryDelay
	}
}

// Status is a snapshot of the producer for the status endpoint
type Status struct {
	State          string `json:"state"`
	Session        uint64 `json:"session"`
	LastProduced   uint64 `json:"last_produced"`
	LastCheckpoint uint64 `json:"last_checkpoint"`
	Restarts       int    `json:"restarts"`
	LastError      string `json:"last_error,omitempty"`
}

// Producer subscribes a Streamer from the resolved start block, produces
// every block to the event bus and records acknowledged blocks in the
// checkpoint ledger, in emission order. Fatal errors restart the whole
// pipeline from the ledger; irrecoverable event bus errors end Run.
type Producer struct {
	source     HeaderSource
	streamer   stream.Streamer
	bus        eventbus.Producer
	store      checkpoint.Store
	serializer Serializer
	config     Config
	logger     *zap.Logger
	metrics    *metrics.Metrics

	// checkpoints holds one slot per produced block, resolved on delivery
	checkpoints *queue.Queue[entry]
	notify      chan struct{}
	inflight    sync.WaitGroup

	// failedSession is the newest session with a failed produce or delivery; its
	// checkpoints are never written
	failedSession atomic.Uint64
	sessionID     atomic.Uint64

	fatal chan error

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
	forced bool
}

// entry is a checkpoint candidate tagged with the session that produced it
type entry struct {
	session uint64
	record  checkpoint.Record
}

// token travels as Message.Opaque and comes back in the delivery report
type token struct {
	entry entry
	slot  *queue.Result[entry]
}

// session is one subscribe..unsubscribe cycle of Run
type session struct {
	id   uint64
	errs chan error
}

// fail records the first fatal error of the session
func (s *session) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// New creates a producer
func New(cfg Config, source HeaderSource, streamer stream.Streamer, bus eventbus.Producer,
	store checkpoint.Store, serializer Serializer, logger *zap.Logger, m *metrics.Metrics) (*Producer, error) {
	if source == nil {
		return nil, fmt.Errorf("header source cannot be nil")
	}
	if streamer == nil {
		return nil, fmt.Errorf("streamer cannot be nil")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus producer cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("checkpoint store cannot be nil")
	}
	if serializer == nil {
		return nil, fmt.Errorf("serializer cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.setDefaults()

	return &Producer{
		source:      source,
		streamer:    streamer,
		bus:         bus,
		store:       store,
		serializer:  serializer,
		config:      cfg,
		logger:      logger.With(zap.String("component", "producer")),
		metrics:     m,
		checkpoints: queue.New[entry](),
		notify:      make(chan struct{}, 1),
		fatal:       make(chan error, 1),
		status:      Status{State: StateIdle},
	}, nil
}

// Fatal delivers the irrecoverable error that ended Run, once
func (p *Producer) Fatal() <-chan error {
	return p.fatal
}

// Status returns a snapshot of the producer
func (p *Producer) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Run streams until ctx is cancelled, Stop is called or an irrecoverable
// error occurs. Any other fatal error restarts the pipeline after
// RestartDelay. The irrecoverable error is returned and also sent on Fatal.
func (p *Producer) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.forced = false
	done := p.done
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		p.done = nil
		p.cancel = nil
		p.mu.Unlock()
		close(done)
	}()

	drainCtx, stopDrain := context.WithCancel(context.Background())
	defer stopDrain()
	closing := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		p.drainCheckpoints(drainCtx, closing)
	}()

	err := p.loop(ctx)

	close(closing)
	select {
	case <-drained:
	case <-time.After(p.config.StopTimeout):
		p.logger.Warn("Checkpoint drain did not finish in time")
		stopDrain()
		<-drained
	}

	if err != nil {
		p.setState(StateFailed, err)
		select {
		case p.fatal <- err:
		default:
		}
		return err
	}
	p.setState(StateStopped, nil)
	return nil
}

func (p *Producer) loop(ctx context.Context) error {
	for {
		err := p.runOnce(ctx)
		if ctx.Err() != nil || p.isForced() {
			return nil
		}
		if eventbus.IsIrrecoverable(err) {
			p.logger.Error("Irrecoverable event bus error, not restarting", zap.Error(err))
			return err
		}

		p.metrics.Restarted()
		p.mu.Lock()
		p.status.Restarts++
		p.mu.Unlock()
		p.setState(StateRestarting, err)
		p.logger.Warn("Producer failed, restarting",
			zap.Error(err),
			zap.Duration("delay", p.config.RestartDelay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.config.RestartDelay):
		}
	}
}

// runOnce resolves the start block, starts the event bus and streams until
// the session fails or ctx is done
func (p *Producer) runOnce(ctx context.Context) error {
	sess := &session{id: p.sessionID.Add(1), errs: make(chan error, 1)}
	logger := p.logger.With(zap.Uint64("session", sess.id))
	p.mu.Lock()
	p.status.Session = sess.id
	p.mu.Unlock()
	p.setState(StateStarting, nil)

	start, prevHash, err := p.ResolveStartBlock(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve start block: %w", err)
	}

	meta, err := p.bus.Start(ctx, func(r eventbus.Report) { p.onDelivery(sess, r) })
	if err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	logger.Info("Event bus started",
		zap.String("type", string(meta.Type)),
		zap.String("topic", meta.Topic))

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	obs := stream.ObserverFuncs{
		NextFunc:   func(b *types.Block) { p.produce(sctx, sess, b) },
		ErrorFunc:  sess.fail,
		ClosedFunc: func() { sess.fail(errStreamClosed) },
	}
	opts := stream.SubscribeOptions{StartBlock: start, PrevHash: prevHash}
	if err := p.streamer.Subscribe(sctx, opts, obs); err != nil {
		p.shutdown(logger)
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	p.setState(StateStreaming, nil)
	logger.Info("Streaming blocks", zap.Uint64("start_block", start), zap.String("prev_hash", prevHash))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-sess.errs:
		logger.Error("Session failed", zap.Error(runErr))
	}

	cancel()
	p.shutdown(logger)
	return runErr
}

// shutdown unsubscribes, waits for in-flight productions and flushes the bus.
// If the bus cannot flush, pending checkpoints are dropped.
func (p *Producer) shutdown(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.StopTimeout)
	defer cancel()

	if _, err := p.streamer.Unsubscribe(ctx); err != nil {
		logger.Warn("Failed to unsubscribe", zap.Error(err))
	}
	p.inflight.Wait()

	if _, err := p.bus.Stop(ctx); err != nil {
		logger.Warn("Failed to stop event bus, dropping pending checkpoints", zap.Error(err))
		p.checkpoints.Clear()
	}
}

// produce sends one block to the event bus and queues its checkpoint slot
func (p *Producer) produce(ctx context.Context, sess *session, b *types.Block) {
	p.inflight.Add(1)
	defer p.inflight.Done()

	payload, err := p.serializer.Serialize(b)
	if err != nil {
		sess.fail(fmt.Errorf("failed to serialize block %d: %w", b.Number, err))
		return
	}

	e := entry{session: sess.id, record: checkpoint.Record{Number: b.Number, Hash: b.Hash}}
	slot := queue.NewResult[entry]()
	p.checkpoints.Enqueue(slot)
	p.wake()

	msg := eventbus.Message{
		Key:       b.Key(),
		Payload:   payload,
		Timestamp: time.Unix(int64(b.Timestamp), 0),
		Headers: map[string]string{
			"block_number": strconv.FormatUint(b.Number, 10),
			"block_hash":   b.Hash,
		},
		Opaque: &token{entry: e, slot: slot},
	}

	if err := p.publish(ctx, b.Number, msg); err != nil {
		slot.Resolve(entry{}, err)
		if shuttingDown(ctx, err) {
			p.logger.Debug("Block not produced during shutdown", zap.Uint64("block", b.Number), zap.Error(err))
			return
		}
		p.logger.Error("Failed to produce block", zap.Uint64("block", b.Number), zap.Error(err))
		p.markFailed(sess.id)
		sess.fail(fmt.Errorf("failed to produce block %d: %w", b.Number, err))
		return
	}

	p.mu.Lock()
	p.status.LastProduced = b.Number
	p.mu.Unlock()
}

// publish offers msg to the event bus, retrying transient rejections.
// Only the last error is returned.
func (p *Producer) publish(ctx context.Context, number uint64, msg eventbus.Message) error {
	var err error
	for attempt := 1; attempt <= p.config.ProduceAttempts; attempt++ {
		if err = p.bus.ProduceEvent(ctx, msg); err == nil {
			return nil
		}
		if shuttingDown(ctx, err) || eventbus.IsIrrecoverable(err) || attempt == p.config.ProduceAttempts {
			return err
		}

		p.logger.Warn("Event bus rejected block, retrying",
			zap.Uint64("block", number),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.config.ProduceRetryDelay):
		}
	}
	return err
}

func shuttingDown(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, eventbus.ErrStopped) || errors.Is(err, eventbus.ErrNotStarted)
}

// onDelivery resolves the checkpoint slot of a delivered message
func (p *Producer) onDelivery(sess *session, r eventbus.Report) {
	p.metrics.Delivery(r.Err)

	tok, ok := r.Opaque.(*token)
	if !ok {
		p.logger.Warn("Delivery report without checkpoint token", zap.String("topic", r.Topic))
		return
	}

	if r.Err != nil {
		p.markFailed(tok.entry.session)
		tok.slot.Resolve(entry{}, r.Err)
		sess.fail(fmt.Errorf("delivery of block %d failed: %w", tok.entry.record.Number, r.Err))
		return
	}
	tok.slot.Resolve(tok.entry, nil)
}

// markFailed stops every later checkpoint of session from being written
func (p *Producer) markFailed(session uint64) {
	for {
		cur := p.failedSession.Load()
		if session <= cur || p.failedSession.CompareAndSwap(cur, session) {
			return
		}
	}
}

func (p *Producer) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Stop ends Run without a restart and waits for it to return
func (p *Producer) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.forced = true
	p.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop producer: %w", ctx.Err())
	}
}

func (p *Producer) isForced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forced
}

func (p *Producer) setState(state string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.State = state
	if err != nil {
		p.status.LastError = err.Error()
	}
}
