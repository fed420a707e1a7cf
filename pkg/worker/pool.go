package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/0xmhha/block-streamer/pkg/metrics"
	"github.com/0xmhha/block-streamer/pkg/queue"
	"github.com/0xmhha/block-streamer/pkg/types"
)

var (
	// ErrWorkerCrashed is returned for a job whose worker panicked
	ErrWorkerCrashed = errors.New("worker crashed")

	// ErrPoolStopped is returned for jobs submitted to, or pending in, a stopped pool
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrInvalidWorker is returned for an out-of-range worker id
	ErrInvalidWorker = errors.New("invalid worker id")
)

// BlockFetcher fetches a single formatted block with its receipts.
// *client.Client satisfies it.
type BlockFetcher interface {
	GetBlockWithReceipts(ctx context.Context, number uint64) (*types.Block, error)
	Close()
}

// Factory builds the fetcher owned by a worker. It is called once at start
// and again every time the worker is respawned.
type Factory func(workerID int) (BlockFetcher, error)

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of workers, normally one per RPC endpoint
	Workers int

	// RateLimit caps requests per second per worker. 0 disables limiting.
	RateLimit float64

	// RateBurst is the limiter burst size. Defaults to 1 when RateLimit is set.
	RateBurst int

	// JobTimeout bounds a single fetch, rate limiting excluded. 0 leaves it
	// to the fetcher.
	JobTimeout time.Duration
}

// Job is one block fetch routed to a worker
type Job struct {
	BlockNumber uint64
	CallbackID  uint64
	WorkerID    int

	ctx context.Context
}

type reply struct {
	callbackID uint64
	workerID   int
	gen        uint64
	block      *types.Block
	err        error
	crashed    bool
}

// Pool runs one worker goroutine per endpoint. Each worker processes its
// inbox serially; replies are matched to callers by callback id. A worker
// that panics fails its in-flight job and is respawned with a fresh fetcher
// before it is handed another job.
type Pool struct {
	config  Config
	factory Factory
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	workers      []*worker
	pending      map[uint64]*queue.Result[*types.Block]
	nextCallback uint64
	started      bool
	stopped      bool

	replies chan reply
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats struct {
		submitted atomic.Uint64
		succeeded atomic.Uint64
		failed    atomic.Uint64
		crashes   atomic.Uint64
		cancelled atomic.Uint64
	}
}

type worker struct {
	id      int
	limiter *rate.Limiter

	mu     sync.Mutex
	inbox  []Job
	notify chan struct{}

	// guarded by Pool.mu
	fetcher BlockFetcher
	gen     uint64
	alive   bool
}

// Stats contains pool statistics
type Stats struct {
	Workers   int    `json:"workers"`
	Pending   int    `json:"pending"`
	Submitted uint64 `json:"submitted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Crashes   uint64 `json:"crashes"`
	Cancelled uint64 `json:"cancelled"`
}

// NewPool creates a worker pool. Call Start before submitting jobs.
func NewPool(cfg Config, factory Factory, logger *zap.Logger, m *metrics.Metrics) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("worker count must be positive")
	}
	if factory == nil {
		return nil, fmt.Errorf("factory cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		config:  cfg,
		factory: factory,
		logger:  logger,
		metrics: m,
		pending: make(map[uint64]*queue.Result[*types.Block]),
		replies: make(chan reply, cfg.Workers*4),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		w := &worker{id: i, notify: make(chan struct{}, 1)}
		if cfg.RateLimit > 0 {
			burst := cfg.RateBurst
			if burst <= 0 {
				burst = 1
			}
			w.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
		}
		p.workers = append(p.workers, w)
	}

	return p, nil
}

// Start spawns every worker
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}
	if p.stopped {
		return ErrPoolStopped
	}

	for _, w := range p.workers {
		if err := p.spawnLocked(w); err != nil {
			for _, started := range p.workers {
				if started.alive {
					started.fetcher.Close()
					started.alive = false
				}
			}
			p.cancel()
			return fmt.Errorf("failed to start worker %d: %w", w.id, err)
		}
	}

	p.wg.Add(1)
	go p.dispatch()

	p.started = true
	p.logger.Info("Worker pool started", zap.Int("workers", len(p.workers)))
	return nil
}

// Stop stops every worker and fails all pending jobs with ErrPoolStopped
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[uint64]*queue.Result[*types.Block])
	for _, w := range p.workers {
		if w.alive {
			w.fetcher.Close()
			w.alive = false
		}
	}
	p.mu.Unlock()

	for _, res := range pending {
		res.Resolve(nil, ErrPoolStopped)
	}

	p.logger.Info("Worker pool stopped")
}

// Size returns the number of workers
func (p *Pool) Size() int {
	return len(p.workers)
}

// Fetch routes a fetch of blockNumber to the given worker and returns a
// result that resolves with the formatted block. It never blocks. Once ctx is
// done a job still waiting in the inbox is skipped, an in-flight one is
// cancelled, and the result fails with ctx.Err().
func (p *Pool) Fetch(ctx context.Context, workerID int, blockNumber uint64) *queue.Result[*types.Block] {
	if err := ctx.Err(); err != nil {
		return queue.Failed[*types.Block](err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || p.stopped {
		return queue.Failed[*types.Block](ErrPoolStopped)
	}
	if workerID < 0 || workerID >= len(p.workers) {
		return queue.Failed[*types.Block](fmt.Errorf("%w: %d", ErrInvalidWorker, workerID))
	}

	w := p.workers[workerID]
	if !w.alive {
		if err := p.spawnLocked(w); err != nil {
			return queue.Failed[*types.Block](fmt.Errorf("failed to respawn worker %d: %w", workerID, err))
		}
		p.metrics.WorkerRespawned(workerID)
	}

	p.nextCallback++
	job := Job{BlockNumber: blockNumber, CallbackID: p.nextCallback, WorkerID: workerID, ctx: ctx}

	res := queue.NewResult[*types.Block]()
	p.pending[job.CallbackID] = res
	w.push(job)
	p.stats.submitted.Add(1)

	return res
}

// Stats returns pool statistics
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()

	return Stats{
		Workers:   len(p.workers),
		Pending:   pending,
		Submitted: p.stats.submitted.Load(),
		Succeeded: p.stats.succeeded.Load(),
		Failed:    p.stats.failed.Load(),
		Crashes:   p.stats.crashes.Load(),
		Cancelled: p.stats.cancelled.Load(),
	}
}

func (p *Pool) spawnLocked(w *worker) error {
	fetcher, err := p.factory(w.id)
	if err != nil {
		return err
	}
	w.fetcher = fetcher
	w.gen++
	w.alive = true

	p.wg.Add(1)
	go p.run(w, w.gen, fetcher)
	return nil
}

// run is the worker loop. It exits when the pool stops or the fetcher panics.
func (p *Pool) run(w *worker, gen uint64, fetcher BlockFetcher) {
	defer p.wg.Done()

	p.logger.Debug("Worker started", zap.Int("worker_id", w.id), zap.Uint64("generation", gen))

	for {
		job, ok := w.next(p.ctx)
		if !ok {
			return
		}
		if crashed := p.process(w, gen, fetcher, job); crashed {
			return
		}
	}
}

func (p *Pool) process(w *worker, gen uint64, fetcher BlockFetcher, job Job) (crashed bool) {
	if err := job.ctx.Err(); err != nil {
		p.stats.cancelled.Add(1)
		p.send(reply{callbackID: job.CallbackID, workerID: w.id, gen: gen, err: err})
		return false
	}

	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			crashed = true
			err := fmt.Errorf("%w: %v", ErrWorkerCrashed, r)
			p.logger.Error("Worker crashed",
				zap.Int("worker_id", w.id),
				zap.Uint64("block", job.BlockNumber),
				zap.Any("panic", r))
			p.metrics.ObserveFetch(w.id, time.Since(start), err)
			p.send(reply{callbackID: job.CallbackID, workerID: w.id, gen: gen, err: err, crashed: true})
		}
	}()

	ctx, cancel := context.WithCancel(job.ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			p.send(reply{callbackID: job.CallbackID, workerID: w.id, gen: gen, err: err})
			return false
		}
	}

	if p.config.JobTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, p.config.JobTimeout)
		defer cancelTimeout()
	}

	block, err := fetcher.GetBlockWithReceipts(ctx, job.BlockNumber)
	p.metrics.ObserveFetch(w.id, time.Since(start), err)
	if err != nil {
		p.logger.Debug("Block fetch failed",
			zap.Int("worker_id", w.id),
			zap.Uint64("block", job.BlockNumber),
			zap.Error(err))
	}

	p.send(reply{callbackID: job.CallbackID, workerID: w.id, gen: gen, block: block, err: err})
	return false
}

func (p *Pool) send(r reply) {
	select {
	case p.replies <- r:
	case <-p.ctx.Done():
	}
}

// dispatch resolves pending results from worker replies
func (p *Pool) dispatch() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case r := <-p.replies:
			p.handleReply(r)
		}
	}
}

func (p *Pool) handleReply(r reply) {
	p.mu.Lock()
	res, ok := p.pending[r.callbackID]
	delete(p.pending, r.callbackID)

	if r.crashed {
		p.stats.crashes.Add(1)
		w := p.workers[r.workerID]
		if w.gen == r.gen && w.alive {
			w.alive = false
			w.fetcher.Close()

			// Jobs already queued behind the crashed one need a live worker now.
			if w.pendingJobs() > 0 && !p.stopped {
				if err := p.spawnLocked(w); err != nil {
					p.logger.Error("Failed to respawn worker",
						zap.Int("worker_id", w.id),
						zap.Error(err))
					p.failInboxLocked(w, fmt.Errorf("failed to respawn worker %d: %w", w.id, err))
				} else {
					p.metrics.WorkerRespawned(w.id)
				}
			}
		}
	}
	p.mu.Unlock()

	if r.err != nil {
		p.stats.failed.Add(1)
	} else {
		p.stats.succeeded.Add(1)
	}

	if ok {
		res.Resolve(r.block, r.err)
	}
}

func (p *Pool) failInboxLocked(w *worker, err error) {
	for _, job := range w.drain() {
		if res, ok := p.pending[job.CallbackID]; ok {
			delete(p.pending, job.CallbackID)
			res.Resolve(nil, err)
		}
	}
}

func (w *worker) push(job Job) {
	w.mu.Lock()
	w.inbox = append(w.inbox, job)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *worker) next(ctx context.Context) (Job, bool) {
	for {
		w.mu.Lock()
		if len(w.inbox) > 0 {
			job := w.inbox[0]
			w.inbox[0] = Job{}
			w.inbox = w.inbox[1:]
			w.mu.Unlock()
			return job, true
		}
		w.mu.Unlock()

		select {
		case <-w.notify:
		case <-ctx.Done():
			return Job{}, false
		}
	}
}

func (w *worker) pendingJobs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inbox)
}

func (w *worker) drain() []Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	jobs := w.inbox
	w.inbox = nil
	return jobs
}
