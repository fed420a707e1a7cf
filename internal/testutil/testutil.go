// Package testutil provides an in-memory chain and fakes of the block source,
// the worker pool and the stream observer for pipeline tests.
package testutil

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/0xmhha/block-streamer/pkg/client"
	"github.com/0xmhha/block-streamer/pkg/queue"
	"github.com/0xmhha/block-streamer/pkg/types"
)

// WaitTimeout bounds every Wait helper in this package
const WaitTimeout = 5 * time.Second

// NewTestLogger creates a logger that writes through t.Log
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// NewTestBlock builds a formatted block from a go-ethereum header, so the
// hash is computed exactly as a node would
func NewTestBlock(number uint64, parentHash string, fork byte) *types.Block {
	header := &ethtypes.Header{
		Number:     new(big.Int).SetUint64(number),
		ParentHash: common.HexToHash(parentHash),
		Time:       1_700_000_000 + number*12,
		Difficulty: big.NewInt(1),
		GasLimit:   30_000_000,
		Extra:      []byte{fork},
	}
	block, err := types.FromEthBlock(ethtypes.NewBlockWithHeader(header), nil, nil)
	if err != nil {
		panic(err)
	}
	return block
}

// ============================================================================
// Chain
// ============================================================================

// Chain is an in-memory chain of hash-linked blocks
type Chain struct {
	mu        sync.RWMutex
	blocks    map[uint64]*types.Block
	head      uint64
	finalized uint64
	fork      byte
}

// NewChain creates a chain holding blocks 0..head. Every block is finalized.
func NewChain(head uint64) *Chain {
	c := &Chain{blocks: make(map[uint64]*types.Block)}
	c.buildLocked(0, head, 0)
	c.head = head
	c.finalized = head
	return c
}

func (c *Chain) buildLocked(from, to uint64, fork byte) {
	for n := from; n <= to; n++ {
		parent := ""
		if n > 0 {
			parent = c.blocks[n-1].Hash
		}
		c.blocks[n] = NewTestBlock(n, parent, fork)
	}
}

// Extend appends n blocks. The finalized head does not move.
func (c *Chain) Extend(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buildLocked(c.head+1, c.head+n, c.fork)
	c.head += n
}

// Reorg replaces every block from number up to the head with a sibling
// branch identified by fork
func (c *Chain) Reorg(from uint64, fork byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fork = fork
	c.buildLocked(from, c.head, fork)
}

// SetFinalized moves the finalized head
func (c *Chain) SetFinalized(n uint64) {
	c.mu.Lock()
	c.finalized = n
	c.mu.Unlock()
}

// Block returns the canonical block at number
func (c *Chain) Block(number uint64) (*types.Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if number > c.head {
		return nil, false
	}
	b, ok := c.blocks[number]
	return b, ok
}

// MustBlock returns the canonical block at number or panics
func (c *Chain) MustBlock(number uint64) *types.Block {
	b, ok := c.Block(number)
	if !ok {
		panic(fmt.Sprintf("block %d not in chain", number))
	}
	return b
}

// Head returns the latest block number
func (c *Chain) Head() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// Finalized returns the finalized block number
func (c *Chain) Finalized() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.finalized
}

// ============================================================================
// Source
// ============================================================================

// Source serves headers and log subscriptions from a Chain
type Source struct {
	chain *Chain

	mu                   sync.Mutex
	subs                 []*Subscription
	subscribeErr         error
	finalizedUnsupported bool
	finalizedCalls       int
}

// NewSource creates a source over chain
func NewSource(chain *Chain) *Source {
	return &Source{chain: chain}
}

// SetSubscribeError makes SubscribeLogs fail with err
func (s *Source) SetSubscribeError(err error) {
	s.mu.Lock()
	s.subscribeErr = err
	s.mu.Unlock()
}

// SetFinalizedUnsupported makes the "finalized" tag fail like on a node
// without a safe-head concept
func (s *Source) SetFinalizedUnsupported(v bool) {
	s.mu.Lock()
	s.finalizedUnsupported = v
	s.mu.Unlock()
}

// FinalizedCalls returns how many times a "finalized" or "safe" header was requested
func (s *Source) FinalizedCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizedCalls
}

// GetBlock returns the header of the referenced block
func (s *Source) GetBlock(ctx context.Context, ref types.BlockRef) (*types.Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var number uint64
	switch ref.Tag() {
	case "":
		number = ref.Number()
	case "latest":
		number = s.chain.Head()
	case "finalized", "safe":
		s.mu.Lock()
		s.finalizedCalls++
		unsupported := s.finalizedUnsupported
		s.mu.Unlock()
		if unsupported {
			return nil, fmt.Errorf("%w: %s", client.ErrBlockNotFound, ref)
		}
		number = s.chain.Finalized()
	default:
		return nil, fmt.Errorf("unknown tag %s", ref)
	}

	b, ok := s.chain.Block(number)
	if !ok {
		return nil, fmt.Errorf("%w: %s", client.ErrBlockNotFound, ref)
	}
	h := b.Header()
	return &h, nil
}

// GetLatestBlockNumber returns the chain head
func (s *Source) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.chain.Head(), nil
}

// SubscribeLogs opens a fake log subscription
func (s *Source) SubscribeLogs(ctx context.Context, fromBlock uint64) (types.LogSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	sub := &Subscription{
		From:  fromBlock,
		chain: s.chain,
		logs:  make(chan types.LogEvent, 1024),
		errs:  make(chan error, 1),
		quit:  make(chan struct{}),
	}
	s.subs = append(s.subs, sub)
	return sub, nil
}

// Subscriptions returns every subscription opened so far
func (s *Source) Subscriptions() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Subscription, len(s.subs))
	copy(out, s.subs)
	return out
}

// WaitSubscription waits until at least n subscriptions were opened and
// returns the n-th
func (s *Source) WaitSubscription(t *testing.T, n int) *Subscription {
	t.Helper()
	var sub *Subscription
	require.Eventually(t, func() bool {
		subs := s.Subscriptions()
		if len(subs) < n {
			return false
		}
		sub = subs[n-1]
		return true
	}, WaitTimeout, time.Millisecond, "waiting for subscription %d", n)
	return sub
}

// Subscription is a fake log subscription driven by the test
type Subscription struct {
	// From is the block the subscription was opened at
	From uint64

	chain *Chain
	logs  chan types.LogEvent
	errs  chan error
	quit  chan struct{}
	once  sync.Once
}

var _ types.LogSubscription = (*Subscription)(nil)

// Logs implements types.LogSubscription
func (s *Subscription) Logs() <-chan types.LogEvent { return s.logs }

// Err implements types.LogSubscription
func (s *Subscription) Err() <-chan error { return s.errs }

// Unsubscribe implements types.LogSubscription
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { close(s.quit) })
}

// Closed reports whether Unsubscribe was called
func (s *Subscription) Closed() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// Emit sends a log event for the canonical block at number
func (s *Subscription) Emit(number uint64) {
	b := s.chain.MustBlock(number)
	s.EmitEvent(types.LogEvent{BlockNumber: b.Number, BlockHash: b.Hash})
}

// EmitEvent sends ev unless the subscription was released
func (s *Subscription) EmitEvent(ev types.LogEvent) {
	select {
	case s.logs <- ev:
	case <-s.quit:
	}
}

// Fail delivers a subscription error
func (s *Subscription) Fail(err error) {
	select {
	case s.errs <- err:
	case <-s.quit:
	}
}

// ============================================================================
// Fetcher
// ============================================================================

// FetchCall records one Fetch invocation
type FetchCall struct {
	Worker int
	Number uint64
}

// Fetcher resolves fetches from a Chain, optionally after a per-block delay
type Fetcher struct {
	chain   *Chain
	workers int

	mu       sync.Mutex
	calls     []FetchCall
	cancelled int
	failures  map[uint64]error
	delay    func(number uint64) time.Duration
}

// NewFetcher creates a fetcher with the given number of workers
func NewFetcher(chain *Chain, workers int) *Fetcher {
	return &Fetcher{chain: chain, workers: workers, failures: make(map[uint64]error)}
}

// SetDelay makes the fetch of each block resolve after delay(number)
func (f *Fetcher) SetDelay(delay func(number uint64) time.Duration) {
	f.mu.Lock()
	f.delay = delay
	f.mu.Unlock()
}

// FailBlock makes every fetch of number fail with err
func (f *Fetcher) FailBlock(number uint64, err error) {
	f.mu.Lock()
	f.failures[number] = err
	f.mu.Unlock()
}

// Size returns the number of workers
func (f *Fetcher) Size() int {
	return f.workers
}

// Fetch returns a result holding the canonical block at number as of the
// moment it resolves. A fetch whose ctx ends first fails with ctx.Err().
func (f *Fetcher) Fetch(ctx context.Context, workerID int, number uint64) *queue.Result[*types.Block] {
	f.mu.Lock()
	f.calls = append(f.calls, FetchCall{Worker: workerID, Number: number})
	failure := f.failures[number]
	delay := f.delay
	f.mu.Unlock()

	res := queue.NewResult[*types.Block]()
	resolve := func() {
		if err := ctx.Err(); err != nil {
			f.mu.Lock()
			f.cancelled++
			f.mu.Unlock()
			res.Resolve(nil, err)
			return
		}
		if failure != nil {
			res.Resolve(nil, failure)
			return
		}
		b, ok := f.chain.Block(number)
		if !ok {
			res.Resolve(nil, fmt.Errorf("%w: %d", client.ErrBlockNotFound, number))
			return
		}
		res.Resolve(b, nil)
	}

	if delay == nil {
		resolve()
		return res
	}
	d := delay(number)
	go func() {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
		resolve()
	}()
	return res
}

// Calls returns every fetch made so far, in call order
func (f *Fetcher) Calls() []FetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FetchCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// Numbers returns the block numbers fetched so far, in call order
func (f *Fetcher) Numbers() []uint64 {
	calls := f.Calls()
	out := make([]uint64, len(calls))
	for i, c := range calls {
		out[i] = c.Number
	}
	return out
}

// Cancelled returns the number of fetches dropped because their context ended
func (f *Fetcher) Cancelled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// CallCount returns the number of fetches made so far
func (f *Fetcher) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// ============================================================================
// Observer
// ============================================================================

// Observer records what a stream delivers
type Observer struct {
	mu     sync.Mutex
	blocks []*types.Block
	errs   []error
	closed int

	// OnNext, when set, runs inside Next before the block is recorded
	OnNext func(*types.Block)
}

// Next records b
func (o *Observer) Next(b *types.Block) {
	if o.OnNext != nil {
		o.OnNext(b)
	}
	o.mu.Lock()
	o.blocks = append(o.blocks, b)
	o.mu.Unlock()
}

// Error records err
func (o *Observer) Error(err error) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
}

// Closed counts stream closures
func (o *Observer) Closed() {
	o.mu.Lock()
	o.closed++
	o.mu.Unlock()
}

// Blocks returns the received blocks in delivery order
func (o *Observer) Blocks() []*types.Block {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*types.Block, len(o.blocks))
	copy(out, o.blocks)
	return out
}

// Numbers returns the received block numbers in delivery order
func (o *Observer) Numbers() []uint64 {
	blocks := o.Blocks()
	out := make([]uint64, len(blocks))
	for i, b := range blocks {
		out[i] = b.Number
	}
	return out
}

// Errors returns the received errors
func (o *Observer) Errors() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]error, len(o.errs))
	copy(out, o.errs)
	return out
}

// ClosedCount returns how many times Closed was called
func (o *Observer) ClosedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// WaitBlocks waits until at least n blocks were received
func (o *Observer) WaitBlocks(t *testing.T, n int) []*types.Block {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(o.Blocks()) >= n
	}, WaitTimeout, time.Millisecond, "waiting for %d blocks, got %v", n, o.Numbers())
	return o.Blocks()
}

// WaitError waits for the first error
func (o *Observer) WaitError(t *testing.T) error {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(o.Errors()) > 0
	}, WaitTimeout, time.Millisecond, "waiting for an error")
	return o.Errors()[0]
}

// Sequence returns from, from+1, ..., to
func Sequence(from, to uint64) []uint64 {
	out := make([]uint64, 0, to-from+1)
	for n := from; n <= to; n++ {
		out = append(out, n)
	}
	return out
}
