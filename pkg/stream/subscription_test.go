package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/block-streamer/internal/testutil"
	"github.com/0xmhha/block-streamer/pkg/metrics"
	"github.com/0xmhha/block-streamer/pkg/types"
)

type harness struct {
	sub     *Subscription
	chain   *testutil.Chain
	source  *testutil.Source
	fetcher *testutil.Fetcher
	obs     *testutil.Observer
}

func newHarness(t *testing.T, head uint64, workers int, mutate func(*Config)) *harness {
	t.Helper()

	chain := testutil.NewChain(head)
	source := testutil.NewSource(chain)
	fetcher := testutil.NewFetcher(chain, workers)

	cfg := Config{
		SubscriptionTimeout:   5 * time.Second,
		AdmissionPollInterval: 5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	sub, err := NewSubscription(cfg, source, fetcher, testutil.NewTestLogger(t), metrics.New("test"))
	require.NoError(t, err)

	h := &harness{sub: sub, chain: chain, source: source, fetcher: fetcher, obs: &testutil.Observer{}}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testutil.WaitTimeout)
		defer cancel()
		_, _ = sub.Unsubscribe(ctx)
	})
	return h
}

func (h *harness) subscribe(t *testing.T, opts SubscribeOptions) {
	t.Helper()
	require.NoError(t, h.sub.Subscribe(context.Background(), opts, h.obs))
}

// ============================================================================
// Construction Tests
// ============================================================================

func TestNewSubscription_Validation(t *testing.T) {
	chain := testutil.NewChain(1)

	_, err := NewSubscription(Config{}, nil, testutil.NewFetcher(chain, 1), nil, nil)
	assert.Error(t, err)

	_, err = NewSubscription(Config{}, testutil.NewSource(chain), testutil.NewFetcher(chain, 0), nil, nil)
	assert.Error(t, err)

	sub, err := NewSubscription(Config{}, testutil.NewSource(chain), testutil.NewFetcher(chain, 1), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().QueueLimit, sub.config.QueueLimit)
	assert.Equal(t, StateIdle, sub.State())
}

func TestObserverFuncs(t *testing.T) {
	var got []string
	obs := ObserverFuncs{
		NextFunc:  func(b *types.Block) { got = append(got, b.Key()) },
		ErrorFunc: func(err error) { got = append(got, err.Error()) },
	}

	obs.Next(&types.Block{Number: 7})
	obs.Error(errors.New("boom"))
	obs.Closed()

	assert.Equal(t, []string{"7", "boom"}, got)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "backfilling", StateBackfilling.String())
	assert.Equal(t, "unsubscribed", StateUnsubscribed.String())
	assert.Equal(t, "unknown", State(42).String())
}

// ============================================================================
// Live Subscription Tests
// ============================================================================

func TestSubscription_GapFill(t *testing.T) {
	h := newHarness(t, 20, 1, nil)
	h.subscribe(t, SubscribeOptions{StartBlock: 10})

	sub := h.source.WaitSubscription(t, 1)
	assert.Equal(t, uint64(10), sub.From)
	assert.Equal(t, StateSubscribingLogs, h.sub.State())

	sub.Emit(10)
	h.obs.WaitBlocks(t, 1)

	// 11 and 12 carried no logs
	sub.Emit(13)
	h.obs.WaitBlocks(t, 4)

	assert.Equal(t, []uint64{10, 11, 12, 13}, h.fetcher.Numbers())
	assert.Equal(t, []uint64{10, 11, 12, 13}, h.obs.Numbers())
}

func TestSubscription_GapFillBeforeFirstEvent(t *testing.T) {
	h := newHarness(t, 20, 1, nil)
	h.subscribe(t, SubscribeOptions{StartBlock: 10})

	h.source.WaitSubscription(t, 1).Emit(12)

	h.obs.WaitBlocks(t, 3)
	assert.Equal(t, []uint64{10, 11, 12}, h.obs.Numbers())
}

func TestSubscription_DuplicateSuppressed(t *testing.T) {
	h := newHarness(t, 20, 1, nil)
	h.subscribe(t, SubscribeOptions{StartBlock: 10})

	sub := h.source.WaitSubscription(t, 1)
	sub.Emit(10)
	sub.Emit(10)
	sub.Emit(11)

	h.obs.WaitBlocks(t, 2)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []uint64{10, 11}, h.obs.Numbers())
	assert.Equal(t, []uint64{10, 11}, h.fetcher.Numbers())
}

func TestSubscription_RemovedLogsIgnored(t *testing.T) {
	h := newHarness(t, 20, 1, nil)
	h.subscribe(t, SubscribeOptions{StartBlock: 10})

	sub := h.source.WaitSubscription(t, 1)
	b := h.chain.MustBlock(12)
	sub.EmitEvent(types.LogEvent{BlockNumber: b.Number, BlockHash: b.Hash, Removed: true})
	sub.Emit(10)

	h.obs.WaitBlocks(t, 1)
	assert.Equal(t, []uint64{10}, h.fetcher.Numbers())
}

func TestSubscription_RoundRobin(t *testing.T) {
	h := newHarness(t, 20, 3, nil)
	h.subscribe(t, SubscribeOptions{StartBlock: 10})

	h.source.WaitSubscription(t, 1).Emit(15)
	h.obs.WaitBlocks(t, 6)

	workers := make([]int, 0, 6)
	for _, c := range h.fetcher.Calls() {
		workers = append(workers, c.Worker)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, workers)
	assert.Equal(t, testutil.Sequence(10, 15), h.obs.Numbers())
}

func TestSubscription_OutOfOrderFetches(t *testing.T) {
	h := newHarness(t, 40, 4, nil)
	// later blocks resolve first
	h.fetcher.SetDelay(func(n uint64) time.Duration {
		return time.Duration(40-n) * time.Millisecond
	})
	h.subscribe(t, SubscribeOptions{StartBlock: 20})

	h.source.WaitSubscription(t, 1).Emit(30)
	h.obs.WaitBlocks(t, 11)
	assert.Equal(t, testutil.Sequence(20, 30), h.obs.Numbers())
}

// ============================================================================
// Reorg Tests
// ============================================================================

func TestSubscription_ReorgDetected(t *testing.T) {
	h := newHarness(t, 20, 1, nil)
	h.subscribe(t, SubscribeOptions{StartBlock: 10})

	sub := h.source.WaitSubscription(t, 1)
	sub.Emit(10)
	h.obs.WaitBlocks(t, 1)

	h.chain.Reorg(10, 1)
	sub.Emit(11)

	err := h.obs.WaitError(t)
	assert.ErrorIs(t, err, ErrReorgDetected)
	assert.Equal(t, []uint64{10}, h.obs.Numbers(), "the orphaned successor must not be emitted")

	require.Eventually(t, sub.Closed, testutil.WaitTimeout, time.Millisecond)
	assert.Equal(t, StateUnsubscribed, h.sub.State())

	stopped, err := h.sub.Unsubscribe(context.Background())
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestSubscription_ReplacedBlockAtEmittedHeight(t *testing.T) {
	h := newHarness(t, 20, 1, nil)
	h.subscribe(t, SubscribeOptions{StartBlock: 10})

	sub := h.source.WaitSubscription(t, 1)
	sub.Emit(10)
	sub.Emit(11)
	h.obs.WaitBlocks(t, 2)

	h.chain.Reorg(11, 1)
	sub.Emit(11)

	assert.ErrorIs(t, h.obs.WaitError(t), ErrReorgDetected)
	assert.Equal(t, []uint64{10, 11, 11}, h.fetcher.Numbers())
	assert.Equal(t, []uint64{10, 11}, h.obs.Numbers())
}

func TestSubscription_PrevHashMismatch(t *testing.T) {
	h := newHarness(t, 20, 1, nil)
	h.subscribe(t, SubscribeOptions{StartBlock: 10, PrevHash: h.chain.MustBlock(5).Hash})

	h.source.WaitSubscription(t, 1).Emit(10)

	assert.ErrorIs(t, h.obs.WaitError(t), ErrReorgDetected)
	assert.Empty(t, h.obs.Numbers())
}

func TestSubscription_PrevHashMatch(t *testing.T) {
	h := newHarness(t, 20, 1, nil)
	h.subscribe(t, SubscribeOptions{StartBlock: 10, PrevHash: h.chain.MustBlock(9).Hash})

	h.source.WaitSubscription(t, 1).Emit(10)
	h.obs.WaitBlocks(t, 1)
	assert.Empty(t, h.obs.Errors())
}

// ============================================================================
// Failure Tests
// ============================================================================

func TestSubscription_FetchFailureIsFatal(t *testing.T) {
	h := newHarness(t, 20, 1, nil)
	boom := errors.New("receipts unavailable")
	h.fetcher.FailBlock(11, boom)
	h.subscribe(t, SubscribeOptions{StartBlock: 10})

	sub := h.source.WaitSubscription(t, 1)
	sub.Emit(10)
	sub.Emit(12)

	assert.ErrorIs(t, h.obs.WaitError(t), boom)
	assert.Equal(t, []uint64{10}, h.obs.Numbers())
}

func TestSubscription_NodeErrorIsFatal(t *testing.T) {
	h := newHarness(t, 20, 1, nil)
	h.subscribe(t, SubscribeOptions{StartBlock: 10})

	dropped := errors.New("websocket closed")
	h.source.WaitSubscription(t, 1).Fail(dropped)

	assert.ErrorIs(t, h.obs.WaitError(t), dropped)
	assert.Equal(t, 0, h.obs.ClosedCount())
}

func TestSubscription_SubscribeRefused(t *testing.T) {
	h := newHarness(t, 20, 1, nil)
	h.source.SetSubscribeError(errors.New("notifications not supported"))
	h.subscribe(t, SubscribeOptions{StartBlock: 10})

	assert.Error(t, h.obs.WaitError(t))
}

// ============================================================================
// Liveness Tests
// ============================================================================

func TestSubscription_ResubscribesWhenStalled(t *testing.T) {
	h := newHarness(t, 20, 1, func(c *Config) {
		c.SubscriptionTimeout = 100 * time.Millisecond
	})
	h.subscribe(t, SubscribeOptions{StartBlock: 10})

	first := h.source.WaitSubscription(t, 1)
	first.Emit(10)
	h.obs.WaitBlocks(t, 1)

	second := h.source.WaitSubscription(t, 2)
	assert.True(t, first.Closed())
	assert.Equal(t, uint64(11), second.From)

	second.Emit(11)
	h.obs.WaitBlocks(t, 2)
	assert.Equal(t, []uint64{10, 11}, h.obs.Numbers())
	assert.Empty(t, h.obs.Errors())
}

func TestSubscription_LivenessReschedulesWhileBlocksArrive(t *testing.T) {
	h := newHarness(t, 40, 1, func(c *Config) {
		c.SubscriptionTimeout = 100 * time.Millisecond
	})
	h.subscribe(t, SubscribeOptions{StartBlock: 10})

	sub := h.source.WaitSubscription(t, 1)
	// a new block every 40ms across several liveness timeouts
	for n := uint64(10); n < 25; n++ {
		sub.Emit(n)
		time.Sleep(40 * time.Millisecond)
	}

	h.obs.WaitBlocks(t, 15)
	assert.Len(t, h.source.Subscriptions(), 1)
	assert.False(t, sub.Closed())
	assert.Equal(t, StateSubscribingLogs, h.sub.State())
	assert.Equal(t, testutil.Sequence(10, 24), h.obs.Numbers())
	assert.Empty(t, h.obs.Errors())
}

// ============================================================================
// Backfill Tests
// ============================================================================

func TestSubscription_BackfillPreservesOrder(t *testing.T) {
	h := newHarness(t, 300, 4, nil)
	h.fetcher.SetDelay(func(n uint64) time.Duration {
		return time.Duration(4-n%4) * time.Millisecond
	})
	h.subscribe(t, SubscribeOptions{StartBlock: 0})

	h.obs.WaitBlocks(t, 301)
	assert.Equal(t, testutil.Sequence(0, 300), h.obs.Numbers())

	used := make(map[int]bool)
	for _, c := range h.fetcher.Calls() {
		used[c.Worker] = true
	}
	assert.Len(t, used, 4)

	// caught up: live subscription continues after the finalized head
	sub := h.source.WaitSubscription(t, 1)
	assert.Equal(t, uint64(301), sub.From)
}

func TestSubscription_BackfillThenLive(t *testing.T) {
	h := newHarness(t, 100, 2, nil)
	h.subscribe(t, SubscribeOptions{StartBlock: 0})

	sub := h.source.WaitSubscription(t, 1)
	assert.Equal(t, uint64(101), sub.From)

	h.chain.Extend(2)
	sub.Emit(102)

	h.obs.WaitBlocks(t, 103)
	assert.Equal(t, testutil.Sequence(0, 102), h.obs.Numbers())
}

func TestSubscription_BackfillWithoutFinalizedTag(t *testing.T) {
	h := newHarness(t, 100, 2, nil)
	h.source.SetFinalizedUnsupported(true)
	h.subscribe(t, SubscribeOptions{StartBlock: 0})

	sub := h.source.WaitSubscription(t, 1)
	assert.Equal(t, uint64(101), sub.From)
	assert.Len(t, h.obs.WaitBlocks(t, 101), 101)

	// the safe head is re-read after backfill without asking for the tag again
	assert.Equal(t, 1, h.source.FinalizedCalls())
}

func TestSubscription_BackfillHonoursBlockDelay(t *testing.T) {
	h := newHarness(t, 100, 2, func(c *Config) {
		c.BlockDelay = 10
	})
	h.subscribe(t, SubscribeOptions{StartBlock: 0})

	sub := h.source.WaitSubscription(t, 1)
	assert.Equal(t, uint64(91), sub.From)

	h.obs.WaitBlocks(t, 91)
	assert.Equal(t, testutil.Sequence(0, 90), h.obs.Numbers())
}

func TestSubscription_Backpressure(t *testing.T) {
	h := newHarness(t, 3000, 1, func(c *Config) {
		c.QueueLimit = 2500
	})

	gate := make(chan struct{})
	h.obs.OnNext = func(b *types.Block) {
		if b.Number == 0 {
			<-gate
		}
	}
	h.subscribe(t, SubscribeOptions{StartBlock: 0})

	// block 0 is stuck in the observer, 2500 more wait in the queue
	require.Eventually(t, func() bool {
		return h.sub.QueueLength() == 2500 && h.fetcher.CallCount() == 2501
	}, testutil.WaitTimeout, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2501, h.fetcher.CallCount(), "no fetch may be admitted while the queue is full")
	assert.Equal(t, StateBackfilling, h.sub.State())

	close(gate)
	h.obs.WaitBlocks(t, 3001)
	assert.Equal(t, testutil.Sequence(0, 3000), h.obs.Numbers())
}

// ============================================================================
// Unsubscribe Tests
// ============================================================================

func TestSubscription_Unsubscribe(t *testing.T) {
	h := newHarness(t, 20, 1, nil)
	h.subscribe(t, SubscribeOptions{StartBlock: 10})
	sub := h.source.WaitSubscription(t, 1)

	err := h.sub.Subscribe(context.Background(), SubscribeOptions{}, h.obs)
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	stopped, err := h.sub.Unsubscribe(context.Background())
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.True(t, sub.Closed())
	assert.Equal(t, StateUnsubscribed, h.sub.State())
	assert.Equal(t, 0, h.sub.QueueLength())

	require.Eventually(t, func() bool { return h.obs.ClosedCount() == 1 }, testutil.WaitTimeout, time.Millisecond)
	assert.Empty(t, h.obs.Errors())

	stopped, err = h.sub.Unsubscribe(context.Background())
	require.NoError(t, err)
	assert.False(t, stopped)

	// a fresh session starts over
	h.subscribe(t, SubscribeOptions{StartBlock: 15})
	assert.Equal(t, uint64(15), h.source.WaitSubscription(t, 2).From)
}

func TestSubscription_UnsubscribeDropsPendingFetches(t *testing.T) {
	h := newHarness(t, 20, 1, nil)
	h.fetcher.SetDelay(func(uint64) time.Duration { return time.Hour })
	h.subscribe(t, SubscribeOptions{StartBlock: 10})

	sub := h.source.WaitSubscription(t, 1)
	sub.Emit(14)
	require.Eventually(t, func() bool { return h.fetcher.CallCount() == 5 }, testutil.WaitTimeout, time.Millisecond)

	stopped, err := h.sub.Unsubscribe(context.Background())
	require.NoError(t, err)
	assert.True(t, stopped)

	require.Eventually(t, func() bool { return h.fetcher.Cancelled() == 5 }, testutil.WaitTimeout, time.Millisecond)
	assert.Empty(t, h.obs.Numbers())
}

func TestSubscription_ParentContextCancelled(t *testing.T) {
	h := newHarness(t, 20, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.sub.Subscribe(ctx, SubscribeOptions{StartBlock: 10}, h.obs))
	sub := h.source.WaitSubscription(t, 1)

	cancel()

	require.Eventually(t, func() bool { return h.obs.ClosedCount() == 1 }, testutil.WaitTimeout, time.Millisecond)
	assert.True(t, sub.Closed())
	assert.Equal(t, StateUnsubscribed, h.sub.State())
}
