package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/block-streamer/internal/testutil"
	"github.com/0xmhha/block-streamer/pkg/stream"
)

func newTestPoller(t *testing.T, chain *testutil.Chain, workers int, cfg Config) (*Poller, *testutil.Fetcher) {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}

	fetcher := testutil.NewFetcher(chain, workers)
	p, err := New(cfg, testutil.NewSource(chain), fetcher, testutil.NewTestLogger(t), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testutil.WaitTimeout)
		defer cancel()
		_, _ = p.Unsubscribe(ctx)
	})
	return p, fetcher
}

func TestNew_Validation(t *testing.T) {
	chain := testutil.NewChain(1)

	_, err := New(Config{}, nil, testutil.NewFetcher(chain, 1), nil, nil)
	assert.Error(t, err)

	_, err = New(Config{}, testutil.NewSource(chain), testutil.NewFetcher(chain, 0), nil, nil)
	assert.Error(t, err)

	p, err := New(Config{}, testutil.NewSource(chain), testutil.NewFetcher(chain, 1), nil, nil)
	require.NoError(t, err)
	assert.Greater(t, p.config.PollInterval, time.Duration(0))
	assert.Greater(t, p.config.BatchSize, 0)
}

// ============================================================================
// Polling Tests
// ============================================================================

func TestPoller_EmitsSequentially(t *testing.T) {
	chain := testutil.NewChain(20)
	p, fetcher := newTestPoller(t, chain, 1, Config{})
	obs := &testutil.Observer{}

	require.NoError(t, p.Subscribe(context.Background(), stream.SubscribeOptions{StartBlock: 5}, obs))

	obs.WaitBlocks(t, 16)
	assert.Equal(t, testutil.Sequence(5, 20), obs.Numbers())
	assert.Equal(t, testutil.Sequence(5, 20), fetcher.Numbers())

	// new blocks are picked up on the next poll
	chain.Extend(3)
	obs.WaitBlocks(t, 19)
	assert.Equal(t, testutil.Sequence(5, 23), obs.Numbers())
}

func TestPoller_StripedAcrossWorkers(t *testing.T) {
	chain := testutil.NewChain(30)
	p, fetcher := newTestPoller(t, chain, 3, Config{})
	fetcher.SetDelay(func(n uint64) time.Duration {
		return time.Duration(30-n) * time.Millisecond / 2
	})
	obs := &testutil.Observer{}

	require.NoError(t, p.Subscribe(context.Background(), stream.SubscribeOptions{StartBlock: 21}, obs))

	obs.WaitBlocks(t, 10)
	assert.Equal(t, testutil.Sequence(21, 30), obs.Numbers())

	calls := fetcher.Calls()
	require.Len(t, calls, 10)
	for i, c := range calls {
		assert.Equal(t, i%3, c.Worker, "block %d", c.Number)
	}
}

func TestPoller_BatchSize(t *testing.T) {
	chain := testutil.NewChain(25)
	p, fetcher := newTestPoller(t, chain, 1, Config{BatchSize: 10})
	obs := &testutil.Observer{}

	require.NoError(t, p.Subscribe(context.Background(), stream.SubscribeOptions{StartBlock: 0}, obs))

	obs.WaitBlocks(t, 26)
	assert.Equal(t, testutil.Sequence(0, 25), obs.Numbers())
	assert.Equal(t, testutil.Sequence(0, 25), fetcher.Numbers())
}

func TestPoller_BlockDelay(t *testing.T) {
	chain := testutil.NewChain(20)
	p, _ := newTestPoller(t, chain, 1, Config{BlockDelay: 5})
	obs := &testutil.Observer{}

	require.NoError(t, p.Subscribe(context.Background(), stream.SubscribeOptions{StartBlock: 10}, obs))

	obs.WaitBlocks(t, 6)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, testutil.Sequence(10, 15), obs.Numbers())
}

// ============================================================================
// Failure Tests
// ============================================================================

func TestPoller_ReorgDetected(t *testing.T) {
	chain := testutil.NewChain(10)
	p, _ := newTestPoller(t, chain, 1, Config{})
	obs := &testutil.Observer{}

	require.NoError(t, p.Subscribe(context.Background(), stream.SubscribeOptions{StartBlock: 8}, obs))
	obs.WaitBlocks(t, 3)

	chain.Reorg(10, 1)
	chain.Extend(1)

	assert.ErrorIs(t, obs.WaitError(t), stream.ErrReorgDetected)
	assert.Equal(t, []uint64{8, 9, 10}, obs.Numbers())

	stopped, err := p.Unsubscribe(context.Background())
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestPoller_PrevHashMismatch(t *testing.T) {
	chain := testutil.NewChain(10)
	p, _ := newTestPoller(t, chain, 1, Config{})
	obs := &testutil.Observer{}

	opts := stream.SubscribeOptions{StartBlock: 8, PrevHash: chain.MustBlock(3).Hash}
	require.NoError(t, p.Subscribe(context.Background(), opts, obs))

	assert.ErrorIs(t, obs.WaitError(t), stream.ErrReorgDetected)
	assert.Empty(t, obs.Numbers())
}

func TestPoller_FetchFailure(t *testing.T) {
	chain := testutil.NewChain(10)
	p, fetcher := newTestPoller(t, chain, 2, Config{})
	boom := errors.New("receipt not found")
	fetcher.FailBlock(7, boom)
	obs := &testutil.Observer{}

	require.NoError(t, p.Subscribe(context.Background(), stream.SubscribeOptions{StartBlock: 5}, obs))

	assert.ErrorIs(t, obs.WaitError(t), boom)
	assert.Equal(t, []uint64{5, 6}, obs.Numbers())
}

func TestPoller_FetchFailureDropsRemainingFetches(t *testing.T) {
	chain := testutil.NewChain(10)
	p, fetcher := newTestPoller(t, chain, 2, Config{})
	boom := errors.New("receipt not found")
	fetcher.FailBlock(7, boom)
	fetcher.SetDelay(func(n uint64) time.Duration {
		if n > 7 {
			return time.Hour
		}
		return 0
	})
	obs := &testutil.Observer{}

	require.NoError(t, p.Subscribe(context.Background(), stream.SubscribeOptions{StartBlock: 5}, obs))

	assert.ErrorIs(t, obs.WaitError(t), boom)
	require.Eventually(t, func() bool { return fetcher.Cancelled() == 3 }, testutil.WaitTimeout, time.Millisecond)
	assert.Equal(t, []uint64{5, 6}, obs.Numbers())
}

// ============================================================================
// Unsubscribe Tests
// ============================================================================

func TestPoller_Unsubscribe(t *testing.T) {
	chain := testutil.NewChain(10)
	p, _ := newTestPoller(t, chain, 1, Config{})
	obs := &testutil.Observer{}

	require.NoError(t, p.Subscribe(context.Background(), stream.SubscribeOptions{StartBlock: 0}, obs))
	assert.ErrorIs(t, p.Subscribe(context.Background(), stream.SubscribeOptions{}, obs), stream.ErrAlreadySubscribed)
	obs.WaitBlocks(t, 11)

	stopped, err := p.Unsubscribe(context.Background())
	require.NoError(t, err)
	assert.True(t, stopped)
	require.Eventually(t, func() bool { return obs.ClosedCount() == 1 }, testutil.WaitTimeout, time.Millisecond)

	// a stale loop emits nothing after Unsubscribe
	chain.Extend(5)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, obs.Numbers(), 11)

	stopped, err = p.Unsubscribe(context.Background())
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestPoller_StaleLoopDoesNotEmit(t *testing.T) {
	chain := testutil.NewChain(10)
	p, fetcher := newTestPoller(t, chain, 1, Config{})
	fetcher.SetDelay(func(uint64) time.Duration { return 20 * time.Millisecond })
	obs := &testutil.Observer{}

	require.NoError(t, p.Subscribe(context.Background(), stream.SubscribeOptions{StartBlock: 0}, obs))
	require.Eventually(t, func() bool { return fetcher.CallCount() > 0 }, testutil.WaitTimeout, time.Millisecond)

	stopped, err := p.Unsubscribe(context.Background())
	require.NoError(t, err)
	assert.True(t, stopped)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, obs.Numbers())
}
