package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// reportCollector gathers delivery reports from a producer
type reportCollector struct {
	mu      sync.Mutex
	reports []Report
	ch      chan Report
}

func newReportCollector() *reportCollector {
	return &reportCollector{ch: make(chan Report, 1024)}
}

func (c *reportCollector) handle(r Report) {
	c.mu.Lock()
	c.reports = append(c.reports, r)
	c.mu.Unlock()
	c.ch <- r
}

func (c *reportCollector) wait(t *testing.T, n int) []Report {
	t.Helper()
	out := make([]Report, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case r := <-c.ch:
			out = append(out, r)
		case <-timeout:
			t.Fatalf("timed out waiting for %d reports, got %d", n, len(out))
		}
	}
	return out
}

// ============================================================================
// LocalProducer Tests
// ============================================================================

func TestNewLocalProducerWithConfig_Defaults(t *testing.T) {
	p := NewLocalProducerWithConfig("blocks", 0, 0, nil)
	assert.Equal(t, DefaultPublishBufferSize, p.bufferSize)
	assert.Equal(t, DefaultHistorySize, p.historySize)
}

func TestLocalProducer_NotStarted(t *testing.T) {
	p := NewLocalProducer("blocks", zap.NewNop())

	err := p.ProduceEvent(context.Background(), Message{Key: "1"})
	assert.ErrorIs(t, err, ErrNotStarted)

	stopped, err := p.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestLocalProducer_DeliversInOrderWithOpaque(t *testing.T) {
	p := NewLocalProducer("blocks", zap.NewNop())
	collector := newReportCollector()

	meta, err := p.Start(context.Background(), collector.handle)
	require.NoError(t, err)
	assert.Equal(t, TypeLocal, meta.Type)
	assert.Equal(t, "blocks", meta.Topic)

	_, err = p.Start(context.Background(), collector.handle)
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	for i := 0; i < 20; i++ {
		require.NoError(t, p.ProduceEvent(context.Background(), Message{
			Key:     fmt.Sprint(i),
			Payload: []byte("payload"),
			Opaque:  i,
		}))
	}

	reports := collector.wait(t, 20)
	for i, r := range reports {
		require.NoError(t, r.Err)
		assert.Equal(t, i, r.Opaque)
		assert.Equal(t, int64(i), r.Offset)
		assert.Equal(t, "blocks", r.Topic)
	}

	stopped, err := p.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, stopped)

	assert.Len(t, p.Messages(), 20)
	assert.ErrorIs(t, p.ProduceEvent(context.Background(), Message{}), ErrNotStarted)
}

func TestLocalProducer_FailureReported(t *testing.T) {
	p := NewLocalProducer("blocks", zap.NewNop())
	boom := errors.New("broker rejected")
	p.SetFailure(func(m Message) error {
		if m.Key == "2" {
			return boom
		}
		return nil
	})

	collector := newReportCollector()
	_, err := p.Start(context.Background(), collector.handle)
	require.NoError(t, err)
	defer p.Stop(context.Background())

	for i := 1; i <= 3; i++ {
		require.NoError(t, p.ProduceEvent(context.Background(), Message{Key: fmt.Sprint(i), Opaque: i}))
	}

	reports := collector.wait(t, 3)
	assert.NoError(t, reports[0].Err)
	assert.ErrorIs(t, reports[1].Err, boom)
	assert.Equal(t, 2, reports[1].Opaque)
	assert.NoError(t, reports[2].Err)
}

func TestLocalProducer_HistoryBounded(t *testing.T) {
	p := NewLocalProducerWithConfig("blocks", 10, 3, zap.NewNop())
	collector := newReportCollector()
	_, err := p.Start(context.Background(), collector.handle)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.ProduceEvent(context.Background(), Message{Key: fmt.Sprint(i)}))
	}
	collector.wait(t, 5)

	msgs := p.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "2", msgs[0].Key)
	assert.Equal(t, "4", msgs[2].Key)
}

func TestLocalProducer_StopDrainsQueue(t *testing.T) {
	p := NewLocalProducer("blocks", zap.NewNop())
	collector := newReportCollector()
	_, err := p.Start(context.Background(), collector.handle)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, p.ProduceEvent(context.Background(), Message{Key: fmt.Sprint(i)}))
	}

	stopped, err := p.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, stopped)

	collector.mu.Lock()
	assert.Len(t, collector.reports, 50)
	collector.mu.Unlock()
}

func TestLocalProducer_Restart(t *testing.T) {
	p := NewLocalProducer("blocks", zap.NewNop())
	collector := newReportCollector()

	_, err := p.Start(context.Background(), collector.handle)
	require.NoError(t, err)
	_, err = p.Stop(context.Background())
	require.NoError(t, err)

	_, err = p.Start(context.Background(), collector.handle)
	require.NoError(t, err)
	defer p.Stop(context.Background())

	require.NoError(t, p.ProduceEvent(context.Background(), Message{Key: "1"}))
	collector.wait(t, 1)
}

func TestLocalProducer_ProduceHonoursContext(t *testing.T) {
	p := NewLocalProducerWithConfig("blocks", 1, 1, zap.NewNop())
	block := make(chan struct{})
	p.SetFailure(func(Message) error {
		<-block
		return nil
	})
	_, err := p.Start(context.Background(), nil)
	require.NoError(t, err)
	defer func() {
		close(block)
		p.Stop(context.Background())
	}()

	// first message is in flight, second fills the buffer
	require.NoError(t, p.ProduceEvent(context.Background(), Message{Key: "1"}))
	require.NoError(t, p.ProduceEvent(context.Background(), Message{Key: "2"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = p.ProduceEvent(ctx, Message{Key: "3"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
