package eventbus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Default configuration values for LocalProducer
const (
	DefaultPublishBufferSize = 1000
	DefaultHistorySize       = 100
)

// LocalProducer is an in-process producer that keeps the most recent
// delivered messages in memory. It backs development runs and tests.
type LocalProducer struct {
	topic       string
	bufferSize  int
	historySize int
	logger      *zap.Logger

	mu      sync.Mutex
	sender  *asyncSender
	history []Message
	offset  int64
	failFn  func(Message) error
}

var _ Producer = (*LocalProducer)(nil)

// NewLocalProducer creates a new local producer with default settings
func NewLocalProducer(topic string, logger *zap.Logger) *LocalProducer {
	return NewLocalProducerWithConfig(topic, DefaultPublishBufferSize, DefaultHistorySize, logger)
}

// NewLocalProducerWithConfig creates a new local producer with custom buffer sizes
func NewLocalProducerWithConfig(topic string, bufferSize, historySize int, logger *zap.Logger) *LocalProducer {
	if bufferSize <= 0 {
		bufferSize = DefaultPublishBufferSize
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalProducer{
		topic:       topic,
		bufferSize:  bufferSize,
		historySize: historySize,
		logger:      logger.With(zap.String("component", "local-producer")),
	}
}

// SetFailure installs fn to decide the delivery outcome of each message.
// A nil fn makes every delivery succeed.
func (p *LocalProducer) SetFailure(fn func(Message) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failFn = fn
}

// Type returns the backend type
func (p *LocalProducer) Type() Type {
	return TypeLocal
}

// Start begins delivering to handler
func (p *LocalProducer) Start(ctx context.Context, handler DeliveryHandler) (Metadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sender != nil {
		return Metadata{}, ErrAlreadyStarted
	}
	p.sender = newAsyncSender(p.bufferSize, p.deliver, handler)

	p.logger.Info("Local producer started", zap.String("topic", p.topic))
	return Metadata{Type: TypeLocal, Topic: p.topic, Partitions: 1}, nil
}

// ProduceEvent queues msg for delivery
func (p *LocalProducer) ProduceEvent(ctx context.Context, msg Message) error {
	p.mu.Lock()
	sender := p.sender
	p.mu.Unlock()

	if sender == nil {
		return ErrNotStarted
	}
	return sender.submit(ctx, msg)
}

func (p *LocalProducer) deliver(_ context.Context, msg Message) Report {
	p.mu.Lock()
	failFn := p.failFn
	p.mu.Unlock()

	if msg.Topic == "" {
		msg.Topic = p.topic
	}
	if failFn != nil {
		if err := failFn(msg); err != nil {
			return Report{Err: err, Topic: msg.Topic}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.history = append(p.history, msg)
	if len(p.history) > p.historySize {
		p.history = p.history[len(p.history)-p.historySize:]
	}

	offset := p.offset
	p.offset++
	return Report{Topic: msg.Topic, Offset: offset, ID: fmt.Sprintf("%d-0", offset)}
}

// Messages returns a copy of the retained delivered messages, oldest first
func (p *LocalProducer) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Message, len(p.history))
	copy(out, p.history)
	return out
}

// Stop waits for queued messages to be delivered
func (p *LocalProducer) Stop(ctx context.Context) (bool, error) {
	p.mu.Lock()
	sender := p.sender
	p.sender = nil
	p.mu.Unlock()

	if sender == nil {
		return false, nil
	}
	if err := sender.close(ctx); err != nil {
		return false, err
	}

	p.logger.Info("Local producer stopped")
	return true, nil
}
