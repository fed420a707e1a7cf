package eventbus

import (
	"context"
	"sync"
)

// sendFunc writes one message and describes the outcome
type sendFunc func(ctx context.Context, msg Message) Report

// asyncSender delivers accepted messages from one goroutine, in order, and
// reports each outcome to the handler
type asyncSender struct {
	queue   chan Message
	send    sendFunc
	handler DeliveryHandler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newAsyncSender(buffer int, send sendFunc, handler DeliveryHandler) *asyncSender {
	ctx, cancel := context.WithCancel(context.Background())
	s := &asyncSender{
		queue:   make(chan Message, buffer),
		send:    send,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *asyncSender) loop() {
	defer close(s.done)
	for msg := range s.queue {
		report := s.send(s.ctx, msg)
		report.Opaque = msg.Opaque
		if s.handler != nil {
			s.handler(report)
		}
	}
}

// submit blocks while the buffer is full
func (s *asyncSender) submit(ctx context.Context, msg Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStopped
	}
	select {
	case s.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting messages and waits for queued ones to be delivered.
// When ctx expires first, in-flight sends are cancelled.
func (s *asyncSender) close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
