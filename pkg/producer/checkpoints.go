package producer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/block-streamer/pkg/queue"
)

// drainCheckpoints writes acknowledged checkpoints in emission order until
// closing is closed and the queue is empty, or ctx is done. When the backlog
// exceeds MaxReOrgDepth, the oldest slots are skipped.
func (p *Producer) drainCheckpoints(ctx context.Context, closing <-chan struct{}) {
	limit := int(p.config.MaxReOrgDepth)
	if limit < 1 {
		limit = 1
	}

	for {
		if p.checkpoints.IsEmpty() {
			select {
			case <-p.notify:
				continue
			case <-closing:
				if p.checkpoints.IsEmpty() {
					return
				}
				continue
			case <-ctx.Done():
				return
			}
		}

		n := 1
		if backlog := p.checkpoints.Len(); backlog > limit {
			n = backlog - limit + 1
			p.logger.Debug("Skipping checkpoint backlog", zap.Int("skipped", n-1))
		}

		e, err := p.checkpoints.ShiftByN(ctx, n)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, queue.ErrCleared) && !errors.Is(err, queue.ErrEmpty) {
				p.logger.Debug("Checkpoint slot failed", zap.Error(err))
			}
			continue
		}
		if e.session <= p.failedSession.Load() {
			continue
		}
		p.writeCheckpoint(ctx, e)
	}
}

// writeCheckpoint tries Store.Add up to WriteAttempts times and drops the
// record when every attempt fails
func (p *Producer) writeCheckpoint(ctx context.Context, e entry) {
	var err error
	for attempt := 1; attempt <= p.config.WriteAttempts; attempt++ {
		err = p.store.Add(ctx, e.record, p.config.MaxReOrgDepth)
		p.metrics.CheckpointWrite(e.record.Number, err)
		if err == nil {
			p.mu.Lock()
			p.status.LastCheckpoint = e.record.Number
			p.mu.Unlock()
			return
		}
		if ctx.Err() != nil {
			return
		}

		p.logger.Warn("Checkpoint write failed",
			zap.Uint64("block", e.record.Number),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < p.config.WriteAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.config.WriteRetryDelay):
			}
		}
	}

	p.logger.Error("Dropping checkpoint after repeated write failures",
		zap.Uint64("block", e.record.Number),
		zap.String("hash", e.record.Hash),
		zap.Int("attempts", p.config.WriteAttempts),
		zap.Error(err))
}
