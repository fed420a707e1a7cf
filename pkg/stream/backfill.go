package stream

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// backfill fetches nextBlock..target keeping one fetch in flight per worker.
// Results go through the session queue like live fetches, so a fast worker's
// later block waits behind a slow worker's earlier one. Fetch failures are
// reported by the drain goroutine, which fails the session.
func (s *Subscription) backfill(sess *session, target uint64) {
	sess.backfills++
	logger := sess.logger.With(zap.Uint64("backfill", sess.backfills))

	// a run is bound to its own context so nothing it started outlives it
	ctx, cancel := context.WithCancel(sess.ctx)
	defer cancel()

	workers := s.fetcher.Size()
	free := make(chan int, workers)
	for w := 0; w < workers; w++ {
		free <- w
	}

	from := sess.nextBlock
	start := time.Now()
	logger.Info("Backfill started",
		zap.Uint64("from", from),
		zap.Uint64("to", target),
		zap.Int("workers", workers),
	)

	for sess.nextBlock <= target {
		var worker int
		select {
		case <-ctx.Done():
			return
		case worker = <-free:
		}

		if err := s.admit(ctx, sess, logger); err != nil {
			return
		}

		res := s.fetcher.Fetch(sess.ctx, worker, sess.nextBlock)
		sess.queue.Enqueue(res)
		s.metrics.SetQueueLength(sess.queue.Len())
		sess.wake()
		sess.nextBlock++

		go func(w int) {
			select {
			case <-res.Done():
				free <- w
			case <-ctx.Done():
			}
		}(worker)
	}

	logger.Info("Backfill completed",
		zap.Uint64("from", from),
		zap.Uint64("to", target),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// admit blocks while the queue holds QueueLimit or more fetches, re-checking
// every AdmissionPollInterval
func (s *Subscription) admit(ctx context.Context, sess *session, logger *zap.Logger) error {
	if sess.queue.Len() < s.config.QueueLimit {
		return nil
	}

	logger.Debug("Backfill paused",
		zap.Int("queue_length", sess.queue.Len()),
		zap.Int("limit", s.config.QueueLimit),
	)

	ticker := time.NewTicker(s.config.AdmissionPollInterval)
	defer ticker.Stop()

	for sess.queue.Len() >= s.config.QueueLimit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
