package producer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/0xmhha/block-streamer/pkg/checkpoint"
	"github.com/0xmhha/block-streamer/pkg/client"
	"github.com/0xmhha/block-streamer/pkg/types"
)

// ResolveStartBlock picks where a run resumes. It walks the ledger back from
// the latest record, at most MaxReOrgDepth steps, until a record whose hash
// still matches the live chain; the stream then starts right after it with
// that hash as the expected parent. An empty ledger starts at StartBlock.
// When no record matches, the earliest visited record's number is returned
// with no parent hash.
func (p *Producer) ResolveStartBlock(ctx context.Context) (uint64, string, error) {
	rec, err := p.store.Latest(ctx)
	if errors.Is(err, checkpoint.ErrNotFound) {
		p.logger.Info("No checkpoint found, using configured start block",
			zap.Uint64("start_block", p.config.StartBlock))
		return p.config.StartBlock, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to read latest checkpoint: %w", err)
	}

	earliest := rec
	for step := uint64(0); step <= p.config.MaxReOrgDepth; step++ {
		header, err := p.source.GetBlock(ctx, types.NumberRef(rec.Number))
		switch {
		case errors.Is(err, client.ErrBlockNotFound):
			header = nil
		case err != nil:
			return 0, "", fmt.Errorf("failed to get block %d: %w", rec.Number, err)
		}

		if header != nil && header.Hash == rec.Hash {
			p.logger.Info("Resuming from checkpoint",
				zap.Uint64("checkpoint", rec.Number),
				zap.String("hash", rec.Hash))
			return rec.Number + 1, rec.Hash, nil
		}

		p.logger.Warn("Checkpoint is no longer canonical",
			zap.Uint64("checkpoint", rec.Number),
			zap.String("hash", rec.Hash))
		earliest = rec

		rec, err = p.store.Prev(ctx, rec.Number)
		if errors.Is(err, checkpoint.ErrNotFound) {
			break
		}
		if err != nil {
			return 0, "", fmt.Errorf("failed to read checkpoint before %d: %w", earliest.Number, err)
		}
	}

	p.logger.Warn("No canonical checkpoint within reorg depth, resuming from earliest visited",
		zap.Uint64("block", earliest.Number),
		zap.Uint64("max_reorg_depth", p.config.MaxReOrgDepth))
	return earliest.Number, "", nil
}
