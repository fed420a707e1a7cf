package client

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/0xmhha/block-streamer/pkg/types"
)

const logBufferSize = 256

// SubscribeLogs opens a log subscription starting at fromBlock. The endpoint
// must support eth_subscribe (ws:// or ipc). The fallback endpoint is used
// when the primary refuses the subscription.
func (c *Client) SubscribeLogs(ctx context.Context, fromBlock uint64) (types.LogSubscription, error) {
	query := ethereum.FilterQuery{FromBlock: new(big.Int).SetUint64(fromBlock)}

	var lastErr error
	for _, n := range []*node{c.primary, c.fallback} {
		if n == nil {
			continue
		}

		raw := make(chan ethtypes.Log, logBufferSize)
		sub, err := n.ethClient.SubscribeFilterLogs(ctx, query, raw)
		if err != nil {
			c.logger.Warn("log subscription refused",
				zap.String("endpoint", n.endpoint),
				zap.Uint64("from_block", fromBlock),
				zap.Error(err))
			lastErr = err
			continue
		}

		c.logger.Debug("subscribed to logs",
			zap.String("endpoint", n.endpoint),
			zap.Uint64("from_block", fromBlock))
		return newLogSubscription(sub, raw), nil
	}

	return nil, fmt.Errorf("failed to subscribe to logs from block %d: %w", fromBlock, lastErr)
}

// logSubscription adapts an ethereum.Subscription to types.LogSubscription
type logSubscription struct {
	sub  ethereum.Subscription
	raw  chan ethtypes.Log
	logs chan types.LogEvent
	errs chan error
	quit chan struct{}
	once sync.Once
}

func newLogSubscription(sub ethereum.Subscription, raw chan ethtypes.Log) *logSubscription {
	s := &logSubscription{
		sub:  sub,
		raw:  raw,
		logs: make(chan types.LogEvent, logBufferSize),
		errs: make(chan error, 1),
		quit: make(chan struct{}),
	}
	go s.forward()
	return s
}

func (s *logSubscription) forward() {
	defer close(s.errs)

	for {
		select {
		case <-s.quit:
			return
		case err, ok := <-s.sub.Err():
			if ok && err != nil {
				select {
				case s.errs <- err:
				default:
				}
			}
			return
		case l := <-s.raw:
			ev := types.LogEvent{
				BlockNumber: l.BlockNumber,
				BlockHash:   l.BlockHash.Hex(),
				Removed:     l.Removed,
			}
			select {
			case s.logs <- ev:
			case <-s.quit:
				return
			}
		}
	}
}

func (s *logSubscription) Logs() <-chan types.LogEvent { return s.logs }

func (s *logSubscription) Err() <-chan error { return s.errs }

func (s *logSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.sub.Unsubscribe()
	})
}
