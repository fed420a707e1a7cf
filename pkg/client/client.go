package client

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/0xmhha/block-streamer/internal/constants"
	"github.com/0xmhha/block-streamer/pkg/types"
)

var (
	// ErrBlockNotFound is returned when the node does not know the requested block
	ErrBlockNotFound = errors.New("block not found")

	// ErrReceiptNotFound is returned when a block's receipts are not (yet) available
	ErrReceiptNotFound = errors.New("receipt not found")
)

// Client wraps Ethereum JSON-RPC clients for a primary and an optional
// fallback endpoint. Every call is retried up to MaxRetries times; each
// attempt tries the primary first and the fallback second.
type Client struct {
	primary  *node
	fallback *node
	config   Config
	signer   ethtypes.Signer
	logger   *zap.Logger
}

// permanentError marks a failure that another attempt cannot fix
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// JSON-RPC "invalid params", returned by nodes that reject a block tag
const invalidParamsCode = -32602

type node struct {
	endpoint  string
	rpcClient *rpc.Client
	ethClient *ethclient.Client
}

// Config holds client configuration
type Config struct {
	Endpoint         string
	FallbackEndpoint string
	Timeout          time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	Logger           *zap.Logger
}

// RetryBudget returns the longest a call may take across every attempt:
// one timeout per endpoint per attempt plus the backoff between attempts
func (c Config) RetryBudget() time.Duration {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultRPCTimeout
	}
	delay := c.RetryDelay
	if delay <= 0 {
		delay = constants.DefaultRetryDelay
	}
	endpoints := 1
	if c.FallbackEndpoint != "" {
		endpoints = 2
	}

	attempts := c.MaxRetries + 1
	budget := time.Duration(attempts*endpoints) * timeout
	for attempt := 1; attempt < attempts; attempt++ {
		budget += delay * time.Duration(1<<uint(attempt-1))
	}
	return budget
}

// NewClient dials the configured endpoints and verifies the primary by
// fetching its chain ID
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	c := &Client{config: *cfg, logger: cfg.Logger}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.config.Timeout <= 0 {
		c.config.Timeout = constants.DefaultRPCTimeout
	}
	if c.config.RetryDelay <= 0 {
		c.config.RetryDelay = constants.DefaultRetryDelay
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()

	primary, err := dial(ctx, cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	c.primary = primary

	chainID, err := primary.ethClient.ChainID(ctx)
	if err != nil {
		primary.close()
		return nil, fmt.Errorf("failed to ping RPC endpoint: %w", err)
	}
	c.signer = ethtypes.LatestSignerForChainID(chainID)

	if cfg.FallbackEndpoint != "" {
		fallback, err := dial(ctx, cfg.FallbackEndpoint)
		if err != nil {
			// The fallback is optional; run without it.
			c.logger.Warn("fallback endpoint unavailable",
				zap.String("endpoint", cfg.FallbackEndpoint),
				zap.Error(err))
		} else {
			c.fallback = fallback
		}
	}

	c.logger.Info("connected to Ethereum RPC",
		zap.String("endpoint", cfg.Endpoint),
		zap.Bool("fallback", c.fallback != nil),
		zap.String("chain_id", chainID.String()))

	return c, nil
}

func dial(ctx context.Context, endpoint string) (*node, error) {
	rpcClient, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", endpoint, err)
	}
	return &node{
		endpoint:  endpoint,
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
	}, nil
}

func (n *node) close() {
	if n != nil && n.ethClient != nil {
		n.ethClient.Close()
	}
}

// Close closes all endpoint connections
func (c *Client) Close() {
	c.primary.close()
	c.fallback.close()
}

// Endpoint returns the primary endpoint URL
func (c *Client) Endpoint() string {
	return c.primary.endpoint
}

// GetLatestBlockNumber returns the latest block number
func (c *Client) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	var number uint64
	err := c.withRetry(ctx, "eth_blockNumber", func(ctx context.Context, n *node) error {
		v, err := n.ethClient.BlockNumber(ctx)
		if err != nil {
			return err
		}
		number = v
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block number: %w", err)
	}
	return number, nil
}

// GetBlock fetches the header of a block selected by number or tag
func (c *Client) GetBlock(ctx context.Context, ref types.BlockRef) (*types.Header, error) {
	arg := blockNumberArg(ref)

	var header *ethtypes.Header
	err := c.withRetry(ctx, "eth_getBlockByNumber", func(ctx context.Context, n *node) error {
		h, err := n.ethClient.HeaderByNumber(ctx, arg)
		if err != nil {
			if (ref == types.Finalized || ref == types.Safe) && tagUnavailable(err) {
				// a node without the tag keeps answering the same way
				return &permanentError{err: fmt.Errorf("%w: %s: %v", ErrBlockNotFound, ref, err)}
			}
			if errors.Is(err, ethereum.NotFound) {
				return fmt.Errorf("%w: %s", ErrBlockNotFound, ref)
			}
			return err
		}
		header = h
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", ref, err)
	}
	return types.HeaderFromEth(header), nil
}

// GetFinalizedBlockNumber returns the number of the block tagged "finalized"
func (c *Client) GetFinalizedBlockNumber(ctx context.Context) (uint64, error) {
	h, err := c.GetBlock(ctx, types.Finalized)
	if err != nil {
		return 0, err
	}
	return h.Number, nil
}

// GetBlockWithReceipts fetches a full block with all transaction receipts and
// formats it. Missing receipts surface as ErrReceiptNotFound.
func (c *Client) GetBlockWithReceipts(ctx context.Context, number uint64) (*types.Block, error) {
	var out *types.Block
	err := c.withRetry(ctx, "eth_getBlockReceipts", func(ctx context.Context, n *node) error {
		block, err := n.ethClient.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return fmt.Errorf("%w: %d", ErrBlockNotFound, number)
			}
			return err
		}

		receipts, err := n.ethClient.BlockReceipts(ctx, rpc.BlockNumberOrHashWithHash(block.Hash(), true))
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return fmt.Errorf("%w: block %d", ErrReceiptNotFound, number)
			}
			return err
		}

		formatted, err := types.FromEthBlock(block, receipts, c.signer)
		if err != nil {
			if errors.Is(err, types.ErrReceiptMismatch) {
				return fmt.Errorf("%w: %v", ErrReceiptNotFound, err)
			}
			return err
		}
		out = formatted
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", number, err)
	}
	return out, nil
}

// tagUnavailable reports whether the node answered that it has no block
// for a tag, as nodes without a finalized head do
func tagUnavailable(err error) bool {
	if errors.Is(err, ethereum.NotFound) {
		return true
	}
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Error())
	return rpcErr.ErrorCode() == invalidParamsCode ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "block tag")
}

// withRetry runs fn up to MaxRetries+1 times with exponential backoff.
// Within an attempt the fallback endpoint is tried when the primary fails.
// Retrying stops once every endpoint failed with a permanent error.
func (c *Client) withRetry(ctx context.Context, method string, fn func(ctx context.Context, n *node) error) error {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.config.RetryDelay * time.Duration(1<<uint(attempt-1))
			c.logger.Warn("Retrying RPC call",
				zap.String("method", method),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		permanent := true
		for _, n := range []*node{c.primary, c.fallback} {
			if n == nil {
				continue
			}
			err := c.call(ctx, n, fn)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var perm *permanentError
			if errors.As(err, &perm) {
				err = perm.err
			} else {
				permanent = false
			}
			lastErr = err
		}
		if permanent {
			return lastErr
		}
	}

	return lastErr
}

func (c *Client) call(ctx context.Context, n *node, fn func(ctx context.Context, n *node) error) error {
	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	return fn(callCtx, n)
}

func blockNumberArg(ref types.BlockRef) *big.Int {
	switch ref.Tag() {
	case "latest":
		return nil
	case "finalized":
		return big.NewInt(int64(rpc.FinalizedBlockNumber))
	case "safe":
		return big.NewInt(int64(rpc.SafeBlockNumber))
	default:
		return new(big.Int).SetUint64(ref.Number())
	}
}
