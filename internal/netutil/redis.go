package netutil

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0xmhha/block-streamer/internal/config"
)

// ErrNoRedisAddresses is returned when a Redis client is requested without addresses
var ErrNoRedisAddresses = errors.New("no Redis addresses configured")

// NewRedisClient creates the appropriate Redis client based on configuration:
// a cluster client in cluster mode, otherwise a standalone client on the first address.
// The client connects lazily; callers Ping to verify connectivity.
func NewRedisClient(cfg config.RedisConfig, logger *zap.Logger) (redis.UniversalClient, error) {
	if len(cfg.Addresses) == 0 {
		return nil, ErrNoRedisAddresses
	}

	tlsConfig, err := BuildTLSConfig(cfg.TLS, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS config: %w", err)
	}

	if cfg.ClusterMode {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addresses,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			TLSConfig:    tlsConfig,
		}), nil
	}

	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addresses[0],
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		TLSConfig:    tlsConfig,
	}), nil
}
