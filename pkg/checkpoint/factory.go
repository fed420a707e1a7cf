package checkpoint

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/0xmhha/block-streamer/internal/config"
)

// New creates the ledger backend selected by cfg.Backend
func New(ctx context.Context, cfg config.CheckpointConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "checkpoint"), zap.String("backend", cfg.Backend))

	switch cfg.Backend {
	case "memory":
		logger.Warn("Using in-memory checkpoint ledger; restarts will resume from the configured start block")
		return NewMemoryStore(), nil

	case "pebble", "":
		pebbleCfg := DefaultPebbleConfig(cfg.Path)
		if cfg.Cache > 0 {
			pebbleCfg.Cache = cfg.Cache
		}
		if cfg.MaxOpenFiles > 0 {
			pebbleCfg.MaxOpenFiles = cfg.MaxOpenFiles
		}
		return NewPebbleStore(pebbleCfg, logger)

	case "redis":
		return NewRedisStore(ctx, cfg.Redis, cfg.RedisKey, logger)

	default:
		return nil, fmt.Errorf("unsupported checkpoint backend: %s", cfg.Backend)
	}
}
