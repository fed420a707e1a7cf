package eventbus

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/0xmhha/block-streamer/internal/config"
)

// NewProducer creates the Producer selected by cfg.Type
func NewProducer(cfg config.EventBusConfig, nodeID string, logger *zap.Logger) (Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Type {
	case "local", "":
		logger.Info("Creating local event bus producer", zap.String("topic", cfg.Topic))
		return NewLocalProducer(cfg.Topic, logger), nil

	case "redis":
		logger.Info("Creating Redis Streams producer",
			zap.Strings("addresses", cfg.Redis.Addresses),
			zap.Bool("cluster_mode", cfg.Redis.ClusterMode),
			zap.Int64("max_len", cfg.Redis.MaxLen),
		)
		return NewRedisStreamProducer(cfg.Redis, cfg.Topic, nodeID, logger)

	case "kafka":
		logger.Info("Creating Kafka producer",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("compression", cfg.Kafka.Compression),
		)
		return NewKafkaProducer(cfg.Kafka, cfg.Topic, nodeID, logger)

	default:
		return nil, fmt.Errorf("%w: unknown event bus type %q", ErrInvalidConfiguration, cfg.Type)
	}
}
