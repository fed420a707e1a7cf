package eventbus

import (
	"errors"
	"fmt"
	"io"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
	"go.uber.org/zap"

	"github.com/0xmhha/block-streamer/internal/config"
	"github.com/0xmhha/block-streamer/internal/netutil"
)

// createKafkaSASLMechanism creates the appropriate SASL mechanism from config
func createKafkaSASLMechanism(cfg config.KafkaConfig) (sasl.Mechanism, error) {
	switch cfg.SASLMechanism {
	case "PLAIN", "":
		return plain.Mechanism{
			Username: cfg.SASLUsername,
			Password: cfg.SASLPassword,
		}, nil
	case "SCRAM-SHA-256":
		mechanism, err := scram.Mechanism(scram.SHA256, cfg.SASLUsername, cfg.SASLPassword)
		if err != nil {
			return nil, err
		}
		return mechanism, nil
	case "SCRAM-SHA-512":
		mechanism, err := scram.Mechanism(scram.SHA512, cfg.SASLUsername, cfg.SASLPassword)
		if err != nil {
			return nil, err
		}
		return mechanism, nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", cfg.SASLMechanism)
	}
}

// buildKafkaTransport creates a kafka.Transport configured with SASL/TLS from config.
// Returns nil when neither is configured so the client default transport is used.
func buildKafkaTransport(cfg config.KafkaConfig, logger *zap.Logger) (*kafka.Transport, error) {
	tlsConfig, err := netutil.BuildTLSConfig(cfg.TLS, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS config: %w", err)
	}

	if cfg.SASLUsername != "" && cfg.SASLPassword != "" {
		mechanism, err := createKafkaSASLMechanism(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create SASL mechanism: %w", err)
		}
		return &kafka.Transport{
			SASL:     mechanism,
			TLS:      tlsConfig,
			ClientID: cfg.ClientID,
		}, nil
	}

	if tlsConfig != nil {
		return &kafka.Transport{
			TLS:      tlsConfig,
			ClientID: cfg.ClientID,
		}, nil
	}

	return nil, nil
}

// kafkaCompression maps a compression name to the writer setting
func kafkaCompression(name string) (kafka.Compression, error) {
	switch name {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("%w: unsupported compression %q", ErrInvalidConfiguration, name)
	}
}

// kafkaRequiredAcks maps the configured ack count to the writer setting
func kafkaRequiredAcks(acks int) kafka.RequiredAcks {
	switch acks {
	case 0:
		return kafka.RequireNone
	case 1:
		return kafka.RequireOne
	default:
		return kafka.RequireAll
	}
}

// classifyKafkaError wraps errors that no retry can fix with ErrIrrecoverable
func classifyKafkaError(err error) error {
	if err == nil {
		return nil
	}

	var kerr kafka.Error
	if errors.As(err, &kerr) {
		switch kerr {
		case kafka.SASLAuthenticationFailed,
			kafka.UnsupportedSASLMechanism,
			kafka.IllegalSASLState,
			kafka.TopicAuthorizationFailed,
			kafka.ClusterAuthorizationFailed,
			kafka.InvalidRequiredAcks,
			kafka.InvalidTopic,
			kafka.MessageSizeTooLarge:
			return fmt.Errorf("%w: %v", ErrIrrecoverable, err)
		}
	}
	if errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %v", ErrStopped, err)
	}
	return err
}

// partitionBalancer honours Message.Partition and otherwise hashes the key
type partitionBalancer struct {
	fallback kafka.Balancer
}

func (b *partitionBalancer) Balance(msg kafka.Message, partitions ...int) int {
	if tag, ok := msg.WriterData.(*deliveryTag); ok && tag.partition != nil {
		for _, p := range partitions {
			if p == *tag.partition {
				return p
			}
		}
	}
	return b.fallback.Balance(msg, partitions...)
}

// deliveryTag travels with a kafka.Message through the async writer
type deliveryTag struct {
	opaque    any
	partition *int
}
