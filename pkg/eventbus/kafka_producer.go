package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/0xmhha/block-streamer/internal/config"
)

// KafkaProducer produces events to Kafka with an async writer.
// Delivery reports come from the writer's completion callback.
type KafkaProducer struct {
	config config.KafkaConfig
	topic  string
	nodeID string
	logger *zap.Logger

	mu      sync.RWMutex
	writer  *kafka.Writer
	handler DeliveryHandler
}

var _ Producer = (*KafkaProducer)(nil)

// NewKafkaProducer creates a new Kafka producer. No connection is made until Start.
func NewKafkaProducer(cfg config.KafkaConfig, topic, nodeID string, logger *zap.Logger) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no Kafka brokers configured", ErrInvalidConfiguration)
	}
	if topic == "" {
		return nil, fmt.Errorf("%w: no Kafka topic configured", ErrInvalidConfiguration)
	}
	if _, err := kafkaCompression(cfg.Compression); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &KafkaProducer{
		config: cfg,
		topic:  topic,
		nodeID: nodeID,
		logger: logger.With(zap.String("component", "kafka-producer"), zap.String("node_id", nodeID)),
	}, nil
}

// Type returns the backend type
func (kp *KafkaProducer) Type() Type {
	return TypeKafka
}

// Start fetches topic metadata to verify the cluster is reachable and
// authorized, then opens the async writer
func (kp *KafkaProducer) Start(ctx context.Context, handler DeliveryHandler) (Metadata, error) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	if kp.writer != nil {
		return Metadata{}, ErrAlreadyStarted
	}

	transport, err := buildKafkaTransport(kp.config, kp.logger)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrIrrecoverable, err)
	}
	compression, err := kafkaCompression(kp.config.Compression)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrIrrecoverable, err)
	}

	client := &kafka.Client{Addr: kafka.TCP(kp.config.Brokers...)}
	if transport != nil {
		client.Transport = transport
	}

	meta, err := kp.fetchMetadata(ctx, client)
	if err != nil {
		return Metadata{}, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(kp.config.Brokers...),
		Balancer:     &partitionBalancer{fallback: &kafka.Hash{}},
		BatchSize:    kp.config.BatchSize,
		BatchTimeout: time.Duration(kp.config.LingerMs) * time.Millisecond,
		RequiredAcks: kafkaRequiredAcks(kp.config.RequiredAcks),
		Compression:  compression,
		Async:        true,
		Completion:   kp.complete,
	}
	if transport != nil {
		writer.Transport = transport
	}

	kp.writer = writer
	kp.handler = handler

	kp.logger.Info("Connected to Kafka",
		zap.Strings("brokers", kp.config.Brokers),
		zap.String("topic", kp.topic),
		zap.Int("partitions", meta.Partitions),
		zap.String("compression", kp.config.Compression),
	)
	return meta, nil
}

func (kp *KafkaProducer) fetchMetadata(ctx context.Context, client *kafka.Client) (Metadata, error) {
	resp, err := client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{kp.topic}})
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to fetch Kafka metadata: %w", classifyKafkaError(err))
	}

	meta := Metadata{Type: TypeKafka, Topic: kp.topic}
	for _, b := range resp.Brokers {
		meta.Brokers = append(meta.Brokers, fmt.Sprintf("%s:%d", b.Host, b.Port))
	}
	for _, t := range resp.Topics {
		if t.Name != kp.topic {
			continue
		}
		if t.Error != nil {
			return Metadata{}, fmt.Errorf("topic %s unavailable: %w", kp.topic, classifyKafkaError(t.Error))
		}
		meta.Partitions = len(t.Partitions)
	}
	return meta, nil
}

// ProduceEvent queues msg on the async writer
func (kp *KafkaProducer) ProduceEvent(ctx context.Context, msg Message) error {
	kp.mu.RLock()
	writer := kp.writer
	kp.mu.RUnlock()

	if writer == nil {
		return ErrNotStarted
	}

	if err := writer.WriteMessages(ctx, kp.toKafkaMessage(msg)); err != nil {
		return fmt.Errorf("failed to write to Kafka: %w", classifyKafkaError(err))
	}
	return nil
}

func (kp *KafkaProducer) toKafkaMessage(msg Message) kafka.Message {
	topic := msg.Topic
	if topic == "" {
		topic = kp.topic
	}

	headers := make([]kafka.Header, 0, len(msg.Headers)+1)
	if kp.nodeID != "" {
		headers = append(headers, kafka.Header{Key: "node_id", Value: []byte(kp.nodeID)})
	}
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(msg.Headers[k])})
	}

	return kafka.Message{
		Topic:      topic,
		Key:        []byte(msg.Key),
		Value:      msg.Payload,
		Headers:    headers,
		Time:       msg.Timestamp,
		WriterData: &deliveryTag{opaque: msg.Opaque, partition: msg.Partition},
	}
}

// complete is the writer completion callback; it may run concurrently for
// different partitions
func (kp *KafkaProducer) complete(messages []kafka.Message, err error) {
	kp.mu.RLock()
	handler := kp.handler
	kp.mu.RUnlock()

	var writeErrs kafka.WriteErrors
	perMessage := false
	if we, ok := err.(kafka.WriteErrors); ok && len(we) == len(messages) {
		writeErrs, perMessage = we, true
	}

	for i, m := range messages {
		msgErr := err
		if perMessage {
			msgErr = writeErrs[i]
		}
		msgErr = classifyKafkaError(msgErr)

		if msgErr != nil {
			kp.logger.Warn("Kafka delivery failed",
				zap.String("key", string(m.Key)),
				zap.Int("partition", m.Partition),
				zap.Error(msgErr),
			)
		}
		if handler == nil {
			continue
		}

		report := Report{
			Err:       msgErr,
			Topic:     m.Topic,
			Partition: m.Partition,
			Offset:    m.Offset,
		}
		if tag, ok := m.WriterData.(*deliveryTag); ok {
			report.Opaque = tag.opaque
		}
		handler(report)
	}
}

// Stop flushes pending messages and closes the writer
func (kp *KafkaProducer) Stop(ctx context.Context) (bool, error) {
	kp.mu.Lock()
	writer := kp.writer
	kp.writer = nil
	kp.mu.Unlock()

	if writer == nil {
		return false, nil
	}

	done := make(chan error, 1)
	go func() { done <- writer.Close() }()

	select {
	case err := <-done:
		if err != nil {
			kp.logger.Error("Error closing Kafka writer", zap.Error(err))
			return false, err
		}
		kp.logger.Info("Disconnected from Kafka")
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
