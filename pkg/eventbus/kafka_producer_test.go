package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xmhha/block-streamer/internal/config"
)

func newTestKafkaProducer(t *testing.T) *KafkaProducer {
	t.Helper()
	kp, err := NewKafkaProducer(config.KafkaConfig{
		Brokers:     []string{"localhost:9092"},
		Compression: "snappy",
	}, "blocks", "node-1", zap.NewNop())
	require.NoError(t, err)
	return kp
}

// ============================================================================
// Construction Tests
// ============================================================================

func TestNewKafkaProducer_Validation(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.KafkaConfig
		topic string
	}{
		{"no brokers", config.KafkaConfig{}, "blocks"},
		{"no topic", config.KafkaConfig{Brokers: []string{"localhost:9092"}}, ""},
		{"bad compression", config.KafkaConfig{Brokers: []string{"localhost:9092"}, Compression: "brotli"}, "blocks"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKafkaProducer(tt.cfg, tt.topic, "node-1", nil)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestKafkaProducer_Type(t *testing.T) {
	assert.Equal(t, TypeKafka, newTestKafkaProducer(t).Type())
}

func TestKafkaProducer_NotStarted(t *testing.T) {
	kp := newTestKafkaProducer(t)

	err := kp.ProduceEvent(context.Background(), Message{Key: "1"})
	assert.ErrorIs(t, err, ErrNotStarted)

	stopped, err := kp.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestKafkaProducer_StartUnreachable(t *testing.T) {
	kp, err := NewKafkaProducer(config.KafkaConfig{
		Brokers: []string{"127.0.0.1:1"},
	}, "blocks", "node-1", zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = kp.Start(ctx, nil)
	require.Error(t, err)
	assert.False(t, IsIrrecoverable(err))

	// a failed start leaves the producer unstarted
	assert.ErrorIs(t, kp.ProduceEvent(context.Background(), Message{}), ErrNotStarted)
}

// ============================================================================
// Message Mapping Tests
// ============================================================================

func TestKafkaProducer_ToKafkaMessage(t *testing.T) {
	kp := newTestKafkaProducer(t)
	partition := 3
	ts := time.Unix(1_700_000_000, 0)

	m := kp.toKafkaMessage(Message{
		Key:       "100",
		Payload:   []byte(`{"number":100}`),
		Partition: &partition,
		Timestamp: ts,
		Headers:   map[string]string{"block_number": "100", "block_hash": "0xabc"},
		Opaque:    "tag",
	})

	assert.Equal(t, "blocks", m.Topic)
	assert.Equal(t, []byte("100"), m.Key)
	assert.Equal(t, []byte(`{"number":100}`), m.Value)
	assert.Equal(t, ts, m.Time)

	require.Len(t, m.Headers, 3)
	assert.Equal(t, kafka.Header{Key: "node_id", Value: []byte("node-1")}, m.Headers[0])
	assert.Equal(t, kafka.Header{Key: "block_hash", Value: []byte("0xabc")}, m.Headers[1])
	assert.Equal(t, kafka.Header{Key: "block_number", Value: []byte("100")}, m.Headers[2])

	tag, ok := m.WriterData.(*deliveryTag)
	require.True(t, ok)
	assert.Equal(t, "tag", tag.opaque)
	require.NotNil(t, tag.partition)
	assert.Equal(t, 3, *tag.partition)
}

func TestKafkaProducer_ToKafkaMessageTopicOverride(t *testing.T) {
	kp := newTestKafkaProducer(t)
	m := kp.toKafkaMessage(Message{Key: "1", Topic: "other"})
	assert.Equal(t, "other", m.Topic)
}

// ============================================================================
// Completion Callback Tests
// ============================================================================

func TestKafkaProducer_CompleteSuccess(t *testing.T) {
	kp := newTestKafkaProducer(t)
	collector := newReportCollector()
	kp.handler = collector.handle

	messages := []kafka.Message{
		kp.toKafkaMessage(Message{Key: "1", Opaque: 1}),
		kp.toKafkaMessage(Message{Key: "2", Opaque: 2}),
	}
	messages[0].Partition, messages[0].Offset = 0, 41
	messages[1].Partition, messages[1].Offset = 0, 42

	kp.complete(messages, nil)

	reports := collector.wait(t, 2)
	for i, r := range reports {
		require.NoError(t, r.Err)
		assert.Equal(t, i+1, r.Opaque)
		assert.Equal(t, "blocks", r.Topic)
		assert.Equal(t, int64(41+i), r.Offset)
	}
}

func TestKafkaProducer_CompletePerMessageErrors(t *testing.T) {
	kp := newTestKafkaProducer(t)
	collector := newReportCollector()
	kp.handler = collector.handle

	messages := []kafka.Message{
		kp.toKafkaMessage(Message{Key: "1", Opaque: 1}),
		kp.toKafkaMessage(Message{Key: "2", Opaque: 2}),
		kp.toKafkaMessage(Message{Key: "3", Opaque: 3}),
	}
	writeErrs := kafka.WriteErrors{nil, kafka.LeaderNotAvailable, kafka.TopicAuthorizationFailed}

	kp.complete(messages, writeErrs)

	reports := collector.wait(t, 3)
	assert.NoError(t, reports[0].Err)
	assert.Equal(t, 1, reports[0].Opaque)

	require.Error(t, reports[1].Err)
	assert.False(t, IsIrrecoverable(reports[1].Err))
	assert.Equal(t, 2, reports[1].Opaque)

	assert.True(t, IsIrrecoverable(reports[2].Err))
	assert.Equal(t, 3, reports[2].Opaque)
}

func TestKafkaProducer_CompleteBatchError(t *testing.T) {
	kp := newTestKafkaProducer(t)
	collector := newReportCollector()
	kp.handler = collector.handle

	boom := errors.New("connection reset")
	messages := []kafka.Message{
		kp.toKafkaMessage(Message{Key: "1", Opaque: 1}),
		kp.toKafkaMessage(Message{Key: "2", Opaque: 2}),
	}

	kp.complete(messages, boom)

	for _, r := range collector.wait(t, 2) {
		assert.ErrorIs(t, r.Err, boom)
	}
}

func TestKafkaProducer_CompleteWithoutHandler(t *testing.T) {
	kp := newTestKafkaProducer(t)
	assert.NotPanics(t, func() {
		kp.complete([]kafka.Message{kp.toKafkaMessage(Message{Key: "1"})}, nil)
	})
}
