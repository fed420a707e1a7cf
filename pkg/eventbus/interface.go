package eventbus

import (
	"context"
	"time"
)

// Producer publishes payloads to a downstream event bus and acknowledges
// each one asynchronously through the DeliveryHandler passed to Start.
type Producer interface {
	// Start connects to the backend and registers the delivery handler.
	// Errors wrapping ErrIrrecoverable must not be retried.
	Start(ctx context.Context, handler DeliveryHandler) (Metadata, error)

	// ProduceEvent queues msg for delivery. A nil return only means the
	// message was accepted; the outcome arrives as a Report.
	ProduceEvent(ctx context.Context, msg Message) error

	// Stop flushes pending messages and releases the connection.
	// Returns false when the producer was not running.
	Stop(ctx context.Context) (bool, error)

	// Type returns the backend type
	Type() Type
}

// Type identifies an event bus backend
type Type string

const (
	TypeLocal Type = "local"
	TypeRedis Type = "redis"
	TypeKafka Type = "kafka"
)

// Message is a single payload to produce
type Message struct {
	// Key is the message key (the decimal block number for blocks)
	Key string

	// Payload is the serialized body
	Payload []byte

	// Topic overrides the configured topic when set
	Topic string

	// Partition pins the message to a partition when set (Kafka only)
	Partition *int

	// Timestamp is attached to the message when not zero
	Timestamp time.Time

	// Headers are attached as message headers (Kafka) or stream fields (Redis)
	Headers map[string]string

	// Opaque is echoed back unchanged in the delivery report
	Opaque any
}

// Report is the delivery acknowledgement for one message
type Report struct {
	// Opaque is the token passed in Message.Opaque
	Opaque any

	// Err is nil on successful delivery
	Err error

	// Topic the message was written to
	Topic string

	// Partition and Offset locate the message in Kafka
	Partition int
	Offset    int64

	// ID is the Redis stream entry ID
	ID string
}

// DeliveryHandler receives delivery reports. Kafka reports partitions
// concurrently, so handlers must be safe for concurrent use and must not
// assume reports arrive in production order.
type DeliveryHandler func(Report)

// Metadata describes the backend a producer is connected to
type Metadata struct {
	Type       Type     `json:"type"`
	Topic      string   `json:"topic"`
	Brokers    []string `json:"brokers,omitempty"`
	Partitions int      `json:"partitions,omitempty"`
}
