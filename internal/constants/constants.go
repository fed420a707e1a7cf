package constants

import "time"

// API Server Constants
const (
	// DefaultAPIHost is the default API server host
	DefaultAPIHost = "localhost"

	// DefaultAPIPort is the default API server port
	DefaultAPIPort = 8080

	// MinPort is the minimum valid port number
	MinPort = 1

	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultReadTimeout is the default HTTP read timeout
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the default HTTP write timeout
	DefaultWriteTimeout = 15 * time.Second

	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 30 * time.Second
)

// RPC Constants
const (
	// DefaultRPCTimeout bounds a single RPC call
	DefaultRPCTimeout = 10 * time.Second

	// DefaultMaxRetries is the default maximum number of retries for failed RPC calls
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the initial delay between retries, doubled on each attempt
	DefaultRetryDelay = 500 * time.Millisecond
)

// Stream Constants
const (
	// DefaultMaxReOrgDepth is how many blocks behind the checkpoint a restart may rewind
	DefaultMaxReOrgDepth = 64

	// DefaultSubscriptionTimeout is how long a live subscription may stay silent
	// before it is considered stalled
	DefaultSubscriptionTimeout = 60 * time.Second

	// DefaultPollingInterval is the sleep between polls when the poller is caught up
	DefaultPollingInterval = 2 * time.Second

	// DefaultBackfillThreshold is the distance behind the finalized head above
	// which the stream backfills instead of subscribing
	DefaultBackfillThreshold = 50

	// DefaultQueueLimit is the soft admission limit for pending backfill fetches
	DefaultQueueLimit = 2500

	// DefaultAdmissionPollInterval is how often a paused backfill re-checks the queue
	DefaultAdmissionPollInterval = 5 * time.Second

	// DefaultPollBatchSize caps how many blocks one poll round fetches
	DefaultPollBatchSize = 100

	// DefaultRestartDelay is the pause before the producer restarts after a fatal error
	DefaultRestartDelay = 1 * time.Second

	// DefaultProduceAttempts is how many times a block is offered to the event bus
	DefaultProduceAttempts = 3

	// DefaultProduceRetryDelay is the pause between produce attempts
	DefaultProduceRetryDelay = 200 * time.Millisecond

	// RecentHashWindow is how many emitted hashes are remembered for duplicate checks
	RecentHashWindow = 256
)

// Checkpoint Constants
const (
	// DefaultCheckpointWriteAttempts is how many times a checkpoint write is tried
	DefaultCheckpointWriteAttempts = 5

	// DefaultCheckpointRetryDelay is the pause between checkpoint write attempts
	DefaultCheckpointRetryDelay = 200 * time.Millisecond

	// DefaultRedisCheckpointKey is the sorted set holding the checkpoint ledger
	DefaultRedisCheckpointKey = "block-streamer:checkpoints"
)

// Storage Constants
const (
	// DefaultCacheSize is the default cache size in MB for PebbleDB
	DefaultCacheSize = 16 // MB

	// DefaultMaxOpenFiles is the default maximum number of open files for PebbleDB
	DefaultMaxOpenFiles = 256

	// DefaultWriteBuffer is the default write buffer size in MB for PebbleDB
	DefaultWriteBuffer = 8 // MB

	// DefaultCompactionConcurrency is the default number of concurrent compactions
	DefaultCompactionConcurrency = 2
)

// EventBus Constants
const (
	// DefaultEventTopic is the topic blocks are produced to
	DefaultEventTopic = "blocks"

	// DefaultKafkaBatchSize is the default Kafka writer batch size
	DefaultKafkaBatchSize = 100

	// DefaultKafkaLingerMs is how long the Kafka writer waits to fill a batch
	DefaultKafkaLingerMs = 10

	// DefaultRedisStreamMaxLen caps the Redis stream length (approximate trimming)
	DefaultRedisStreamMaxLen = 100000

	// DefaultStopTimeout bounds how long stopping the event bus may wait for
	// outstanding deliveries
	DefaultStopTimeout = 10 * time.Second
)
