package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/0xmhha/block-streamer/internal/constants"
)

// Config holds all configuration for the block streamer
type Config struct {
	RPC        RPCConfig        `yaml:"rpc"`
	Stream     StreamConfig     `yaml:"stream"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	EventBus   EventBusConfig   `yaml:"eventbus"`
	Log        LogConfig        `yaml:"log"`
	API        APIConfig        `yaml:"api"`
	Node       NodeConfig       `yaml:"node"`
}

// RPCConfig holds RPC client configuration
type RPCConfig struct {
	// Endpoints lists the RPC endpoints; one worker is started per endpoint.
	// Live subscriptions need a ws:// endpoint first in the list.
	Endpoints []string `yaml:"endpoints"`
	// FallbackEndpoint is tried whenever a call on a worker's endpoint fails
	FallbackEndpoint string `yaml:"fallback_endpoint,omitempty"`
	// Timeout bounds a single RPC call
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries is the number of retries after a failed call
	MaxRetries int `yaml:"max_retries"`
	// RetryDelay is the initial backoff between retries
	RetryDelay time.Duration `yaml:"retry_delay"`
	// RateLimit caps requests per second per worker (0 = unlimited)
	RateLimit float64 `yaml:"rate_limit"`
	// RateBurst is the rate limiter burst size
	RateBurst int `yaml:"rate_burst"`
}

// StreamConfig holds block streaming configuration
type StreamConfig struct {
	// Mode selects the block source: "subscribe" (log subscription with
	// backfill) or "poll"
	Mode string `yaml:"mode"`
	// StartBlock is used when no checkpoint exists yet
	StartBlock uint64 `yaml:"start_block"`
	// MaxReOrgDepth bounds the restart walk-back and the checkpoint window
	MaxReOrgDepth uint64 `yaml:"max_reorg_depth"`
	// BlockDelay keeps the stream this many blocks behind latest.
	// When 0 the node's "finalized" tag is used for the backfill decision.
	BlockDelay uint64 `yaml:"block_delay"`
	// SubscriptionTimeout is the liveness timeout of a log subscription
	SubscriptionTimeout time.Duration `yaml:"subscription_timeout"`
	// PollingInterval is the poller's sleep when caught up
	PollingInterval time.Duration `yaml:"polling_interval"`
	// PollBatchSize caps the number of blocks fetched per poll round
	PollBatchSize int `yaml:"poll_batch_size"`
	// BackfillThreshold is the lag behind the finalized head that triggers a backfill
	BackfillThreshold uint64 `yaml:"backfill_threshold"`
	// QueueLimit is the soft admission limit of the backfill queue
	QueueLimit int `yaml:"queue_limit"`
	// AdmissionPollInterval is how often a paused backfill re-checks the queue
	AdmissionPollInterval time.Duration `yaml:"admission_poll_interval"`
	// RestartDelay is the pause before restarting after a fatal error
	RestartDelay time.Duration `yaml:"restart_delay"`
}

// CheckpointConfig holds checkpoint ledger configuration
type CheckpointConfig struct {
	// Backend is the ledger backend: "pebble", "redis", "memory"
	Backend string `yaml:"backend"`
	// Path is the Pebble database directory
	Path string `yaml:"path"`
	// Cache is the Pebble block cache size in MB
	Cache int `yaml:"cache"`
	// MaxOpenFiles is the Pebble open file limit
	MaxOpenFiles int `yaml:"max_open_files"`
	// WriteAttempts is how many times a checkpoint write is tried
	WriteAttempts int `yaml:"write_attempts"`
	// RetryDelay is the pause between write attempts
	RetryDelay time.Duration `yaml:"retry_delay"`
	// RedisKey is the sorted set holding the ledger
	RedisKey string `yaml:"redis_key"`
	// Redis holds the Redis connection for the "redis" backend
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds a Redis connection configuration
type RedisConfig struct {
	// Addresses is the list of Redis server addresses (supports cluster mode)
	Addresses []string `yaml:"addresses"`
	// Password is the Redis password
	Password string `yaml:"password,omitempty"`
	// DB is the Redis database number (ignored in cluster mode)
	DB int `yaml:"db"`
	// PoolSize is the maximum number of socket connections
	PoolSize int `yaml:"pool_size"`
	// MinIdleConns is the minimum number of idle connections
	MinIdleConns int `yaml:"min_idle_conns"`
	// DialTimeout is the timeout for establishing new connections
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// ReadTimeout is the timeout for socket reads
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout is the timeout for socket writes
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// ClusterMode indicates whether to use Redis Cluster
	ClusterMode bool `yaml:"cluster_mode"`
	// TLS holds TLS configuration for secure connections
	TLS TLSConfig `yaml:"tls"`
}

// EventBusConfig holds the downstream event bus configuration
type EventBusConfig struct {
	// Type is the event bus type: "kafka", "redis", "local"
	Type string `yaml:"type"`
	// Topic is the topic (Kafka) or stream key (Redis) blocks are produced to
	Topic string `yaml:"topic"`
	// Kafka holds Kafka producer configuration
	Kafka KafkaConfig `yaml:"kafka"`
	// Redis holds Redis Streams producer configuration
	Redis RedisStreamConfig `yaml:"redis"`
}

// KafkaConfig holds Kafka producer configuration
type KafkaConfig struct {
	// Brokers is the list of Kafka broker addresses
	Brokers []string `yaml:"brokers"`
	// ClientID is the client ID for this producer
	ClientID string `yaml:"client_id"`
	// SASLMechanism is the SASL mechanism: "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"
	SASLMechanism string `yaml:"sasl_mechanism"`
	// SASLUsername is the SASL username
	SASLUsername string `yaml:"sasl_username,omitempty"`
	// SASLPassword is the SASL password
	SASLPassword string `yaml:"sasl_password,omitempty"`
	// BatchSize is the maximum size of a message batch
	BatchSize int `yaml:"batch_size"`
	// LingerMs is the time to wait for the batch to fill
	LingerMs int `yaml:"linger_ms"`
	// Compression is the compression type: "none", "gzip", "snappy", "lz4", "zstd"
	Compression string `yaml:"compression"`
	// RequiredAcks is the number of acknowledgments required: 0, 1, -1 (all)
	RequiredAcks int `yaml:"required_acks"`
	// TLS holds TLS configuration for secure connections
	TLS TLSConfig `yaml:"tls"`
}

// RedisStreamConfig holds Redis Streams producer configuration
type RedisStreamConfig struct {
	RedisConfig `yaml:",inline"`
	// MaxLen trims the stream to roughly this many entries (0 = no trimming)
	MaxLen int64 `yaml:"max_len"`
}

// TLSConfig holds TLS configuration for secure connections
type TLSConfig struct {
	// Enabled indicates whether TLS is enabled
	Enabled bool `yaml:"enabled"`
	// CertFile is the path to the client certificate file
	CertFile string `yaml:"cert_file,omitempty"`
	// KeyFile is the path to the client key file
	KeyFile string `yaml:"key_file,omitempty"`
	// CAFile is the path to the CA certificate file
	CAFile string `yaml:"ca_file,omitempty"`
	// InsecureSkipVerify disables server certificate verification
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
	// ServerName is the expected server name for verification
	ServerName string `yaml:"server_name,omitempty"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// APIConfig holds the health/metrics server configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// NodeConfig identifies this streamer instance
type NodeConfig struct {
	// ID is attached to every produced event
	ID string `yaml:"id"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	// RPC defaults
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = constants.DefaultRPCTimeout
	}
	if c.RPC.MaxRetries == 0 {
		c.RPC.MaxRetries = constants.DefaultMaxRetries
	}
	if c.RPC.RetryDelay == 0 {
		c.RPC.RetryDelay = constants.DefaultRetryDelay
	}

	// Stream defaults
	if c.Stream.Mode == "" {
		c.Stream.Mode = "subscribe"
	}
	if c.Stream.MaxReOrgDepth == 0 {
		c.Stream.MaxReOrgDepth = constants.DefaultMaxReOrgDepth
	}
	if c.Stream.SubscriptionTimeout == 0 {
		c.Stream.SubscriptionTimeout = constants.DefaultSubscriptionTimeout
	}
	if c.Stream.PollingInterval == 0 {
		c.Stream.PollingInterval = constants.DefaultPollingInterval
	}
	if c.Stream.PollBatchSize == 0 {
		c.Stream.PollBatchSize = constants.DefaultPollBatchSize
	}
	if c.Stream.BackfillThreshold == 0 {
		c.Stream.BackfillThreshold = constants.DefaultBackfillThreshold
	}
	if c.Stream.QueueLimit == 0 {
		c.Stream.QueueLimit = constants.DefaultQueueLimit
	}
	if c.Stream.AdmissionPollInterval == 0 {
		c.Stream.AdmissionPollInterval = constants.DefaultAdmissionPollInterval
	}
	if c.Stream.RestartDelay == 0 {
		c.Stream.RestartDelay = constants.DefaultRestartDelay
	}

	// Checkpoint defaults
	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = "pebble"
	}
	if c.Checkpoint.Path == "" {
		c.Checkpoint.Path = "./data/checkpoints"
	}
	if c.Checkpoint.Cache == 0 {
		c.Checkpoint.Cache = constants.DefaultCacheSize
	}
	if c.Checkpoint.MaxOpenFiles == 0 {
		c.Checkpoint.MaxOpenFiles = constants.DefaultMaxOpenFiles
	}
	if c.Checkpoint.WriteAttempts == 0 {
		c.Checkpoint.WriteAttempts = constants.DefaultCheckpointWriteAttempts
	}
	if c.Checkpoint.RetryDelay == 0 {
		c.Checkpoint.RetryDelay = constants.DefaultCheckpointRetryDelay
	}
	if c.Checkpoint.RedisKey == "" {
		c.Checkpoint.RedisKey = constants.DefaultRedisCheckpointKey
	}
	c.Checkpoint.Redis.setDefaults()

	// EventBus defaults
	if c.EventBus.Type == "" {
		c.EventBus.Type = "local"
	}
	if c.EventBus.Topic == "" {
		c.EventBus.Topic = constants.DefaultEventTopic
	}
	if c.EventBus.Kafka.ClientID == "" {
		c.EventBus.Kafka.ClientID = "block-streamer"
	}
	if c.EventBus.Kafka.SASLMechanism == "" {
		c.EventBus.Kafka.SASLMechanism = "PLAIN"
	}
	if c.EventBus.Kafka.BatchSize == 0 {
		c.EventBus.Kafka.BatchSize = constants.DefaultKafkaBatchSize
	}
	if c.EventBus.Kafka.LingerMs == 0 {
		c.EventBus.Kafka.LingerMs = constants.DefaultKafkaLingerMs
	}
	if c.EventBus.Kafka.Compression == "" {
		c.EventBus.Kafka.Compression = "none"
	}
	if c.EventBus.Kafka.RequiredAcks == 0 {
		c.EventBus.Kafka.RequiredAcks = -1
	}
	if c.EventBus.Redis.MaxLen == 0 {
		c.EventBus.Redis.MaxLen = constants.DefaultRedisStreamMaxLen
	}
	c.EventBus.Redis.setDefaults()

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	// API defaults
	if c.API.Host == "" {
		c.API.Host = constants.DefaultAPIHost
	}
	if c.API.Port == 0 {
		c.API.Port = constants.DefaultAPIPort
	}

	// Node defaults
	if c.Node.ID == "" {
		if hostname, err := os.Hostname(); err == nil {
			c.Node.ID = hostname
		} else {
			c.Node.ID = "block-streamer"
		}
	}
}

func (r *RedisConfig) setDefaults() {
	if r.PoolSize == 0 {
		r.PoolSize = 10
	}
	if r.MinIdleConns == 0 {
		r.MinIdleConns = 2
	}
	if r.DialTimeout == 0 {
		r.DialTimeout = 5 * time.Second
	}
	if r.ReadTimeout == 0 {
		r.ReadTimeout = 3 * time.Second
	}
	if r.WriteTimeout == 0 {
		r.WriteTimeout = 3 * time.Second
	}
}

// LoadFromEnv loads configuration from STREAMER_* environment variables
func (c *Config) LoadFromEnv() error {
	// RPC configuration
	if endpoints := os.Getenv("STREAMER_RPC_ENDPOINTS"); endpoints != "" {
		c.RPC.Endpoints = splitList(endpoints)
	}
	if fallback := os.Getenv("STREAMER_RPC_FALLBACK_ENDPOINT"); fallback != "" {
		c.RPC.FallbackEndpoint = fallback
	}
	if timeout := os.Getenv("STREAMER_RPC_TIMEOUT"); timeout != "" {
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid STREAMER_RPC_TIMEOUT: %w", err)
		}
		c.RPC.Timeout = duration
	}
	if retries := os.Getenv("STREAMER_RPC_MAX_RETRIES"); retries != "" {
		val, err := strconv.Atoi(retries)
		if err != nil {
			return fmt.Errorf("invalid STREAMER_RPC_MAX_RETRIES: %w", err)
		}
		c.RPC.MaxRetries = val
	}
	if rateLimit := os.Getenv("STREAMER_RPC_RATE_LIMIT"); rateLimit != "" {
		val, err := strconv.ParseFloat(rateLimit, 64)
		if err != nil {
			return fmt.Errorf("invalid STREAMER_RPC_RATE_LIMIT: %w", err)
		}
		c.RPC.RateLimit = val
	}

	// Stream configuration
	if mode := os.Getenv("STREAMER_MODE"); mode != "" {
		c.Stream.Mode = mode
	}
	if startBlock := os.Getenv("STREAMER_START_BLOCK"); startBlock != "" {
		val, err := strconv.ParseUint(startBlock, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid STREAMER_START_BLOCK: %w", err)
		}
		c.Stream.StartBlock = val
	}
	if depth := os.Getenv("STREAMER_MAX_REORG_DEPTH"); depth != "" {
		val, err := strconv.ParseUint(depth, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid STREAMER_MAX_REORG_DEPTH: %w", err)
		}
		c.Stream.MaxReOrgDepth = val
	}
	if delay := os.Getenv("STREAMER_BLOCK_DELAY"); delay != "" {
		val, err := strconv.ParseUint(delay, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid STREAMER_BLOCK_DELAY: %w", err)
		}
		c.Stream.BlockDelay = val
	}
	if timeout := os.Getenv("STREAMER_SUBSCRIPTION_TIMEOUT"); timeout != "" {
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid STREAMER_SUBSCRIPTION_TIMEOUT: %w", err)
		}
		c.Stream.SubscriptionTimeout = duration
	}
	if interval := os.Getenv("STREAMER_POLLING_INTERVAL"); interval != "" {
		duration, err := time.ParseDuration(interval)
		if err != nil {
			return fmt.Errorf("invalid STREAMER_POLLING_INTERVAL: %w", err)
		}
		c.Stream.PollingInterval = duration
	}

	// Checkpoint configuration
	if backend := os.Getenv("STREAMER_CHECKPOINT_BACKEND"); backend != "" {
		c.Checkpoint.Backend = backend
	}
	if path := os.Getenv("STREAMER_CHECKPOINT_PATH"); path != "" {
		c.Checkpoint.Path = path
	}
	if addrs := os.Getenv("STREAMER_CHECKPOINT_REDIS_ADDRESSES"); addrs != "" {
		c.Checkpoint.Redis.Addresses = splitList(addrs)
	}
	if password := os.Getenv("STREAMER_CHECKPOINT_REDIS_PASSWORD"); password != "" {
		c.Checkpoint.Redis.Password = password
	}

	// EventBus configuration
	if busType := os.Getenv("STREAMER_EVENTBUS_TYPE"); busType != "" {
		c.EventBus.Type = busType
	}
	if topic := os.Getenv("STREAMER_EVENTBUS_TOPIC"); topic != "" {
		c.EventBus.Topic = topic
	}
	if brokers := os.Getenv("STREAMER_KAFKA_BROKERS"); brokers != "" {
		c.EventBus.Kafka.Brokers = splitList(brokers)
	}
	if username := os.Getenv("STREAMER_KAFKA_SASL_USERNAME"); username != "" {
		c.EventBus.Kafka.SASLUsername = username
	}
	if password := os.Getenv("STREAMER_KAFKA_SASL_PASSWORD"); password != "" {
		c.EventBus.Kafka.SASLPassword = password
	}
	if addrs := os.Getenv("STREAMER_EVENTBUS_REDIS_ADDRESSES"); addrs != "" {
		c.EventBus.Redis.Addresses = splitList(addrs)
	}

	// Log configuration
	if level := os.Getenv("STREAMER_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("STREAMER_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	// API configuration
	if enabled := os.Getenv("STREAMER_API_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid STREAMER_API_ENABLED: %w", err)
		}
		c.API.Enabled = val
	}
	if host := os.Getenv("STREAMER_API_HOST"); host != "" {
		c.API.Host = host
	}
	if port := os.Getenv("STREAMER_API_PORT"); port != "" {
		val, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid STREAMER_API_PORT: %w", err)
		}
		c.API.Port = val
	}

	// Node configuration
	if nodeID := os.Getenv("STREAMER_NODE_ID"); nodeID != "" {
		c.Node.ID = nodeID
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate RPC configuration
	if len(c.RPC.Endpoints) == 0 {
		return fmt.Errorf("at least one RPC endpoint is required")
	}
	for i, endpoint := range c.RPC.Endpoints {
		if strings.TrimSpace(endpoint) == "" {
			return fmt.Errorf("RPC endpoint %d is empty", i)
		}
	}
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive")
	}
	if c.RPC.MaxRetries < 0 {
		return fmt.Errorf("RPC max retries cannot be negative")
	}
	if c.RPC.RateLimit < 0 {
		return fmt.Errorf("RPC rate limit cannot be negative")
	}

	// Validate stream configuration
	validModes := map[string]bool{
		"subscribe": true,
		"poll":      true,
	}
	if !validModes[c.Stream.Mode] {
		return fmt.Errorf("invalid stream mode %q, must be one of: subscribe, poll", c.Stream.Mode)
	}
	if c.Stream.MaxReOrgDepth == 0 {
		return fmt.Errorf("max reorg depth must be positive")
	}
	if c.Stream.SubscriptionTimeout <= 0 {
		return fmt.Errorf("subscription timeout must be positive")
	}
	if c.Stream.PollingInterval <= 0 {
		return fmt.Errorf("polling interval must be positive")
	}
	if c.Stream.QueueLimit <= 0 {
		return fmt.Errorf("queue limit must be positive")
	}
	if c.Stream.PollBatchSize <= 0 {
		return fmt.Errorf("poll batch size must be positive")
	}

	// Validate checkpoint configuration
	validBackends := map[string]bool{
		"pebble": true,
		"redis":  true,
		"memory": true,
	}
	if !validBackends[c.Checkpoint.Backend] {
		return fmt.Errorf("invalid checkpoint backend %q, must be one of: pebble, redis, memory", c.Checkpoint.Backend)
	}
	if c.Checkpoint.Backend == "pebble" && c.Checkpoint.Path == "" {
		return fmt.Errorf("checkpoint path is required for the pebble backend")
	}
	if c.Checkpoint.Backend == "redis" && len(c.Checkpoint.Redis.Addresses) == 0 {
		return fmt.Errorf("redis checkpoint backend selected but no addresses configured")
	}
	if c.Checkpoint.WriteAttempts <= 0 {
		return fmt.Errorf("checkpoint write attempts must be positive")
	}

	// Validate EventBus configuration
	validEventBusTypes := map[string]bool{
		"local": true,
		"redis": true,
		"kafka": true,
	}
	if !validEventBusTypes[c.EventBus.Type] {
		return fmt.Errorf("invalid eventbus type %q, must be one of: local, redis, kafka", c.EventBus.Type)
	}
	if c.EventBus.Topic == "" {
		return fmt.Errorf("eventbus topic is required")
	}
	if c.EventBus.Type == "kafka" && len(c.EventBus.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka eventbus selected but no brokers configured")
	}
	if c.EventBus.Type == "redis" && len(c.EventBus.Redis.Addresses) == 0 {
		return fmt.Errorf("redis eventbus selected but no addresses configured")
	}

	// Validate log configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	// Validate API configuration
	if c.API.Enabled && (c.API.Port < constants.MinPort || c.API.Port > constants.MaxPort) {
		return fmt.Errorf("invalid API port %d", c.API.Port)
	}

	return nil
}

// Load is a convenience method that loads configuration in the following order:
// 1. Set defaults
// 2. Load from file (if provided)
// 3. Load from environment variables (override file)
// 4. Validate
func Load(configFile string) (*Config, error) {
	cfg := NewConfig()

	// Load from file if provided
	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Load from environment variables (override file)
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	// Set defaults for any missing values
	cfg.SetDefaults()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
