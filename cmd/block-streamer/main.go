package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0xmhha/block-streamer/internal/config"
	"github.com/0xmhha/block-streamer/internal/constants"
	"github.com/0xmhha/block-streamer/internal/logger"
	"github.com/0xmhha/block-streamer/pkg/api"
	"github.com/0xmhha/block-streamer/pkg/checkpoint"
	"github.com/0xmhha/block-streamer/pkg/client"
	"github.com/0xmhha/block-streamer/pkg/eventbus"
	"github.com/0xmhha/block-streamer/pkg/metrics"
	"github.com/0xmhha/block-streamer/pkg/poller"
	"github.com/0xmhha/block-streamer/pkg/producer"
	"github.com/0xmhha/block-streamer/pkg/stream"
	"github.com/0xmhha/block-streamer/pkg/worker"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

type flags struct {
	configFile  string
	showVersion bool
	rpc         string
	fallback    string
	mode        string
	startBlock  uint64
	reorgDepth  uint64
	blockDelay  uint64
	eventBus    string
	topic       string
	checkpoints string
	logLevel    string
	logFormat   string
	enableAPI   bool
	apiPort     int
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML)")
	flag.BoolVar(&f.showVersion, "version", false, "Show version information and exit")
	flag.StringVar(&f.rpc, "rpc", "", "Comma-separated RPC endpoints, one worker each")
	flag.StringVar(&f.fallback, "rpc-fallback", "", "Fallback RPC endpoint")
	flag.StringVar(&f.mode, "mode", "", "Stream mode (subscribe, poll)")
	flag.Uint64Var(&f.startBlock, "start-block", 0, "Block to start from when no checkpoint exists")
	flag.Uint64Var(&f.reorgDepth, "max-reorg-depth", 0, "Maximum reorg depth handled on restart")
	flag.Uint64Var(&f.blockDelay, "block-delay", 0, "Blocks to stay behind the chain head")
	flag.StringVar(&f.eventBus, "eventbus", "", "Event bus type (local, redis, kafka)")
	flag.StringVar(&f.topic, "topic", "", "Topic or stream blocks are produced to")
	flag.StringVar(&f.checkpoints, "checkpoint-path", "", "Pebble checkpoint directory")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.logFormat, "log-format", "", "Log format (json, console)")
	flag.BoolVar(&f.enableAPI, "api", false, "Enable the health and metrics server")
	flag.IntVar(&f.apiPort, "api-port", 0, "Health and metrics server port")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()
	if f.showVersion {
		fmt.Printf("block-streamer version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Development: cfg.Log.Format == "console",
		NodeID:      cfg.Node.ID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting block streamer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.String("mode", cfg.Stream.Mode),
		zap.Strings("rpc_endpoints", cfg.RPC.Endpoints),
		zap.String("eventbus", cfg.EventBus.Type),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Block streamer stopped with fatal error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("Block streamer stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	m := metrics.New(metrics.DefaultNamespace)

	source, err := newClient(cfg, cfg.RPC.Endpoints[0], log)
	if err != nil {
		return fmt.Errorf("failed to create RPC client: %w", err)
	}
	defer source.Close()

	pool, err := worker.NewPool(worker.Config{
		Workers:    len(cfg.RPC.Endpoints),
		RateLimit:  cfg.RPC.RateLimit,
		RateBurst:  cfg.RPC.RateBurst,
		JobTimeout: clientConfig(cfg, cfg.RPC.Endpoints[0], log).RetryBudget(),
	}, func(workerID int) (worker.BlockFetcher, error) {
		return newClient(cfg, cfg.RPC.Endpoints[workerID], log)
	}, logger.WithComponent(log, "worker-pool"), m)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	defer pool.Stop()

	store, err := checkpoint.New(ctx, cfg.Checkpoint, log)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Failed to close checkpoint store", zap.Error(err))
		}
	}()

	bus, err := eventbus.NewProducer(cfg.EventBus, cfg.Node.ID, log)
	if err != nil {
		return fmt.Errorf("failed to create event bus producer: %w", err)
	}

	streamer, err := newStreamer(cfg, source, pool, log, m)
	if err != nil {
		return err
	}

	prod, err := producer.New(producer.Config{
		StartBlock:      cfg.Stream.StartBlock,
		MaxReOrgDepth:   cfg.Stream.MaxReOrgDepth,
		RestartDelay:    cfg.Stream.RestartDelay,
		WriteAttempts:   cfg.Checkpoint.WriteAttempts,
		WriteRetryDelay: cfg.Checkpoint.RetryDelay,
		StopTimeout:     constants.DefaultStopTimeout,
	}, source, streamer, bus, store, eventbus.NewJSONSerializer(cfg.Node.ID), log, m)
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return prod.Run(gctx)
	})

	if cfg.API.Enabled {
		server, err := api.NewServer(api.Config{
			Host:   cfg.API.Host,
			Port:   cfg.API.Port,
			NodeID: cfg.Node.ID,
		}, prod, m, log)
		if err != nil {
			return fmt.Errorf("failed to create API server: %w", err)
		}
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultShutdownTimeout)
			defer cancel()
			return server.Stop(shutdownCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func clientConfig(cfg *config.Config, endpoint string, log *zap.Logger) *client.Config {
	return &client.Config{
		Endpoint:         endpoint,
		FallbackEndpoint: cfg.RPC.FallbackEndpoint,
		Timeout:          cfg.RPC.Timeout,
		MaxRetries:       cfg.RPC.MaxRetries,
		RetryDelay:       cfg.RPC.RetryDelay,
		Logger:           log,
	}
}

func newClient(cfg *config.Config, endpoint string, log *zap.Logger) (*client.Client, error) {
	return client.NewClient(clientConfig(cfg, endpoint, log))
}

func newStreamer(cfg *config.Config, source *client.Client, pool *worker.Pool, log *zap.Logger, m *metrics.Metrics) (stream.Streamer, error) {
	if cfg.Stream.Mode == "poll" {
		p, err := poller.New(poller.Config{
			BlockDelay:   cfg.Stream.BlockDelay,
			PollInterval: cfg.Stream.PollingInterval,
			BatchSize:    cfg.Stream.PollBatchSize,
		}, source, pool, log, m)
		if err != nil {
			return nil, fmt.Errorf("failed to create poller: %w", err)
		}
		return p, nil
	}

	sub, err := stream.NewSubscription(stream.Config{
		BlockDelay:            cfg.Stream.BlockDelay,
		SubscriptionTimeout:   cfg.Stream.SubscriptionTimeout,
		BackfillThreshold:     cfg.Stream.BackfillThreshold,
		QueueLimit:            cfg.Stream.QueueLimit,
		AdmissionPollInterval: cfg.Stream.AdmissionPollInterval,
	}, source, pool, log, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

// loadConfig reads .env, the config file and the environment, then applies
// command-line flags before validating
func loadConfig(f *flags) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := config.NewConfig()
	if f.configFile != "" {
		if err := cfg.LoadFromFile(f.configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	applyFlags(cfg, f)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads environment variables from a .env file if it exists
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func applyFlags(cfg *config.Config, f *flags) {
	if f.rpc != "" {
		var endpoints []string
		for _, e := range strings.Split(f.rpc, ",") {
			if e = strings.TrimSpace(e); e != "" {
				endpoints = append(endpoints, e)
			}
		}
		cfg.RPC.Endpoints = endpoints
	}
	if f.fallback != "" {
		cfg.RPC.FallbackEndpoint = f.fallback
	}
	if f.mode != "" {
		cfg.Stream.Mode = f.mode
	}
	if f.startBlock > 0 {
		cfg.Stream.StartBlock = f.startBlock
	}
	if f.reorgDepth > 0 {
		cfg.Stream.MaxReOrgDepth = f.reorgDepth
	}
	if f.blockDelay > 0 {
		cfg.Stream.BlockDelay = f.blockDelay
	}
	if f.eventBus != "" {
		cfg.EventBus.Type = f.eventBus
	}
	if f.topic != "" {
		cfg.EventBus.Topic = f.topic
	}
	if f.checkpoints != "" {
		cfg.Checkpoint.Path = f.checkpoints
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if f.enableAPI {
		cfg.API.Enabled = true
	}
	if f.apiPort > 0 {
		cfg.API.Port = f.apiPort
	}
}
