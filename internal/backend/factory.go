package backend

import (
	"context"
	"fmt"
	"log/slog"

	"tally/internal/amqp"
	"tally/internal/cache"
	"tally/internal/gateway/memory"
	"tally/internal/services"
	"tally/internal/storage"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: logger,
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case SQLiteBackend:
		return f.createSQLiteBackend(ctx, config)
	case MemoryBackend:
		return f.createMemoryBackend()
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

func (f *DefaultFactory) createSQLiteBackend(ctx context.Context, config Config) (*BackendResult, error) {
	sqliteRepo, err := storage.NewSQLiteRepository(config.SQLiteDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}

	feed, caches, kind := f.createFeed(ctx, config)
	store := services.NewRemoteStore(sqliteRepo, feed, services.WithLogger(f.logger))

	f.logger.Info("Initialized SQLite backend",
		"db_path", config.SQLiteDBPath,
		"feed", kind)

	return &BackendResult{
		Gateway: store,
		Kind:    "sqlite+" + kind,
		Cleanup: func() error {
			caches.Stop()
			return store.Close()
		},
	}, nil
}

// createFeed dials AMQP when configured. Without a broker, subscriptions
// only see changes made through this process.
func (f *DefaultFactory) createFeed(ctx context.Context, config Config) (services.ChangeFeed, *cache.Manager, string) {
	caches := cache.NewManager(f.logger)

	if config.AMQPURL == "" {
		return memory.NewBroker(), caches, "local"
	}
	if err := ctx.Err(); err != nil {
		f.logger.Warn("Context done before AMQP dial, using local feed", "error", err)
		return memory.NewBroker(), caches, "local"
	}

	client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, f.logger)
	if err != nil {
		f.logger.Warn("Failed to initialize AMQP client, using local feed", "error", err)
		return memory.NewBroker(), caches, "local"
	}

	caches.Register(client.Dedup())
	interval := config.CacheCleanupInterval
	if interval <= 0 {
		interval = defaultCacheCleanupInterval
	}
	caches.StartCleanup(interval)

	f.logger.Info("Initialized AMQP client", "exchange", config.AMQPExchange)
	return client, caches, "amqp"
}

func (f *DefaultFactory) createMemoryBackend() (*BackendResult, error) {
	store := memory.New()

	f.logger.Info("Initialized memory backend")

	return &BackendResult{
		Gateway: store,
		Kind:    "memory",
		Cleanup: store.Close,
	}, nil
}
