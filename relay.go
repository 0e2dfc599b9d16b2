package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/relay/internal/batch"
	"goflare.io/relay/internal/compress"
	"goflare.io/relay/internal/config"
	"goflare.io/relay/internal/dedupe"
	"goflare.io/relay/internal/lru"
	"goflare.io/relay/internal/pool"
	"goflare.io/relay/internal/retrier"
	"goflare.io/relay/internal/serviceworker"
)

// Operation is a unit of work keyed for deduplication and retry.
type Operation func(ctx context.Context) (any, error)

// Engine 定義請求最佳化引擎的主要結構體
type Engine struct {
	cfg        *config.Config
	cache      *lru.Cache[any]
	flights    *dedupe.Deduplicator
	batcher    *batch.Batcher[any, any]
	pool       *pool.Pool
	retrier    *retrier.Retrier
	compressor *compress.Handler
	manager    *serviceworker.Manager
	redis      *redis.Client
	tracer     trace.Tracer
	logger     *zap.Logger
	closed     *atomic.Bool
}

// New 初始化引擎，接受多個配置選項
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	options := make([]config.Option, len(opts))
	for i, opt := range opts {
		options[i] = config.Option(opt)
	}
	cfg, err := config.NewConfig(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create config: %w", err)
	}
	logger := cfg.Logger

	compressorOpts := []compress.Option{
		compress.WithLevel(cfg.Compression.Level),
		compress.WithChunkSize(cfg.Compression.ChunkSize),
	}
	if !cfg.Compression.Enabled {
		compressorOpts = append(compressorOpts, compress.WithoutStreaming())
	}

	e := &Engine{
		cfg: cfg,
		cache: lru.New[any](
			lru.WithMaxSize(cfg.Cache.MaxSize),
			lru.WithTTL(cfg.Cache.TTL),
			lru.WithLogger(logger),
		),
		flights: dedupe.New(logger),
		batcher: batch.New[any, any](
			batch.WithDelay(cfg.Batch.Delay),
			batch.WithMaxBatchSize(cfg.Batch.MaxBatchSize),
			batch.WithLogger(logger),
		),
		retrier:    retrier.New(logger, retrier.WithOptions(cfg.Retry)),
		compressor: compress.New(compressorOpts...),
		tracer:     otel.Tracer("relay"),
		logger:     logger,
		closed:     atomic.NewBool(false),
	}

	var transport http.RoundTripper = http.DefaultTransport
	if cfg.Worker.Enabled {
		storage, err := e.newStorage(ctx)
		if err != nil {
			return nil, err
		}
		e.manager = serviceworker.NewManager(storage, http.DefaultTransport,
			serviceworker.WithWorkerConfig(cfg.Worker.Settings),
			serviceworker.WithStrategies(cfg.Worker.Strategies),
			serviceworker.WithManagerLogger(logger),
		)
		transport = e.manager.Transport()

		if cfg.Worker.Script.URL != "" {
			// A failed registration leaves requests on the network.
			if _, err := e.manager.Register(ctx, cfg.Worker.Script); err != nil {
				logger.Warn("Background worker registration failed", zap.String("script", cfg.Worker.Script.URL), zap.Error(err))
			}
		}
	}

	e.pool = pool.New(
		pool.WithMaxSize(cfg.Pool.MaxSize),
		pool.WithTransport(transport),
		pool.WithLogger(logger),
	)

	logger.Info("Relay engine initialized",
		zap.Int("cacheSize", cfg.Cache.MaxSize),
		zap.Bool("worker", cfg.Worker.Enabled),
		zap.Bool("redis", e.redis != nil),
	)
	return e, nil
}

func (e *Engine) newStorage(ctx context.Context) (serviceworker.Storage, error) {
	if e.cfg.Redis.Options == nil {
		return serviceworker.NewMemoryStorage(), nil
	}

	client := redis.NewClient(e.cfg.Redis.Options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	storage, err := serviceworker.NewRedisStorage(client,
		serviceworker.WithKeyPrefix(e.cfg.Redis.KeyPrefix),
		serviceworker.WithSerialization(e.cfg.Serialization.Type),
		serviceworker.WithCompressor(e.compressor),
		serviceworker.WithBloomEstimates(e.cfg.Redis.BloomExpectedItems, e.cfg.Redis.BloomFalsePositiveRate),
		serviceworker.WithStorageLogger(e.logger),
	)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	e.redis = client
	return storage, nil
}

// Do runs op once for all concurrent callers sharing key and retries it
// with the configured backoff.
func (e *Engine) Do(ctx context.Context, key string, op Operation, opts ...retrier.Option) (any, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	ctx, span := e.tracer.Start(ctx, "Engine.Do", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	v, err := e.flights.Do(ctx, key, func(ctx context.Context) (any, error) {
		return retrier.Do[any](ctx, e.retrier, key, op, opts...)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return v, nil
}

// Load returns the cached value for key, or runs op through Do and caches a
// successful result.
func (e *Engine) Load(ctx context.Context, key string, op Operation, opts ...retrier.Option) (any, error) {
	if v, ok := e.cache.Get(key); ok {
		return v, nil
	}
	v, err := e.Do(ctx, key, op, opts...)
	if err != nil {
		return nil, err
	}
	e.cache.Set(key, v)
	return v, nil
}

// Batch queues item for endpoint and waits for its slot of the batch result.
func (e *Engine) Batch(ctx context.Context, endpoint string, item any, process Processor) (any, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.batcher.Add(ctx, endpoint, item, process)
}

// Cache 返回記憶體快取
func (e *Engine) Cache() *lru.Cache[any] { return e.cache }

// Pool 返回連線池
func (e *Engine) Pool() *pool.Pool { return e.pool }

// Compressor 返回壓縮器
func (e *Engine) Compressor() *compress.Handler { return e.compressor }

// ServiceWorker returns the worker manager, or nil when disabled.
func (e *Engine) ServiceWorker() *serviceworker.Manager { return e.manager }

// HTTPClient returns a client whose requests use pooled handles and go
// through the active background worker.
func (e *Engine) HTTPClient() *http.Client {
	return &http.Client{Transport: e.pool}
}

// Close 關閉引擎，釋放資源
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.batcher.Close()
	e.pool.Destroy()
	e.flights.ClearAll()
	if e.manager != nil {
		e.manager.Unregister()
	}

	var errs []error
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
	}
	e.logger.Info("Relay engine closed")
	return errors.Join(errs...)
}

// Do is the typed form of Engine.Do.
func Do[T any](ctx context.Context, e *Engine, key string, op func(ctx context.Context) (T, error), opts ...retrier.Option) (T, error) {
	var zero T
	v, err := e.Do(ctx, key, func(ctx context.Context) (any, error) {
		return op(ctx)
	}, opts...)
	if err != nil || v == nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("relay: unexpected result type %T", v)
	}
	return t, nil
}
