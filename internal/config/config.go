package config

import (
	"compress/gzip"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"goflare.io/relay/internal/retrier"
	"goflare.io/relay/internal/serviceworker"
	"goflare.io/relay/pkg/serialization"
)

// Config 請求最佳化引擎的配置
type Config struct {
	Cache         CacheConfig
	Batch         BatchConfig
	Pool          PoolConfig
	Retry         retrier.Options
	Compression   CompressionConfig
	Worker        WorkerConfig
	Redis         RedisConfig
	Serialization SerializationConfig
	Logger        *zap.Logger
}

// CacheConfig 記憶體快取配置
type CacheConfig struct {
	MaxSize int
	TTL     time.Duration
}

// BatchConfig 批次請求配置
type BatchConfig struct {
	Delay        time.Duration
	MaxBatchSize int
}

// PoolConfig 連線池配置
type PoolConfig struct {
	MaxSize int
}

// CompressionConfig 壓縮配置
type CompressionConfig struct {
	Enabled   bool
	Level     int
	ChunkSize int
}

// WorkerConfig 背景快取工作者配置
type WorkerConfig struct {
	Enabled    bool
	Script     serviceworker.Script
	Strategies []serviceworker.Strategy
	Settings   serviceworker.Config
}

// RedisConfig 持久化快取儲存配置，Options 為 nil 時使用記憶體儲存
type RedisConfig struct {
	Options                *redis.Options
	KeyPrefix              string
	BloomExpectedItems     uint
	BloomFalsePositiveRate float64
}

// SerializationConfig 序列化相關配置
type SerializationConfig struct {
	Type string
}

// Option 函數類型
type Option func(*Config) error

var (
	ErrInvalidCache       = errors.New("cache max size and ttl must be positive")
	ErrInvalidBatch       = errors.New("batch delay and size must be positive")
	ErrInvalidPool        = errors.New("pool size must be at least 1")
	ErrInvalidRetry       = errors.New("invalid retry options")
	ErrInvalidCompression = errors.New("invalid compression options")
)

// NewConfig 創建一個默認的 Config，允許覆蓋特定參數
func NewConfig(options ...Option) (*Config, error) {
	defaultLogger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Cache: CacheConfig{
			MaxSize: 100,
			TTL:     5 * time.Minute,
		},
		Batch: BatchConfig{
			Delay:        100 * time.Millisecond,
			MaxBatchSize: 10,
		},
		Pool: PoolConfig{
			MaxSize: 6,
		},
		Retry: retrier.DefaultOptions(),
		Compression: CompressionConfig{
			Enabled:   true,
			Level:     gzip.DefaultCompression,
			ChunkSize: 32 * 1024,
		},
		Worker: WorkerConfig{
			Enabled:    true,
			Strategies: serviceworker.DefaultStrategies(),
			Settings:   serviceworker.DefaultConfig(),
		},
		Redis: RedisConfig{
			KeyPrefix:              "relay:sw:",
			BloomExpectedItems:     10000,
			BloomFalsePositiveRate: 0.01,
		},
		Serialization: SerializationConfig{
			Type: serialization.JSONType,
		},
		Logger: defaultLogger,
	}

	// 應用所有選項
	for _, option := range options {
		if err := option(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 最終檢查
func (c *Config) Validate() error {
	if c.Cache.MaxSize <= 0 || c.Cache.TTL <= 0 {
		return ErrInvalidCache
	}
	if c.Batch.Delay <= 0 || c.Batch.MaxBatchSize <= 0 {
		return ErrInvalidBatch
	}
	if c.Pool.MaxSize < 1 {
		return ErrInvalidPool
	}
	r := c.Retry
	if r.MaxAttempts < 1 || r.BaseDelay < 0 || r.MaxDelay < r.BaseDelay || r.BackoffFactor < 1 {
		return ErrInvalidRetry
	}
	if c.Compression.Level < gzip.HuffmanOnly || c.Compression.Level > gzip.BestCompression || c.Compression.ChunkSize <= 0 {
		return ErrInvalidCompression
	}
	if _, err := serialization.ForType(c.Serialization.Type); err != nil {
		return err
	}
	if c.Worker.Enabled {
		if err := c.Worker.Settings.Validate(); err != nil {
			return err
		}
		for _, s := range c.Worker.Strategies {
			if err := s.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// WithLogger 設置自定義 Logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		if logger != nil {
			c.Logger = logger
		}
		return nil
	}
}

// WithCacheSize 設置記憶體快取的最大項目數
func WithCacheSize(size int) Option {
	return func(c *Config) error {
		if size <= 0 {
			return fmt.Errorf("%w: size %d", ErrInvalidCache, size)
		}
		c.Cache.MaxSize = size
		return nil
	}
}

// WithCacheTTL 設置記憶體快取項目的存活時間
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		if ttl <= 0 {
			return fmt.Errorf("%w: ttl %s", ErrInvalidCache, ttl)
		}
		c.Cache.TTL = ttl
		return nil
	}
}

// WithBatching 設置批次延遲與最大批次大小
func WithBatching(delay time.Duration, maxBatchSize int) Option {
	return func(c *Config) error {
		c.Batch.Delay = delay
		c.Batch.MaxBatchSize = maxBatchSize
		return nil
	}
}

// WithPoolSize 設置閒置連線的最大數量
func WithPoolSize(size int) Option {
	return func(c *Config) error {
		c.Pool.MaxSize = size
		return nil
	}
}

// WithRetry 設置預設重試參數
func WithRetry(opts ...retrier.Option) Option {
	return func(c *Config) error {
		for _, opt := range opts {
			opt(&c.Retry)
		}
		return nil
	}
}

// WithCompressionLevel 設置 gzip 壓縮等級
func WithCompressionLevel(level int) Option {
	return func(c *Config) error {
		c.Compression.Level = level
		return nil
	}
}

// WithoutCompression 停用串流壓縮，改以純文字傳輸
func WithoutCompression() Option {
	return func(c *Config) error {
		c.Compression.Enabled = false
		return nil
	}
}

// WithWorkerScript 設置背景工作者腳本，未設置時不註冊
func WithWorkerScript(script serviceworker.Script) Option {
	return func(c *Config) error {
		c.Worker.Script = script
		return nil
	}
}

// WithStrategies 設置背景工作者的快取策略
func WithStrategies(strategies []serviceworker.Strategy) Option {
	return func(c *Config) error {
		c.Worker.Strategies = append([]serviceworker.Strategy(nil), strategies...)
		return nil
	}
}

// WithWorkerSettings 設置背景工作者行為
func WithWorkerSettings(settings serviceworker.Config) Option {
	return func(c *Config) error {
		c.Worker.Settings = settings
		return nil
	}
}

// WithoutServiceWorker 停用背景工作者，請求直接送往網路
func WithoutServiceWorker() Option {
	return func(c *Config) error {
		c.Worker.Enabled = false
		return nil
	}
}

// WithRedis 使用 Redis 持久化背景工作者的快取
func WithRedis(opts *redis.Options) Option {
	return func(c *Config) error {
		if opts == nil {
			return errors.New("redis options must not be nil")
		}
		c.Redis.Options = opts
		return nil
	}
}

// WithSerialization 設置序列化方式
func WithSerialization(name string) Option {
	return func(c *Config) error {
		if _, err := serialization.ForType(name); err != nil {
			return err
		}
		c.Serialization.Type = name
		return nil
	}
}
