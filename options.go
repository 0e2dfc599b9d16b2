package relay

import (
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"goflare.io/relay/internal/config"
	"goflare.io/relay/internal/retrier"
	"goflare.io/relay/internal/serviceworker"
)

// Option 定義初始化引擎的選項
type Option func(*config.Config) error

// WithLogger 設置自定義的日誌記錄器
func WithLogger(logger *zap.Logger) Option {
	return Option(config.WithLogger(logger))
}

// WithCacheSize 設置記憶體快取的最大項目數
func WithCacheSize(size int) Option {
	return Option(config.WithCacheSize(size))
}

// WithCacheTTL 設置記憶體快取項目的存活時間
func WithCacheTTL(ttl time.Duration) Option {
	return Option(config.WithCacheTTL(ttl))
}

// WithBatching 設置批次延遲與最大批次大小
func WithBatching(delay time.Duration, maxBatchSize int) Option {
	return Option(config.WithBatching(delay, maxBatchSize))
}

// WithPoolSize 設置閒置連線的最大數量
func WithPoolSize(size int) Option {
	return Option(config.WithPoolSize(size))
}

// WithRetry 設置預設重試參數
func WithRetry(opts ...RetryOption) Option {
	return Option(config.WithRetry(opts...))
}

// WithMaxAttempts 設置最大嘗試次數
func WithMaxAttempts(n int) RetryOption { return retrier.WithMaxAttempts(n) }

// WithBaseDelay 設置首次重試的等待時間
func WithBaseDelay(d time.Duration) RetryOption { return retrier.WithBaseDelay(d) }

// WithMaxDelay 設置重試等待時間的上限
func WithMaxDelay(d time.Duration) RetryOption { return retrier.WithMaxDelay(d) }

// WithBackoffFactor 設置指數退避的倍數
func WithBackoffFactor(f float64) RetryOption { return retrier.WithBackoffFactor(f) }

// WithJitter 啟用或停用隨機抖動
func WithJitter(enabled bool) RetryOption { return retrier.WithJitter(enabled) }

// WithWorker 註冊背景工作者腳本
func WithWorker(url, version string) Option {
	return Option(config.WithWorkerScript(serviceworker.Script{URL: url, Version: version}))
}

// WithWorkerSettings 設置背景工作者行為
func WithWorkerSettings(settings WorkerConfig) Option {
	return Option(config.WithWorkerSettings(settings))
}

// WithStrategies 設置背景工作者的快取策略
func WithStrategies(strategies []Strategy) Option {
	return Option(config.WithStrategies(strategies))
}

// WithoutServiceWorker 停用背景工作者
func WithoutServiceWorker() Option {
	return Option(config.WithoutServiceWorker())
}

// WithoutCompression 停用串流壓縮
func WithoutCompression() Option {
	return Option(config.WithoutCompression())
}

// WithRedis 使用 Redis 持久化背景工作者的快取
func WithRedis(opts *redis.Options) Option {
	return Option(config.WithRedis(opts))
}

// WithSerialization 設置序列化方式
func WithSerialization(serializer string) Option {
	return Option(config.WithSerialization(serializer))
}
