package serviceworker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"goflare.io/relay/internal/compress"
	"goflare.io/relay/pkg/serialization"
)

const (
	defaultKeyPrefix         = "relay:sw:"
	defaultExpectedEntries   = 10000
	defaultFalsePositiveRate = 0.01
)

// RedisStorage persists caches in Redis so cached responses survive process
// restarts. The bloom filters are per process, so a storage instance only
// sees entries that existed when it loaded a cache or that it wrote itself.
//
// Layout per cache name: a sorted set of URLs scored by insertion sequence
// and a hash of URL to encoded entry. Cache names are kept in a set.
type RedisStorage struct {
	client     redis.Cmdable
	prefix     string
	codec      serialization.Codec
	compressor *compress.Handler
	logger     *zap.Logger

	expected uint
	fpRate   float64

	mu      sync.Mutex
	filters map[string]*bloom.BloomFilter
}

type storedEntry struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
	Compressed bool
}

// RedisOption configures a RedisStorage.
type RedisOption func(*RedisStorage) error

// WithKeyPrefix 設置 Redis 鍵前綴
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStorage) error {
		s.prefix = prefix
		return nil
	}
}

// WithSerialization 設置快取項目的序列化格式 (json 或 gob)
func WithSerialization(name string) RedisOption {
	return func(s *RedisStorage) error {
		codec, err := serialization.ForType(name)
		if err != nil {
			return err
		}
		s.codec = codec
		return nil
	}
}

// WithCompressor 設置回應內容壓縮器
func WithCompressor(h *compress.Handler) RedisOption {
	return func(s *RedisStorage) error {
		s.compressor = h
		return nil
	}
}

// WithBloomEstimates 設置布隆過濾器預估數量與誤判率
func WithBloomEstimates(expected uint, fpRate float64) RedisOption {
	return func(s *RedisStorage) error {
		if expected == 0 || fpRate <= 0 || fpRate >= 1 {
			return fmt.Errorf("invalid bloom filter estimates %d/%f", expected, fpRate)
		}
		s.expected, s.fpRate = expected, fpRate
		return nil
	}
}

// WithStorageLogger 設置日誌記錄器
func WithStorageLogger(logger *zap.Logger) RedisOption {
	return func(s *RedisStorage) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// NewRedisStorage creates a Storage backed by client.
func NewRedisStorage(client redis.Cmdable, opts ...RedisOption) (*RedisStorage, error) {
	codec, _ := serialization.ForType(serialization.JSONType)
	s := &RedisStorage{
		client:     client,
		prefix:     defaultKeyPrefix,
		codec:      codec,
		compressor: compress.New(),
		logger:     zap.NewNop(),
		expected:   defaultExpectedEntries,
		fpRate:     defaultFalsePositiveRate,
		filters:    make(map[string]*bloom.BloomFilter),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to configure redis storage: %w", err)
		}
	}
	return s, nil
}

func (s *RedisStorage) namesKey() string { return s.prefix + "caches" }

func (s *RedisStorage) seqKey() string { return s.prefix + "seq" }

func (s *RedisStorage) orderKey(cacheName string) string {
	return s.prefix + "cache:" + cacheName + ":order"
}

func (s *RedisStorage) entriesKey(cacheName string) string {
	return s.prefix + "cache:" + cacheName + ":entries"
}

func (s *RedisStorage) Match(ctx context.Context, cacheName, url string) (*CachedResponse, error) {
	filter, err := s.filter(ctx, cacheName)
	if err != nil {
		s.logger.Warn("Bloom filter unavailable", zap.String("cache", cacheName), zap.Error(err))
	} else if !filter.TestString(url) {
		return nil, ErrNotFound
	}

	data, err := s.client.HGet(ctx, s.entriesKey(cacheName), url).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s from redis: %w", url, err)
	}
	return s.decode(data)
}

func (s *RedisStorage) Put(ctx context.Context, cacheName string, resp *CachedResponse) error {
	data, err := s.encode(resp)
	if err != nil {
		return err
	}

	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.namesKey(), cacheName)
		pipe.ZAdd(ctx, s.orderKey(cacheName), redis.Z{Score: float64(seq), Member: resp.URL})
		pipe.HSet(ctx, s.entriesKey(cacheName), resp.URL, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put %s into redis: %w", resp.URL, err)
	}

	s.mu.Lock()
	if f, ok := s.filters[cacheName]; ok {
		f.AddString(resp.URL)
	}
	s.mu.Unlock()
	return nil
}

func (s *RedisStorage) Keys(ctx context.Context, cacheName string) ([]string, error) {
	keys, err := s.client.ZRange(ctx, s.orderKey(cacheName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", cacheName, err)
	}
	return keys, nil
}

func (s *RedisStorage) Delete(ctx context.Context, cacheName, url string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.orderKey(cacheName), url)
		pipe.HDel(ctx, s.entriesKey(cacheName), url)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s from redis: %w", url, err)
	}
	return nil
}

func (s *RedisStorage) DeleteCache(ctx context.Context, cacheName string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.orderKey(cacheName), s.entriesKey(cacheName))
		pipe.SRem(ctx, s.namesKey(), cacheName)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete cache %s: %w", cacheName, err)
	}

	s.mu.Lock()
	delete(s.filters, cacheName)
	s.mu.Unlock()
	return nil
}

func (s *RedisStorage) CacheNames(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.namesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// filter returns the negative-lookup filter of a cache, building it from
// the stored keys on first use. Deleted URLs stay in the filter until the
// cache is dropped.
func (s *RedisStorage) filter(ctx context.Context, cacheName string) (*bloom.BloomFilter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.filters[cacheName]; ok {
		return f, nil
	}

	keys, err := s.client.ZRange(ctx, s.orderKey(cacheName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load keys of %s: %w", cacheName, err)
	}
	f := bloom.NewWithEstimates(max(s.expected, uint(len(keys))), s.fpRate)
	for _, k := range keys {
		f.AddString(k)
	}
	s.filters[cacheName] = f
	s.logger.Debug("Bloom filter loaded", zap.String("cache", cacheName), zap.Int("keys", len(keys)))
	return f, nil
}

func (s *RedisStorage) encode(resp *CachedResponse) ([]byte, error) {
	entry := storedEntry{
		URL:        resp.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		StoredAt:   resp.StoredAt,
	}
	if s.compressor != nil && s.compressor.Streaming() && len(resp.Body) > 0 {
		packed, err := s.compressor.Compress(string(resp.Body))
		if err != nil {
			s.logger.Warn("Storing uncompressed body", zap.String("url", resp.URL), zap.Error(err))
		} else if compress.IsCompressed(packed) && len(packed) < len(resp.Body) {
			entry.Body, entry.Compressed = packed, true
		}
	}

	data, err := s.codec.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", resp.URL, err)
	}
	return data, nil
}

func (s *RedisStorage) decode(data []byte) (*CachedResponse, error) {
	var entry storedEntry
	if err := s.codec.Unmarshal(data, &entry); err != nil {
		return nil, err
	}

	body := entry.Body
	if entry.Compressed {
		text, err := compress.Decompress(entry.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress %s: %w", entry.URL, err)
		}
		body = []byte(text)
	}
	return &CachedResponse{
		URL:        entry.URL,
		StatusCode: entry.StatusCode,
		Header:     entry.Header,
		Body:       body,
		StoredAt:   entry.StoredAt,
	}, nil
}
