package retrier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts   = 3
	DefaultBaseDelay     = time.Second
	DefaultMaxDelay      = 10 * time.Second
	DefaultBackoffFactor = 2.0

	minJitterScale = 0.5
)

// ErrMaxAttempts is wrapped, together with the last attempt's error, into the
// error Retry returns once every attempt has failed.
var ErrMaxAttempts = errors.New("max retry attempts reached")

// Options controls one Retry call.
type Options struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultOptions returns three attempts with 1s, 2s backoff capped at 10s,
// jittered.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:   DefaultMaxAttempts,
		BaseDelay:     DefaultBaseDelay,
		MaxDelay:      DefaultMaxDelay,
		BackoffFactor: DefaultBackoffFactor,
		Jitter:        true,
	}
}

// Option overrides a field of Options.
type Option func(*Options)

// WithMaxAttempts 設置最大嘗試次數
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxAttempts = n
		}
	}
}

// WithBaseDelay 設置首次重試的等待時間
func WithBaseDelay(d time.Duration) Option {
	return func(o *Options) {
		if d >= 0 {
			o.BaseDelay = d
		}
	}
}

// WithMaxDelay 設置重試等待時間的上限
func WithMaxDelay(d time.Duration) Option {
	return func(o *Options) {
		if d >= 0 {
			o.MaxDelay = d
		}
	}
}

// WithBackoffFactor 設置指數退避的倍數
func WithBackoffFactor(f float64) Option {
	return func(o *Options) {
		if f >= 1 {
			o.BackoffFactor = f
		}
	}
}

// WithJitter 啟用或停用隨機抖動
func WithJitter(enabled bool) Option {
	return func(o *Options) {
		o.Jitter = enabled
	}
}

// WithOptions replaces every field at once.
func WithOptions(opts Options) Option {
	return func(o *Options) {
		*o = opts
	}
}

// Delay returns the backoff before the retry that follows the given number
// of failed attempts (1-based).
func (o Options) Delay(attempts int, rnd func() float64) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(o.BaseDelay) * math.Pow(o.BackoffFactor, float64(attempts-1))
	if delay > float64(o.MaxDelay) {
		delay = float64(o.MaxDelay)
	}
	if o.Jitter && rnd != nil {
		delay *= minJitterScale + rnd()*(1-minJitterScale)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Retrier runs operations with per-key attempt tracking. Concurrent Retry
// calls that share a key also share the counter.
type Retrier struct {
	mu       sync.Mutex
	attempts map[string]int

	defaults Options
	rnd      func() float64
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger
}

// New creates a Retrier whose calls start from DefaultOptions overridden by
// defaults.
func New(logger *zap.Logger, defaults ...Option) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := DefaultOptions()
	for _, o := range defaults {
		o(&opts)
	}
	return &Retrier{
		attempts: make(map[string]int),
		defaults: opts,
		rnd:      rand.Float64,
		sleep:    sleepContext,
		logger:   logger,
	}
}

// Retry calls op until it succeeds, returns a Permanent error, ctx is done,
// or the attempt limit is hit. The last attempt's error is never swallowed.
func (r *Retrier) Retry(ctx context.Context, key string, op func(ctx context.Context) error, opts ...Option) error {
	o := r.defaults
	for _, opt := range opts {
		opt(&o)
	}

	for {
		err := op(ctx)
		if err == nil {
			r.reset(key)
			return nil
		}

		if IsPermanent(err) {
			r.reset(key)
			return err
		}

		attempts := r.increment(key)
		if attempts >= o.MaxAttempts {
			r.reset(key)
			r.logger.Warn("Retry attempts exhausted",
				zap.String("key", key),
				zap.Int("attempts", attempts),
				zap.Error(err))
			return fmt.Errorf("%w: %w", ErrMaxAttempts, err)
		}

		delay := o.Delay(attempts, r.rnd)
		r.logger.Debug("Retrying after failure",
			zap.String("key", key),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := r.sleep(ctx, delay); err != nil {
			r.reset(key)
			return err
		}
	}
}

// Attempts returns the number of failed attempts currently recorded for key.
func (r *Retrier) Attempts(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[key]
}

func (r *Retrier) increment(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[key]++
	return r.attempts[key]
}

func (r *Retrier) reset(key string) {
	r.mu.Lock()
	delete(r.attempts, key)
	r.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do is the typed form of Retrier.Retry.
func Do[T any](ctx context.Context, r *Retrier, key string, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var out T
	err := r.Retry(ctx, key, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
