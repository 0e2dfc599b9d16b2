// Package batch groups discrete operations per endpoint and flushes them as a
// single call, either when the batch fills up or when its delay elapses.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultDelay        = 100 * time.Millisecond
	DefaultMaxBatchSize = 10
)

var (
	// ErrClosed is returned by Add after Close.
	ErrClosed = errors.New("batch: batcher closed")
	// ErrMissingResult is returned to callers whose index the processor's
	// result slice does not cover.
	ErrMissingResult = errors.New("batch: processor returned no result for item")
)

// Processor handles a whole batch. The i-th result belongs to the i-th item.
type Processor[I, O any] func(ctx context.Context, items []I) ([]O, error)

type result[O any] struct {
	val O
	err error
}

type batch[I, O any] struct {
	endpoint string
	items    []I
	waiters  []chan result[O]
	process  Processor[I, O]
	timer    *time.Timer
}

// Option configures a Batcher.
type Option func(*options)

type options struct {
	delay   time.Duration
	maxSize int
	logger  *zap.Logger
}

// WithDelay 設置批次等待時間
func WithDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.delay = d
		}
	}
}

// WithMaxBatchSize 設置單個批次的最大項目數
func WithMaxBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSize = n
		}
	}
}

// WithLogger 設置日誌記錄器
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Batcher keeps at most one open batch per endpoint.
type Batcher[I, O any] struct {
	mu      sync.Mutex
	batches map[string]*batch[I, O]
	closed  bool
	wg      sync.WaitGroup

	delay   time.Duration
	maxSize int
	logger  *zap.Logger
}

// New creates a Batcher.
func New[I, O any](opts ...Option) *Batcher[I, O] {
	o := options{
		delay:   DefaultDelay,
		maxSize: DefaultMaxBatchSize,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Batcher[I, O]{
		batches: make(map[string]*batch[I, O]),
		delay:   o.delay,
		maxSize: o.maxSize,
		logger:  o.logger,
	}
}

// Add appends item to the open batch for endpoint, opening one if needed, and
// waits for that batch to be processed. The processor given by the call that
// opened the batch is the one that runs. If ctx is done first Add returns
// ctx.Err(), but the item stays in its batch.
func (b *Batcher[I, O]) Add(ctx context.Context, endpoint string, item I, process Processor[I, O]) (O, error) {
	var zero O

	wait := make(chan result[O], 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return zero, ErrClosed
	}

	bt, ok := b.batches[endpoint]
	if !ok {
		bt = &batch[I, O]{endpoint: endpoint, process: process}
		b.batches[endpoint] = bt
		bt.timer = time.AfterFunc(b.delay, func() { b.expire(bt) })
	}
	bt.items = append(bt.items, item)
	bt.waiters = append(bt.waiters, wait)

	full := len(bt.items) >= b.maxSize
	if full {
		b.detachLocked(bt)
	}
	b.mu.Unlock()

	if full {
		b.logger.Debug("Batch full, flushing",
			zap.String("endpoint", endpoint),
			zap.Int("size", len(bt.items)))
		go b.flush(bt)
	}

	select {
	case res := <-wait:
		return res.val, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// expire is the timer path. The batch may already have been detached by a
// size-triggered flush racing with the timer.
func (b *Batcher[I, O]) expire(bt *batch[I, O]) {
	b.mu.Lock()
	if b.batches[bt.endpoint] != bt {
		b.mu.Unlock()
		return
	}
	b.detachLocked(bt)
	b.mu.Unlock()

	b.flush(bt)
}

// detachLocked removes bt from the registry and stops its timer. Only the
// caller that detaches a batch may flush it, and it must.
func (b *Batcher[I, O]) detachLocked(bt *batch[I, O]) {
	delete(b.batches, bt.endpoint)
	bt.timer.Stop()
	b.wg.Add(1)
}

func (b *Batcher[I, O]) flush(bt *batch[I, O]) {
	defer b.wg.Done()

	results, err := b.run(bt)
	if err != nil {
		b.logger.Warn("Batch processor failed",
			zap.String("endpoint", bt.endpoint),
			zap.Int("size", len(bt.items)),
			zap.Error(err))
	} else if len(results) < len(bt.items) {
		b.logger.Warn("Batch processor returned fewer results than items",
			zap.String("endpoint", bt.endpoint),
			zap.Int("items", len(bt.items)),
			zap.Int("results", len(results)))
	}

	for i, w := range bt.waiters {
		switch {
		case err != nil:
			w <- result[O]{err: err}
		case i >= len(results):
			w <- result[O]{err: fmt.Errorf("%w: endpoint %q index %d", ErrMissingResult, bt.endpoint, i)}
		default:
			w <- result[O]{val: results[i]}
		}
	}
}

func (b *Batcher[I, O]) run(bt *batch[I, O]) (results []O, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic in batch processor",
				zap.String("endpoint", bt.endpoint),
				zap.Any("panic", r),
				zap.Stack("stack"))
			results, err = nil, fmt.Errorf("batch: processor for %q panicked: %v", bt.endpoint, r)
		}
	}()

	b.logger.Debug("Flushing batch",
		zap.String("endpoint", bt.endpoint),
		zap.Int("size", len(bt.items)))

	return bt.process(context.Background(), bt.items)
}

// Flush processes the open batch for endpoint right away. It reports whether
// a batch was open and waits for it to finish.
func (b *Batcher[I, O]) Flush(endpoint string) bool {
	b.mu.Lock()
	bt, ok := b.batches[endpoint]
	if ok {
		b.detachLocked(bt)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	b.flush(bt)
	return true
}

// Pending returns the number of items waiting in the open batch for endpoint.
func (b *Batcher[I, O]) Pending(endpoint string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bt, ok := b.batches[endpoint]; ok {
		return len(bt.items)
	}
	return 0
}

// Close flushes every open batch, waits for in-progress flushes and rejects
// later Add calls.
func (b *Batcher[I, O]) Close() {
	b.mu.Lock()
	b.closed = true
	open := make([]*batch[I, O], 0, len(b.batches))
	for _, bt := range b.batches {
		open = append(open, bt)
	}
	for _, bt := range open {
		b.detachLocked(bt)
	}
	b.mu.Unlock()

	for _, bt := range open {
		go b.flush(bt)
	}
	b.wg.Wait()
}
