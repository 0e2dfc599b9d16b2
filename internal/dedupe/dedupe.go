// Package dedupe collapses concurrent identical operations into one execution.
package dedupe

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Operation is the work shared by every caller of the same key.
type Operation func(ctx context.Context) (any, error)

// Deduplicator tracks in-flight operations by key. The zero value is not
// usable; call New.
type Deduplicator struct {
	sf     singleflight.Group
	mu     sync.Mutex
	keys   map[string]*token
	logger *zap.Logger
}

// token identifies one execution so a stale completion can't untrack a newer
// one started after Clear.
type token struct{}

// New creates a Deduplicator.
func New(logger *zap.Logger) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{
		keys:   make(map[string]*token),
		logger: logger,
	}
}

// Do runs op unless an operation for key is already in flight, in which case
// it waits for that one and returns its outcome. The shared operation is not
// cancelled when an individual caller's ctx is done; that caller just stops
// waiting and gets ctx.Err().
func (d *Deduplicator) Do(ctx context.Context, key string, op Operation) (any, error) {
	runCtx := context.WithoutCancel(ctx)

	ch := d.sf.DoChan(key, func() (v any, err error) {
		tok := d.track(key)
		defer d.untrack(key, tok)
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("Panic in deduplicated operation",
					zap.String("key", key),
					zap.Any("panic", r),
					zap.Stack("stack"))
				err = fmt.Errorf("dedupe: operation %q panicked: %v", key, r)
			}
		}()
		return op(runCtx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			d.logger.Debug("Shared in-flight result", zap.String("key", key))
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Clear stops tracking key. Callers already waiting still receive the
// outcome; the next Do for key starts a fresh operation.
func (d *Deduplicator) Clear(key string) {
	d.mu.Lock()
	delete(d.keys, key)
	d.mu.Unlock()
	d.sf.Forget(key)
}

// ClearAll stops tracking every key.
func (d *Deduplicator) ClearAll() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.keys))
	for key := range d.keys {
		keys = append(keys, key)
	}
	d.keys = make(map[string]*token)
	d.mu.Unlock()

	for _, key := range keys {
		d.sf.Forget(key)
	}
}

// InFlight returns the number of tracked operations.
func (d *Deduplicator) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}

func (d *Deduplicator) track(key string) *token {
	tok := &token{}
	d.mu.Lock()
	d.keys[key] = tok
	d.mu.Unlock()
	return tok
}

func (d *Deduplicator) untrack(key string, tok *token) {
	d.mu.Lock()
	if d.keys[key] == tok {
		delete(d.keys, key)
	}
	d.mu.Unlock()
}

// Do is the typed form of Deduplicator.Do.
func Do[T any](ctx context.Context, d *Deduplicator, key string, op func(context.Context) (T, error)) (T, error) {
	v, err := d.Do(ctx, key, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}
