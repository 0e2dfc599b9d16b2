// Package pool reuses transport handles. It bounds how many idle handles are
// kept, not how many may be active: Acquire never blocks.
package pool

import (
	"net/http"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const DefaultMaxSize = 6

// Option configures a Pool.
type Option func(*Pool)

// WithMaxSize 設置閒置連線的最大數量
func WithMaxSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxSize = n
		}
	}
}

// WithTransport sets the RoundTripper shared by every handle.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Pool) {
		if rt != nil {
			p.transport = rt
		}
	}
}

// WithLogger 設置日誌記錄器
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Stats describes the pool at a point in time.
type Stats struct {
	Idle    int
	Active  int
	Created int64
	Reused  int64
	Dropped int64
}

// Pool keeps an idle stack of handles and the set currently handed out.
type Pool struct {
	mu     sync.Mutex
	idle   []*Handle
	active map[*Handle]struct{}

	maxSize   int
	transport http.RoundTripper
	logger    *zap.Logger

	nextID  atomic.Uint64
	created atomic.Int64
	reused  atomic.Int64
	dropped atomic.Int64
}

// New creates a Pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		active:    make(map[*Handle]struct{}),
		maxSize:   DefaultMaxSize,
		transport: http.DefaultTransport,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.idle = make([]*Handle, 0, p.maxSize)
	return p
}

// Acquire returns an idle handle, or a new one when none is idle.
func (p *Pool) Acquire() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	var h *Handle
	if n := len(p.idle); n > 0 {
		h = p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.reused.Inc()
	} else {
		h = newHandle(p.nextID.Inc(), p.transport)
		p.created.Inc()
	}
	p.active[h] = struct{}{}
	return h
}

// Release clears h's callbacks and puts it back on the idle stack, or drops
// it when the stack is full. Handles the pool does not consider active are
// ignored.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[h]; !ok {
		return
	}
	delete(p.active, h)
	h.reset()

	if h.Aborted() || len(p.idle) >= p.maxSize {
		h.abort()
		p.dropped.Inc()
		p.logger.Debug("Dropped handle", zap.Uint64("id", h.id), zap.Int("idle", len(p.idle)))
		return
	}
	p.idle = append(p.idle, h)
}

// Destroy aborts every active handle and empties the pool.
func (p *Pool) Destroy() {
	p.mu.Lock()
	active := p.active
	idle := p.idle
	p.active = make(map[*Handle]struct{})
	p.idle = make([]*Handle, 0, p.maxSize)
	p.mu.Unlock()

	for h := range active {
		h.reset()
		h.abort()
	}
	for _, h := range idle {
		h.abort()
	}

	p.logger.Info("Connection pool destroyed",
		zap.Int("aborted", len(active)),
		zap.Int("idle", len(idle)))
}

// Do acquires a handle, sends req through it and releases the handle once
// the response body is closed.
func (p *Pool) Do(req *http.Request) (*http.Response, error) {
	h := p.Acquire()
	resp, err := h.Do(req)
	if err != nil {
		p.Release(h)
		return nil, err
	}
	rb := resp.Body.(*releaseBody)
	release := rb.release
	rb.release = func() {
		release()
		p.Release(h)
	}
	return resp, nil
}

// RoundTrip implements http.RoundTripper over pooled handles.
func (p *Pool) RoundTrip(req *http.Request) (*http.Response, error) {
	return p.Do(req)
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	idle, active := len(p.idle), len(p.active)
	p.mu.Unlock()

	return Stats{
		Idle:    idle,
		Active:  active,
		Created: p.created.Load(),
		Reused:  p.reused.Load(),
		Dropped: p.dropped.Load(),
	}
}
