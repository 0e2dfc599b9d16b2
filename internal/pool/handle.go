package pool

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
)

// ErrAborted is returned by Handle.Do once the handle has been aborted.
var ErrAborted = errors.New("pool: handle aborted")

// Handle is a reusable transport handle. Requests made through Do are bound
// to the handle's lifetime and are cancelled when the pool aborts it.
type Handle struct {
	id        uint64
	transport http.RoundTripper

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	onResponse func(*http.Response)
	onError    func(error)
}

func newHandle(id uint64, transport http.RoundTripper) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		id:        id,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ID identifies the handle within its pool.
func (h *Handle) ID() uint64 { return h.id }

// OnResponse registers a callback invoked after every successful Do.
func (h *Handle) OnResponse(fn func(*http.Response)) {
	h.mu.Lock()
	h.onResponse = fn
	h.mu.Unlock()
}

// OnError registers a callback invoked after every failed Do.
func (h *Handle) OnError(fn func(error)) {
	h.mu.Lock()
	h.onError = fn
	h.mu.Unlock()
}

// Do sends req. The request is cancelled if either its own context or the
// handle is done.
func (h *Handle) Do(req *http.Request) (*http.Response, error) {
	if h.Aborted() {
		return nil, ErrAborted
	}

	ctx, cancel := context.WithCancel(req.Context())
	stop := context.AfterFunc(h.ctx, cancel)

	resp, err := h.transport.RoundTrip(req.WithContext(ctx))

	h.mu.Lock()
	onResponse, onError := h.onResponse, h.onError
	h.mu.Unlock()

	if err != nil {
		stop()
		cancel()
		if h.Aborted() {
			err = errors.Join(ErrAborted, err)
		}
		if onError != nil {
			onError(err)
		}
		return nil, err
	}

	// The body is read after Do returns, so the request context has to
	// outlive this call. It is released when the body is closed.
	resp.Body = &releaseBody{ReadCloser: resp.Body, release: func() {
		stop()
		cancel()
	}}
	if onResponse != nil {
		onResponse(resp)
	}
	return resp, nil
}

// Aborted reports whether the handle has been aborted.
func (h *Handle) Aborted() bool {
	return h.ctx.Err() != nil
}

func (h *Handle) abort() {
	h.cancel()
}

// reset drops every registered callback.
func (h *Handle) reset() {
	h.mu.Lock()
	h.onResponse = nil
	h.onError = nil
	h.mu.Unlock()
}

type releaseBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releaseBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
