package serviceworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"goflare.io/relay/internal/dedupe"
)

// HeaderCache reports how a worker produced a response.
const HeaderCache = "X-Relay-Cache"

// Values of HeaderCache.
const (
	SourceHit     = "hit"
	SourceMiss    = "miss"
	SourceNetwork = "network"
	SourceStale   = "stale"
	SourceOffline = "offline"
)

const DefaultCacheName = "relay-default"

var (
	ErrWorkerStopped = errors.New("serviceworker: worker stopped")
	ErrInvalidConfig = errors.New("serviceworker: invalid worker config")
)

// State is a worker lifecycle state.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Script identifies the worker build a registration runs.
type Script struct {
	URL     string
	Version string
}

// Config 背景工作者設定
type Config struct {
	// DefaultCacheName 預載資源存放的快取名稱
	DefaultCacheName string

	// SkipWaitingOnInstall 安裝完成後立即啟用，不等待 SKIP_WAITING
	SkipWaitingOnInstall bool

	// OfflineBody 網路與快取皆不可用時回傳的內容
	OfflineBody string

	// FetchTimeout 單次網路請求逾時
	FetchTimeout time.Duration

	// PreloadRate 每秒預載請求數，0 表示不限制
	PreloadRate  float64
	PreloadBurst int

	// Breaker 每個主機的斷路器設定，Name 會被主機名稱覆蓋
	Breaker gobreaker.Settings

	// PatternCacheSize 已編譯 URL 樣式的快取容量
	PatternCacheSize int64
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		DefaultCacheName:     DefaultCacheName,
		SkipWaitingOnInstall: true,
		OfflineBody:          "Offline",
		FetchTimeout:         30 * time.Second,
		PreloadRate:          10,
		PreloadBurst:         4,
		Breaker: gobreaker.Settings{
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
		PatternCacheSize: defaultPatternCacheSize,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	switch {
	case c.DefaultCacheName == "":
		return fmt.Errorf("%w: missing default cache name", ErrInvalidConfig)
	case c.FetchTimeout <= 0:
		return fmt.Errorf("%w: fetch timeout must be positive", ErrInvalidConfig)
	case c.PreloadRate < 0 || c.PreloadBurst < 0:
		return fmt.Errorf("%w: negative preload rate", ErrInvalidConfig)
	}
	return nil
}

// WorkerStats counts how requests were served.
type WorkerStats struct {
	Hits          int64
	Misses        int64
	Network       int64
	Stale         int64
	Offline       int64
	PassThrough   int64
	Revalidations int64
	Preloaded     int64
}

type workerStats struct {
	hits          *atomic.Int64
	misses        *atomic.Int64
	network       *atomic.Int64
	stale         *atomic.Int64
	offline       *atomic.Int64
	passThrough   *atomic.Int64
	revalidations *atomic.Int64
	preloaded     *atomic.Int64
}

func newWorkerStats() workerStats {
	return workerStats{
		hits:          atomic.NewInt64(0),
		misses:        atomic.NewInt64(0),
		network:       atomic.NewInt64(0),
		stale:         atomic.NewInt64(0),
		offline:       atomic.NewInt64(0),
		passThrough:   atomic.NewInt64(0),
		revalidations: atomic.NewInt64(0),
		preloaded:     atomic.NewInt64(0),
	}
}

// Worker is the background caching agent. It learns its strategy table only
// from posted messages and intercepts requests as an http.RoundTripper.
type Worker struct {
	id      string
	script  Script
	base    *url.URL
	cfg     Config
	storage Storage
	network http.RoundTripper
	matcher *matcher
	flights *dedupe.Deduplicator
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  *zap.Logger
	now     func() time.Time

	mu         sync.RWMutex
	state      State
	strategies []Strategy
	stopped    bool
	onState    func(*Worker, State)

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker

	// storeMu serialises put and trim so maxEntries holds.
	storeMu sync.Mutex

	inbox    chan envelope
	done     chan struct{}
	stopOnce sync.Once
	bg       sync.WaitGroup
	inflight sync.WaitGroup

	stats workerStats
}

// NewWorker creates a worker for script in the parsed state. network is used
// for every request the worker decides to send.
func NewWorker(script Script, storage Storage, network http.RoundTripper, cfg Config, logger *zap.Logger) (*Worker, error) {
	base, err := parseScriptURL(script.URL)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if storage == nil {
		storage = NewMemoryStorage()
	}
	if network == nil {
		network = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.NewString()
	logger = logger.With(zap.String("worker", id), zap.String("version", script.Version))

	m, err := newMatcher(cfg.PatternCacheSize, logger)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.PreloadRate > 0 {
		limit = rate.Limit(cfg.PreloadRate)
	}
	burst := cfg.PreloadBurst
	if burst == 0 {
		burst = 1
	}

	return &Worker{
		id:       id,
		script:   script,
		base:     base,
		cfg:      cfg,
		storage:  storage,
		network:  network,
		matcher:  m,
		flights:  dedupe.New(logger),
		limiter:  rate.NewLimiter(limit, burst),
		tracer:   otel.Tracer("serviceworker"),
		logger:   logger,
		now:      time.Now,
		state:    StateParsed,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		inbox:    make(chan envelope),
		done:     make(chan struct{}),
		stats:    newWorkerStats(),
	}, nil
}

func parseScriptURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScript, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute http url", ErrInvalidScript, raw)
	}
	return u, nil
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Script() Script { return w.script }

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Strategies returns a copy of the active strategy table.
func (w *Worker) Strategies() []Strategy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return cloneStrategies(w.strategies)
}

func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Hits:          w.stats.hits.Load(),
		Misses:        w.stats.misses.Load(),
		Network:       w.stats.network.Load(),
		Stale:         w.stats.stale.Load(),
		Offline:       w.stats.offline.Load(),
		PassThrough:   w.stats.passThrough.Load(),
		Revalidations: w.stats.revalidations.Load(),
		Preloaded:     w.stats.preloaded.Load(),
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	if w.state == s {
		w.mu.Unlock()
		return
	}
	w.state = s
	fn := w.onState
	w.mu.Unlock()

	w.logger.Debug("Worker state changed", zap.Stringer("state", s))
	if fn != nil {
		fn(w, s)
	}
}

// install moves a parsed worker to installed and, when skipWaiting is set,
// straight on to activated.
func (w *Worker) install(skipWaiting bool) error {
	if st := w.State(); st != StateParsed {
		return fmt.Errorf("serviceworker: cannot install worker in state %s", st)
	}
	w.setState(StateInstalling)
	w.setState(StateInstalled)
	if skipWaiting {
		w.activate()
	}
	return nil
}

// activate is a no-op unless the worker is waiting.
func (w *Worker) activate() {
	if w.State() != StateInstalled {
		return
	}
	w.setState(StateActivating)
	w.setState(StateActivated)
}

// Serve handles posted messages one at a time until ctx is done or the
// worker is stopped.
func (w *Worker) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return nil
		case env := <-w.inbox:
			select {
			case <-w.done:
				env.reply <- ErrWorkerStopped
				return nil
			default:
			}
			env.reply <- w.handle(ctx, env)
		}
	}
}

func (w *Worker) handle(ctx context.Context, env envelope) error {
	hctx, cancel := context.WithCancel(env.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return w.handleMessage(hctx, env.msg)
}

// PostMessage delivers msg and waits until the worker has handled it.
func (w *Worker) PostMessage(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	select {
	case <-w.done:
		return ErrWorkerStopped
	default:
	}

	env := envelope{ctx: ctx, msg: msg, reply: make(chan error, 1)}
	select {
	case w.inbox <- env:
	case <-w.done:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-env.reply:
		return err
	case <-w.done:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg Message) error {
	w.logger.Debug("Handling message", zap.String("type", string(msg.Type)))

	switch msg.Type {
	case MessageConfig:
		w.mu.Lock()
		w.strategies = cloneStrategies(msg.CacheStrategies)
		w.mu.Unlock()
		w.logger.Info("Strategy table replaced", zap.Int("strategies", len(msg.CacheStrategies)))
		return nil

	case MessageSkipWaiting:
		w.activate()
		return nil

	case MessageClearCache:
		return w.clearCache(ctx, msg.CacheName)

	case MessagePreload:
		return w.preload(ctx, msg.URLs)

	default:
		return fmt.Errorf("serviceworker: unknown message type %q", msg.Type)
	}
}

func (w *Worker) clearCache(ctx context.Context, name string) error {
	if name != "" {
		if err := w.storage.DeleteCache(ctx, name); err != nil {
			return fmt.Errorf("failed to delete cache %s: %w", name, err)
		}
		return nil
	}

	names, err := w.storage.CacheNames(ctx)
	if err != nil {
		return fmt.Errorf("failed to list caches: %w", err)
	}
	var errs []error
	for _, n := range names {
		if err := w.storage.DeleteCache(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete cache %s: %w", n, err))
		}
	}
	return errors.Join(errs...)
}

// preload stores each url in the default cache. Individual failures are
// logged and skipped.
func (w *Worker) preload(ctx context.Context, urls []string) error {
	for _, raw := range urls {
		if err := w.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("preload throttled: %w", err)
		}

		target, err := w.base.Parse(raw)
		if err != nil {
			w.logger.Warn("Skipping invalid preload url", zap.String("url", raw), zap.Error(err))
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			w.logger.Warn("Skipping invalid preload url", zap.String("url", raw), zap.Error(err))
			continue
		}

		resp, err := w.fetch(ctx, req)
		if err != nil {
			w.logger.Warn("Preload failed", zap.String("url", req.URL.String()), zap.Error(err))
			continue
		}
		if !resp.OK() {
			w.logger.Warn("Preload returned non-ok status",
				zap.String("url", resp.URL), zap.Int("status", resp.StatusCode))
			continue
		}
		if !w.store(ctx, w.cfg.DefaultCacheName, 0, resp) {
			continue
		}
		w.stats.preloaded.Inc()
	}
	return nil
}

// RoundTrip implements http.RoundTripper. Requests that are not GET, that
// match no strategy, or that arrive while the worker is not active go to the
// network untouched. Matched requests never fail with a network error.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || !w.enter() {
		w.stats.passThrough.Inc()
		return w.network.RoundTrip(req)
	}
	defer w.inflight.Done()

	target := req.URL.String()
	strategy, ok := w.match(target)
	if !ok {
		w.stats.passThrough.Inc()
		return w.network.RoundTrip(req)
	}

	ctx, span := w.tracer.Start(req.Context(), "Worker.Fetch", trace.WithAttributes(
		attribute.String("url", target),
		attribute.String("strategy", strategy.Name),
		attribute.String("mode", strategy.Mode.String()),
	))
	defer span.End()
	req = req.WithContext(ctx)

	var resp *http.Response
	switch strategy.Mode {
	case CacheFirst:
		resp = w.cacheFirst(ctx, req, strategy)
	case NetworkFirst:
		resp = w.networkFirst(ctx, req, strategy)
	case StaleWhileRevalidate:
		resp = w.staleWhileRevalidate(ctx, req, strategy)
	default:
		w.stats.passThrough.Inc()
		return w.network.RoundTrip(req)
	}

	source := resp.Header.Get(HeaderCache)
	span.SetAttributes(attribute.String("cache", source))
	if source == SourceOffline {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		span.SetStatus(codes.Error, "offline")
	}
	return resp, nil
}

// enter registers an intercepted request. It fails once the worker is not
// active or Stop has begun.
func (w *Worker) enter() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped || w.state != StateActivated {
		return false
	}
	w.inflight.Add(1)
	return true
}

func (w *Worker) match(target string) (Strategy, bool) {
	w.mu.RLock()
	strategies := w.strategies
	w.mu.RUnlock()
	return w.matcher.match(strategies, target)
}

func (w *Worker) cacheFirst(ctx context.Context, req *http.Request, s Strategy) *http.Response {
	cached, ok := w.lookup(ctx, s, req.URL.String())
	if ok && !s.expired(cached.StoredAt, w.now()) {
		w.stats.hits.Inc()
		return cached.Response(req, SourceHit)
	}

	fresh, err := w.fetch(ctx, req)
	if err != nil {
		if ok {
			w.logger.Warn("Serving expired copy, network unavailable", zap.String("url", cached.URL), zap.Error(err))
			w.stats.stale.Inc()
			return cached.Response(req, SourceStale)
		}
		return w.offline(req, err)
	}

	w.store(ctx, s.Name, s.MaxEntries, fresh)
	w.stats.misses.Inc()
	return fresh.Response(req, SourceMiss)
}

func (w *Worker) networkFirst(ctx context.Context, req *http.Request, s Strategy) *http.Response {
	fresh, err := w.fetch(ctx, req)
	if err == nil {
		w.store(ctx, s.Name, s.MaxEntries, fresh)
		w.stats.network.Inc()
		return fresh.Response(req, SourceNetwork)
	}

	if cached, ok := w.lookup(ctx, s, req.URL.String()); ok {
		w.logger.Warn("Serving cached copy, network unavailable", zap.String("url", cached.URL), zap.Error(err))
		w.stats.stale.Inc()
		return cached.Response(req, SourceStale)
	}
	return w.offline(req, err)
}

func (w *Worker) staleWhileRevalidate(ctx context.Context, req *http.Request, s Strategy) *http.Response {
	if cached, ok := w.lookup(ctx, s, req.URL.String()); ok {
		w.revalidate(ctx, req, s)
		w.stats.hits.Inc()
		return cached.Response(req, SourceHit)
	}

	fresh, err := w.fetch(ctx, req)
	if err != nil {
		return w.offline(req, err)
	}
	w.store(ctx, s.Name, s.MaxEntries, fresh)
	w.stats.misses.Inc()
	return fresh.Response(req, SourceMiss)
}

// revalidate refreshes the cached copy in the background.
func (w *Worker) revalidate(ctx context.Context, req *http.Request, s Strategy) {
	w.mu.RLock()
	if w.stopped {
		w.mu.RUnlock()
		return
	}
	w.bg.Add(1)
	w.mu.RUnlock()

	ctx = context.WithoutCancel(ctx)
	req = req.Clone(ctx)
	go func() {
		defer w.bg.Done()

		fresh, err := w.fetch(ctx, req)
		if err != nil {
			w.logger.Debug("Background revalidation failed", zap.String("url", req.URL.String()), zap.Error(err))
			return
		}
		if w.store(ctx, s.Name, s.MaxEntries, fresh) {
			w.stats.revalidations.Inc()
		}
	}()
}

// lookup checks the strategy's cache, then the default cache preloaded
// resources land in.
func (w *Worker) lookup(ctx context.Context, s Strategy, target string) (*CachedResponse, bool) {
	names := []string{s.Name}
	if s.Name != w.cfg.DefaultCacheName {
		names = append(names, w.cfg.DefaultCacheName)
	}

	for _, name := range names {
		resp, err := w.storage.Match(ctx, name, target)
		if err == nil {
			return resp, true
		}
		if !errors.Is(err, ErrNotFound) {
			w.logger.Warn("Cache lookup failed", zap.String("cache", name), zap.String("url", target), zap.Error(err))
		}
	}
	return nil, false
}

// store keeps a 2xx response and trims the cache to maxEntries, dropping
// the oldest insertions first. It reports whether the response was kept;
// failures are logged here.
func (w *Worker) store(ctx context.Context, cacheName string, maxEntries int, resp *CachedResponse) bool {
	if !resp.OK() {
		return false
	}

	w.storeMu.Lock()
	defer w.storeMu.Unlock()

	if err := w.storage.Put(ctx, cacheName, resp); err != nil {
		w.logger.Error("Failed to store response", zap.String("cache", cacheName), zap.String("url", resp.URL), zap.Error(err))
		return false
	}
	if maxEntries <= 0 {
		return true
	}

	keys, err := w.storage.Keys(ctx, cacheName)
	if err != nil {
		w.logger.Error("Failed to list cache keys", zap.String("cache", cacheName), zap.Error(err))
		return true
	}
	for len(keys) > maxEntries {
		if err := w.storage.Delete(ctx, cacheName, keys[0]); err != nil {
			w.logger.Error("Failed to trim cache", zap.String("cache", cacheName), zap.String("url", keys[0]), zap.Error(err))
			return true
		}
		w.logger.Debug("Trimmed cache entry", zap.String("cache", cacheName), zap.String("url", keys[0]))
		keys = keys[1:]
	}
	return true
}

// fetch sends req through the host's circuit breaker. Concurrent fetches of
// the same URL share one network request.
func (w *Worker) fetch(ctx context.Context, req *http.Request) (*CachedResponse, error) {
	target := req.URL.String()
	cb := w.breaker(req.URL.Host)

	v, err := w.flights.Do(ctx, target, func(ctx context.Context) (any, error) {
		return cb.Execute(func() (any, error) {
			return w.fetchNetwork(ctx, req)
		})
	})
	if err != nil {
		return nil, err
	}
	resp, ok := v.(*CachedResponse)
	if !ok {
		return nil, fmt.Errorf("serviceworker: unexpected fetch result %T", v)
	}
	return resp.Clone(), nil
}

func (w *Worker) fetchNetwork(ctx context.Context, req *http.Request) (*CachedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	resp, err := w.network.RoundTrip(req.Clone(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL, err)
	}

	return &CachedResponse{
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   w.now(),
	}, nil
}

func (w *Worker) breaker(host string) *gobreaker.CircuitBreaker {
	w.breakersMu.Lock()
	defer w.breakersMu.Unlock()

	if cb, ok := w.breakers[host]; ok {
		return cb
	}
	settings := w.cfg.Breaker
	settings.Name = host
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		w.logger.Warn("Circuit breaker state changed",
			zap.String("host", name), zap.Stringer("from", from), zap.Stringer("to", to))
	}
	cb := gobreaker.NewCircuitBreaker(settings)
	w.breakers[host] = cb
	return cb
}

// offline is the synthetic response for requests neither the network nor
// the cache can answer.
func (w *Worker) offline(req *http.Request, cause error) *http.Response {
	w.logger.Warn("Serving offline response", zap.String("url", req.URL.String()), zap.Error(cause))
	w.stats.offline.Inc()

	resp := &CachedResponse{
		URL:        req.URL.String(),
		StatusCode: http.StatusServiceUnavailable,
		Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:       []byte(w.cfg.OfflineBody),
		StoredAt:   w.now(),
	}
	return resp.Response(req, SourceOffline)
}

// Wait blocks until background revalidations have finished.
func (w *Worker) Wait() {
	w.bg.Wait()
}

// Stop makes the worker redundant. Pending messages fail with
// ErrWorkerStopped, new requests pass through to the network, and Stop
// returns once intercepted requests and revalidations have finished.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()

		w.setState(StateRedundant)
		close(w.done)
		// Intercepted requests may still start revalidations, so they
		// drain first.
		w.inflight.Wait()
		w.bg.Wait()
		w.matcher.close()
		w.logger.Info("Worker stopped")
	})
}

func (w *Worker) String() string {
	var sb strings.Builder
	sb.WriteString("worker ")
	sb.WriteString(w.id)
	if w.script.Version != "" {
		sb.WriteString(" (")
		sb.WriteString(w.script.Version)
		sb.WriteString(")")
	}
	return sb.String()
}
