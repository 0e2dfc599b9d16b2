package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithRetry(WithBaseDelay(time.Millisecond), WithMaxDelay(5*time.Millisecond), WithJitter(false)),
	}, opts...)
	e, err := New(context.Background(), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_DoRetriesTransientFailures(t *testing.T) {
	e := newTestEngine(t, WithoutServiceWorker())
	calls := atomic.NewInt64(0)

	v, err := e.Do(context.Background(), "save:doc-1", func(ctx context.Context) (any, error) {
		if calls.Inc() < 3 {
			return nil, errors.New("connection reset")
		}
		return "saved", nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if v != "saved" || calls.Load() != 3 {
		t.Errorf("Do() = %v after %d calls, want saved after 3", v, calls.Load())
	}
}

func TestEngine_DoSurfacesExhaustion(t *testing.T) {
	e := newTestEngine(t, WithoutServiceWorker())
	last := errors.New("still down")

	_, err := e.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
		return nil, last
	}, WithMaxAttempts(2))
	if !errors.Is(err, ErrMaxAttempts) || !errors.Is(err, last) {
		t.Errorf("Do() error = %v, want ErrMaxAttempts wrapping the last error", err)
	}

	_, err = e.Do(context.Background(), "p", func(ctx context.Context) (any, error) {
		return nil, Permanent(last)
	})
	if !errors.Is(err, last) || errors.Is(err, ErrMaxAttempts) {
		t.Errorf("Do() with permanent error = %v", err)
	}
}

func TestEngine_DoSharesConcurrentCalls(t *testing.T) {
	e := newTestEngine(t, WithoutServiceWorker())
	calls := atomic.NewInt64(0)
	release := make(chan struct{})

	const n = 8
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.Do(context.Background(), "fetch:doc-1", func(ctx context.Context) (any, error) {
				calls.Inc()
				<-release
				return 42, nil
			})
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("operation ran %d times, want 1", calls.Load())
	}
	for i := range n {
		if errs[i] != nil || results[i] != 42 {
			t.Errorf("caller %d = %v, %v", i, results[i], errs[i])
		}
	}
}

func TestEngine_Load(t *testing.T) {
	e := newTestEngine(t, WithoutServiceWorker(), WithCacheSize(2))
	calls := atomic.NewInt64(0)
	op := func(ctx context.Context) (any, error) {
		return fmt.Sprintf("v%d", calls.Inc()), nil
	}

	for range 3 {
		v, err := e.Load(context.Background(), "doc", op)
		if err != nil || v != "v1" {
			t.Fatalf("Load() = %v, %v, want v1", v, err)
		}
	}
	if e.Cache().Len() != 1 {
		t.Errorf("Cache().Len() = %d, want 1", e.Cache().Len())
	}
}

func TestEngine_Batch(t *testing.T) {
	e := newTestEngine(t, WithoutServiceWorker(), WithBatching(time.Hour, 3))
	process := func(ctx context.Context, items []any) ([]any, error) {
		out := make([]any, len(items))
		for i, it := range items {
			out[i] = fmt.Sprintf("ok:%v", it)
		}
		return out, nil
	}

	var wg sync.WaitGroup
	results := make([]any, 3)
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = e.Batch(context.Background(), "/api/save", i, process)
		}()
	}
	wg.Wait()

	for i, r := range results {
		if r != fmt.Sprintf("ok:%d", i) {
			t.Errorf("result %d = %v", i, r)
		}
	}
}

func TestEngine_TypedDo(t *testing.T) {
	e := newTestEngine(t, WithoutServiceWorker())
	n, err := Do(context.Background(), e, "count", func(ctx context.Context) (int, error) {
		return 7, nil
	})
	if err != nil || n != 7 {
		t.Errorf("Do() = %d, %v, want 7", n, err)
	}
}

func TestEngine_CompressorFallback(t *testing.T) {
	e := newTestEngine(t, WithoutServiceWorker(), WithoutCompression())
	data, err := e.Compressor().Compress("héllo wörld")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "héllo wörld" {
		t.Errorf("Compress() without streaming = %q", data)
	}
	text, err := e.Compressor().Decompress(data)
	if err != nil || text != "héllo wörld" {
		t.Errorf("Decompress() = %q, %v", text, err)
	}
}

func TestEngine_HTTPClientUsesWorker(t *testing.T) {
	hits := atomic.NewInt64(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
		fmt.Fprintf(w, "doc %s", r.URL.Path)
	}))
	t.Cleanup(srv.Close)

	e := newTestEngine(t,
		WithWorker(srv.URL+"/sw.js", "1"),
		WithStrategies([]Strategy{{Name: "api", URLPatterns: []string{"/api/"}, Mode: CacheFirst}}),
	)
	if e.ServiceWorker().Active() == nil {
		t.Fatal("worker not active after New")
	}

	client := e.HTTPClient()
	for i := range 2 {
		resp, err := client.Get(srv.URL + "/api/doc")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) != "doc /api/doc" {
			t.Errorf("request %d body = %q", i, body)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("origin hits = %d, want 1", hits.Load())
	}
	if stats := e.Pool().Stats(); stats.Active != 0 || stats.Idle != 1 {
		t.Errorf("Pool().Stats() = %+v, want one idle handle", stats)
	}
}

func TestEngine_WorkerSettings(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	settings := DefaultWorkerConfig()
	settings.OfflineBody = "Working offline"
	e := newTestEngine(t,
		WithWorker(srv.URL+"/sw.js", "1"),
		WithWorkerSettings(settings),
		WithStrategies([]Strategy{{Name: "api", URLPatterns: []string{"/api/"}, Mode: NetworkFirst}}),
	)
	srv.Close()

	resp, err := e.HTTPClient().Get(srv.URL + "/api/doc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable || string(body) != "Working offline" {
		t.Errorf("offline response = %d %q", resp.StatusCode, body)
	}
}

func TestEngine_RegistrationFailureIsNotFatal(t *testing.T) {
	e := newTestEngine(t, WithWorker("not-a-url", "1"))
	if e.ServiceWorker().Active() != nil {
		t.Error("worker active after failed registration")
	}
	if _, err := e.ServiceWorker().Register(context.Background(), e.cfg.Worker.Script); !errors.Is(err, ErrInvalidScript) {
		t.Errorf("Register() error = %v, want ErrInvalidScript", err)
	}
}

func TestNew_RedisUnavailable(t *testing.T) {
	_, err := New(context.Background(),
		WithLogger(zaptest.NewLogger(t)),
		WithRedis(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1}),
	)
	if err == nil {
		t.Error("New() with unreachable redis should fail")
	}
}

func TestNew_InvalidOption(t *testing.T) {
	if _, err := New(context.Background(), WithLogger(zaptest.NewLogger(t)), WithPoolSize(0)); err == nil {
		t.Error("New() with pool size 0 should fail")
	}
}

func TestEngine_Close(t *testing.T) {
	e := newTestEngine(t, WithoutServiceWorker())
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := e.Do(context.Background(), "k", func(ctx context.Context) (any, error) { return 1, nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Do() after Close error = %v, want ErrClosed", err)
	}
	if _, err := e.Batch(context.Background(), "/e", 1, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Batch() after Close error = %v, want ErrClosed", err)
	}
}
