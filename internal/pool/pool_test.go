package pool

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestAcquire_CreatesWhenIdleEmpty(t *testing.T) {
	p := New(WithMaxSize(2), WithLogger(zaptest.NewLogger(t)))

	handles := make([]*Handle, 5)
	for i := range handles {
		handles[i] = p.Acquire()
	}

	stats := p.Stats()
	if stats.Active != 5 || stats.Created != 5 {
		t.Errorf("Stats = %+v, want 5 active 5 created; acquire must never block", stats)
	}
}

func TestRelease_ReusesHandle(t *testing.T) {
	p := New(WithLogger(zaptest.NewLogger(t)))

	h := p.Acquire()
	p.Release(h)
	again := p.Acquire()

	if again != h {
		t.Error("released handle should be reused")
	}
	if stats := p.Stats(); stats.Reused != 1 || stats.Created != 1 {
		t.Errorf("Stats = %+v, want 1 created 1 reused", stats)
	}
}

func TestRelease_ClearsCallbacks(t *testing.T) {
	p := New(WithLogger(zaptest.NewLogger(t)))

	h := p.Acquire()
	h.OnResponse(func(*http.Response) {})
	h.OnError(func(error) {})
	p.Release(h)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.onResponse != nil || h.onError != nil {
		t.Error("Release must clear handle callbacks")
	}
}

func TestRelease_DropsWhenIdleFull(t *testing.T) {
	p := New(WithMaxSize(2), WithLogger(zaptest.NewLogger(t)))

	hs := []*Handle{p.Acquire(), p.Acquire(), p.Acquire()}
	for _, h := range hs {
		p.Release(h)
	}

	stats := p.Stats()
	if stats.Idle != 2 {
		t.Errorf("Idle = %d, want 2", stats.Idle)
	}
	if stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats.Dropped)
	}
	if !hs[2].Aborted() {
		t.Error("dropped handle should be aborted")
	}
}

func TestRelease_UnknownHandleIgnored(t *testing.T) {
	p := New(WithLogger(zaptest.NewLogger(t)))
	other := New()

	p.Release(other.Acquire())
	p.Release(nil)

	if stats := p.Stats(); stats.Idle != 0 {
		t.Errorf("Idle = %d, foreign handles must not enter the pool", stats.Idle)
	}
}

func TestHandleDo_Callbacks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	p := New(WithLogger(zaptest.NewLogger(t)))
	h := p.Acquire()

	var seen int
	h.OnResponse(func(resp *http.Response) { seen = resp.StatusCode })

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := h.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != "ok" {
		t.Errorf("body = %q, want ok", body)
	}
	if seen != http.StatusOK {
		t.Errorf("OnResponse saw %d, want 200", seen)
	}
}

func TestDestroy_AbortsActiveHandles(t *testing.T) {
	entered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-r.Context().Done()
	}))
	defer srv.Close()

	p := New(WithLogger(zaptest.NewLogger(t)))
	h := p.Acquire()
	idle := p.Acquire()
	p.Release(idle)

	errc := make(chan error, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		_, err := h.Do(req)
		errc <- err
	}()
	<-entered

	p.Destroy()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrAborted) {
			t.Errorf("in-flight request error = %v, want ErrAborted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight request was not aborted")
	}

	if stats := p.Stats(); stats.Idle != 0 || stats.Active != 0 {
		t.Errorf("Stats after Destroy = %+v, want empty pool", stats)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if _, err := h.Do(req); !errors.Is(err, ErrAborted) {
		t.Errorf("Do() on aborted handle error = %v, want ErrAborted", err)
	}
}

func TestPoolRoundTrip_ReleasesOnBodyClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "pooled")
	}))
	defer srv.Close()

	p := New(WithLogger(zaptest.NewLogger(t)))
	client := &http.Client{Transport: p}

	for i := 0; i < 3; i++ {
		resp, err := client.Get(srv.URL)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	stats := p.Stats()
	if stats.Created != 1 || stats.Reused != 2 {
		t.Errorf("Stats = %+v, want 1 created 2 reused", stats)
	}
	if stats.Active != 0 {
		t.Errorf("Active = %d after bodies closed, want 0", stats.Active)
	}
}
