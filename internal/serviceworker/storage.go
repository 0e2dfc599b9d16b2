package serviceworker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrNotFound is returned by Storage.Match for a URL that is not cached.
var ErrNotFound = errors.New("serviceworker: response not cached")

// CachedResponse is a stored network response.
type CachedResponse struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// OK reports whether the response status is 2xx.
func (c *CachedResponse) OK() bool {
	return c.StatusCode >= 200 && c.StatusCode < 300
}

// Clone returns a deep copy.
func (c *CachedResponse) Clone() *CachedResponse {
	out := *c
	out.Header = c.Header.Clone()
	out.Body = bytes.Clone(c.Body)
	return &out
}

// Response builds an *http.Response for req. source is reported in the
// X-Relay-Cache header.
func (c *CachedResponse) Response(req *http.Request, source string) *http.Response {
	header := c.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if source != "" {
		header.Set(HeaderCache, source)
	}
	return &http.Response{
		Status:        strconv.Itoa(c.StatusCode) + " " + http.StatusText(c.StatusCode),
		StatusCode:    c.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}

// Storage is a set of named caches whose entries keep insertion order, like
// the platform cache storage a worker persists responses to.
type Storage interface {
	// Match returns the response stored for url, or ErrNotFound.
	Match(ctx context.Context, cacheName, url string) (*CachedResponse, error)
	// Put stores resp under resp.URL. Replacing an entry moves it to the end.
	Put(ctx context.Context, cacheName string, resp *CachedResponse) error
	// Keys lists the cached URLs, oldest insertion first.
	Keys(ctx context.Context, cacheName string) ([]string, error)
	Delete(ctx context.Context, cacheName, url string) error
	// DeleteCache drops a whole named cache. Unknown names are not an error.
	DeleteCache(ctx context.Context, cacheName string) error
	CacheNames(ctx context.Context) ([]string, error)
}

// MemoryStorage keeps caches in process memory.
type MemoryStorage struct {
	mu     sync.RWMutex
	caches map[string]*memoryCache
}

type memoryCache struct {
	order   []string
	entries map[string]*CachedResponse
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{caches: make(map[string]*memoryCache)}
}

func (s *MemoryStorage) Match(ctx context.Context, cacheName, url string) (*CachedResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.caches[cacheName]
	if !ok {
		return nil, ErrNotFound
	}
	entry, ok := c.entries[url]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.Clone(), nil
}

func (s *MemoryStorage) Put(ctx context.Context, cacheName string, resp *CachedResponse) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.caches[cacheName]
	if !ok {
		c = &memoryCache{entries: make(map[string]*CachedResponse)}
		s.caches[cacheName] = c
	}
	if _, exists := c.entries[resp.URL]; exists {
		c.order = removeString(c.order, resp.URL)
	}
	c.entries[resp.URL] = resp.Clone()
	c.order = append(c.order, resp.URL)
	return nil
}

func (s *MemoryStorage) Keys(ctx context.Context, cacheName string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.caches[cacheName]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), c.order...), nil
}

func (s *MemoryStorage) Delete(ctx context.Context, cacheName, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.caches[cacheName]
	if !ok {
		return nil
	}
	if _, exists := c.entries[url]; exists {
		delete(c.entries, url)
		c.order = removeString(c.order, url)
	}
	return nil
}

func (s *MemoryStorage) DeleteCache(ctx context.Context, cacheName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.caches, cacheName)
	return nil
}

func (s *MemoryStorage) CacheNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func removeString(in []string, v string) []string {
	for i, s := range in {
		if s == v {
			return append(in[:i], in[i+1:]...)
		}
	}
	return in
}
