package serviceworker

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
)

const defaultPatternCacheSize = 1024

// invalidPattern is cached for patterns that do not compile so they are not
// recompiled on every request.
type invalidPattern struct{}

// matcher resolves the strategy for a URL. Compiled patterns are kept in a
// bounded cache shared across strategy reloads.
type matcher struct {
	mu       sync.RWMutex
	closed   bool
	compiled *ristretto.Cache
	logger   *zap.Logger
}

func newMatcher(size int64, logger *zap.Logger) (*matcher, error) {
	if size <= 0 {
		size = defaultPatternCacheSize
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern cache: %w", err)
	}
	return &matcher{compiled: c, logger: logger}, nil
}

// match returns the first strategy with a pattern occurring in url, else the
// first strategy with a pattern matching url as a regular expression.
func (m *matcher) match(strategies []Strategy, url string) (Strategy, bool) {
	for _, s := range strategies {
		for _, p := range s.URLPatterns {
			if p != "" && strings.Contains(url, p) {
				return s, true
			}
		}
	}

	for _, s := range strategies {
		for _, p := range s.URLPatterns {
			if re := m.regexp(p); re != nil && re.MatchString(url) {
				return s, true
			}
		}
	}
	return Strategy{}, false
}

func (m *matcher) regexp(pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// A closed cache is bypassed.
	if !m.closed {
		if v, ok := m.compiled.Get(pattern); ok {
			re, _ := v.(*regexp.Regexp)
			return re
		}
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		m.logger.Warn("Ignoring invalid url pattern", zap.String("pattern", pattern), zap.Error(err))
		if !m.closed {
			m.compiled.Set(pattern, invalidPattern{}, 1)
		}
		return nil
	}
	if !m.closed {
		m.compiled.Set(pattern, re, 1)
	}
	return re
}

func (m *matcher) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.compiled.Close()
}
