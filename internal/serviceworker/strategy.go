package serviceworker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Mode is the caching policy of a Strategy.
type Mode int

const (
	CacheFirst Mode = iota + 1
	NetworkFirst
	StaleWhileRevalidate
)

var modeNames = map[Mode]string{
	CacheFirst:           "cache-first",
	NetworkFirst:         "network-first",
	StaleWhileRevalidate: "stale-while-revalidate",
}

// ErrInvalidStrategy is returned for a strategy that can't be applied.
var ErrInvalidStrategy = errors.New("serviceworker: invalid cache strategy")

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %d", ErrInvalidStrategy, int(m))
	}
	return []byte(modeNames[m]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	mode, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// ParseMode parses the text form of a Mode.
func ParseMode(s string) (Mode, error) {
	for mode, name := range modeNames {
		if name == s {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidStrategy, s)
}

// Strategy is a named caching policy scoped to a set of URL patterns. A
// pattern matches when it occurs in the URL, or else when it matches as a
// regular expression. MaxAge and MaxEntries of zero mean unbounded.
type Strategy struct {
	Name        string
	URLPatterns []string
	Mode        Mode
	MaxAge      time.Duration
	MaxEntries  int
}

type strategyJSON struct {
	Name        string   `json:"name"`
	URLPatterns []string `json:"urlPatterns"`
	Mode        Mode     `json:"strategy"`
	MaxAge      int64    `json:"maxAge,omitempty"`
	MaxEntries  int      `json:"maxEntries,omitempty"`
}

// MarshalJSON encodes MaxAge in milliseconds.
func (s Strategy) MarshalJSON() ([]byte, error) {
	return json.Marshal(strategyJSON{
		Name:        s.Name,
		URLPatterns: s.URLPatterns,
		Mode:        s.Mode,
		MaxAge:      s.MaxAge.Milliseconds(),
		MaxEntries:  s.MaxEntries,
	})
}

// UnmarshalJSON decodes MaxAge from milliseconds.
func (s *Strategy) UnmarshalJSON(data []byte) error {
	var raw strategyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Strategy{
		Name:        raw.Name,
		URLPatterns: raw.URLPatterns,
		Mode:        raw.Mode,
		MaxAge:      time.Duration(raw.MaxAge) * time.Millisecond,
		MaxEntries:  raw.MaxEntries,
	}
	return nil
}

// Validate checks that s can be applied.
func (s Strategy) Validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("%w: missing name", ErrInvalidStrategy)
	case len(s.URLPatterns) == 0:
		return fmt.Errorf("%w: %q has no url patterns", ErrInvalidStrategy, s.Name)
	case !s.Mode.Valid():
		return fmt.Errorf("%w: %q has unknown mode %d", ErrInvalidStrategy, s.Name, int(s.Mode))
	case s.MaxAge < 0 || s.MaxEntries < 0:
		return fmt.Errorf("%w: %q has negative bounds", ErrInvalidStrategy, s.Name)
	}
	return nil
}

// expired reports whether a response stored at storedAt is too old to serve
// without revalidation.
func (s Strategy) expired(storedAt, now time.Time) bool {
	return s.MaxAge > 0 && now.Sub(storedAt) >= s.MaxAge
}

func cloneStrategies(in []Strategy) []Strategy {
	out := make([]Strategy, len(in))
	for i, s := range in {
		s.URLPatterns = append([]string(nil), s.URLPatterns...)
		out[i] = s
	}
	return out
}

// DefaultStrategies is the table shipped with the editor: core bundles,
// editor sub-bundles, API calls and static assets. Every pattern is also
// tried as a substring, so file-name patterns are written as anchored
// expressions.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{
			Name:        "relay-core",
			URLPatterns: []string{`/relay(\.min)?\.js(\?.*)?$`, `/relay-core\.[0-9a-f]+\.js$`},
			Mode:        CacheFirst,
			MaxAge:      24 * time.Hour,
			MaxEntries:  10,
		},
		{
			Name:        "relay-editors",
			URLPatterns: []string{"/editors/", `/relay-editor-[a-z]+\.[0-9a-f]+\.js$`},
			Mode:        StaleWhileRevalidate,
			MaxAge:      time.Hour,
			MaxEntries:  50,
		},
		{
			Name:        "relay-api",
			URLPatterns: []string{"/api/"},
			Mode:        NetworkFirst,
			MaxAge:      5 * time.Minute,
			MaxEntries:  100,
		},
		{
			Name:        "relay-static",
			URLPatterns: []string{`\.(css|woff2?|ttf|otf|eot)(\?.*)?$`},
			Mode:        CacheFirst,
			MaxAge:      7 * 24 * time.Hour,
			MaxEntries:  100,
		},
	}
}
