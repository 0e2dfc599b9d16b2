package serviceworker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrUnsupported is returned when the host can't run a background worker.
	// Callers keep working against the network directly.
	ErrUnsupported = errors.New("serviceworker: background workers unsupported")

	ErrInvalidScript = errors.New("serviceworker: invalid script")
	ErrNoWorker      = errors.New("serviceworker: no active worker")
)

// EventType is a registration lifecycle notification.
type EventType string

const (
	EventUpdateFound      EventType = "updatefound"
	EventInstalled        EventType = "installed"
	EventActivated        EventType = "activated"
	EventControllerChange EventType = "controllerchange"
	EventUnregistered     EventType = "unregistered"
)

// Event is delivered on Manager.Events. An EventUpdateFound is the cue to
// prompt for a reload; nothing reloads on its own.
type Event struct {
	Type     EventType
	WorkerID string
	Script   Script
	At       time.Time
}

// Registration is the host-side record of a registered script.
type Registration struct {
	ID           string
	Script       Script
	RegisteredAt time.Time
	UpdatedAt    time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithWorkerConfig 設置背景工作者設定
func WithWorkerConfig(cfg Config) ManagerOption {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithStrategies 設置註冊後傳送給工作者的快取策略
func WithStrategies(strategies []Strategy) ManagerOption {
	return func(m *Manager) {
		m.strategies = cloneStrategies(strategies)
	}
}

// WithManagerLogger 設置日誌記錄器
func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock 設置時間來源
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithEventBuffer 設置事件通道容量
func WithEventBuffer(n int) ManagerOption {
	return func(m *Manager) {
		if n >= 0 {
			m.eventBuffer = n
		}
	}
}

// Unsupported makes every Register call fail with ErrUnsupported.
func Unsupported() ManagerOption {
	return func(m *Manager) {
		m.supported = false
	}
}

// Manager is the host side of the worker: it registers scripts, tracks the
// active and waiting workers and talks to them only through messages.
type Manager struct {
	storage     Storage
	network     http.RoundTripper
	cfg         Config
	strategies  []Strategy
	logger      *zap.Logger
	now         func() time.Time
	supported   bool
	eventBuffer int

	mu           sync.Mutex
	registration *Registration
	active       *Worker
	waiting      *Worker
	events       chan Event
}

// NewManager creates a Manager. Workers store responses in storage and send
// their network traffic through network.
func NewManager(storage Storage, network http.RoundTripper, opts ...ManagerOption) *Manager {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	if network == nil {
		network = http.DefaultTransport
	}
	m := &Manager{
		storage:     storage,
		network:     network,
		cfg:         DefaultConfig(),
		strategies:  DefaultStrategies(),
		logger:      zap.NewNop(),
		now:         time.Now,
		supported:   true,
		eventBuffer: 16,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.events = make(chan Event, m.eventBuffer)
	return m
}

// Events returns the lifecycle notification channel. Events are dropped
// when nobody keeps up with it.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Register installs script. Registering the script that is already
// registered is a no-op; a different script replaces it as an update.
func (m *Manager) Register(ctx context.Context, script Script) (*Registration, error) {
	if !m.supported {
		return nil, ErrUnsupported
	}
	if _, err := parseScriptURL(script.URL); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.registration != nil && m.registration.Script == script {
		reg := *m.registration
		m.mu.Unlock()
		return &reg, nil
	}

	w, err := NewWorker(script, m.storage, m.network, m.cfg, m.logger)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}
	w.now = m.now
	w.onState = m.workerStateChanged

	now := m.now()
	if m.registration == nil {
		m.registration = &Registration{ID: uuid.NewString(), RegisteredAt: now}
	}
	m.registration.Script = script
	m.registration.UpdatedAt = now
	reg := *m.registration

	updating := m.active != nil
	replaced := m.waiting
	m.waiting = nil
	m.mu.Unlock()

	if replaced != nil {
		replaced.Stop()
	}
	if updating {
		m.logger.Info("Worker update found", zap.String("script", script.URL), zap.String("version", script.Version))
		m.emit(EventUpdateFound, w)
	}

	go func() {
		if err := w.Serve(context.WithoutCancel(ctx)); err != nil {
			m.logger.Error("Worker message loop exited", zap.String("worker", w.ID()), zap.Error(err))
		}
	}()

	if err := w.install(m.cfg.SkipWaitingOnInstall || !updating); err != nil {
		w.Stop()
		return nil, fmt.Errorf("failed to install worker: %w", err)
	}

	m.mu.Lock()
	strategies := cloneStrategies(m.strategies)
	m.mu.Unlock()
	if err := w.PostMessage(ctx, ConfigMessage(strategies)); err != nil {
		w.Stop()
		return nil, fmt.Errorf("failed to configure worker: %w", err)
	}

	return &reg, nil
}

func (m *Manager) workerStateChanged(w *Worker, s State) {
	switch s {
	case StateInstalled:
		m.mu.Lock()
		if m.active != nil && m.active != w {
			m.waiting = w
		}
		m.mu.Unlock()
		m.emit(EventInstalled, w)

	case StateActivated:
		m.mu.Lock()
		old := m.active
		m.active = w
		if m.waiting == w {
			m.waiting = nil
		}
		m.mu.Unlock()

		if old != nil && old != w {
			old.Stop()
		}
		m.emit(EventActivated, w)
		m.emit(EventControllerChange, w)

	case StateRedundant:
		m.mu.Lock()
		if m.active == w {
			m.active = nil
		}
		if m.waiting == w {
			m.waiting = nil
		}
		m.mu.Unlock()
	}
}

func (m *Manager) emit(t EventType, w *Worker) {
	ev := Event{Type: t, At: m.now()}
	if w != nil {
		ev.WorkerID = w.ID()
		ev.Script = w.Script()
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("Dropping worker event", zap.String("event", string(t)))
	}
}

// SkipWaiting activates the waiting worker, if any.
func (m *Manager) SkipWaiting(ctx context.Context) error {
	m.mu.Lock()
	w := m.waiting
	m.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.PostMessage(ctx, SkipWaitingMessage())
}

// ClearCache deletes the named cache, or every cache when name is empty.
func (m *Manager) ClearCache(ctx context.Context, name string) error {
	w := m.Active()
	if w == nil {
		return ErrNoWorker
	}
	return w.PostMessage(ctx, ClearCacheMessage(name))
}

// PreloadResources fetches urls into the default cache, best-effort.
func (m *Manager) PreloadResources(ctx context.Context, urls []string) error {
	w := m.Active()
	if w == nil {
		return ErrNoWorker
	}
	return w.PostMessage(ctx, PreloadMessage(urls))
}

// Configure replaces the strategy table of the current workers and of
// future registrations.
func (m *Manager) Configure(ctx context.Context, strategies []Strategy) error {
	msg := ConfigMessage(strategies)
	if err := msg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.strategies = cloneStrategies(strategies)
	workers := []*Worker{m.active, m.waiting}
	m.mu.Unlock()

	var errs []error
	for _, w := range workers {
		if w == nil {
			continue
		}
		if err := w.PostMessage(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("failed to configure %s: %w", w, err))
		}
	}
	return errors.Join(errs...)
}

// Unregister stops every worker and drops the registration. It reports
// whether there was a registration.
func (m *Manager) Unregister() bool {
	m.mu.Lock()
	reg := m.registration
	active, waiting := m.active, m.waiting
	m.registration, m.active, m.waiting = nil, nil, nil
	m.mu.Unlock()

	if reg == nil {
		return false
	}
	for _, w := range []*Worker{waiting, active} {
		if w != nil {
			w.Stop()
		}
	}
	m.logger.Info("Worker unregistered", zap.String("script", reg.Script.URL))
	m.emit(EventUnregistered, active)
	return true
}

// Registration returns a copy of the current registration, or nil.
func (m *Manager) Registration() *Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registration == nil {
		return nil
	}
	reg := *m.registration
	return &reg
}

// Active returns the controlling worker, or nil.
func (m *Manager) Active() *Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Waiting returns the installed worker waiting to activate, or nil.
func (m *Manager) Waiting() *Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting
}

// Transport routes requests through the active worker and falls back to the
// network when none is active.
func (m *Manager) Transport() http.RoundTripper {
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if w := m.Active(); w != nil {
			return w.RoundTrip(req)
		}
		return m.network.RoundTrip(req)
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
