package relay

import (
	"goflare.io/relay/internal/batch"
	"goflare.io/relay/internal/retrier"
	"goflare.io/relay/internal/serviceworker"
)

// Aliases for the types callers need to configure and drive the engine.
type (
	Strategy     = serviceworker.Strategy
	Mode         = serviceworker.Mode
	WorkerConfig = serviceworker.Config
	Event        = serviceworker.Event
	RetryOption  = retrier.Option
	Processor    = batch.Processor[any, any]
)

const (
	CacheFirst           = serviceworker.CacheFirst
	NetworkFirst         = serviceworker.NetworkFirst
	StaleWhileRevalidate = serviceworker.StaleWhileRevalidate
)

var (
	ErrMaxAttempts   = retrier.ErrMaxAttempts
	ErrMissingResult = batch.ErrMissingResult
	ErrUnsupported   = serviceworker.ErrUnsupported
	ErrNoWorker      = serviceworker.ErrNoWorker
	ErrInvalidScript = serviceworker.ErrInvalidScript
)

// DefaultStrategies returns the shipped strategy table.
func DefaultStrategies() []Strategy { return serviceworker.DefaultStrategies() }

// DefaultWorkerConfig returns the background worker defaults.
func DefaultWorkerConfig() WorkerConfig { return serviceworker.DefaultConfig() }

// Permanent marks err as not worth retrying.
func Permanent(err error) error { return retrier.Permanent(err) }
