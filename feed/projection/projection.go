package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/getpup/pupfeed/feed"
	"github.com/getpup/pupfeed/feed/state"
)

const tracerName = "github.com/getpup/pupfeed/feed/projection"

var (
	// ErrInvalidRegistration indicates a registration was missing a required argument.
	ErrInvalidRegistration = errors.New("invalid projection registration")

	// ErrKeyDerivation indicates a key function failed or produced an unusable key.
	ErrKeyDerivation = errors.New("key derivation failed")

	// ErrLedgerDesync indicates a retraction found nothing to retract.
	// The projection and the record of what produced it disagree, which points at
	// out-of-order feed delivery or two registrations writing one projection.
	ErrLedgerDesync = errors.New("ledger desynchronization")
)

// Flat is a projection of one record per key.
type Flat map[string]feed.Record

// Grouped is a projection of records grouped by key, then indexed by sub key.
// Groups are never empty.
type Grouped map[string]map[string]feed.Record

// Counts is a projection of how many owners contribute each key.
// Keys with no contributors are absent.
type Counts map[string]int

// KeyFunc derives a projection key from a feed record.
type KeyFunc func(rawKey string, value any) (string, error)

// OwnerKeyFunc derives a projection key from a record nested in an owner document.
type OwnerKeyFunc func(ownerID, subKey string, value any) (string, error)

// Phase names the step of a reconciliation in which a failure happened.
type Phase string

const (
	// PhaseDerive is key derivation.
	PhaseDerive Phase = "derive"
	// PhaseRetract is removal of previously contributed entries.
	PhaseRetract Phase = "retract"
	// PhaseContribute is insertion of entries implied by the current record.
	PhaseContribute Phase = "contribute"
	// PhaseCommit is the state container transition.
	PhaseCommit Phase = "commit"
)

// Observer receives reconciliation outcomes. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	// Reconciled reports one handled feed event.
	Reconciled(ctx context.Context, projection string, eventType feed.EventType, retracted, contributed int, elapsed time.Duration)

	// Failed reports a failure isolated to one key or record.
	Failed(ctx context.Context, projection string, phase Phase, err error)

	// LedgerDesync reports a retraction that found nothing to retract.
	LedgerDesync(ctx context.Context, projection string, key string)
}

// NoOpObserver is an Observer that does nothing.
type NoOpObserver struct{}

// Reconciled implements Observer.
func (NoOpObserver) Reconciled(context.Context, string, feed.EventType, int, int, time.Duration) {}

// Failed implements Observer.
func (NoOpObserver) Failed(context.Context, string, Phase, error) {}

// LedgerDesync implements Observer.
func (NoOpObserver) LedgerDesync(context.Context, string, string) {}

// Config configures a projection registration.
type Config struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger feed.Logger

	// Observer receives reconciliation outcomes. Defaults to NoOpObserver.
	Observer Observer

	// Tracer starts one span per owner reconciliation.
	// Defaults to the global OpenTelemetry tracer provider.
	Tracer trace.Tracer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Logger:   nil,
		Observer: NoOpObserver{},
		Tracer:   otel.Tracer(tracerName),
	}
}

// Option is a functional option for configuring a registration.
type Option func(*Config)

// WithLogger sets a logger for the registration.
func WithLogger(logger feed.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithObserver sets the observer for the registration.
func WithObserver(observer Observer) Option {
	return func(c *Config) {
		c.Observer = observer
	}
}

// WithTracer sets the tracer for the registration.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Config) {
		c.Tracer = tracer
	}
}

// NewConfig creates a configuration with functional options.
// It starts with the default configuration and applies the given options.
func NewConfig(opts ...Option) Config {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Observer == nil {
		config.Observer = NoOpObserver{}
	}
	if config.Tracer == nil {
		config.Tracer = otel.Tracer(tracerName)
	}
	return config
}

// base carries what every reconciler shares: the target projection and its reporting.
type base struct {
	name      string
	container state.Container
	config    Config
	logger    feed.Logger
}

func newBase(source feed.Source, container state.Container, name string, opts []Option) (base, error) {
	if source == nil {
		return base{}, fmt.Errorf("%w: nil source", ErrInvalidRegistration)
	}
	if container == nil {
		return base{}, fmt.Errorf("%w: nil container", ErrInvalidRegistration)
	}
	if name == "" {
		return base{}, fmt.Errorf("%w: empty projection name", ErrInvalidRegistration)
	}
	config := NewConfig(opts...)
	return base{
		name:      name,
		container: container,
		config:    config,
		logger:    feed.LoggerOrNoOp(config.Logger),
	}, nil
}

// fail reports an isolated failure. Desynchronizations go to LedgerDesync instead.
func (b *base) fail(ctx context.Context, phase Phase, key string, err error) {
	if errors.Is(err, ErrLedgerDesync) {
		b.logger.Error(ctx, "ledger desynchronization",
			"projection", b.name,
			"key", key,
			"error", err)
		b.config.Observer.LedgerDesync(ctx, b.name, key)
		return
	}
	b.logger.Error(ctx, "reconcile step failed",
		"projection", b.name,
		"phase", string(phase),
		"key", key,
		"error", err)
	b.config.Observer.Failed(ctx, b.name, phase, err)
}

// deriveKey runs keyFn in isolation. A nil keyFn yields rawKey.
func deriveKey(keyFn KeyFunc, rawKey string, value any) (string, error) {
	if keyFn == nil {
		return rawKey, nil
	}
	var key string
	err := isolate(func() error {
		var err error
		key, err = keyFn(rawKey, value)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: record %q: %v", ErrKeyDerivation, rawKey, err)
	}
	if key == "" {
		return "", fmt.Errorf("%w: record %q: empty key", ErrKeyDerivation, rawKey)
	}
	return key, nil
}

// deriveOwnerKey runs keyFn in isolation.
func deriveOwnerKey(keyFn OwnerKeyFunc, ownerID, subKey string, value any) (string, error) {
	var key string
	err := isolate(func() error {
		var err error
		key, err = keyFn(ownerID, subKey, value)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: owner %q record %q: %v", ErrKeyDerivation, ownerID, subKey, err)
	}
	if key == "" {
		return "", fmt.Errorf("%w: owner %q record %q: empty key", ErrKeyDerivation, ownerID, subKey)
	}
	return key, nil
}
