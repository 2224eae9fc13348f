package changelog

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/getpup/pupfeed/feed"
	"github.com/getpup/pupfeed/feed/projection"
)

// ErrSourceStopped indicates the source stopped because the log could not be read.
var ErrSourceStopped = errors.New("change log source stopped")

// SourceConfig configures a Source.
type SourceConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger feed.Logger

	// PartitionStrategy determines which record keys this source delivers.
	PartitionStrategy projection.PartitionStrategy

	// Ref is the collection to read.
	Ref string

	// BatchSize is the number of changes to read per batch.
	BatchSize int

	// PollInterval is how long to wait after reading an empty batch.
	PollInterval time.Duration

	// FromPosition is the position after which reading starts. Projections live in
	// memory, so the default of zero replays the whole log.
	FromPosition int64

	// PartitionKey identifies this source instance (0-indexed).
	PartitionKey int

	// TotalPartitions is the total number of source instances.
	TotalPartitions int
}

// DefaultSourceConfig returns the default configuration for ref.
func DefaultSourceConfig(ref string) SourceConfig {
	return SourceConfig{
		Ref:               ref,
		BatchSize:         100,
		PollInterval:      time.Second,
		FromPosition:      0,
		PartitionKey:      0,
		TotalPartitions:   1,
		PartitionStrategy: projection.HashPartitionStrategy{},
		Logger:            nil,
	}
}

// SourceOption is a functional option for configuring a Source.
type SourceOption func(*SourceConfig)

// WithLogger sets a logger for the source.
func WithLogger(logger feed.Logger) SourceOption {
	return func(c *SourceConfig) {
		c.Logger = logger
	}
}

// WithBatchSize sets the number of changes read per batch.
func WithBatchSize(size int) SourceOption {
	return func(c *SourceConfig) {
		c.BatchSize = size
	}
}

// WithPollInterval sets the wait after an empty batch.
func WithPollInterval(interval time.Duration) SourceOption {
	return func(c *SourceConfig) {
		c.PollInterval = interval
	}
}

// WithFromPosition starts reading after position.
func WithFromPosition(position int64) SourceOption {
	return func(c *SourceConfig) {
		c.FromPosition = position
	}
}

// WithPartition makes the source deliver only the record keys of one partition.
func WithPartition(partitionKey, totalPartitions int) SourceOption {
	return func(c *SourceConfig) {
		c.PartitionKey = partitionKey
		c.TotalPartitions = totalPartitions
	}
}

// NewSourceConfig creates a configuration for ref with functional options.
// It starts with the default configuration and applies the given options.
//
// Example:
//
//	config := changelog.NewSourceConfig("public/users",
//	    changelog.WithBatchSize(500),
//	    changelog.WithPartition(0, 4),
//	)
func NewSourceConfig(ref string, opts ...SourceOption) SourceConfig {
	config := DefaultSourceConfig(ref)
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

func (c SourceConfig) validate() error {
	if c.Ref == "" {
		return errors.New("ref is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.TotalPartitions < 1 {
		return fmt.Errorf("total partitions must be at least 1, got %d", c.TotalPartitions)
	}
	if c.PartitionKey < 0 || c.PartitionKey >= c.TotalPartitions {
		return fmt.Errorf("partition key %d out of range [0, %d)", c.PartitionKey, c.TotalPartitions)
	}
	return nil
}

// Source delivers the changes of one ref to handlers, in position order.
// It implements feed.Source and feed.Runnable.
type Source struct {
	feed.Handlers

	log      Log
	config   SourceConfig
	logger   feed.Logger
	position atomic.Int64
}

// NewSource creates a source reading config.Ref from log.
func NewSource(log Log, config SourceConfig) *Source {
	if config.PartitionStrategy == nil {
		config.PartitionStrategy = projection.HashPartitionStrategy{}
	}
	s := &Source{
		log:    log,
		config: config,
		logger: feed.LoggerOrNoOp(config.Logger),
	}
	s.position.Store(config.FromPosition)
	return s
}

// Name implements feed.Runnable.
func (s *Source) Name() string {
	return "changelog:" + s.config.Ref
}

// Position returns the position of the last change read.
func (s *Source) Position() int64 {
	return s.position.Load()
}

// Run delivers changes until the context is canceled.
// It returns ErrSourceStopped if the log cannot be read.
func (s *Source) Run(ctx context.Context) error {
	if err := s.config.validate(); err != nil {
		return fmt.Errorf("invalid source configuration: %w", err)
	}

	s.logger.Info(ctx, "change log source starting",
		"ref", s.config.Ref,
		"from_position", s.Position(),
		"partition_key", s.config.PartitionKey,
		"total_partitions", s.config.TotalPartitions)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := s.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrSourceStopped, err)
		}
		if n > 0 {
			continue
		}

		// No changes available, wait before polling again
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.config.PollInterval):
		}
	}
}

// CatchUp delivers changes until the log is exhausted.
func (s *Source) CatchUp(ctx context.Context) error {
	if err := s.config.validate(); err != nil {
		return fmt.Errorf("invalid source configuration: %w", err)
	}
	for {
		n, err := s.Poll(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// Poll reads one batch and delivers it. It returns the number of changes read.
func (s *Source) Poll(ctx context.Context) (int, error) {
	changes, err := s.log.ReadChanges(ctx, s.config.Ref, s.Position(), s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read changes: %w", err)
	}

	for i := range changes {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		s.deliver(ctx, &changes[i])
		s.position.Store(changes[i].Position)
	}

	if len(changes) > 0 {
		s.logger.Debug(ctx, "batch delivered",
			"ref", s.config.Ref,
			"count", len(changes),
			"position", s.Position())
	}
	return len(changes), nil
}

func (s *Source) deliver(ctx context.Context, change *Change) {
	if !s.config.PartitionStrategy.ShouldProcess(change.Key, s.config.PartitionKey, s.config.TotalPartitions) {
		return
	}

	value, err := change.Value()
	if err != nil {
		s.logger.Error(ctx, "skipping undecodable change",
			"ref", change.Ref,
			"key", change.Key,
			"position", change.Position,
			"error", err)
		return
	}

	s.Dispatch(feed.WithEventID(ctx, change.ChangeID), change.Type, feed.NewSnapshot(change.Key, value))
}

var (
	_ feed.Source   = (*Source)(nil)
	_ feed.Runnable = (*Source)(nil)
)
