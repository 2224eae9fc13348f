// Package nats provides a NATS adapter for feed sources.
//
// Every record change travels as a structured-mode CloudEvent on the subject
// "<prefix>.<ref>":
//
//	{
//	  "specversion": "1.0",
//	  "id": "7d1c...",
//	  "source": "pupfeed",
//	  "type": "pupfeed.changed",
//	  "subject": "<record key>",
//	  "datacontenttype": "application/json",
//	  "data": {...}
//	}
//
// Publishers must send the last known value with pupfeed.removed events.
//
// # Usage
//
//	conn, err := nats.Connect("nats://localhost:4222", logger)
//	source := nats.NewSource(conn, nats.NewSourceConfig("profiles"))
//	projection.MapOwnerRecords(source, "languages", store, "languages", projection.SubKey)
//	err = source.Run(ctx)
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/getpup/pupfeed/feed"
)

// ErrSubscriptionClosed is returned by Run when the connection drops the subscription.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Connect dials url with reconnect logging.
func Connect(url string, logger feed.Logger) (*nats.Conn, error) {
	logger = feed.LoggerOrNoOp(logger)
	conn, err := nats.Connect(
		url,
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error(context.Background(), "NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info(context.Background(), "NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}

// Subject returns the subject events of ref are published on.
func Subject(prefix, ref string) string {
	return prefix + "." + ref
}

// SourceConfig configures a NATS source.
type SourceConfig struct {
	// Logger is an optional logger for observability.
	Logger feed.Logger

	// Ref is the collection to subscribe to.
	Ref string

	// SubjectPrefix is prepended to Ref. Default is "pupfeed".
	SubjectPrefix string

	// Queue is the optional queue group. Members of a group split the events,
	// so each sees only part of the feed.
	Queue string

	// BufferSize is the channel buffer for received messages. Default is 256.
	BufferSize int
}

// DefaultSourceConfig returns the default configuration for ref.
func DefaultSourceConfig(ref string) SourceConfig {
	return SourceConfig{
		Ref:           ref,
		SubjectPrefix: "pupfeed",
		BufferSize:    256,
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

// WithSubjectPrefix sets the subject prefix.
func WithSubjectPrefix(prefix string) SourceOption {
	return func(c *SourceConfig) {
		c.SubjectPrefix = prefix
	}
}

// WithQueue joins a queue group.
func WithQueue(queue string) SourceOption {
	return func(c *SourceConfig) {
		c.Queue = queue
	}
}

// NewSourceConfig creates a source configuration with functional options.
func NewSourceConfig(ref string, opts ...SourceOption) SourceConfig {
	config := DefaultSourceConfig(ref)
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Source delivers the events of one ref from NATS.
// It implements feed.Source and feed.Runnable.
type Source struct {
	feed.Handlers

	conn   *nats.Conn
	config SourceConfig
	logger feed.Logger
}

// NewSource creates a source on conn. The caller owns conn.
func NewSource(conn *nats.Conn, config SourceConfig) *Source {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	return &Source{
		conn:   conn,
		config: config,
		logger: feed.LoggerOrNoOp(config.Logger),
	}
}

// Name implements feed.Runnable.
func (s *Source) Name() string {
	return "nats:" + s.Subject()
}

// Subject returns the subscribed subject.
func (s *Source) Subject() string {
	return Subject(s.config.SubjectPrefix, s.config.Ref)
}

// Run subscribes and dispatches events from one goroutine until ctx is canceled.
func (s *Source) Run(ctx context.Context) error {
	if s.config.Ref == "" {
		return errors.New("ref is required")
	}

	msgs := make(chan *nats.Msg, s.config.BufferSize)
	var (
		sub *nats.Subscription
		err error
	)
	if s.config.Queue != "" {
		sub, err = s.conn.ChanQueueSubscribe(s.Subject(), s.config.Queue, msgs)
	} else {
		sub, err = s.conn.ChanSubscribe(s.Subject(), msgs)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.Subject(), err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			s.logger.Error(ctx, "unsubscribe failed", "subject", s.Subject(), "error", err)
		}
	}()

	s.logger.Info(ctx, "NATS source subscribed", "subject", s.Subject(), "queue", s.config.Queue)

	// A closed connection never closes msgs, so poll the subscription state
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			s.deliver(ctx, msg)
		case <-ticker.C:
			if !sub.IsValid() {
				return fmt.Errorf("%w: %s", ErrSubscriptionClosed, s.Subject())
			}
		}
	}
}

func (s *Source) deliver(ctx context.Context, msg *nats.Msg) {
	m, err := Decode(msg.Data)
	if err != nil {
		s.logger.Error(ctx, "skipping invalid message", "subject", msg.Subject, "error", err)
		return
	}
	s.Dispatch(feed.WithEventID(ctx, m.ID), m.Type, feed.NewSnapshot(m.Key, m.Value))
}

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// Ref is the collection events are published to.
	Ref string

	// SubjectPrefix is prepended to Ref. Default is "pupfeed".
	SubjectPrefix string

	// Source is the CloudEvents source attribute. Default is "pupfeed".
	Source string
}

// Publisher publishes feed events of one ref.
type Publisher struct {
	conn    *nats.Conn
	subject string
	source  string
}

// NewPublisher creates a publisher on conn. The caller owns conn.
func NewPublisher(conn *nats.Conn, config PublisherConfig) *Publisher {
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = "pupfeed"
	}
	if config.Source == "" {
		config.Source = "pupfeed"
	}
	return &Publisher{
		conn:    conn,
		subject: Subject(config.SubjectPrefix, config.Ref),
		source:  config.Source,
	}
}

// Publish sends one event and flushes the connection.
func (p *Publisher) Publish(ctx context.Context, eventType feed.EventType, key string, value any) error {
	data, err := Encode(p.source, eventType, key, value)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.subject, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		return p.conn.Flush()
	}
	return p.conn.FlushWithContext(ctx)
}
