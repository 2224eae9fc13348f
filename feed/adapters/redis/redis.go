// Package redis provides a Redis pub/sub adapter for feed sources.
//
// Each message on the channel is a JSON envelope:
//
//	{"type": "changed", "key": "1234", "value": {...}}
//
// Pub/sub does not buffer for absent subscribers, so events published while a source is
// not subscribed are lost. Publishers must send the last known value with removals.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/getpup/pupfeed/feed"
)

// ErrInvalidEnvelope indicates a message that is not a feed envelope.
var ErrInvalidEnvelope = errors.New("invalid feed envelope")

// ErrChannelClosed is returned by Run when the subscription channel closes.
var ErrChannelClosed = errors.New("subscription channel closed")

// Envelope is the wire form of a feed event.
type Envelope struct {
	Type  feed.EventType  `json:"type"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Encode renders a feed event as an envelope.
func Encode(eventType feed.EventType, key string, value any) ([]byte, error) {
	if _, err := feed.ParseEventType(string(eventType)); err != nil {
		return nil, err
	}
	var payload json.RawMessage
	if value != nil {
		var err error
		if payload, err = feed.EncodeValue(value); err != nil {
			return nil, err
		}
	}
	return json.Marshal(Envelope{Type: eventType, Key: key, Value: payload})
}

// Decode parses an envelope and its value.
func Decode(data []byte) (feed.EventType, string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", "", nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	eventType, err := feed.ParseEventType(string(env.Type))
	if err != nil {
		return "", "", nil, err
	}
	if env.Key == "" {
		return "", "", nil, fmt.Errorf("%w: missing key", ErrInvalidEnvelope)
	}
	value, err := feed.DecodeValue(env.Value)
	if err != nil {
		return "", "", nil, err
	}
	return eventType, env.Key, value, nil
}

// SourceConfig configures a Redis source.
type SourceConfig struct {
	// Logger is an optional logger for observability.
	Logger feed.Logger

	// Channel is the pub/sub channel to subscribe to.
	Channel string
}

// Source delivers feed events from a Redis pub/sub channel.
// It implements feed.Source and feed.Runnable.
type Source struct {
	feed.Handlers

	client redis.UniversalClient
	config SourceConfig
	logger feed.Logger
}

// NewSource creates a source on client. The caller owns client.
func NewSource(client redis.UniversalClient, config SourceConfig) *Source {
	return &Source{
		client: client,
		config: config,
		logger: feed.LoggerOrNoOp(config.Logger),
	}
}

// Name implements feed.Runnable.
func (s *Source) Name() string {
	return "redis:" + s.config.Channel
}

// Run subscribes and dispatches events until ctx is canceled.
func (s *Source) Run(ctx context.Context) error {
	if s.config.Channel == "" {
		return errors.New("channel is required")
	}

	pubsub := s.client.Subscribe(ctx, s.config.Channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to subscribe to %s: %w", s.config.Channel, err)
	}
	s.logger.Info(ctx, "redis source subscribed", "channel", s.config.Channel)

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("%w: %s", ErrChannelClosed, s.config.Channel)
			}
			s.deliver(ctx, msg)
		}
	}
}

func (s *Source) deliver(ctx context.Context, msg *redis.Message) {
	eventType, key, value, err := Decode([]byte(msg.Payload))
	if err != nil {
		s.logger.Error(ctx, "skipping invalid message", "channel", msg.Channel, "error", err)
		return
	}
	s.Dispatch(feed.WithEventID(ctx, uuid.New()), eventType, feed.NewSnapshot(key, value))
}

// Publisher publishes feed events to a channel.
type Publisher struct {
	client  redis.UniversalClient
	channel string
}

// NewPublisher creates a publisher on client. The caller owns client.
func NewPublisher(client redis.UniversalClient, channel string) *Publisher {
	return &Publisher{client: client, channel: channel}
}

// Publish sends one event.
func (p *Publisher) Publish(ctx context.Context, eventType feed.EventType, key string, value any) error {
	data, err := Encode(eventType, key, value)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.channel, err)
	}
	return nil
}
