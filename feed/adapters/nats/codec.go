package nats

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/getpup/pupfeed/feed"
)

// TypePrefix prefixes the CloudEvents type of every feed event, e.g. "pupfeed.added".
const TypePrefix = "pupfeed."

// ErrInvalidEvent indicates a message that is not a feed CloudEvent.
var ErrInvalidEvent = errors.New("invalid feed event")

// Message is a decoded feed event.
type Message struct {
	ID    uuid.UUID
	Type  feed.EventType
	Key   string
	Value any
}

// Encode renders a feed event as a structured-mode CloudEvent.
func Encode(source string, eventType feed.EventType, key string, value any) ([]byte, error) {
	if _, err := feed.ParseEventType(string(eventType)); err != nil {
		return nil, err
	}

	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(source)
	e.SetType(TypePrefix + string(eventType))
	e.SetSubject(key)
	e.SetTime(time.Now().UTC())
	if value != nil {
		if err := e.SetData(cloudevents.ApplicationJSON, value); err != nil {
			return nil, fmt.Errorf("set data: %w", err)
		}
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return json.Marshal(e)
}

// Decode parses a structured-mode CloudEvent produced by Encode.
func Decode(data []byte) (Message, error) {
	var e cloudevents.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	name, ok := strings.CutPrefix(e.Type(), TypePrefix)
	if !ok {
		return Message{}, fmt.Errorf("%w: type %q", ErrInvalidEvent, e.Type())
	}
	eventType, err := feed.ParseEventType(name)
	if err != nil {
		return Message{}, err
	}
	if e.Subject() == "" {
		return Message{}, fmt.Errorf("%w: missing subject", ErrInvalidEvent)
	}

	value, err := feed.DecodeValue(e.Data())
	if err != nil {
		return Message{}, err
	}

	// Foreign producers may use ids that are not uuids
	id, err := uuid.Parse(e.ID())
	if err != nil {
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(e.Source()+"/"+e.ID()))
	}

	return Message{ID: id, Type: eventType, Key: e.Subject(), Value: value}, nil
}
