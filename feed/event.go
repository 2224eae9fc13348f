// Package feed provides core change feed interfaces and types.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrUnknownEventType indicates a feed payload named an event type other than
// added, changed or removed.
var ErrUnknownEventType = errors.New("unknown event type")

// EventType identifies the kind of change a feed reports for a key.
type EventType string

const (
	// Added reports a new record under a key.
	Added EventType = "added"

	// Changed reports that the record under a key was replaced.
	// The payload is the complete new value.
	Changed EventType = "changed"

	// Removed reports that the record under a key is gone.
	// Sources deliver the last known value with it.
	Removed EventType = "removed"
)

// EventTypes lists every event type a source can deliver.
var EventTypes = []EventType{Added, Changed, Removed}

// ParseEventType converts a wire name into an EventType.
func ParseEventType(name string) (EventType, error) {
	switch t := EventType(name); t {
	case Added, Changed, Removed:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, name)
	}
}

// String implements fmt.Stringer.
func (t EventType) String() string {
	return string(t)
}

// Field names used to tag records stored in projections.
const (
	// FieldID holds the key a record is stored under.
	FieldID = "id"

	// FieldOwnerID holds the owner a fanned-out record came from.
	FieldOwnerID = "ownerId"
)

// Snapshot is the payload delivered with every feed event.
type Snapshot interface {
	// Key returns the feed key of the record.
	Key() string

	// Val returns the record body. Owner documents and records are
	// map[string]any; scalars are allowed. A nil value is an empty body.
	Val() any
}

type snapshot struct {
	key string
	val any
}

func (s snapshot) Key() string { return s.key }
func (s snapshot) Val() any    { return s.val }

// NewSnapshot returns a Snapshot for key carrying val.
func NewSnapshot(key string, val any) Snapshot {
	return snapshot{key: key, val: val}
}

// EmptySnapshot returns a Snapshot for key whose body is an empty document.
func EmptySnapshot(key string) Snapshot {
	return snapshot{key: key, val: map[string]any{}}
}

// AsDocument returns v as a document when it is a JSON-style object.
func AsDocument(v any) (map[string]any, bool) {
	switch doc := v.(type) {
	case map[string]any:
		return doc, true
	case Record:
		return doc, true
	default:
		return nil, false
	}
}

// Record is a value stored in a projection.
// It is a shallow copy of the raw feed value plus provenance tags.
type Record map[string]any

// NewRecord copies the fields of val into a new Record.
// Values that are not objects contribute no fields.
func NewRecord(val any) Record {
	doc, ok := AsDocument(val)
	r := make(Record, len(doc)+2)
	if !ok {
		return r
	}
	for k, v := range doc {
		r[k] = v
	}
	return r
}

// ID returns the id tag of the record.
func (r Record) ID() string {
	id, _ := r[FieldID].(string)
	return id
}

// OwnerID returns the ownerId tag of the record.
func (r Record) OwnerID() string {
	owner, _ := r[FieldOwnerID].(string)
	return owner
}

// DecodeValue decodes a JSON payload into a feed value.
// An empty payload decodes to nil.
func DecodeValue(payload []byte) (any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// EncodeValue encodes a feed value as JSON.
func EncodeValue(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return payload, nil
}

type eventIDKey struct{}

// WithEventID returns a context carrying the id of the event being delivered.
func WithEventID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, eventIDKey{}, id)
}

// EventID returns the id of the event being delivered, if the source assigned one.
func EventID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(eventIDKey{}).(uuid.UUID)
	return id, ok
}
