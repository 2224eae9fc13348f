// Package memory provides an in-process change feed.
//
// A Ref holds the current value of every key and notifies handlers of each write,
// which makes it the feed of choice for tests, examples, and single-process setups
// where the writer and the projections share a binary.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/getpup/pupfeed/feed"
)

var (
	// ErrKeyExists indicates an Add for a key that already holds a value.
	ErrKeyExists = errors.New("key already exists")

	// ErrKeyNotFound indicates a Change or Remove for a key that holds no value.
	ErrKeyNotFound = errors.New("key not found")
)

// Ref is an in-memory feed reference. It implements feed.Source.
//
// Writes are delivered synchronously and one at a time, so handlers observe the events
// of every key in write order. Handlers must not write to the Ref they are invoked by.
type Ref struct {
	feed.Handlers

	name string

	// deliverMu serializes writes together with their delivery.
	deliverMu sync.Mutex

	mu     sync.RWMutex
	values map[string]any
}

// NewRef creates an empty reference.
func NewRef(name string) *Ref {
	return &Ref{
		name:   name,
		values: make(map[string]any),
	}
}

// Name returns the name of the reference.
func (r *Ref) Name() string {
	return r.name
}

// Add stores value under a new key and delivers an Added event.
func (r *Ref) Add(ctx context.Context, key string, value any) error {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	if _, ok := r.Value(key); ok {
		return fmt.Errorf("%s/%s: %w", r.name, key, ErrKeyExists)
	}
	r.store(key, value)
	r.deliver(ctx, feed.Added, key, value)
	return nil
}

// Change replaces the value under an existing key and delivers a Changed event.
func (r *Ref) Change(ctx context.Context, key string, value any) error {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	if _, ok := r.Value(key); !ok {
		return fmt.Errorf("%s/%s: %w", r.name, key, ErrKeyNotFound)
	}
	r.store(key, value)
	r.deliver(ctx, feed.Changed, key, value)
	return nil
}

// Set stores value under key, delivering Added for a new key and Changed otherwise.
func (r *Ref) Set(ctx context.Context, key string, value any) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	eventType := feed.Changed
	if _, ok := r.Value(key); !ok {
		eventType = feed.Added
	}
	r.store(key, value)
	r.deliver(ctx, eventType, key, value)
}

// Remove deletes key and delivers a Removed event carrying the last known value.
func (r *Ref) Remove(ctx context.Context, key string) error {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.mu.Lock()
	last, ok := r.values[key]
	delete(r.values, key)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s/%s: %w", r.name, key, ErrKeyNotFound)
	}
	r.deliver(ctx, feed.Removed, key, last)
	return nil
}

// Emit delivers an event without touching the stored values.
// It replays events that originate elsewhere, such as a remote feed.
func (r *Ref) Emit(ctx context.Context, eventType feed.EventType, key string, value any) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.deliver(ctx, eventType, key, value)
}

// Value returns the value stored under key.
func (r *Ref) Value(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[key]
	return v, ok
}

// Values returns a copy of every stored value.
func (r *Ref) Values() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.values)
}

func (r *Ref) store(key string, value any) {
	r.mu.Lock()
	r.values[key] = value
	r.mu.Unlock()
}

func (r *Ref) deliver(ctx context.Context, eventType feed.EventType, key string, value any) {
	ctx = feed.WithEventID(ctx, uuid.New())
	r.Dispatch(ctx, eventType, feed.NewSnapshot(key, value))
}

var _ feed.Source = (*Ref)(nil)
