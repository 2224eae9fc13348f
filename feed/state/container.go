// Package state provides the state container projections write into.
//
// A container holds one immutable snapshot: a map from projection name to projection
// value. Writers never mutate the snapshot in place. They submit a Transition that reads
// the current snapshot and returns a partial update, which the container merges by shallow
// key assignment and commits as the new snapshot.
package state

import (
	"errors"
	"fmt"
	"maps"
	"sync"
)

// ErrTransitionPanicked indicates a transition panicked; the snapshot was left unchanged.
var ErrTransitionPanicked = errors.New("state transition panicked")

// State is a snapshot of every projection in a container, keyed by projection name.
// Snapshots returned by a container are shared and must be treated as read-only.
type State map[string]any

// Transition computes a partial update from the current snapshot.
// It must not mutate current. Returning nil commits nothing.
type Transition func(current State) State

// Container is the contract reconcilers require from a state store.
type Container interface {
	// Snapshot returns the latest committed snapshot.
	Snapshot() State

	// Apply runs fn against the latest committed snapshot and commits the merged result.
	// No other transition on the same container runs between the read and the commit,
	// and transitions commit in the order they were submitted.
	Apply(fn Transition) error
}

// Listener observes committed snapshots.
type Listener func(version uint64, snapshot State)

// Store is an in-memory Container.
// It is safe for concurrent use; transitions are serialized.
// The zero value is an empty store.
type Store struct {
	// applyMu serializes transitions together with their notifications.
	applyMu sync.Mutex

	mu           sync.Mutex
	current      State
	version      uint64
	listeners    map[int]Listener
	nextListener int
}

// NewStore creates a Store holding initial. A nil initial starts empty.
func NewStore(initial State) *Store {
	current := make(State, len(initial))
	for k, v := range initial {
		current[k] = v
	}
	return &Store{
		current:   current,
		listeners: make(map[int]Listener),
	}
}

// Snapshot implements Container.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Version returns the number of commits applied so far.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Apply implements Container.
// A panicking transition commits nothing and returns ErrTransitionPanicked.
func (s *Store) Apply(fn Transition) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	current := s.current
	s.mu.Unlock()

	update, err := runTransition(fn, current)
	if err != nil {
		return err
	}
	if len(update) == 0 {
		return nil
	}

	next := maps.Clone(current)
	if next == nil {
		next = make(State, len(update))
	}
	for k, v := range update {
		next[k] = v
	}

	s.mu.Lock()
	s.current = next
	s.version++
	version := s.version
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(version, next)
	}
	return nil
}

// Subscribe registers l to be called after every commit.
// Listeners run on the committing goroutine and may read the store but must not Apply.
// The returned function removes the listener.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	if s.listeners == nil {
		s.listeners = make(map[int]Listener)
	}
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func runTransition(fn Transition, current State) (update State, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", ErrTransitionPanicked, recovered)
		}
	}()
	return fn(current), nil
}

// Lookup returns the projection stored under name as T.
// It returns the zero value of T when the projection is absent or has another type.
func Lookup[T any](s State, name string) T {
	v, _ := s[name].(T)
	return v
}
