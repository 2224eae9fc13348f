package changelog

import (
	"context"
	"errors"
	"fmt"

	"github.com/getpup/pupfeed/feed"
)

// Writer appends record writes of one ref to a Log.
type Writer struct {
	log Log
	ref string
}

// NewWriter creates a writer for ref.
func NewWriter(log Log, ref string) *Writer {
	return &Writer{log: log, ref: ref}
}

// Add appends an Added change for key.
func (w *Writer) Add(ctx context.Context, key string, value any) (int64, error) {
	return w.write(ctx, feed.Added, key, value)
}

// Change appends a Changed change for key. value is the complete new value.
func (w *Writer) Change(ctx context.Context, key string, value any) (int64, error) {
	return w.write(ctx, feed.Changed, key, value)
}

// Set appends Added when key holds no value and Changed otherwise.
func (w *Writer) Set(ctx context.Context, key string, value any) (int64, error) {
	exists, err := w.exists(ctx, key)
	if err != nil {
		return 0, err
	}
	if exists {
		return w.write(ctx, feed.Changed, key, value)
	}
	return w.write(ctx, feed.Added, key, value)
}

// Remove appends a Removed change for key carrying the last known value.
// Returns ErrNoChanges if key holds no value.
func (w *Writer) Remove(ctx context.Context, key string) (int64, error) {
	last, err := w.log.LastChange(ctx, w.ref, key)
	if err != nil {
		return 0, fmt.Errorf("remove %s/%s: %w", w.ref, key, err)
	}
	if last.Type == feed.Removed {
		return 0, fmt.Errorf("remove %s/%s: %w", w.ref, key, ErrNoChanges)
	}
	return w.append(ctx, Change{Ref: w.ref, Key: key, Type: feed.Removed, Payload: last.Payload})
}

func (w *Writer) exists(ctx context.Context, key string) (bool, error) {
	last, err := w.log.LastChange(ctx, w.ref, key)
	if errors.Is(err, ErrNoChanges) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up %s/%s: %w", w.ref, key, err)
	}
	return last.Type != feed.Removed, nil
}

func (w *Writer) write(ctx context.Context, eventType feed.EventType, key string, value any) (int64, error) {
	payload, err := feed.EncodeValue(value)
	if err != nil {
		return 0, err
	}
	return w.append(ctx, Change{Ref: w.ref, Key: key, Type: eventType, Payload: payload})
}

func (w *Writer) append(ctx context.Context, change Change) (int64, error) {
	positions, err := w.log.Append(ctx, []Change{change})
	if err != nil {
		return 0, fmt.Errorf("append %s/%s: %w", w.ref, change.Key, err)
	}
	return positions[0], nil
}
