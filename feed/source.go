package feed

import (
	"context"
	"sync"
)

// Handler processes one feed event.
// Handlers run synchronously on the source's delivery goroutine.
type Handler func(ctx context.Context, snap Snapshot)

// Source is a reference into a change feed that handlers can be registered on.
type Source interface {
	// On registers handler for eventType.
	// Several handlers may be registered for one event type; they run in registration order.
	On(eventType EventType, handler Handler)
}

// Runnable is a source that owns its delivery loop.
type Runnable interface {
	// Name identifies the source in logs and errors.
	Name() string

	// Run delivers events until the context is canceled or delivery fails.
	Run(ctx context.Context) error
}

// Handlers is a registry of handlers per event type.
// Sources embed it to implement On and to dispatch events.
// The zero value is ready to use.
type Handlers struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// On implements Source.
func (h *Handlers) On(eventType EventType, handler Handler) {
	if handler == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handlers == nil {
		h.handlers = make(map[EventType][]Handler)
	}
	h.handlers[eventType] = append(h.handlers[eventType], handler)
}

// Dispatch delivers snap to every handler registered for eventType.
// It returns the number of handlers invoked.
func (h *Handlers) Dispatch(ctx context.Context, eventType EventType, snap Snapshot) int {
	h.mu.RLock()
	handlers := h.handlers[eventType]
	h.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, snap)
	}
	return len(handlers)
}
