package projection_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/getpup/pupfeed/feed"
	"github.com/getpup/pupfeed/feed/projection"
	"github.com/getpup/pupfeed/feed/state"
)

// mockObserver records every outcome it is told about.
type mockObserver struct {
	mu          sync.Mutex
	reconciled  int
	retracted   int
	contributed int
	failures    []projection.Phase
	errs        []error
	desyncs     []string
}

func (o *mockObserver) Reconciled(_ context.Context, _ string, _ feed.EventType, retracted, contributed int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reconciled++
	o.retracted += retracted
	o.contributed += contributed
}

func (o *mockObserver) Failed(_ context.Context, _ string, phase projection.Phase, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, phase)
	o.errs = append(o.errs, err)
}

func (o *mockObserver) LedgerDesync(_ context.Context, _ string, key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.desyncs = append(o.desyncs, key)
}

// mockLogger counts calls per level.
type mockLogger struct {
	mu         sync.Mutex
	debugCalls int
	infoCalls  int
	errorCalls int
	lastMsg    string
}

func (m *mockLogger) Debug(_ context.Context, msg string, _ ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugCalls++
	m.lastMsg = msg
}

func (m *mockLogger) Info(_ context.Context, msg string, _ ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoCalls++
	m.lastMsg = msg
}

func (m *mockLogger) Error(_ context.Context, msg string, _ ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCalls++
	m.lastMsg = msg
}

var errContainerDown = errors.New("container unavailable")

// failingContainer rejects transitions while failing is set.
type failingContainer struct {
	*state.Store
	failing bool
}

func (c *failingContainer) Apply(fn state.Transition) error {
	if c.failing {
		return errContainerDown
	}
	return c.Store.Apply(fn)
}

// doc builds an owner document holding records under subRef.
func doc(subRef string, records map[string]any) map[string]any {
	return map[string]any{subRef: records}
}

func obj(kv ...any) map[string]any {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}
