// Package runner runs the delivery loops of several feed sources side by side.
// It is explicit and CLI-friendly: sources are started together, and the first one to
// fail stops the rest.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/getpup/pupfeed/feed"
)

var (
	// ErrNoSources indicates that no sources were provided to run.
	ErrNoSources = errors.New("no sources provided")

	// ErrSourcePanicked indicates a source's Run panicked.
	ErrSourcePanicked = errors.New("source panicked")
)

// Runner orchestrates multiple feed sources concurrently.
//
// Example:
//
//	users := changelog.NewSource(store, db, changelog.NewSourceConfig("users"))
//	sessions := nats.NewSource(conn, nats.DefaultSourceConfig("sessions"))
//
//	r := runner.New(runner.WithLogger(logger))
//	err := r.Run(ctx, users, sessions)
type Runner struct {
	logger feed.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets a logger for source start and stop messages.
func WithLogger(logger feed.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// New creates a new runner.
func New(opts ...Option) *Runner {
	r := &Runner{}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = feed.LoggerOrNoOp(r.logger)
	return r
}

// Run runs every source in its own goroutine until the context is canceled.
// It returns when the context is canceled or when any source returns an error; in the
// latter case all other sources are canceled and the error is returned. Run also returns,
// with nil, once every source has returned on its own. It waits for every source to
// return before it does.
func (r *Runner) Run(ctx context.Context, sources ...feed.Runnable) error {
	if len(sources) == 0 {
		return ErrNoSources
	}
	for i, source := range sources {
		if source == nil {
			return fmt.Errorf("source at index %d is nil", i)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, len(sources))

	for _, source := range sources {
		wg.Add(1)
		go func(src feed.Runnable) {
			defer wg.Done()

			r.logger.Info(ctx, "source started", "source", src.Name())
			err := runSafely(ctx, src)
			r.logger.Info(ctx, "source stopped", "source", src.Name())

			// Only report errors that aren't from context cancellation
			if err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("source %q failed: %w", src.Name(), err)
			}
		}(source)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var runErr error
	select {
	case runErr = <-errChan:
		r.logger.Error(ctx, "stopping sources", "error", runErr)
	case <-done:
		// Every source returned on its own; report the first failure, if any.
		select {
		case runErr = <-errChan:
		default:
		}
		return runErr
	case <-ctx.Done():
		runErr = ctx.Err()
	}
	cancel()
	<-done
	return runErr
}

func runSafely(ctx context.Context, src feed.Runnable) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", ErrSourcePanicked, recovered)
		}
	}()
	return src.Run(ctx)
}
