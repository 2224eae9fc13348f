// Command pupfeed runs one owner projection over a change feed and serves it over HTTP.
//
// Configuration comes from PUPFEED_* environment variables:
//
//	PUPFEED_DRIVER=sqlite PUPFEED_DSN=feed.db PUPFEED_MIGRATE=true \
//	PUPFEED_SUB_REF=languages PUPFEED_SHAPE=count PUPFEED_KEY_FIELD=code \
//	    pupfeed run
//
//	echo '{"languages":{"a":{"code":"en"}}}' | PUPFEED_DRIVER=sqlite PUPFEED_DSN=feed.db \
//	    pupfeed publish added 1234 -
//
// The projection is served at /state and Prometheus metrics at /metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/getpup/pupfeed/feed"
	"github.com/getpup/pupfeed/feed/projection"
	"github.com/getpup/pupfeed/feed/projection/runner"
	"github.com/getpup/pupfeed/feed/state"
	"github.com/getpup/pupfeed/feed/telemetry"
	"github.com/getpup/pupfeed/internal/config"
	pupfeed "github.com/getpup/pupfeed/pkg"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		config.Exitf("pupfeed: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "pupfeed",
		Short:         "Reactive projections over change feeds",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newRunCmd(), newPublishCmd(), newVersionCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the configured projection until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, newLogger(cmd.ErrOrStderr(), cfg.LogLevel))
		},
	}
}

func newPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <added|changed|removed> <key> [json|-]",
		Short: "Write one owner document to the configured feed",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eventType, err := feed.ParseEventType(args[0])
			if err != nil {
				return err
			}
			var value any
			if len(args) == 3 {
				if value, err = readDocument(args[2], cmd.InOrStdin()); err != nil {
					return err
				}
			}

			logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			b, err := openBackend(cmd.Context(), cfg, feed.NewSlogLogger(logger))
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.publish(cmd.Context(), eventType, args[1], value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s %s to %s\n", eventType, args[1], cfg.Ref)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), pupfeed.Version())
		},
	}
}

// readDocument decodes arg as JSON, or stdin when arg is "-".
func readDocument(arg string, stdin io.Reader) (any, error) {
	data := []byte(arg)
	if arg == "-" {
		var err error
		if data, err = io.ReadAll(stdin); err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
	}
	return feed.DecodeValue(data)
}

func newLogger(w io.Writer, levelName string) *slog.Logger {
	level, err := parseLevel(levelName)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	feedLogger := feed.NewSlogLogger(logger)

	shutdownTracing, err := telemetry.SetupTracing(ctx, "pupfeed", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("tracing shutdown failed", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	store := state.NewStore(nil)
	store.Subscribe(metrics.Committed)
	store.Subscribe(func(version uint64, snapshot state.State) {
		logger.Debug("snapshot committed",
			"version", version,
			"projection", cfg.Projection,
			"keys", projectionSize(snapshot, cfg.Projection))
	})

	b, err := openBackend(ctx, cfg, feedLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("close failed", "error", err)
		}
	}()

	if err := registerProjection(cfg, b.source, store, projection.WithObserver(metrics), projection.WithLogger(feedLogger)); err != nil {
		return err
	}
	if b.seed != nil {
		b.seed()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newMux(reg, store, cfg.Projection),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("pupfeed started",
		"driver", cfg.Driver,
		"ref", cfg.Ref,
		"projection", cfg.Projection,
		"shape", cfg.Shape,
		"http", cfg.HTTPAddr)

	runErr := make(chan error, 1)
	go func() {
		if b.runnable == nil {
			<-ctx.Done()
			runErr <- nil
			return
		}
		runErr <- runner.New(runner.WithLogger(feedLogger)).Run(ctx, b.runnable)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http: %w", err)
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("pupfeed stopped")
		return nil
	}
}

func newMux(gatherer prometheus.Gatherer, store *state.Store, name string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /state", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body := map[string]any{
			"version":    store.Version(),
			"projection": store.Snapshot()[name],
		}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return mux
}
