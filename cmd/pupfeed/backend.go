package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/getpup/pupfeed/feed"
	"github.com/getpup/pupfeed/feed/adapters/mysql"
	"github.com/getpup/pupfeed/feed/adapters/nats"
	"github.com/getpup/pupfeed/feed/adapters/pebble"
	"github.com/getpup/pupfeed/feed/adapters/postgres"
	"github.com/getpup/pupfeed/feed/adapters/redis"
	"github.com/getpup/pupfeed/feed/adapters/sqlite"
	"github.com/getpup/pupfeed/feed/changelog"
	"github.com/getpup/pupfeed/feed/memory"
	"github.com/getpup/pupfeed/feed/migrations"
)

// ErrCannotPublish is returned when the driver has no cross-process write path.
var ErrCannotPublish = errors.New("driver cannot publish")

// publishFunc writes one event to the configured feed.
type publishFunc func(ctx context.Context, eventType feed.EventType, key string, value any) error

// backend is an opened feed.
type backend struct {
	source   feed.Source
	runnable feed.Runnable
	publish  publishFunc
	closers  []func() error

	// seed replays initial documents once handlers are registered.
	seed func()
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// openBackend connects the configured driver.
func openBackend(ctx context.Context, cfg Config, logger feed.Logger) (*backend, error) {
	switch cfg.Driver {
	case "memory":
		return openMemory(ctx, cfg)
	case "sqlite", "postgres", "mysql":
		return openSQL(ctx, cfg, logger)
	case "pebble":
		log, err := pebble.Open(pebble.Options{Dir: cfg.Dir, Sync: cfg.Sync, Logger: logger})
		if err != nil {
			return nil, err
		}
		b := changelogBackend(cfg, log, logger)
		b.closers = append(b.closers, log.Close)
		return b, nil
	case "nats":
		conn, err := nats.Connect(cfg.URL, logger)
		if err != nil {
			return nil, err
		}
		source := nats.NewSource(conn, nats.NewSourceConfig(cfg.Ref,
			nats.WithLogger(logger),
			nats.WithSubjectPrefix(cfg.SubjectPrefix)))
		publisher := nats.NewPublisher(conn, nats.PublisherConfig{Ref: cfg.Ref, SubjectPrefix: cfg.SubjectPrefix})
		return &backend{
			source:   source,
			runnable: source,
			publish:  publisher.Publish,
			closers:  []func() error{func() error { conn.Close(); return nil }},
		}, nil
	case "redis":
		opts, err := goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		channel := nats.Subject(cfg.SubjectPrefix, cfg.Ref)
		source := redis.NewSource(client, redis.SourceConfig{Logger: logger, Channel: channel})
		return &backend{
			source:   source,
			runnable: source,
			publish:  redis.NewPublisher(client, channel).Publish,
			closers:  []func() error{client.Close},
		}, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// openMemory builds an in-memory ref, optionally seeded from a JSON file of owner documents.
func openMemory(ctx context.Context, cfg Config) (*backend, error) {
	ref := memory.NewRef(cfg.Ref)
	b := &backend{
		source: ref,
		publish: func(context.Context, feed.EventType, string, any) error {
			return fmt.Errorf("%w: memory feeds live inside the daemon", ErrCannotPublish)
		},
	}
	if cfg.Seed == "" {
		return b, nil
	}

	data, err := os.ReadFile(cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var docs map[string]any
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}

	// Handlers are not registered yet, so replay the seed once they are
	b.seed = func() {
		for _, key := range slices.Sorted(maps.Keys(docs)) {
			ref.Set(ctx, key, docs[key])
		}
	}
	return b, nil
}

func openSQL(ctx context.Context, cfg Config, logger feed.Logger) (*backend, error) {
	driverName := cfg.Driver
	var (
		store   changelog.Store
		dialect migrations.Dialect
	)
	switch cfg.Driver {
	case "sqlite":
		store = sqlite.NewStore(sqlite.NewStoreConfig(sqlite.WithLogger(logger), sqlite.WithChangesTable(cfg.ChangesTable)))
		dialect = migrations.SQLite
	case "postgres":
		store = postgres.NewStore(postgres.NewStoreConfig(postgres.WithLogger(logger), postgres.WithChangesTable(cfg.ChangesTable)))
		dialect = migrations.Postgres
	case "mysql":
		store = mysql.NewStore(mysql.NewStoreConfig(mysql.WithLogger(logger), mysql.WithChangesTable(cfg.ChangesTable)))
		dialect = migrations.MySQL
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driverName, err)
	}
	if cfg.Migrate {
		schema, err := migrations.SQL(dialect, cfg.ChangesTable)
		if err != nil {
			db.Close()
			return nil, err
		}
		if _, err := db.ExecContext(ctx, schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	b := changelogBackend(cfg, changelog.NewSQLLog(db, store), logger)
	b.closers = append(b.closers, db.Close)
	return b, nil
}

func changelogBackend(cfg Config, log changelog.Log, logger feed.Logger) *backend {
	source := changelog.NewSource(log, changelog.NewSourceConfig(cfg.Ref,
		changelog.WithLogger(logger),
		changelog.WithBatchSize(cfg.BatchSize),
		changelog.WithPollInterval(cfg.PollInterval)))
	writer := changelog.NewWriter(log, cfg.Ref)

	return &backend{
		source:   source,
		runnable: source,
		publish: func(ctx context.Context, eventType feed.EventType, key string, value any) error {
			var err error
			switch eventType {
			case feed.Added:
				_, err = writer.Add(ctx, key, value)
			case feed.Changed:
				_, err = writer.Change(ctx, key, value)
			case feed.Removed:
				_, err = writer.Remove(ctx, key)
			default:
				err = fmt.Errorf("%w: %q", feed.ErrUnknownEventType, eventType)
			}
			return err
		},
	}
}
