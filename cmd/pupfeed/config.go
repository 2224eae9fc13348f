package main

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/getpup/pupfeed/internal/config"
)

var (
	drivers = []string{"memory", "sqlite", "postgres", "mysql", "pebble", "nats", "redis"}
	shapes  = []string{"flat", "grouped", "count"}
)

// Config is the daemon configuration, read from PUPFEED_* environment variables.
type Config struct {
	Driver string `env:"PUPFEED_DRIVER" envDefault:"memory"`

	// DSN is the database source name of the SQL drivers.
	DSN string `env:"PUPFEED_DSN"`
	// Migrate creates the change log table on start.
	Migrate      bool   `env:"PUPFEED_MIGRATE" envDefault:"false"`
	ChangesTable string `env:"PUPFEED_CHANGES_TABLE" envDefault:"feed_changes"`

	// Dir is the pebble database directory.
	Dir  string `env:"PUPFEED_DIR" envDefault:"pupfeed-data"`
	Sync bool   `env:"PUPFEED_SYNC" envDefault:"true"`

	// URL is the NATS or Redis server.
	URL           string `env:"PUPFEED_URL"`
	SubjectPrefix string `env:"PUPFEED_SUBJECT_PREFIX" envDefault:"pupfeed"`

	// Seed is a JSON file of owner documents loaded by the memory driver.
	Seed string `env:"PUPFEED_SEED"`

	Ref          string        `env:"PUPFEED_REF" envDefault:"profiles"`
	BatchSize    int           `env:"PUPFEED_BATCH_SIZE" envDefault:"100"`
	PollInterval time.Duration `env:"PUPFEED_POLL_INTERVAL" envDefault:"1s"`

	Projection  string `env:"PUPFEED_PROJECTION" envDefault:"projection"`
	SubRef      string `env:"PUPFEED_SUB_REF"`
	Shape       string `env:"PUPFEED_SHAPE" envDefault:"flat"`
	KeyField    string `env:"PUPFEED_KEY_FIELD"`
	SubKeyField string `env:"PUPFEED_SUB_KEY_FIELD"`
	KeyExpr     string `env:"PUPFEED_KEY_EXPR"`
	SubKeyExpr  string `env:"PUPFEED_SUB_KEY_EXPR"`

	HTTPAddr     string `env:"PUPFEED_HTTP_ADDR" envDefault:":9090"`
	OTLPEndpoint string `env:"PUPFEED_OTLP_ENDPOINT"`
	LogLevel     string `env:"PUPFEED_LOG_LEVEL" envDefault:"info"`
}

// loadConfig parses and validates the environment.
func loadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks option combinations.
func (c Config) Validate() error {
	var errs []error
	if !slices.Contains(drivers, c.Driver) {
		errs = append(errs, fmt.Errorf("PUPFEED_DRIVER must be one of %s, got %q", strings.Join(drivers, "|"), c.Driver))
	}
	if !slices.Contains(shapes, c.Shape) {
		errs = append(errs, fmt.Errorf("PUPFEED_SHAPE must be one of %s, got %q", strings.Join(shapes, "|"), c.Shape))
	}
	if c.Ref == "" {
		errs = append(errs, errors.New("PUPFEED_REF is required"))
	}
	if c.Projection == "" {
		errs = append(errs, errors.New("PUPFEED_PROJECTION is required"))
	}
	if c.KeyField != "" && c.KeyExpr != "" {
		errs = append(errs, errors.New("PUPFEED_KEY_FIELD and PUPFEED_KEY_EXPR are exclusive"))
	}
	if c.SubKeyField != "" && c.SubKeyExpr != "" {
		errs = append(errs, errors.New("PUPFEED_SUB_KEY_FIELD and PUPFEED_SUB_KEY_EXPR are exclusive"))
	}
	if c.Shape != "grouped" && (c.SubKeyField != "" || c.SubKeyExpr != "") {
		errs = append(errs, errors.New("sub keys only apply to the grouped shape"))
	}

	switch c.Driver {
	case "sqlite", "postgres", "mysql":
		if c.DSN == "" {
			errs = append(errs, fmt.Errorf("PUPFEED_DSN is required by the %s driver", c.Driver))
		}
	case "nats", "redis":
		if c.URL == "" {
			errs = append(errs, fmt.Errorf("PUPFEED_URL is required by the %s driver", c.Driver))
		}
	case "pebble":
		if c.Dir == "" {
			errs = append(errs, errors.New("PUPFEED_DIR is required by the pebble driver"))
		}
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("PUPFEED_BATCH_SIZE must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("PUPFEED_POLL_INTERVAL must be positive"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func parseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return level, fmt.Errorf("PUPFEED_LOG_LEVEL: %w", err)
	}
	return level, nil
}
