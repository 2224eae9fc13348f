// Package postgres provides a PostgreSQL adapter for the change log.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/getpup/pupfeed/feed"
	"github.com/getpup/pupfeed/feed/changelog"
)

// StoreConfig contains configuration for the Postgres change log store.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger feed.Logger

	// ChangesTable is the name of the change log table
	ChangesTable string
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		ChangesTable: "feed_changes",
		Logger:       nil,
	}
}

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*StoreConfig)

// WithLogger sets a logger for the store.
func WithLogger(logger feed.Logger) StoreOption {
	return func(c *StoreConfig) {
		c.Logger = logger
	}
}

// WithChangesTable sets a custom change log table name.
func WithChangesTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.ChangesTable = tableName
	}
}

// NewStoreConfig creates a new store configuration with functional options.
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Store is a PostgreSQL-backed change log store.
type Store struct {
	config StoreConfig
	table  string
}

// NewStore creates a new Postgres change log store with the given configuration.
func NewStore(config StoreConfig) *Store {
	return &Store{
		config: config,
		table:  pq.QuoteIdentifier(config.ChangesTable),
	}
}

// Append implements changelog.Store.
func (s *Store) Append(ctx context.Context, tx feed.DBTX, changes []changelog.Change) ([]int64, error) {
	prepared, err := changelog.Prepare(changes)
	if err != nil {
		return nil, err
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (change_id, ref, record_key, change_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING position
	`, s.table)

	positions := make([]int64, len(prepared))
	for i := range prepared {
		change := &prepared[i]

		// JSONB parameters must be sent as text; lib/pq encodes []byte as bytea
		var payload interface{}
		if change.Payload != nil {
			payload = string(change.Payload)
		}

		err := tx.QueryRowContext(ctx, insertQuery,
			change.ChangeID,
			change.Ref,
			change.Key,
			string(change.Type),
			payload,
			change.CreatedAt,
		).Scan(&positions[i])
		if err != nil {
			if IsUniqueViolation(err) {
				if s.config.Logger != nil {
					s.config.Logger.Error(ctx, "duplicate change",
						"change_id", change.ChangeID,
						"ref", change.Ref,
						"key", change.Key)
				}
				return nil, fmt.Errorf("change %s: %w", change.ChangeID, changelog.ErrDuplicateChange)
			}
			return nil, fmt.Errorf("failed to insert change %d: %w", i, err)
		}
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "changes appended",
			"count", len(prepared),
			"positions", positions)
	}

	return positions, nil
}

// IsUniqueViolation checks if an error is a PostgreSQL unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// Check if it's a pq.Error with unique_violation code (23505)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}

	// Fallback: check error message for common patterns
	errMsg := err.Error()
	return strings.Contains(errMsg, "duplicate key") || strings.Contains(errMsg, "unique constraint")
}

const selectColumns = `position, change_id, ref, record_key, change_type, payload, created_at`

// ReadChanges implements changelog.Store.
func (s *Store) ReadChanges(ctx context.Context, tx feed.DBTX, ref string, fromPosition int64, limit int) ([]changelog.Change, error) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "reading changes", "ref", ref, "from_position", fromPosition, "limit", limit)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE ref = $1 AND position > $2
		ORDER BY position ASC
		LIMIT $3
	`, selectColumns, s.table)

	rows, err := tx.QueryContext(ctx, query, ref, fromPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var changes []changelog.Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return changes, nil
}

// LastChange implements changelog.Store.
func (s *Store) LastChange(ctx context.Context, tx feed.DBTX, ref, key string) (changelog.Change, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE ref = $1 AND record_key = $2
		ORDER BY position DESC
		LIMIT 1
	`, selectColumns, s.table)

	c, err := scanChange(tx.QueryRowContext(ctx, query, ref, key))
	if errors.Is(err, sql.ErrNoRows) {
		return changelog.Change{}, changelog.ErrNoChanges
	}
	return c, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanChange(row scanner) (changelog.Change, error) {
	var c changelog.Change
	var changeType string

	err := row.Scan(&c.Position, &c.ChangeID, &c.Ref, &c.Key, &changeType, &c.Payload, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan change: %w", err)
	}

	c.Type, err = feed.ParseEventType(changeType)
	if err != nil {
		return c, err
	}
	return c, nil
}

var _ changelog.Store = (*Store)(nil)
