// Package mysql provides a MySQL/MariaDB adapter for the change log.
//
// The DSN must set parseTime=true so created_at scans into time.Time:
//
//	db, err := sql.Open("mysql", "user:pass@tcp(localhost:3306)/feed?parseTime=true")
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/getpup/pupfeed/feed"
	"github.com/getpup/pupfeed/feed/changelog"
)

// StoreConfig contains configuration for the MySQL change log store.
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

// Store is a MySQL-backed change log store.
type Store struct {
	config StoreConfig
	table  string
}

// NewStore creates a new MySQL change log store with the given configuration.
func NewStore(config StoreConfig) *Store {
	return &Store{
		config: config,
		table:  quoteIdentifier(config.ChangesTable),
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
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.table)

	positions := make([]int64, len(prepared))
	for i := range prepared {
		change := &prepared[i]

		var payload interface{}
		if change.Payload != nil {
			payload = string(change.Payload)
		}

		result, execErr := tx.ExecContext(ctx, insertQuery,
			change.ChangeID.String(),
			change.Ref,
			change.Key,
			string(change.Type),
			payload,
			change.CreatedAt.UTC(),
		)
		if execErr != nil {
			if IsUniqueViolation(execErr) {
				if s.config.Logger != nil {
					s.config.Logger.Error(ctx, "duplicate change",
						"change_id", change.ChangeID,
						"ref", change.Ref,
						"key", change.Key)
				}
				return nil, fmt.Errorf("change %s: %w", change.ChangeID, changelog.ErrDuplicateChange)
			}
			return nil, fmt.Errorf("failed to insert change %d: %w", i, execErr)
		}

		positions[i], err = result.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to get last insert id: %w", err)
		}
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "changes appended",
			"count", len(prepared),
			"positions", positions)
	}

	return positions, nil
}

// IsUniqueViolation checks if an error is a MySQL unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062 // ER_DUP_ENTRY
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "Duplicate entry") ||
		strings.Contains(errMsg, "unique constraint")
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
		WHERE ref = ? AND position > ?
		ORDER BY position ASC
		LIMIT ?
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
		WHERE ref = ? AND record_key = ?
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
	var changeID, changeType string

	err := row.Scan(&c.Position, &changeID, &c.Ref, &c.Key, &changeType, &c.Payload, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan change: %w", err)
	}

	c.ChangeID, err = uuid.Parse(changeID)
	if err != nil {
		return c, fmt.Errorf("failed to parse change ID: %w", err)
	}
	c.Type, err = feed.ParseEventType(changeType)
	if err != nil {
		return c, err
	}
	return c, nil
}

func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

var _ changelog.Store = (*Store)(nil)
