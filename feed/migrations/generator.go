package migrations

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnknownDialect indicates a dialect other than postgres, sqlite or mysql.
var ErrUnknownDialect = errors.New("unknown SQL dialect")

// Dialect names a supported SQL database.
type Dialect string

const (
	// Postgres is PostgreSQL.
	Postgres Dialect = "postgres"
	// SQLite is SQLite.
	SQLite Dialect = "sqlite"
	// MySQL is MySQL or MariaDB.
	MySQL Dialect = "mysql"
)

// ParseDialect returns the Dialect named by name.
func ParseDialect(name string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(name)); d {
	case Postgres, SQLite, MySQL:
		return d, nil
	case "postgresql", "pg":
		return Postgres, nil
	case "mariadb":
		return MySQL, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDialect, name)
	}
}

// Config configures migration generation.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// ChangesTable is the name of the change log table
	ChangesTable string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:   "migrations",
		OutputFilename: fmt.Sprintf("%s_init_change_log.sql", timestamp),
		ChangesTable:   "feed_changes",
	}
}

// Generate writes the migration file for dialect.
func Generate(dialect Dialect, config *Config) error {
	sql, err := SQL(dialect, config.ChangesTable)
	if err != nil {
		return err
	}

	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	return nil
}

// SQL renders the schema of changesTable for dialect.
func SQL(dialect Dialect, changesTable string) (string, error) {
	switch dialect {
	case Postgres:
		return generatePostgresSQL(changesTable), nil
	case SQLite:
		return generateSQLiteSQL(changesTable), nil
	case MySQL:
		return generateMySQLSQL(changesTable), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDialect, dialect)
	}
}

func generatePostgresSQL(table string) string {
	return fmt.Sprintf(`-- Change Log Migration
-- Generated: %s

-- Changes table stores every record write in append-only fashion
CREATE TABLE IF NOT EXISTS %s (
    position BIGSERIAL PRIMARY KEY,
    change_id UUID NOT NULL UNIQUE,
    ref TEXT NOT NULL,
    record_key TEXT NOT NULL,
    change_type TEXT NOT NULL,
    payload JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Index for reading one ref in order
CREATE INDEX IF NOT EXISTS idx_%s_ref
    ON %s (ref, position);

-- Index for the latest change of a record
CREATE INDEX IF NOT EXISTS idx_%s_record
    ON %s (ref, record_key, position);
`,
		time.Now().Format(time.RFC3339),
		table,
		table, table,
		table, table,
	)
}

func generateSQLiteSQL(table string) string {
	return fmt.Sprintf(`-- Change Log Migration for SQLite
-- Generated: %s

-- Changes table stores every record write in append-only fashion
CREATE TABLE IF NOT EXISTS %s (
    position INTEGER PRIMARY KEY AUTOINCREMENT,
    change_id TEXT NOT NULL UNIQUE,
    ref TEXT NOT NULL,
    record_key TEXT NOT NULL,
    change_type TEXT NOT NULL,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Index for reading one ref in order
CREATE INDEX IF NOT EXISTS idx_%s_ref
    ON %s (ref, position);

-- Index for the latest change of a record
CREATE INDEX IF NOT EXISTS idx_%s_record
    ON %s (ref, record_key, position);
`,
		time.Now().Format(time.RFC3339),
		table,
		table, table,
		table, table,
	)
}

func generateMySQLSQL(table string) string {
	return fmt.Sprintf(`-- Change Log Migration for MySQL/MariaDB
-- Generated: %s

-- Changes table stores every record write in append-only fashion
CREATE TABLE IF NOT EXISTS %s (
    position BIGINT AUTO_INCREMENT PRIMARY KEY,
    change_id CHAR(36) NOT NULL UNIQUE,
    ref VARCHAR(255) NOT NULL,
    record_key VARCHAR(255) NOT NULL,
    change_type VARCHAR(16) NOT NULL,
    payload JSON,
    created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Index for reading one ref in order
CREATE INDEX idx_%s_ref
    ON %s (ref, position);

-- Index for the latest change of a record
CREATE INDEX idx_%s_record
    ON %s (ref, record_key, position);
`,
		time.Now().Format(time.RFC3339),
		table,
		table, table,
		table, table,
	)
}
