// Package changelog turns an append-only change log into a feed source.
//
// # Overview
//
// Every write to a record is appended as a Change: the ref (collection) it belongs to,
// the record key, the event type and the complete new value as JSON. A Source reads the
// changes of one ref in position order and dispatches them to handlers, so projections
// can be rebuilt by replaying the log from the start.
//
// Storage is pluggable. SQL dialects implement Store, which takes the transaction to run
// in, and are bound to a database with NewSQLLog. Other backends implement Log directly.
package changelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupfeed/feed"
)

var (
	// ErrNoChanges indicates an attempt to append zero changes, or a lookup that found
	// no change for a record.
	ErrNoChanges = errors.New("no changes")

	// ErrDuplicateChange indicates a change whose id is already in the log.
	ErrDuplicateChange = errors.New("duplicate change")

	// ErrInvalidChange indicates a change without a ref, key or known type.
	ErrInvalidChange = errors.New("invalid change")
)

// Change is one entry of the change log.
type Change struct {
	// Position is assigned by the log on append and orders all changes.
	Position int64

	// ChangeID identifies the change. Generated on append when zero.
	ChangeID uuid.UUID

	// Ref is the collection the record belongs to, e.g. "public/users".
	Ref string

	// Key is the record key within Ref.
	Key string

	// Type is Added, Changed or Removed.
	Type feed.EventType

	// Payload is the JSON encoded record value. For Removed it is the last known value.
	Payload []byte

	// CreatedAt is set on append when zero.
	CreatedAt time.Time
}

// Value decodes the payload.
func (c Change) Value() (any, error) {
	return feed.DecodeValue(c.Payload)
}

// Store is implemented by SQL dialects. Every method runs on the given transaction or
// connection, so appends can commit atomically with the caller's own writes.
type Store interface {
	// Append appends changes in order and returns their positions.
	// Returns ErrNoChanges if changes is empty and ErrDuplicateChange on a repeated id.
	Append(ctx context.Context, tx feed.DBTX, changes []Change) ([]int64, error)

	// ReadChanges returns up to limit changes of ref after fromPosition, ascending.
	ReadChanges(ctx context.Context, tx feed.DBTX, ref string, fromPosition int64, limit int) ([]Change, error)

	// LastChange returns the latest change of a record, or ErrNoChanges.
	LastChange(ctx context.Context, tx feed.DBTX, ref, key string) (Change, error)
}

// Log is a change log bound to its storage.
type Log interface {
	// Append appends changes atomically and returns their positions.
	Append(ctx context.Context, changes []Change) ([]int64, error)

	// ReadChanges returns up to limit changes of ref after fromPosition, ascending.
	ReadChanges(ctx context.Context, ref string, fromPosition int64, limit int) ([]Change, error)

	// LastChange returns the latest change of a record, or ErrNoChanges.
	LastChange(ctx context.Context, ref, key string) (Change, error)
}

// Prepare validates changes before they are appended and fills in ChangeID and
// CreatedAt where they are zero. Stores call it from Append.
func Prepare(changes []Change) ([]Change, error) {
	if len(changes) == 0 {
		return nil, ErrNoChanges
	}
	now := time.Now().UTC()
	prepared := make([]Change, len(changes))
	for i, c := range changes {
		if c.Ref == "" || c.Key == "" {
			return nil, fmt.Errorf("%w: change %d: ref and key are required", ErrInvalidChange, i)
		}
		if _, err := feed.ParseEventType(string(c.Type)); err != nil {
			return nil, fmt.Errorf("%w: change %d: %v", ErrInvalidChange, i, err)
		}
		if c.ChangeID == uuid.Nil {
			c.ChangeID = uuid.New()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		prepared[i] = c
	}
	return prepared, nil
}

// SQLLog binds a SQL Store to a database.
type SQLLog struct {
	db    *sql.DB
	store Store
}

// NewSQLLog creates a Log that runs store on db. Appends run in their own transaction.
func NewSQLLog(db *sql.DB, store Store) *SQLLog {
	return &SQLLog{db: db, store: store}
}

// Append implements Log.
func (l *SQLLog) Append(ctx context.Context, changes []Change) ([]int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	//nolint:errcheck // Rollback after Commit is a no-op
	defer tx.Rollback()

	positions, err := l.store.Append(ctx, tx, changes)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit changes: %w", err)
	}
	return positions, nil
}

// ReadChanges implements Log.
func (l *SQLLog) ReadChanges(ctx context.Context, ref string, fromPosition int64, limit int) ([]Change, error) {
	return l.store.ReadChanges(ctx, l.db, ref, fromPosition, limit)
}

// LastChange implements Log.
func (l *SQLLog) LastChange(ctx context.Context, ref, key string) (Change, error) {
	return l.store.LastChange(ctx, l.db, ref, key)
}

var _ Log = (*SQLLog)(nil)
