// Package pebble provides an embedded change log on top of Pebble.
//
// Keys are laid out so that one prefix scan reads a ref in position order:
//
//	changes/<ref>\x00<position>   change, JSON encoded
//	latest/<ref>\x00<key>         position of the record's last change
//	ids/<change id>               position of the change
//	meta/position                 last assigned position
//
// Positions are big-endian uint64 and global across refs.
package pebble

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"

	"github.com/getpup/pupfeed/feed"
	"github.com/getpup/pupfeed/feed/changelog"
)

// ErrDirRequired is returned by Open without a directory.
var ErrDirRequired = errors.New("pebble: Options.Dir is required")

// Options configures Open.
type Options struct {
	// Dir is the database directory.
	Dir string

	// FS overrides the filesystem, e.g. vfs.NewMem() in tests.
	FS vfs.FS

	// Sync requests a WAL fsync on every append.
	Sync bool

	// Logger is an optional logger for observability.
	Logger feed.Logger
}

// Log is a Pebble-backed changelog.Log.
type Log struct {
	db     *pebble.DB
	write  *pebble.WriteOptions
	logger feed.Logger

	mu       sync.Mutex
	position uint64
}

var (
	changesPrefix = []byte("changes/")
	latestPrefix  = []byte("latest/")
	idsPrefix     = []byte("ids/")
	positionKey   = []byte("meta/position")
)

// Open opens or creates the log in opts.Dir and recovers the position counter.
func Open(opts Options) (*Log, error) {
	if opts.Dir == "" {
		return nil, ErrDirRequired
	}

	po := &pebble.Options{}
	if opts.FS != nil {
		po.FS = opts.FS
	}
	db, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble: %w", err)
	}

	l := &Log{
		db:     db,
		write:  pebble.NoSync,
		logger: opts.Logger,
	}
	if opts.Sync {
		l.write = pebble.Sync
	}

	position, err := l.get(positionKey)
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		db.Close()
		return nil, fmt.Errorf("failed to read position: %w", err)
	}
	if err == nil {
		l.position = position
	}

	if l.logger != nil {
		l.logger.Info(context.Background(), "pebble change log opened",
			"dir", opts.Dir,
			"position", l.position)
	}
	return l, nil
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}

type storedChange struct {
	ChangeID  uuid.UUID       `json:"changeId"`
	Ref       string          `json:"ref"`
	Key       string          `json:"key"`
	Type      feed.EventType  `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Append implements changelog.Log. All changes commit in one batch.
func (l *Log) Append(ctx context.Context, changes []changelog.Change) ([]int64, error) {
	prepared, err := changelog.Prepare(changes)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.db.NewBatch()
	defer b.Close()

	seen := make(map[uuid.UUID]struct{}, len(prepared))
	positions := make([]int64, len(prepared))
	next := l.position
	for i := range prepared {
		change := &prepared[i]

		if _, dup := seen[change.ChangeID]; dup {
			return nil, fmt.Errorf("change %s: %w", change.ChangeID, changelog.ErrDuplicateChange)
		}
		seen[change.ChangeID] = struct{}{}
		if _, err := l.get(idKey(change.ChangeID)); err == nil {
			if l.logger != nil {
				l.logger.Error(ctx, "duplicate change",
					"change_id", change.ChangeID,
					"ref", change.Ref,
					"key", change.Key)
			}
			return nil, fmt.Errorf("change %s: %w", change.ChangeID, changelog.ErrDuplicateChange)
		} else if !errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("failed to check change id: %w", err)
		}

		next++
		value, err := json.Marshal(storedChange{
			ChangeID:  change.ChangeID,
			Ref:       change.Ref,
			Key:       change.Key,
			Type:      change.Type,
			Payload:   change.Payload,
			CreatedAt: change.CreatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode change %d: %w", i, err)
		}

		pos := be8(next)
		if err := b.Set(changeKey(change.Ref, next), value, nil); err != nil {
			return nil, err
		}
		if err := b.Set(latestKey(change.Ref, change.Key), pos, nil); err != nil {
			return nil, err
		}
		if err := b.Set(idKey(change.ChangeID), pos, nil); err != nil {
			return nil, err
		}
		positions[i] = int64(next)
	}

	if err := b.Set(positionKey, be8(next), nil); err != nil {
		return nil, err
	}
	if err := b.Commit(l.write); err != nil {
		return nil, fmt.Errorf("failed to commit changes: %w", err)
	}
	l.position = next

	if l.logger != nil {
		l.logger.Info(ctx, "changes appended",
			"count", len(prepared),
			"positions", positions)
	}
	return positions, nil
}

// ReadChanges implements changelog.Log.
func (l *Log) ReadChanges(ctx context.Context, ref string, fromPosition int64, limit int) ([]changelog.Change, error) {
	if l.logger != nil {
		l.logger.Debug(ctx, "reading changes", "ref", ref, "from_position", fromPosition, "limit", limit)
	}
	if fromPosition < 0 {
		fromPosition = 0
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: changeKey(ref, uint64(fromPosition)+1),
		UpperBound: refUpperBound(ref),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var changes []changelog.Change
	for ok := iter.First(); ok && (limit <= 0 || len(changes) < limit); ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := iter.Key()
		position := binary.BigEndian.Uint64(key[len(key)-8:])
		c, err := decodeChange(position, iter.Value())
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return changes, nil
}

// LastChange implements changelog.Log.
func (l *Log) LastChange(_ context.Context, ref, key string) (changelog.Change, error) {
	position, err := l.get(latestKey(ref, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return changelog.Change{}, changelog.ErrNoChanges
	}
	if err != nil {
		return changelog.Change{}, fmt.Errorf("failed to read index: %w", err)
	}

	value, closer, err := l.db.Get(changeKey(ref, position))
	if err != nil {
		return changelog.Change{}, fmt.Errorf("failed to read change %d: %w", position, err)
	}
	defer closer.Close()
	return decodeChange(position, value)
}

// get reads a big-endian uint64 value.
func (l *Log) get(key []byte) (uint64, error) {
	value, closer, err := l.db.Get(key)
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(value) < 8 {
		return 0, fmt.Errorf("corrupt value under %q", key)
	}
	return binary.BigEndian.Uint64(value[:8]), nil
}

func decodeChange(position uint64, value []byte) (changelog.Change, error) {
	var stored storedChange
	if err := json.Unmarshal(value, &stored); err != nil {
		return changelog.Change{}, fmt.Errorf("failed to decode change %d: %w", position, err)
	}
	c := changelog.Change{
		Position:  int64(position),
		ChangeID:  stored.ChangeID,
		Ref:       stored.Ref,
		Key:       stored.Key,
		Type:      stored.Type,
		CreatedAt: stored.CreatedAt,
	}
	if len(stored.Payload) > 0 {
		c.Payload = append([]byte(nil), stored.Payload...)
	}
	return c, nil
}

func changeKey(ref string, position uint64) []byte {
	k := make([]byte, 0, len(changesPrefix)+len(ref)+9)
	k = append(k, changesPrefix...)
	k = append(k, ref...)
	k = append(k, 0)
	return binary.BigEndian.AppendUint64(k, position)
}

// refUpperBound is the smallest key past every change of ref.
func refUpperBound(ref string) []byte {
	k := make([]byte, 0, len(changesPrefix)+len(ref)+1)
	k = append(k, changesPrefix...)
	k = append(k, ref...)
	return append(k, 1)
}

func latestKey(ref, key string) []byte {
	k := make([]byte, 0, len(latestPrefix)+len(ref)+len(key)+1)
	k = append(k, latestPrefix...)
	k = append(k, ref...)
	k = append(k, 0)
	return append(k, key...)
}

func idKey(id uuid.UUID) []byte {
	return append(append([]byte(nil), idsPrefix...), id[:]...)
}

func be8(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

var _ changelog.Log = (*Log)(nil)
