// Package changelogtest provides a conformance suite for changelog.Store implementations.
package changelogtest

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/getpup/pupfeed/feed"
	"github.com/getpup/pupfeed/feed/changelog"
)

// RunStoreSuite runs the conformance suite against store. db must return a database
// with an empty changes table for every call.
func RunStoreSuite(t *testing.T, db func(t *testing.T) feed.DBTX, store changelog.Store) {
	t.Helper()

	t.Run("positions ascend", func(t *testing.T) {
		ctx := context.Background()
		tx := db(t)

		positions, err := store.Append(ctx, tx, []changelog.Change{
			{Ref: "users", Key: "u1", Type: feed.Added, Payload: []byte(`{"n":1}`)},
			{Ref: "users", Key: "u2", Type: feed.Added, Payload: []byte(`{"n":2}`)},
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if len(positions) != 2 || positions[0] >= positions[1] {
			t.Errorf("expected ascending positions, got %v", positions)
		}
	})

	t.Run("read filters by ref and position", func(t *testing.T) {
		ctx := context.Background()
		tx := db(t)

		positions, err := store.Append(ctx, tx, []changelog.Change{
			{Ref: "users", Key: "u1", Type: feed.Added, Payload: []byte(`1`)},
			{Ref: "other", Key: "x", Type: feed.Added, Payload: []byte(`2`)},
			{Ref: "users", Key: "u1", Type: feed.Changed, Payload: []byte(`3`)},
			{Ref: "users", Key: "u1", Type: feed.Removed, Payload: []byte(`3`)},
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}

		changes, err := store.ReadChanges(ctx, tx, "users", positions[0], 1)
		if err != nil {
			t.Fatalf("ReadChanges failed: %v", err)
		}
		if len(changes) != 1 {
			t.Fatalf("expected 1 change, got %d", len(changes))
		}
		got := changes[0]
		if got.Position != positions[2] || got.Type != feed.Changed || got.Key != "u1" || got.Ref != "users" {
			t.Errorf("unexpected change %+v", got)
		}
		if string(got.Payload) != "3" {
			t.Errorf("expected payload 3, got %s", got.Payload)
		}
		if got.ChangeID == uuid.Nil || got.CreatedAt.IsZero() {
			t.Errorf("expected id and timestamp to round-trip, got %+v", got)
		}

		all, err := store.ReadChanges(ctx, tx, "users", 0, 100)
		if err != nil {
			t.Fatalf("ReadChanges failed: %v", err)
		}
		if len(all) != 3 {
			t.Errorf("expected 3 changes of users, got %d", len(all))
		}
	})

	t.Run("last change", func(t *testing.T) {
		ctx := context.Background()
		tx := db(t)

		if _, err := store.LastChange(ctx, tx, "users", "u1"); !errors.Is(err, changelog.ErrNoChanges) {
			t.Fatalf("expected ErrNoChanges, got %v", err)
		}
		_, err := store.Append(ctx, tx, []changelog.Change{
			{Ref: "users", Key: "u1", Type: feed.Added, Payload: []byte(`"a"`)},
			{Ref: "users", Key: "u1", Type: feed.Changed, Payload: []byte(`"b"`)},
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		last, err := store.LastChange(ctx, tx, "users", "u1")
		if err != nil {
			t.Fatalf("LastChange failed: %v", err)
		}
		if last.Type != feed.Changed || string(last.Payload) != `"b"` {
			t.Errorf("unexpected last change %+v", last)
		}
	})

	t.Run("duplicate change", func(t *testing.T) {
		ctx := context.Background()
		tx := db(t)

		change := changelog.Change{ChangeID: uuid.New(), Ref: "users", Key: "u1", Type: feed.Added, Payload: []byte(`1`)}
		if _, err := store.Append(ctx, tx, []changelog.Change{change}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		_, err := store.Append(ctx, tx, []changelog.Change{change})
		if !errors.Is(err, changelog.ErrDuplicateChange) {
			t.Errorf("expected ErrDuplicateChange, got %v", err)
		}
	})

	t.Run("no changes", func(t *testing.T) {
		_, err := store.Append(context.Background(), db(t), nil)
		if !errors.Is(err, changelog.ErrNoChanges) {
			t.Errorf("expected ErrNoChanges, got %v", err)
		}
	})
}
