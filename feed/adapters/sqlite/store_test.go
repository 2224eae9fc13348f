package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/getpup/pupfeed/feed"
	"github.com/getpup/pupfeed/feed/adapters/sqlite"
	"github.com/getpup/pupfeed/feed/changelog"
	"github.com/getpup/pupfeed/feed/changelog/changelogtest"
	"github.com/getpup/pupfeed/feed/migrations"
	"github.com/getpup/pupfeed/feed/projection"
	"github.com/getpup/pupfeed/feed/state"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "feed.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	schema, err := migrations.SQL(migrations.SQLite, "feed_changes")
	if err != nil {
		t.Fatalf("Failed to render schema: %v", err)
	}
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("Failed to create tables: %v", err)
	}
	return db
}

func TestStore_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	db := getTestDB(t)
	store := sqlite.NewStore(sqlite.DefaultStoreConfig())

	positions, err := store.Append(ctx, db, []changelog.Change{
		{Ref: "users", Key: "u1", Type: feed.Added, Payload: []byte(`{"n":1}`)},
		{Ref: "other", Key: "x", Type: feed.Added, Payload: []byte(`1`)},
		{Ref: "users", Key: "u1", Type: feed.Removed, Payload: []byte(`{"n":1}`)},
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, positions); diff != "" {
		t.Errorf("positions (-want +got):\n%s", diff)
	}

	changes, err := store.ReadChanges(ctx, db, "users", 0, 10)
	if err != nil {
		t.Fatalf("ReadChanges failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[0].Type != feed.Added || changes[1].Type != feed.Removed {
		t.Errorf("unexpected types %s, %s", changes[0].Type, changes[1].Type)
	}
	if string(changes[1].Payload) != `{"n":1}` {
		t.Errorf("unexpected payload %s", changes[1].Payload)
	}
	if changes[0].CreatedAt.IsZero() {
		t.Error("expected created_at to round-trip")
	}

	changes, err = store.ReadChanges(ctx, db, "users", 1, 10)
	if err != nil {
		t.Fatalf("ReadChanges failed: %v", err)
	}
	if len(changes) != 1 || changes[0].Position != 3 {
		t.Errorf("expected only position 3, got %v", changes)
	}
}

func TestStore_LastChange(t *testing.T) {
	ctx := context.Background()
	db := getTestDB(t)
	store := sqlite.NewStore(sqlite.DefaultStoreConfig())

	if _, err := store.LastChange(ctx, db, "users", "u1"); !errors.Is(err, changelog.ErrNoChanges) {
		t.Fatalf("expected ErrNoChanges, got %v", err)
	}

	_, err := store.Append(ctx, db, []changelog.Change{
		{Ref: "users", Key: "u1", Type: feed.Added, Payload: []byte(`1`)},
		{Ref: "users", Key: "u1", Type: feed.Changed, Payload: []byte(`2`)},
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	last, err := store.LastChange(ctx, db, "users", "u1")
	if err != nil {
		t.Fatalf("LastChange failed: %v", err)
	}
	if last.Type != feed.Changed || string(last.Payload) != "2" {
		t.Errorf("unexpected last change %+v", last)
	}
}

func TestStore_DuplicateChange(t *testing.T) {
	ctx := context.Background()
	db := getTestDB(t)
	store := sqlite.NewStore(sqlite.DefaultStoreConfig())
	id := uuid.New()

	change := changelog.Change{ChangeID: id, Ref: "users", Key: "u1", Type: feed.Added}
	if _, err := store.Append(ctx, db, []changelog.Change{change}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	_, err := store.Append(ctx, db, []changelog.Change{change})
	if !errors.Is(err, changelog.ErrDuplicateChange) {
		t.Errorf("expected ErrDuplicateChange, got %v", err)
	}
}

func TestStore_NullPayload(t *testing.T) {
	ctx := context.Background()
	db := getTestDB(t)
	store := sqlite.NewStore(sqlite.DefaultStoreConfig())

	if _, err := store.Append(ctx, db, []changelog.Change{{Ref: "r", Key: "k", Type: feed.Added}}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	changes, err := store.ReadChanges(ctx, db, "r", 0, 10)
	if err != nil {
		t.Fatalf("ReadChanges failed: %v", err)
	}
	if changes[0].Payload != nil {
		t.Errorf("expected nil payload, got %q", changes[0].Payload)
	}
}

func TestSQLLog_EndToEnd(t *testing.T) {
	ctx := context.Background()
	db := getTestDB(t)
	log := changelog.NewSQLLog(db, sqlite.NewStore(sqlite.NewStoreConfig()))
	w := changelog.NewWriter(log, "public/users")

	writes := []func() (int64, error){
		func() (int64, error) {
			return w.Set(ctx, "1234", map[string]any{"fData": map[string]any{"a": map[string]any{"q": "q1"}}})
		},
		func() (int64, error) {
			return w.Set(ctx, "5678", map[string]any{"fData": map[string]any{"b": map[string]any{"q": "q1"}}})
		},
		func() (int64, error) {
			return w.Set(ctx, "1234", map[string]any{"fData": map[string]any{"c": map[string]any{"q": "q2"}}})
		},
	}
	for _, write := range writes {
		if _, err := write(); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	source := changelog.NewSource(log, changelog.DefaultSourceConfig("public/users"))
	store := state.NewStore(nil)
	err := projection.CountOwnerRecords(source, "fData", store, "answers", projection.OwnerField("q"))
	if err != nil {
		t.Fatalf("CountOwnerRecords failed: %v", err)
	}
	if err := source.CatchUp(ctx); err != nil {
		t.Fatalf("CatchUp failed: %v", err)
	}

	want := projection.Counts{"q1": 1, "q2": 1}
	if diff := cmp.Diff(want, state.Lookup[projection.Counts](store.Snapshot(), "answers")); diff != "" {
		t.Errorf("counts (-want +got):\n%s", diff)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("UNIQUE constraint failed: feed_changes.change_id"), true},
		{errors.New("disk I/O error"), false},
	}
	for _, tt := range tests {
		if got := sqlite.IsUniqueViolation(tt.err); got != tt.want {
			t.Errorf("IsUniqueViolation(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestStore_Conformance(t *testing.T) {
	changelogtest.RunStoreSuite(t, func(t *testing.T) feed.DBTX {
		return getTestDB(t)
	}, sqlite.NewStore(sqlite.DefaultStoreConfig()))
}
