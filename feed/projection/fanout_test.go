package projection_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/getpup/pupfeed/feed"
	"github.com/getpup/pupfeed/feed/memory"
	"github.com/getpup/pupfeed/feed/projection"
	"github.com/getpup/pupfeed/feed/state"
)

func flatOf(store *state.Store, name string) projection.Flat {
	return state.Lookup[projection.Flat](store.Snapshot(), name)
}

func TestMapOwnerRecords(t *testing.T) {
	ctx := context.Background()
	ref := memory.NewRef("public/users")
	store := state.NewStore(nil)

	if err := projection.MapOwnerRecords(ref, "fData", store, "sData", projection.SubKey); err != nil {
		t.Fatalf("MapOwnerRecords failed: %v", err)
	}

	ref.Set(ctx, "1234", doc("fData", obj("a", obj("x", 5), "b", obj("x", 10))))
	ref.Set(ctx, "5678", doc("fData", obj("c", obj("x", 15))))

	want := projection.Flat{
		"a": {"x": 5, "ownerId": "1234", "id": "a"},
		"b": {"x": 10, "ownerId": "1234", "id": "b"},
		"c": {"x": 15, "ownerId": "5678", "id": "c"},
	}
	if diff := cmp.Diff(want, flatOf(store, "sData")); diff != "" {
		t.Fatalf("after add (-want +got):\n%s", diff)
	}

	ref.Set(ctx, "1234", doc("fData", obj("a", obj("x", 11), "b", obj("x", 10))))
	want["a"] = feed.Record{"x": 11, "ownerId": "1234", "id": "a"}
	if diff := cmp.Diff(want, flatOf(store, "sData")); diff != "" {
		t.Fatalf("after change (-want +got):\n%s", diff)
	}

	if err := ref.Remove(ctx, "1234"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	want = projection.Flat{"c": {"x": 15, "ownerId": "5678", "id": "c"}}
	if diff := cmp.Diff(want, flatOf(store, "sData")); diff != "" {
		t.Fatalf("after remove (-want +got):\n%s", diff)
	}
}

func TestMapOwnerRecords_Replacement(t *testing.T) {
	ctx := context.Background()
	ref := memory.NewRef("users")
	store := state.NewStore(nil)

	if err := projection.MapOwnerRecords(ref, "items", store, "items", projection.SubKey); err != nil {
		t.Fatalf("MapOwnerRecords failed: %v", err)
	}

	ref.Set(ctx, "u1", doc("items", obj("a", obj(), "b", obj(), "c", obj())))
	ref.Set(ctx, "u1", doc("items", obj("b", obj(), "d", obj())))

	want := projection.Flat{
		"b": {"ownerId": "u1", "id": "b"},
		"d": {"ownerId": "u1", "id": "d"},
	}
	if diff := cmp.Diff(want, flatOf(store, "items")); diff != "" {
		t.Errorf("projection (-want +got):\n%s", diff)
	}
}

func TestMapOwnerRecords_MalformedDocuments(t *testing.T) {
	ctx := context.Background()
	ref := memory.NewRef("users")
	store := state.NewStore(nil)
	logger := &mockLogger{}
	observer := &mockObserver{}

	err := projection.MapOwnerRecords(ref, "items", store, "items", projection.SubKey,
		projection.WithLogger(logger),
		projection.WithObserver(observer))
	if err != nil {
		t.Fatalf("MapOwnerRecords failed: %v", err)
	}

	ref.Set(ctx, "u1", doc("items", obj("a", obj())))
	ref.Set(ctx, "u1", map[string]any{"items": "not an object"})
	ref.Set(ctx, "u2", 42)
	ref.Set(ctx, "u3", obj("other", obj()))

	if got := flatOf(store, "items"); len(got) != 0 {
		t.Errorf("expected malformed documents to contribute nothing, got %v", got)
	}
	if logger.debugCalls == 0 {
		t.Error("expected malformed documents to be logged at debug level")
	}
	if len(observer.failures) != 0 || len(observer.desyncs) != 0 {
		t.Errorf("malformed documents are not failures, got %v / %v", observer.failures, observer.desyncs)
	}
}

func TestMapOwnerRecords_WholeDocument(t *testing.T) {
	ctx := context.Background()
	ref := memory.NewRef("favorites")
	store := state.NewStore(nil)

	if err := projection.MapOwnerRecords(ref, "", store, "favorites", projection.SubKey); err != nil {
		t.Fatalf("MapOwnerRecords failed: %v", err)
	}

	ref.Set(ctx, "u1", obj("s1", true, "s2", true))

	want := projection.Flat{
		"s1": {"ownerId": "u1", "id": "s1"},
		"s2": {"ownerId": "u1", "id": "s2"},
	}
	if diff := cmp.Diff(want, flatOf(store, "favorites")); diff != "" {
		t.Errorf("projection (-want +got):\n%s", diff)
	}
}

func TestGroupOwnerRecords(t *testing.T) {
	ctx := context.Background()
	ref := memory.NewRef("private/adminable/users")
	store := state.NewStore(nil)

	err := projection.GroupOwnerRecords(ref, "fData", store, "sData",
		projection.OwnerField("questionId"), projection.SubKey)
	if err != nil {
		t.Fatalf("GroupOwnerRecords failed: %v", err)
	}

	ref.Set(ctx, "1234", doc("fData", obj(
		"a", obj("questionId", "q1", "x", 5),
		"b", obj("questionId", "q2", "x", 10))))
	ref.Set(ctx, "5678", doc("fData", obj(
		"c", obj("questionId", "q1", "x", 15))))

	want := projection.Grouped{
		"q1": {
			"a": {"id": "a", "questionId": "q1", "ownerId": "1234", "x": 5},
			"c": {"id": "c", "questionId": "q1", "ownerId": "5678", "x": 15},
		},
		"q2": {
			"b": {"id": "b", "questionId": "q2", "ownerId": "1234", "x": 10},
		},
	}
	got := state.Lookup[projection.Grouped](store.Snapshot(), "sData")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("after add (-want +got):\n%s", diff)
	}

	ref.Set(ctx, "1234", doc("fData", obj("a", obj("questionId", "q1", "x", 5))))
	delete(want, "q2")
	got = state.Lookup[projection.Grouped](store.Snapshot(), "sData")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("after change (-want +got):\n%s", diff)
	}

	if err := ref.Remove(ctx, "1234"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	want = projection.Grouped{
		"q1": {"c": {"id": "c", "questionId": "q1", "ownerId": "5678", "x": 15}},
	}
	got = state.Lookup[projection.Grouped](store.Snapshot(), "sData")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("after remove (-want +got):\n%s", diff)
	}
}

func TestCountOwnerRecords(t *testing.T) {
	ctx := context.Background()
	ref := memory.NewRef("public/users")
	store := state.NewStore(nil)

	if err := projection.CountOwnerRecords(ref, "fData", store, "sData", projection.SubKey); err != nil {
		t.Fatalf("CountOwnerRecords failed: %v", err)
	}

	ref.Set(ctx, "1234", doc("fData", obj("a", obj("x", 5), "b", obj("x", 10))))
	ref.Set(ctx, "5678", doc("fData", obj("b", obj("x", 15))))

	want := projection.Counts{"a": 1, "b": 2}
	if diff := cmp.Diff(want, state.Lookup[projection.Counts](store.Snapshot(), "sData")); diff != "" {
		t.Fatalf("counts (-want +got):\n%s", diff)
	}

	if err := ref.Remove(ctx, "1234"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	want = projection.Counts{"b": 1}
	if diff := cmp.Diff(want, state.Lookup[projection.Counts](store.Snapshot(), "sData")); diff != "" {
		t.Fatalf("counts after remove (-want +got):\n%s", diff)
	}
}

func TestCountOwnerRecords_CountsOwnersNotRecords(t *testing.T) {
	ctx := context.Background()
	ref := memory.NewRef("users")
	store := state.NewStore(nil)

	err := projection.CountOwnerRecords(ref, "answers", store, "answered", projection.OwnerField("questionId"))
	if err != nil {
		t.Fatalf("CountOwnerRecords failed: %v", err)
	}

	ref.Set(ctx, "u1", doc("answers", obj(
		"r1", obj("questionId", "q1"),
		"r2", obj("questionId", "q1"))))
	ref.Set(ctx, "u1", doc("answers", obj("r1", obj("questionId", "q1"))))

	want := projection.Counts{"q1": 1}
	if diff := cmp.Diff(want, state.Lookup[projection.Counts](store.Snapshot(), "answered")); diff != "" {
		t.Errorf("counts (-want +got):\n%s", diff)
	}
}

func TestReconcileOwners_IdempotentFullCycle(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		register func(feed.Source, state.Container) error
	}{
		{"flat", func(src feed.Source, c state.Container) error {
			return projection.MapOwnerRecords(src, "items", c, "p", projection.OwnerField("k"))
		}},
		{"grouped", func(src feed.Source, c state.Container) error {
			return projection.GroupOwnerRecords(src, "items", c, "p", projection.OwnerField("k"), projection.SubKey)
		}},
		{"count", func(src feed.Source, c state.Container) error {
			return projection.CountOwnerRecords(src, "items", c, "p", projection.OwnerField("k"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := memory.NewRef("users")
			store := state.NewStore(state.State{"other": 1})
			if err := tt.register(ref, store); err != nil {
				t.Fatalf("register failed: %v", err)
			}

			ref.Set(ctx, "u1", doc("items", obj(
				"r1", obj("k", "x"),
				"r2", obj("k", "y"),
				"r3", obj("k", "x"))))
			ref.Set(ctx, "u1", doc("items", obj("r4", obj("k", "z"))))
			if err := ref.Remove(ctx, "u1"); err != nil {
				t.Fatalf("Remove failed: %v", err)
			}

			snap := store.Snapshot()
			if n := reflectLen(snap["p"]); n != 0 {
				t.Errorf("expected an empty projection after a full cycle, got %v", snap["p"])
			}
			if snap["other"] != 1 {
				t.Errorf("expected unrelated state to survive, got %v", snap["other"])
			}
		})
	}
}

func reflectLen(v any) int {
	switch p := v.(type) {
	case projection.Flat:
		return len(p)
	case projection.Grouped:
		return len(p)
	case projection.Counts:
		return len(p)
	case nil:
		return 0
	default:
		return -1
	}
}

func TestReconcileOwners_KeyFailureIsolatedPerOwner(t *testing.T) {
	ctx := context.Background()
	ref := memory.NewRef("users")
	store := state.NewStore(nil)
	observer := &mockObserver{}

	keyFn := func(ownerID, subKey string, _ any) (string, error) {
		switch subKey {
		case "panics":
			panic("malformed record")
		case "fails":
			return "", errors.New("no key")
		}
		return ownerID + "/" + subKey, nil
	}
	err := projection.MapOwnerRecords(ref, "items", store, "items", keyFn, projection.WithObserver(observer))
	if err != nil {
		t.Fatalf("MapOwnerRecords failed: %v", err)
	}

	ref.Set(ctx, "u1", doc("items", obj("a", obj(), "panics", obj(), "fails", obj())))
	ref.Set(ctx, "u2", doc("items", obj("b", obj())))

	want := projection.Flat{
		"u1/a": {"ownerId": "u1", "id": "u1/a"},
		"u2/b": {"ownerId": "u2", "id": "u2/b"},
	}
	if diff := cmp.Diff(want, flatOf(store, "items")); diff != "" {
		t.Errorf("projection (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]projection.Phase{projection.PhaseDerive, projection.PhaseDerive}, observer.failures); diff != "" {
		t.Errorf("failures (-want +got):\n%s", diff)
	}
	for _, err := range observer.errs {
		if !errors.Is(err, projection.ErrKeyDerivation) {
			t.Errorf("expected ErrKeyDerivation, got %v", err)
		}
	}
}

func TestReconcileOwners_StrategyPanicIsolated(t *testing.T) {
	ctx := context.Background()
	ref := memory.NewRef("users")
	store := state.NewStore(nil)
	observer := &mockObserver{}

	err := projection.ReconcileOwners[projection.Flat](ref, "items", store, "items", projection.SubKey,
		panickyStrategy{FlatStrategy: projection.FlatStrategy{}, poison: "bad"},
		projection.WithObserver(observer))
	if err != nil {
		t.Fatalf("ReconcileOwners failed: %v", err)
	}

	ref.Set(ctx, "u1", doc("items", obj("bad", obj(), "good", obj())))

	want := projection.Flat{"good": {"ownerId": "u1", "id": "good"}}
	if diff := cmp.Diff(want, flatOf(store, "items")); diff != "" {
		t.Errorf("projection (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]projection.Phase{projection.PhaseContribute}, observer.failures); diff != "" {
		t.Errorf("failures (-want +got):\n%s", diff)
	}

	// The failed key never entered the ledger, so removal retracts only "good".
	if err := ref.Remove(ctx, "u1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if len(observer.desyncs) != 0 {
		t.Errorf("expected no desyncs, got %v", observer.desyncs)
	}
	if got := flatOf(store, "items"); len(got) != 0 {
		t.Errorf("expected empty projection, got %v", got)
	}
}

type panickyStrategy struct {
	projection.FlatStrategy
	poison string
}

func (s panickyStrategy) Contribute(p projection.Flat, ownerID, key string, value any, subKey string) error {
	if key == s.poison {
		panic("contribute exploded")
	}
	return s.FlatStrategy.Contribute(p, ownerID, key, value, subKey)
}

func TestReconcileOwners_NoLeakageAcrossOwnerCollapse(t *testing.T) {
	ctx := context.Background()
	ref := memory.NewRef("users")
	store := state.NewStore(nil)
	observer := &mockObserver{}

	err := projection.GroupOwnerRecords(ref, "answers", store, "byQ",
		projection.OwnerField("q"), projection.SubKey, projection.WithObserver(observer))
	if err != nil {
		t.Fatalf("GroupOwnerRecords failed: %v", err)
	}

	// Two records of one owner collapse onto group q1, then the owner moves away entirely.
	ref.Set(ctx, "u1", doc("answers", obj("a", obj("q", "q1"), "b", obj("q", "q1"))))
	ref.Set(ctx, "u2", doc("answers", obj("c", obj("q", "q1"))))
	ref.Set(ctx, "u1", doc("answers", obj("d", obj("q", "q2"))))

	want := projection.Grouped{
		"q1": {"c": {"q": "q1", "ownerId": "u2", "id": "c"}},
		"q2": {"d": {"q": "q2", "ownerId": "u1", "id": "d"}},
	}
	if diff := cmp.Diff(want, state.Lookup[projection.Grouped](store.Snapshot(), "byQ")); diff != "" {
		t.Errorf("projection (-want +got):\n%s", diff)
	}
	if len(observer.desyncs) != 0 {
		t.Errorf("expected no desyncs, got %v", observer.desyncs)
	}
}

func TestReconcileOwners_DesyncReported(t *testing.T) {
	ctx := context.Background()
	ref := memory.NewRef("users")
	store := state.NewStore(nil)
	observer := &mockObserver{}
	logger := &mockLogger{}

	err := projection.CountOwnerRecords(ref, "items", store, "counts", projection.SubKey,
		projection.WithObserver(observer), projection.WithLogger(logger))
	if err != nil {
		t.Fatalf("CountOwnerRecords failed: %v", err)
	}

	ref.Set(ctx, "u1", doc("items", obj("a", obj())))

	// Something outside the registration wipes the projection.
	if err := store.Apply(func(state.State) state.State {
		return state.State{"counts": projection.Counts{}}
	}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	ref.Set(ctx, "u1", doc("items", obj("b", obj())))

	if diff := cmp.Diff([]string{"a"}, observer.desyncs); diff != "" {
		t.Errorf("desyncs (-want +got):\n%s", diff)
	}
	if logger.errorCalls != 1 {
		t.Errorf("expected 1 error log, got %d", logger.errorCalls)
	}
	want := projection.Counts{"b": 1}
	if diff := cmp.Diff(want, state.Lookup[projection.Counts](store.Snapshot(), "counts")); diff != "" {
		t.Errorf("counts never go negative and new keys still land (-want +got):\n%s", diff)
	}
}

func TestReconcileOwners_CommitFailureKeepsLedger(t *testing.T) {
	ctx := context.Background()
	ref := memory.NewRef("users")
	container := &failingContainer{Store: state.NewStore(nil)}
	observer := &mockObserver{}

	err := projection.MapOwnerRecords(ref, "items", container, "items", projection.SubKey,
		projection.WithObserver(observer))
	if err != nil {
		t.Fatalf("MapOwnerRecords failed: %v", err)
	}

	ref.Set(ctx, "u1", doc("items", obj("a", obj())))

	container.failing = true
	ref.Set(ctx, "u1", doc("items", obj("b", obj())))
	container.failing = false

	if diff := cmp.Diff([]projection.Phase{projection.PhaseCommit}, observer.failures); diff != "" {
		t.Fatalf("failures (-want +got):\n%s", diff)
	}
	if !errors.Is(observer.errs[0], errContainerDown) {
		t.Errorf("expected the container error, got %v", observer.errs[0])
	}

	// The ledger still holds "a", so the next event retracts it cleanly.
	ref.Set(ctx, "u1", doc("items", obj("c", obj())))

	want := projection.Flat{"c": {"ownerId": "u1", "id": "c"}}
	if diff := cmp.Diff(want, flatOf(container.Store, "items")); diff != "" {
		t.Errorf("projection (-want +got):\n%s", diff)
	}
	if len(observer.desyncs) != 0 {
		t.Errorf("expected no desyncs, got %v", observer.desyncs)
	}
}

// TestReconcileOwners_MatchesRecomputation drives random owner writes and checks every
// projection against one recomputed from scratch out of the current owner documents.
func TestReconcileOwners_MatchesRecomputation(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 11))

	ref := memory.NewRef("users")
	store := state.NewStore(nil)
	observer := &mockObserver{}
	keyFn := projection.OwnerField("tag")

	if err := projection.MapOwnerRecords(ref, "items", store, "flat",
		func(ownerID, subKey string, _ any) (string, error) { return ownerID + ":" + subKey, nil },
		projection.WithObserver(observer)); err != nil {
		t.Fatal(err)
	}
	if err := projection.GroupOwnerRecords(ref, "items", store, "grouped", keyFn,
		func(ownerID, subKey string, _ any) (string, error) { return ownerID + ":" + subKey, nil },
		projection.WithObserver(observer)); err != nil {
		t.Fatal(err)
	}
	if err := projection.CountOwnerRecords(ref, "items", store, "counts", keyFn,
		projection.WithObserver(observer)); err != nil {
		t.Fatal(err)
	}

	owners := []string{"o1", "o2", "o3", "o4"}
	tags := []string{"t1", "t2", "t3"}

	for step := 0; step < 300; step++ {
		owner := owners[rng.IntN(len(owners))]
		if rng.IntN(5) == 0 {
			_ = ref.Remove(ctx, owner)
		} else {
			items := make(map[string]any)
			for i := rng.IntN(4); i > 0; i-- {
				items[fmt.Sprintf("r%d", rng.IntN(5))] = obj("tag", tags[rng.IntN(len(tags))])
			}
			ref.Set(ctx, owner, doc("items", items))
		}

		wantFlat, wantGrouped, wantCounts := recompute(ref.Values())
		snap := store.Snapshot()
		empty := cmpopts.EquateEmpty()
		if diff := cmp.Diff(wantFlat, state.Lookup[projection.Flat](snap, "flat"), empty); diff != "" {
			t.Fatalf("step %d: flat (-want +got):\n%s", step, diff)
		}
		if diff := cmp.Diff(wantGrouped, state.Lookup[projection.Grouped](snap, "grouped"), empty); diff != "" {
			t.Fatalf("step %d: grouped (-want +got):\n%s", step, diff)
		}
		if diff := cmp.Diff(wantCounts, state.Lookup[projection.Counts](snap, "counts"), empty); diff != "" {
			t.Fatalf("step %d: counts (-want +got):\n%s", step, diff)
		}
	}

	if len(observer.desyncs) != 0 || len(observer.failures) != 0 {
		t.Errorf("expected a clean run, got desyncs %v failures %v", observer.desyncs, observer.failures)
	}
}

func recompute(owners map[string]any) (projection.Flat, projection.Grouped, projection.Counts) {
	flat := projection.Flat{}
	grouped := projection.Grouped{}
	counts := projection.Counts{}
	for ownerID, v := range owners {
		items := v.(map[string]any)["items"].(map[string]any)
		tagged := map[string]bool{}
		for subKey, raw := range items {
			record := raw.(map[string]any)
			id := ownerID + ":" + subKey
			flat[id] = feed.Record{"tag": record["tag"], "ownerId": ownerID, "id": id}

			tag := record["tag"].(string)
			if grouped[tag] == nil {
				grouped[tag] = map[string]feed.Record{}
			}
			grouped[tag][id] = feed.Record{"tag": tag, "ownerId": ownerID, "id": id}
			tagged[tag] = true
		}
		for tag := range tagged {
			counts[tag]++
		}
	}
	return flat, grouped, counts
}
