package projection

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/getpup/pupfeed/feed"
	"github.com/getpup/pupfeed/feed/state"
)

// Strategy applies one owner's contributions to a projection of type P.
//
// The engine calls Clone once per owner event, then Retract for every key the owner
// contributed last time, then Contribute for every record in the owner's current
// document. Retract and Contribute mutate the clone in place; anything they share with
// the previous snapshot (nested maps) must be copied before it is modified.
type Strategy[P any] interface {
	// Clone returns a copy of p that Retract and Contribute may mutate.
	// p is the zero value when the projection does not exist yet.
	Clone(p P) P

	// Retract removes what ownerID contributed under key.
	// It returns an error wrapping ErrLedgerDesync when there is nothing to remove.
	Retract(p P, ownerID, key string) error

	// Contribute adds the entry implied by one record of ownerID under key.
	Contribute(p P, ownerID, key string, value any, subKey string) error
}

// ContributesOncePerKey is implemented by strategies whose contribution is per owner
// and key rather than per record. The engine then calls Contribute once for a key even
// when several records of an owner derive it, which keeps Retract symmetric.
type ContributesOncePerKey interface {
	ContributesOncePerKey() bool
}

type keySet map[string]struct{}

// ReconcileOwners projects an owner-scoped feed into the projection stored as name in
// container. Every event on owners carries an owner's complete document; the records
// under subRef in that document are its contributions:
//
//	owners/{ownerID}/{subRef}/{subKey} = value
//
// For each record, keyFn(ownerID, subKey, value) derives the projection key and
// strategy decides what the entry looks like. An empty subRef uses the owner document
// itself as the record map.
//
// Because the feed carries whole documents rather than diffs, every event first
// retracts every key the owner contributed on its previous event, then contributes
// every record of the new document, in one state transition. Removed events are
// handled as a change to an empty document.
//
// Events of one owner must be delivered in order. Events of different owners may
// interleave.
func ReconcileOwners[P any](owners feed.Source, subRef string, container state.Container, name string, keyFn OwnerKeyFunc, strategy Strategy[P], opts ...Option) error {
	if keyFn == nil {
		return fmt.Errorf("%w: nil key function", ErrInvalidRegistration)
	}
	if strategy == nil {
		return fmt.Errorf("%w: nil strategy", ErrInvalidRegistration)
	}
	b, err := newBase(owners, container, name, opts)
	if err != nil {
		return err
	}

	r := newOwnerReconciler(b, subRef, keyFn, strategy)
	owners.On(feed.Added, func(ctx context.Context, snap feed.Snapshot) {
		r.reconcile(ctx, feed.Added, snap.Key(), snap.Val())
	})
	owners.On(feed.Changed, func(ctx context.Context, snap feed.Snapshot) {
		r.reconcile(ctx, feed.Changed, snap.Key(), snap.Val())
	})
	owners.On(feed.Removed, func(ctx context.Context, snap feed.Snapshot) {
		r.reconcile(ctx, feed.Removed, snap.Key(), feed.EmptySnapshot(snap.Key()).Val())
	})
	return nil
}

type ownerReconciler[P any] struct {
	base
	subRef   string
	keyFn    OwnerKeyFunc
	strategy Strategy[P]
	once     bool

	// mu guards ledger. ledger[owner] holds exactly the keys owner's entries are
	// present under in the committed projection.
	mu     sync.Mutex
	ledger map[string]keySet
}

func newOwnerReconciler[P any](b base, subRef string, keyFn OwnerKeyFunc, strategy Strategy[P]) *ownerReconciler[P] {
	r := &ownerReconciler[P]{
		base:     b,
		subRef:   subRef,
		keyFn:    keyFn,
		strategy: strategy,
		ledger:   make(map[string]keySet),
	}
	if o, ok := any(strategy).(ContributesOncePerKey); ok {
		r.once = o.ContributesOncePerKey()
	}
	return r
}

func (r *ownerReconciler[P]) reconcile(ctx context.Context, eventType feed.EventType, ownerID string, doc any) {
	start := time.Now()
	ctx, span := r.config.Tracer.Start(ctx, "projection.reconcile_owner",
		trace.WithAttributes(
			attribute.String("projection", r.name),
			attribute.String("owner_id", ownerID),
			attribute.String("event_type", eventType.String()),
		),
	)
	defer span.End()

	records := r.records(ctx, ownerID, doc)

	r.mu.Lock()
	defer r.mu.Unlock()

	var retracted int
	var contributed keySet
	err := r.container.Apply(func(current state.State) state.State {
		proj := r.strategy.Clone(state.Lookup[P](current, r.name))
		retracted = r.retractAll(ctx, proj, ownerID)
		contributed = r.contributeAll(ctx, proj, ownerID, records)
		return state.State{r.name: proj}
	})
	if err != nil {
		// Nothing was committed, so the ledger still matches the projection.
		r.fail(ctx, PhaseCommit, ownerID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	if len(contributed) == 0 {
		delete(r.ledger, ownerID)
	} else {
		r.ledger[ownerID] = contributed
	}

	span.SetAttributes(
		attribute.Int("retracted", retracted),
		attribute.Int("contributed", len(contributed)),
	)
	r.logger.Debug(ctx, "owner reconciled",
		"projection", r.name,
		"owner", ownerID,
		"event_type", eventType.String(),
		"retracted", retracted,
		"contributed", len(contributed))
	r.config.Observer.Reconciled(ctx, r.name, eventType, retracted, len(contributed), time.Since(start))
}

// records extracts the owner's record map. A missing or malformed map is empty.
func (r *ownerReconciler[P]) records(ctx context.Context, ownerID string, doc any) map[string]any {
	owner, ok := feed.AsDocument(doc)
	if !ok {
		if doc != nil {
			r.logger.Debug(ctx, "owner document is not an object",
				"projection", r.name,
				"owner", ownerID)
		}
		return nil
	}
	if r.subRef == "" {
		return owner
	}
	sub, present := owner[r.subRef]
	if !present || sub == nil {
		return nil
	}
	records, ok := feed.AsDocument(sub)
	if !ok {
		r.logger.Debug(ctx, "owner records are not an object",
			"projection", r.name,
			"owner", ownerID,
			"sub_ref", r.subRef)
		return nil
	}
	return records
}

func (r *ownerReconciler[P]) retractAll(ctx context.Context, proj P, ownerID string) int {
	previous := r.ledger[ownerID]
	retracted := 0
	for _, key := range slices.Sorted(maps.Keys(previous)) {
		err := isolate(func() error {
			return r.strategy.Retract(proj, ownerID, key)
		})
		if err != nil {
			r.fail(ctx, PhaseRetract, key, fmt.Errorf("owner %q: %w", ownerID, err))
			continue
		}
		retracted++
	}
	return retracted
}

func (r *ownerReconciler[P]) contributeAll(ctx context.Context, proj P, ownerID string, records map[string]any) keySet {
	contributed := make(keySet, len(records))
	for _, subKey := range slices.Sorted(maps.Keys(records)) {
		value := records[subKey]
		key, err := deriveOwnerKey(r.keyFn, ownerID, subKey, value)
		if err != nil {
			r.fail(ctx, PhaseDerive, subKey, err)
			continue
		}
		if _, seen := contributed[key]; seen && r.once {
			continue
		}
		err = isolate(func() error {
			return r.strategy.Contribute(proj, ownerID, key, value, subKey)
		})
		if err != nil {
			r.fail(ctx, PhaseContribute, key, fmt.Errorf("owner %q record %q: %w", ownerID, subKey, err))
			continue
		}
		contributed[key] = struct{}{}
	}
	return contributed
}
