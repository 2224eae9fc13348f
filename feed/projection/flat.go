package projection

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/getpup/pupfeed/feed"
	"github.com/getpup/pupfeed/feed/state"
)

// MapRecords projects the records immediately under source into a Flat projection
// stored as name in container:
//
//	name: { key: {...value, id: key} }
//
// where key is keyFn(rawKey, value), or the feed key when keyFn is nil.
//
// Changed events overwrite the entry, since their payload is the complete new value.
// Removed events recompute the key from the removal payload, so a keyFn that reads
// value fields needs a source that delivers the last known value on removal.
func MapRecords(source feed.Source, container state.Container, name string, keyFn KeyFunc, opts ...Option) error {
	b, err := newBase(source, container, name, opts)
	if err != nil {
		return err
	}
	r := &flatRecords{base: b, keyFn: keyFn}

	source.On(feed.Added, r.put(feed.Added))
	source.On(feed.Changed, r.put(feed.Changed))
	source.On(feed.Removed, r.remove)
	return nil
}

type flatRecords struct {
	base
	keyFn KeyFunc
}

func (r *flatRecords) put(eventType feed.EventType) feed.Handler {
	return func(ctx context.Context, snap feed.Snapshot) {
		start := time.Now()
		value := snap.Val()
		key, err := deriveKey(r.keyFn, snap.Key(), value)
		if err != nil {
			r.fail(ctx, PhaseDerive, snap.Key(), err)
			return
		}

		record := feed.NewRecord(value)
		record[feed.FieldID] = key

		err = r.container.Apply(func(current state.State) state.State {
			next := cloneFlat(state.Lookup[Flat](current, r.name))
			next[key] = record
			return state.State{r.name: next}
		})
		if err != nil {
			r.fail(ctx, PhaseCommit, key, err)
			return
		}
		r.config.Observer.Reconciled(ctx, r.name, eventType, 0, 1, time.Since(start))
	}
}

func (r *flatRecords) remove(ctx context.Context, snap feed.Snapshot) {
	start := time.Now()
	key, err := deriveKey(r.keyFn, snap.Key(), snap.Val())
	if err != nil {
		r.fail(ctx, PhaseDerive, snap.Key(), err)
		return
	}

	var found bool
	err = r.container.Apply(func(current state.State) state.State {
		proj := state.Lookup[Flat](current, r.name)
		if _, found = proj[key]; !found {
			return nil
		}
		next := cloneFlat(proj)
		delete(next, key)
		return state.State{r.name: next}
	})
	if err != nil {
		r.fail(ctx, PhaseCommit, key, err)
		return
	}
	if !found {
		r.fail(ctx, PhaseRetract, key, fmt.Errorf("%w: no entry for %q", ErrLedgerDesync, key))
		return
	}
	r.config.Observer.Reconciled(ctx, r.name, feed.Removed, 1, 0, time.Since(start))
}

func cloneFlat(p Flat) Flat {
	if p == nil {
		return make(Flat)
	}
	return maps.Clone(p)
}
