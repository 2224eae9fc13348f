package projection

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/getpup/pupfeed/feed"
	"github.com/getpup/pupfeed/feed/state"
)

// GroupRecords projects the records immediately under source into a Grouped
// projection stored as name in container:
//
//	name: { key: { subKey: {...value, id: subKey} } }
//
// where key is keyFn(rawKey, value) and subKey is subKeyFn(rawKey, value), or the
// feed key when subKeyFn is nil. A group is deleted together with its last entry.
func GroupRecords(source feed.Source, container state.Container, name string, keyFn, subKeyFn KeyFunc, opts ...Option) error {
	if keyFn == nil {
		return fmt.Errorf("%w: nil key function", ErrInvalidRegistration)
	}
	b, err := newBase(source, container, name, opts)
	if err != nil {
		return err
	}
	r := &groupedRecords{base: b, keyFn: keyFn, subKeyFn: subKeyFn}

	source.On(feed.Added, r.put(feed.Added))
	source.On(feed.Changed, r.put(feed.Changed))
	source.On(feed.Removed, r.remove)
	return nil
}

type groupedRecords struct {
	base
	keyFn    KeyFunc
	subKeyFn KeyFunc
}

func (r *groupedRecords) keys(snap feed.Snapshot) (key, subKey string, err error) {
	value := snap.Val()
	if key, err = deriveKey(r.keyFn, snap.Key(), value); err != nil {
		return "", "", err
	}
	if subKey, err = deriveKey(r.subKeyFn, snap.Key(), value); err != nil {
		return "", "", err
	}
	return key, subKey, nil
}

func (r *groupedRecords) put(eventType feed.EventType) feed.Handler {
	return func(ctx context.Context, snap feed.Snapshot) {
		start := time.Now()
		key, subKey, err := r.keys(snap)
		if err != nil {
			r.fail(ctx, PhaseDerive, snap.Key(), err)
			return
		}

		record := feed.NewRecord(snap.Val())
		record[feed.FieldID] = subKey

		err = r.container.Apply(func(current state.State) state.State {
			next := cloneGrouped(state.Lookup[Grouped](current, r.name))
			group := cloneGroup(next[key])
			group[subKey] = record
			next[key] = group
			return state.State{r.name: next}
		})
		if err != nil {
			r.fail(ctx, PhaseCommit, key, err)
			return
		}
		r.config.Observer.Reconciled(ctx, r.name, eventType, 0, 1, time.Since(start))
	}
}

func (r *groupedRecords) remove(ctx context.Context, snap feed.Snapshot) {
	start := time.Now()
	key, subKey, err := r.keys(snap)
	if err != nil {
		r.fail(ctx, PhaseDerive, snap.Key(), err)
		return
	}

	var found bool
	err = r.container.Apply(func(current state.State) state.State {
		proj := state.Lookup[Grouped](current, r.name)
		if _, found = proj[key][subKey]; !found {
			return nil
		}
		next := cloneGrouped(proj)
		group := cloneGroup(proj[key])
		delete(group, subKey)
		if len(group) == 0 {
			delete(next, key)
		} else {
			next[key] = group
		}
		return state.State{r.name: next}
	})
	if err != nil {
		r.fail(ctx, PhaseCommit, key, err)
		return
	}
	if !found {
		r.fail(ctx, PhaseRetract, key, fmt.Errorf("%w: no entry %q in group %q", ErrLedgerDesync, subKey, key))
		return
	}
	r.config.Observer.Reconciled(ctx, r.name, feed.Removed, 1, 0, time.Since(start))
}

func cloneGrouped(p Grouped) Grouped {
	if p == nil {
		return make(Grouped)
	}
	return maps.Clone(p)
}

func cloneGroup(g map[string]feed.Record) map[string]feed.Record {
	if g == nil {
		return make(map[string]feed.Record)
	}
	return maps.Clone(g)
}
