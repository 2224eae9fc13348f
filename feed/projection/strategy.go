package projection

import (
	"fmt"
	"maps"

	"github.com/getpup/pupfeed/feed"
	"github.com/getpup/pupfeed/feed/state"
)

// MapOwnerRecords projects owner-scoped records into a Flat projection:
//
//	name: { key: {...value, ownerId, id: key} }
//
// where key = keyFn(ownerID, subKey, value). When records of different owners derive
// the same key, the last contribution wins.
func MapOwnerRecords(owners feed.Source, subRef string, container state.Container, name string, keyFn OwnerKeyFunc, opts ...Option) error {
	return ReconcileOwners[Flat](owners, subRef, container, name, keyFn, FlatStrategy{}, opts...)
}

// GroupOwnerRecords projects owner-scoped records into a Grouped projection:
//
//	name: { key: { subKey: {...value, ownerId, id: subKey} } }
//
// where key = keyFn(ownerID, recordKey, value) and subKey = subKeyFn(ownerID, recordKey, value),
// or recordKey when subKeyFn is nil. Records of different owners that land in one
// group coexist as separate entries.
func GroupOwnerRecords(owners feed.Source, subRef string, container state.Container, name string, keyFn, subKeyFn OwnerKeyFunc, opts ...Option) error {
	return ReconcileOwners[Grouped](owners, subRef, container, name, keyFn, GroupedStrategy{SubKeyFunc: subKeyFn}, opts...)
}

// CountOwnerRecords projects owner-scoped records into a Counts projection:
//
//	name: { key: number of owners with at least one record deriving key }
func CountOwnerRecords(owners feed.Source, subRef string, container state.Container, name string, keyFn OwnerKeyFunc, opts ...Option) error {
	return ReconcileOwners[Counts](owners, subRef, container, name, keyFn, CountStrategy{}, opts...)
}

// FlatStrategy stores one tagged record per key.
type FlatStrategy struct{}

// Clone implements Strategy.
func (FlatStrategy) Clone(p Flat) Flat {
	return cloneFlat(p)
}

// Retract implements Strategy.
func (FlatStrategy) Retract(p Flat, _ string, key string) error {
	if _, ok := p[key]; !ok {
		return fmt.Errorf("%w: no entry for %q", ErrLedgerDesync, key)
	}
	delete(p, key)
	return nil
}

// Contribute implements Strategy.
func (FlatStrategy) Contribute(p Flat, ownerID, key string, value any, _ string) error {
	record := feed.NewRecord(value)
	record[feed.FieldOwnerID] = ownerID
	record[feed.FieldID] = key
	p[key] = record
	return nil
}

// GroupedStrategy stores tagged records in groups, indexed by a second key.
type GroupedStrategy struct {
	// SubKeyFunc derives the index of a record within its group.
	// If nil, the record's key in the owner document is used.
	SubKeyFunc OwnerKeyFunc
}

// Clone implements Strategy.
func (GroupedStrategy) Clone(p Grouped) Grouped {
	return cloneGrouped(p)
}

// Retract implements Strategy. It removes every entry of ownerID from the group and
// deletes the group once it is empty.
func (GroupedStrategy) Retract(p Grouped, ownerID, key string) error {
	group, ok := p[key]
	if !ok {
		return fmt.Errorf("%w: no group %q", ErrLedgerDesync, key)
	}

	remaining := make(map[string]feed.Record, len(group))
	for subKey, record := range group {
		if record.OwnerID() != ownerID {
			remaining[subKey] = record
		}
	}
	if len(remaining) == len(group) {
		return fmt.Errorf("%w: no entries of owner %q in group %q", ErrLedgerDesync, ownerID, key)
	}

	if len(remaining) == 0 {
		delete(p, key)
	} else {
		p[key] = remaining
	}
	return nil
}

// Contribute implements Strategy.
func (s GroupedStrategy) Contribute(p Grouped, ownerID, key string, value any, subKey string) error {
	index := subKey
	if s.SubKeyFunc != nil {
		var err error
		if index, err = deriveOwnerKey(s.SubKeyFunc, ownerID, subKey, value); err != nil {
			return err
		}
	}

	record := feed.NewRecord(value)
	record[feed.FieldOwnerID] = ownerID
	record[feed.FieldID] = index

	group := maps.Clone(p[key])
	if group == nil {
		group = make(map[string]feed.Record, 1)
	}
	group[index] = record
	p[key] = group
	return nil
}

// CountStrategy counts the owners contributing each key.
type CountStrategy struct{}

// Clone implements Strategy.
func (CountStrategy) Clone(p Counts) Counts {
	if p == nil {
		return make(Counts)
	}
	return maps.Clone(p)
}

// Retract implements Strategy. A count never drops below zero; the key is deleted
// when it reaches zero.
func (CountStrategy) Retract(p Counts, _ string, key string) error {
	n := p[key]
	if n <= 0 {
		return fmt.Errorf("%w: count for %q is %d", ErrLedgerDesync, key, n)
	}
	if n == 1 {
		delete(p, key)
		return nil
	}
	p[key] = n - 1
	return nil
}

// Contribute implements Strategy.
func (CountStrategy) Contribute(p Counts, _ string, key string, _ any, _ string) error {
	p[key]++
	return nil
}

// ContributesOncePerKey implements ContributesOncePerKey: a count is of owners, not records.
func (CountStrategy) ContributesOncePerKey() bool {
	return true
}

var (
	_ Strategy[Flat]        = FlatStrategy{}
	_ Strategy[Grouped]     = GroupedStrategy{}
	_ Strategy[Counts]      = CountStrategy{}
	_ ContributesOncePerKey = CountStrategy{}
)
