// Package feed provides the core types shared by change feed sources and projections.
//
// # Overview
//
// A change feed delivers per-record notifications keyed by record identity:
//   - Added: a record appeared under a key
//   - Changed: the record under a key was replaced by a complete new value
//   - Removed: the record under a key disappeared
//
// This package defines:
//   - EventType and Snapshot: what a feed delivers to handlers
//   - Source: anything handlers can be registered on
//   - Runnable: sources that own a delivery loop (SQL change logs, brokers)
//   - Record: the tagged value stored in projections
//   - Logger: optional observability hook
//
// # Design Philosophy
//
// Whole-document semantics: a Changed payload is the complete new value, never a delta.
// Projections built on top of this package (see the projection subpackage) rely on that
// to recompute derived entries from scratch for every event.
//
// Per-key ordering: a Source must deliver the events of one key in the order they
// happened. Events of different keys may interleave freely.
//
// # Quick Start
//
//	ref := memory.NewRef("public/users")
//	store := state.NewStore(nil)
//
//	projection.MapOwnerRecords(ref, "questions", store, "questions", projection.SubKey)
//
//	ref.Add(ctx, "1234", map[string]any{
//	    "questions": map[string]any{"a": map[string]any{"text": "hi"}},
//	})
//
//	flat := state.Lookup[projection.Flat](store.Snapshot(), "questions")
//
// # Sources
//
// The memory subpackage provides an in-process source. The changelog subpackage turns a
// SQL change log table into a source, with dialect adapters under adapters/. The nats and
// redis adapters subscribe to broker channels.
package feed
