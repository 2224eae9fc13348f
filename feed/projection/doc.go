// Package projection reconciles change feed events into keyed projections held in a
// state container.
//
// # Record projections
//
// MapRecords and GroupRecords project the records directly under a feed reference:
//
//	MapRecords:   name: { key: {...value, id: key} }
//	GroupRecords: name: { key: { subKey: {...value, id: subKey} } }
//
// # Owner projections
//
// Owner feeds carry one document per owner, holding that owner's records under a sub
// reference. Events replace the whole document, so ReconcileOwners keeps a ledger of
// the keys each owner contributed and, per event, retracts all of them before
// contributing the records of the new document. The three shapes are:
//
//	MapOwnerRecords:   name: { key: {...value, ownerId, id: key} }
//	GroupOwnerRecords: name: { key: { subKey: {...value, ownerId, id: subKey} } }
//	CountOwnerRecords: name: { key: number of contributing owners }
//
// Custom shapes implement Strategy.
//
// # Failures
//
// Nothing a record does can stop the feed. Key functions and strategies run isolated:
// errors and panics are logged, reported to the Observer and skip the single record or
// key they concern. A retraction that finds nothing to retract wraps ErrLedgerDesync and
// is reported through Observer.LedgerDesync.
package projection
