// Package pupfeed provides reactive projections over change feeds for Go applications.
//
// This package serves as the main entry point for the pupfeed library.
// For the projection machinery, see the feed package and its subpackages:
//
//	feed              - Core types and interfaces
//	feed/state        - Immutable state container
//	feed/projection   - Record and owner projections
//	feed/changelog    - Change log sources and writers
//	feed/adapters/... - SQL, Pebble, NATS and Redis backends
//	feed/migrations   - Migration generation
//
// Quick Start:
//
//  1. Generate migrations:
//     go run github.com/getpup/pupfeed/cmd/migrate-gen -adapter sqlite -output migrations
//
//  2. Write changes:
//     log := changelog.NewSQLLog(db, sqlite.NewStore(sqlite.DefaultStoreConfig()))
//     writer := changelog.NewWriter(log, "profiles")
//     writer.Set(ctx, "1234", profile)
//
//  3. Project them:
//     source := changelog.NewSource(log, changelog.DefaultSourceConfig("profiles"))
//     projection.MapOwnerRecords(source, "languages", store, "languages", projection.SubKey)
//     source.Run(ctx)
//
// See the examples directory for complete working examples.
package pupfeed

// Version returns the current version of the library.
func Version() string {
	return "0.1.0-dev"
}
