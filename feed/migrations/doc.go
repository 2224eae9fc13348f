// Package migrations generates the SQL schema of the change log.
//
// The generated files create the changes table and its indexes for one dialect:
//
//	config := migrations.DefaultConfig()
//	if err := migrations.Generate(migrations.Postgres, &config); err != nil {
//	    log.Fatal(err)
//	}
//
// Apply the file with your usual migration tool. cmd/migrate-gen wraps Generate.
package migrations
