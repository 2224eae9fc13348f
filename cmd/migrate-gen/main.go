// Command migrate-gen generates the SQL migration for the change log table.
//
// Usage:
//
//	go run github.com/getpup/pupfeed/cmd/migrate-gen -output migrations -filename init.sql
//
// Or with go generate:
//
//	//go:generate go run github.com/getpup/pupfeed/cmd/migrate-gen -output migrations
//
// Generate migrations for different databases:
//
//	go run github.com/getpup/pupfeed/cmd/migrate-gen -adapter postgres -output migrations
//	go run github.com/getpup/pupfeed/cmd/migrate-gen -adapter mysql -output migrations
//	go run github.com/getpup/pupfeed/cmd/migrate-gen -adapter sqlite -output migrations
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/getpup/pupfeed/feed/migrations"
)

func main() {
	var (
		adapter        = flag.String("adapter", "postgres", "Database adapter: postgres, mysql, or sqlite")
		outputFolder   = flag.String("output", "migrations", "Output folder for migration file")
		outputFilename = flag.String("filename", "", "Output filename (default: timestamp-based)")
		changesTable   = flag.String("changes-table", "feed_changes", "Name of change log table")
	)

	flag.Parse()

	dialect, err := migrations.ParseDialect(*adapter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v. Supported adapters are: postgres, mysql, sqlite\n", err)
		os.Exit(1)
	}

	config := migrations.DefaultConfig()
	config.OutputFolder = *outputFolder
	config.ChangesTable = *changesTable

	if *outputFilename != "" {
		config.OutputFilename = *outputFilename
	}

	if err := migrations.Generate(dialect, &config); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating migration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %s migration: %s/%s\n", dialect, config.OutputFolder, config.OutputFilename)
}
