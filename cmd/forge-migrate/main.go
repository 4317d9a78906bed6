// Command forge-migrate applies the control plane's Postgres schema
// migrations using goose, a standard SQL migration runner.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/cuemby/forge/pkg/storage"
)

var (
	dsn    = flag.String("dsn", os.Getenv("FORGE_DATABASE_DSN"), "Postgres DSN (defaults to $FORGE_DATABASE_DSN)")
	dryRun = flag.Bool("dry-run", false, "Show migration status without applying changes")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Forge Database Migration Tool")
	log.Println("==============================")

	if *dsn == "" {
		log.Fatal("no DSN supplied: pass --dsn or set FORGE_DATABASE_DSN")
	}

	if *dryRun {
		log.Println("Dry run: reporting migration status only")
		if err := storage.MigrationStatus(*dsn); err != nil {
			log.Fatalf("status check failed: %v", err)
		}
		return
	}

	if err := storage.Migrate(*dsn); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Println("✓ Migration completed successfully!")
}
