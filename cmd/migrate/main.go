// Command migrate applies, rolls back, or inspects database migrations
// outside the server's own startup path, for operators who manage schema
// explicitly.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"

	"github.com/lantern-chat/lantern/internal/db"
)

func main() {
	dbType := flag.String("type", "sqlite", "Database type: sqlite or postgres")
	dsn := flag.String("dsn", "lantern.db", "Database DSN")
	down := flag.Bool("down", false, "Roll back one migration instead of applying all")
	status := flag.Bool("status", false, "Print the current schema version and exit")
	flag.Parse()

	if *status {
		version, dirty, err := db.Status(*dbType, *dsn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("schema version %d (dirty=%v)\n", version, dirty)
		return
	}

	m, err := db.NewMigrator(*dbType, *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	if *down {
		err = m.Steps(-1)
	} else {
		err = m.Up()
	}

	switch {
	case err == nil:
		fmt.Println("migrations applied")
	case errors.Is(err, migrate.ErrNoChange):
		fmt.Println("no pending migrations")
	default:
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}
