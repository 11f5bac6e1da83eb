package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed all:migrations
var migrationFiles embed.FS

// dialect ties one supported DB_TYPE to its sql driver, its migration
// directory, and its golang-migrate driver constructor.
type dialect struct {
	driverName string
	dir        string
	migrateDrv func(*sql.DB) (database.Driver, error)
}

var dialects = map[string]dialect{
	"sqlite": {
		driverName: "sqlite",
		dir:        "migrations/sqlite",
		migrateDrv: func(conn *sql.DB) (database.Driver, error) {
			return migratesqlite.WithInstance(conn, &migratesqlite.Config{})
		},
	},
	"postgres": {
		driverName: "postgres",
		dir:        "migrations/postgres",
		migrateDrv: func(conn *sql.DB) (database.Driver, error) {
			return migratepostgres.WithInstance(conn, &migratepostgres.Config{})
		},
	},
}

// runMigrations brings the schema up to date during startup and logs the
// version the process will run against. A dirty version aborts startup:
// serving the gateway over a half-migrated event_log corrupts listener
// cursors.
func runMigrations(dbType, dsn string) error {
	m, err := NewMigrator(dbType, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty; repair before serving", version)
	}

	slog.Info("schema up to date", "db_type", dbType, "version", version)
	return nil
}

// NewMigrator builds a golang-migrate instance over the embedded Lantern
// schema for the given dialect. It opens its own connection so that
// m.Close() never tears down the server's pool; the caller owns Close.
func NewMigrator(dbType, dsn string) (*migrate.Migrate, error) {
	d, ok := dialects[dbType]
	if !ok {
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	sub, err := fs.Sub(migrationFiles, d.dir)
	if err != nil {
		return nil, fmt.Errorf("migration files for %s: %w", dbType, err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	conn, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s for migration: %w", dbType, err)
	}

	driver, err := d.migrateDrv(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, dbType, driver)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrator: %w", err)
	}
	return m, nil
}

// Status reports the current schema version without changing anything;
// version 0 means an empty database.
func Status(dbType, dsn string) (version uint, dirty bool, err error) {
	m, err := NewMigrator(dbType, dsn)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
