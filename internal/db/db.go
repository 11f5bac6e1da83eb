// Package db is the relational store behind the realtime core. It exposes
// narrow accessors over the sessions, users, apps and event_log tables plus
// the party/room/role graph the gateway reads; schema evolution lives in
// embedded migrations.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"
)

// ErrNotFound normalizes sql.ErrNoRows across the accessor surface.
var ErrNotFound = errors.New("not found")

// DB wraps the bun handle.
type DB struct {
	bun *bun.DB
}

// Open opens a SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	return OpenDB("sqlite", dbPath)
}

// OpenDB opens a database connection for the given type and DSN, runs any
// pending migrations, and returns the DB handle.
func OpenDB(dbType, dsn string) (*DB, error) {
	var driverName string
	switch dbType {
	case "sqlite":
		driverName = "sqlite"
	case "postgres":
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	// For SQLite in-memory databases, use shared cache so that the
	// migration connection (opened separately by golang-migrate) sees the
	// same database.
	if dbType == "sqlite" && dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbType == "sqlite" {
		// The schema leans on REFERENCES constraints (sessions→users,
		// role_members→roles); sqlite ignores them unless asked.
		// busy_timeout covers the listener and sweep tasks contending
		// with the write path, WAL lets them read while it writes.
		for _, pragma := range []string{
			"PRAGMA foreign_keys = ON",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA journal_mode = WAL",
		} {
			if _, err := conn.Exec(pragma); err != nil {
				conn.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
		// Keep at least one connection open to prevent in-memory
		// databases from being destroyed when all connections close.
		conn.SetMaxIdleConns(1)
	}

	if err := runMigrations(dbType, dsn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	var bunDB *bun.DB
	switch dbType {
	case "sqlite":
		bunDB = bun.NewDB(conn, sqlitedialect.New())
	case "postgres":
		bunDB = bun.NewDB(conn, pgdialect.New())
	}

	return &DB{bun: bunDB}, nil
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	return d.bun.Close()
}

// Ping verifies database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.bun.PingContext(ctx)
}

func normalizeErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
