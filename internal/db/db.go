// Package db opens and migrates the local audit database. The runner's
// job store itself is in-memory and does not persist (spec §4.5); this
// package backs only the append-only audit trail of terminal jobs.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type DB struct {
	conn *sql.DB
}

// New opens (creating if necessary) a local SQLite database at path,
// retrying with exponential backoff since two runner processes sharing a
// host could race the first connection. Grounded on the teacher's
// internal/db/db.go local-SQLite branch; the libsql/Turso branch is
// dropped since this service has no cloud-database component — the audit
// log is purely local per-host state.
func New(path string) (*DB, error) {
	dbDir := filepath.Dir(path)
	if dbDir != "." && dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	const maxRetries = 5
	const baseDelay = 100 * time.Millisecond

	var conn *sql.DB
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		conn, err = sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(5)

		if err = conn.Ping(); err != nil {
			if attempt == maxRetries-1 {
				return nil, fmt.Errorf("failed to ping database after %d attempts: %w", maxRetries, err)
			}
			conn.Close()
			time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
			continue
		}
		break
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	db.conn.SetMaxOpenConns(0)
	db.conn.SetMaxIdleConns(0)
	db.conn.SetConnMaxLifetime(0)
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Migrate applies the embedded goose migrations.
func (db *DB) Migrate() error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db.conn, "migrations")
}
