// Package store provides the agent's local audit log, backed by an embedded
// SQLite database — connections, auth attempts, and file-transfer events,
// kept for local forensic review (SPEC_FULL.md domain-stack table). It
// follows the teacher's store package exactly: migrations as an ordered
// slice of SQL strings tracked in a schema_migrations table, never edited
// or reordered, only appended to.
package store

import (
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	// v1 — session audit events (connect, auth success/failure, disconnect)
	`CREATE TABLE IF NOT EXISTS session_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		manager_id TEXT NOT NULL,
		event      TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — file transfer audit events
	`CREATE TABLE IF NOT EXISTS file_transfer_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		manager_id TEXT NOT NULL,
		name       TEXT NOT NULL,
		size       INTEGER NOT NULL,
		sha256     TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3, v4 — indexes for lookups by manager
	`CREATE INDEX IF NOT EXISTS idx_session_events_manager ON session_events(manager_id)`,
	`CREATE INDEX IF NOT EXISTS idx_file_transfer_events_manager ON file_transfer_events(manager_id)`,
}

// Store wraps the agent's local SQLite audit database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for ephemeral storage (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] WAL mode: %v (non-fatal)", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// LogSessionEvent records a connect/auth/disconnect event for managerID.
func (s *Store) LogSessionEvent(managerID, event, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO session_events(manager_id, event, detail) VALUES(?, ?, ?)`,
		managerID, event, detail,
	)
	return err
}

// LogFileTransfer records the outcome of one file transfer.
func (s *Store) LogFileTransfer(managerID, name string, size int64, sha256Hex, status string) error {
	_, err := s.db.Exec(
		`INSERT INTO file_transfer_events(manager_id, name, size, sha256, status) VALUES(?, ?, ?, ?, ?)`,
		managerID, name, size, sha256Hex, status,
	)
	return err
}

// SessionEvent is one row of the session_events audit table.
type SessionEvent struct {
	ManagerID string
	Event     string
	Detail    string
	CreatedAt int64
}

// RecentSessionEvents returns the most recent events across all managers,
// newest first, capped at limit rows.
func (s *Store) RecentSessionEvents(limit int) ([]SessionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT manager_id, event, detail, created_at FROM session_events ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionEvent
	for rows.Next() {
		var e SessionEvent
		if err := rows.Scan(&e.ManagerID, &e.Event, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
