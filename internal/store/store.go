// Package store persists work orders, their transition log, tick history
// and validation verdicts in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/mtzanidakis/gridflow/internal/config"
	"github.com/mtzanidakis/gridflow/internal/vault"
)

type Store struct {
	db    *sql.DB
	vault *vault.Vault
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL lets the web API read while the tick loop writes; the busy
	// timeout makes writers retry instead of failing with SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// SetVault seals payloads written from now on. Payloads already sealed
// need the same vault to be read back.
func (s *Store) SetVault(v *vault.Vault) {
	s.vault = v
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS work_items (
			id              TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			target          TEXT,
			cost_of_delay   REAL NOT NULL,
			job_size        REAL NOT NULL,
			payload         BLOB,
			sealed          BOOLEAN DEFAULT FALSE,
			status          TEXT NOT NULL,
			iteration_count INTEGER DEFAULT 0,
			parent_id       TEXT,
			queue           TEXT,
			source          TEXT,
			deadline_tick   INTEGER DEFAULT 0,
			tags            TEXT,
			lineage         TEXT,
			failure_reason  TEXT,
			created_at      DATETIME NOT NULL,
			updated_at      DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_status ON work_items(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_items_parent ON work_items(parent_id)`,
		`CREATE TABLE IF NOT EXISTS item_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			item_id     TEXT NOT NULL,
			from_status TEXT,
			to_status   TEXT NOT NULL,
			queue       TEXT,
			tick        INTEGER DEFAULT 0,
			note        TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_item ON item_events(item_id, id)`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick       INTEGER PRIMARY KEY,
			started_at DATETIME NOT NULL,
			elapsed_ms INTEGER NOT NULL,
			actions    INTEGER DEFAULT 0,
			exec_calls INTEGER DEFAULT 0,
			emitted    INTEGER DEFAULT 0,
			delivered  INTEGER DEFAULT 0,
			rejected   INTEGER DEFAULT 0,
			failed     INTEGER DEFAULT 0,
			completed  INTEGER DEFAULT 0,
			rework     INTEGER DEFAULT 0,
			stuck      INTEGER DEFAULT 0,
			quiescent  BOOLEAN DEFAULT FALSE,
			detail     TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS verdicts (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			item_id    TEXT NOT NULL,
			verdict    TEXT NOT NULL,
			mean       REAL NOT NULL,
			vetoed_by  TEXT,
			incomplete BOOLEAN DEFAULT FALSE,
			scores     TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_verdicts_item ON verdicts(item_id, id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
