// Package sqlitestore is a statestore.Store backend for local, dev, and test
// use: WAL-mode pragmas baked into the DSN and a small versioned migrations
// table, via modernc.org/sqlite (pure Go, no cgo).
package sqlitestore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ajmccauley/syncrelay/internal/logging"
	_ "modernc.org/sqlite"
)

// Migration is a single versioned schema change, applied at most once.
type Migration struct {
	Version int
	SQL     string
}

var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			CREATE TABLE route_state (
				pk TEXT NOT NULL,
				sk TEXT NOT NULL,
				status TEXT,
				uidvalidity INTEGER,
				last_uid INTEGER,
				created_at INTEGER,
				updated_at INTEGER,
				copied_at INTEGER,
				rfc822_sha256 TEXT,
				message_id_header TEXT,
				retry_count INTEGER,
				last_error TEXT,
				ttl INTEGER,
				PRIMARY KEY (pk, sk)
			);

			CREATE INDEX idx_route_state_pk_prefix ON route_state(pk, sk);
		`,
	},
}

// Store implements statestore.Store over a local SQLite file.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens or creates the SQLite database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create state store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping state store: %w", err)
	}

	st := &Store{db: db, log: logging.WithComponent("sqlitestore")}
	if err := st.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// Close closes the underlying database handle.
func (st *Store) Close() error {
	return st.db.Close()
}

func (st *Store) migrate() error {
	if _, err := st.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	if err := st.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&currentVersion); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		if err := st.applyMigration(m); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (st *Store) applyMigration(m Migration) error {
	tx, err := st.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, strftime('%s','now'))`, m.Version); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}
