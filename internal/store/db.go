package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const currentVersion = 2

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a SQLite database connection for reviewbot storage. Besides the
// repository, review and account records it hosts the workflow journal and
// the SQLite vector table, which other packages access through Conn.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(path string) (*DB, error) {
	var dsn string
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	} else {
		dsn = ":memory:?_pragma=foreign_keys(ON)"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers and keeps :memory: databases alive.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &DB{db: sqlDB}
	if err := store.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Conn returns the underlying *sql.DB for the workflow journal and vector index.
func (d *DB) Conn() *sql.DB {
	return d.db
}

func (d *DB) migrate() error {
	var version int
	err := d.db.QueryRow("PRAGMA user_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("reading user_version: %w", err)
	}

	if version >= currentVersion {
		return nil
	}

	if version < 1 {
		if err := d.migrateV1(); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := d.migrateV2(); err != nil {
			return err
		}
	}

	_, err = d.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentVersion))
	if err != nil {
		return fmt.Errorf("setting user_version: %w", err)
	}

	return nil
}

func (d *DB) migrateV1() error {
	return d.exec([]string{
		`CREATE TABLE IF NOT EXISTS repositories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			github_id INTEGER NOT NULL DEFAULT 0,
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			full_name TEXT NOT NULL,
			url TEXT NOT NULL,
			user_id TEXT NOT NULL,
			webhook_id INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE(owner, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_repositories_user ON repositories(user_id)`,
		`CREATE TABLE IF NOT EXISTS reviews (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repository_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
			pr_number INTEGER NOT NULL,
			pr_title TEXT NOT NULL,
			pr_url TEXT NOT NULL,
			body TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reviews_repo_pr ON reviews(repository_id, pr_number)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			access_token TEXT NOT NULL,
			login TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY(user_id, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			function_id TEXT NOT NULL,
			event TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status)`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			run_id TEXT NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			output TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			PRIMARY KEY(run_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS vectors (
			namespace TEXT NOT NULL,
			id TEXT NOT NULL,
			path TEXT NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY(namespace, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vectors_namespace_path ON vectors(namespace, path)`,
		`CREATE TABLE IF NOT EXISTS poll_state (
			owner TEXT NOT NULL,
			repo TEXT NOT NULL,
			etag TEXT,
			last_polled_at TEXT,
			PRIMARY KEY(owner, repo)
		)`,
		`CREATE TABLE IF NOT EXISTS pr_snapshots (
			owner TEXT NOT NULL,
			repo TEXT NOT NULL,
			number INTEGER NOT NULL,
			head_sha TEXT NOT NULL,
			seen_at TEXT NOT NULL,
			PRIMARY KEY(owner, repo, number)
		)`,
	})
}

// migrateV2 adds run leases to the workflow journal.
func (d *DB) migrateV2() error {
	return d.exec([]string{
		`ALTER TABLE workflow_runs ADD COLUMN owner TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE workflow_runs ADD COLUMN lease_until TEXT NOT NULL DEFAULT ''`,
	})
}

func (d *DB) exec(statements []string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration statement: %w", err)
		}
	}

	return tx.Commit()
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("scanning %s: %w", what, err)
}
