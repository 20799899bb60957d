// Package store persists fragments, their version logs and experiments in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"promptsmith/internal/logging"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements prompt.Store and experiment.Repository on SQLite.
//
// Fragment versions are append-only rows; a fragment's live fields are the
// version row its current_version_id points at. Every write bumps a
// generation counter so snapshots can be compared.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteStore")
	defer timer.Stop()

	logging.Store("Initializing SQLiteStore at path: %s", path)

	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, errors.Wrap(err, "failed to create directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// One connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Pragmas are per connection; the single pooled connection keeps them.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable foreign keys")
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if path != MemoryPath {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
		}
		if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	logging.Store("SQLiteStore ready (schema v%d)", GetSchemaVersion(db))
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// initialize creates the required tables.
func (s *SQLiteStore) initialize() error {
	fragmentTables := `
	CREATE TABLE IF NOT EXISTS fragments (
		name TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		type TEXT NOT NULL,
		current_version_id TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		content_hash TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fragment_versions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		fragment_name TEXT NOT NULL REFERENCES fragments(name) ON DELETE CASCADE,
		version_id TEXT NOT NULL,
		content TEXT NOT NULL,
		variables TEXT NOT NULL DEFAULT '[]',
		conditions TEXT NOT NULL DEFAULT '[]',
		priority INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		UNIQUE(fragment_name, version_id)
	);
	CREATE INDEX IF NOT EXISTS idx_fragment_versions_name ON fragment_versions(fragment_name, seq);

	CREATE TRIGGER IF NOT EXISTS fragment_versions_append_only
	BEFORE UPDATE ON fragment_versions
	BEGIN
		SELECT RAISE(ABORT, 'fragment_versions is append-only');
	END;
	`

	experimentTables := `
	CREATE TABLE IF NOT EXISTS experiments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		target_fragment TEXT NOT NULL,
		variants TEXT NOT NULL,
		status TEXT NOT NULL,
		traffic_allocation_percent REAL NOT NULL,
		min_sample_size_per_variant INTEGER NOT NULL,
		primary_metric TEXT NOT NULL,
		winner TEXT NOT NULL DEFAULT '',
		confidence_score REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		started_at TEXT NOT NULL DEFAULT '',
		completed_at TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);

	CREATE TABLE IF NOT EXISTS experiment_results (
		experiment_id TEXT NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
		label TEXT NOT NULL,
		request_count INTEGER NOT NULL DEFAULT 0,
		total_metric_value REAL NOT NULL DEFAULT 0,
		sum_squares REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (experiment_id, label)
	);
	`

	metaTable := `
	CREATE TABLE IF NOT EXISTS store_meta (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO store_meta (key, value) VALUES ('generation', 0);
	`

	for name, ddl := range map[string]string{
		"fragment":   fragmentTables,
		"experiment": experimentTables,
		"meta":       metaTable,
	} {
		if _, err := s.db.Exec(ddl); err != nil {
			return errors.Wrapf(err, "failed to create %s tables", name)
		}
	}

	if err := RunMigrations(s.db); err != nil {
		return err
	}
	if GetSchemaVersion(s.db) < CurrentSchemaVersion {
		if err := SetSchemaVersion(s.db, CurrentSchemaVersion); err != nil {
			return err
		}
	}
	return nil
}

// withTx runs fn in a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

// bumpGeneration increments the store generation inside tx.
func bumpGeneration(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "UPDATE store_meta SET value = value + 1 WHERE key = 'generation'")
	return errors.Wrap(err, "bump generation")
}

func readGeneration(ctx context.Context, q querier) (uint64, error) {
	var gen int64
	if err := q.QueryRowContext(ctx, "SELECT value FROM store_meta WHERE key = 'generation'").Scan(&gen); err != nil {
		return 0, errors.Wrap(err, "read generation")
	}
	return uint64(gen), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		logging.StoreDebug("Unparseable timestamp %q: %v", s, err)
		return time.Time{}
	}
	return t
}
