package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"

	"promptsmith/internal/logging"
)

// Schema versions:
// v1: fragments and the append-only fragment_versions log
// v2: experiments and experiment_results
// v3: fragments.description column
// v4: experiment_results.ratings column for user ratings
const CurrentSchemaVersion = 4

// Migration adds a column that older databases lack.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations handle tables that exist but are missing newer columns.
var pendingMigrations = []Migration{
	{"fragments", "description", "TEXT NOT NULL DEFAULT ''"},
	{"experiment_results", "ratings", "TEXT NOT NULL DEFAULT '[]'"},
}

// RunMigrations applies column migrations for existing databases.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	applied := 0
	skipped := 0

	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			logging.StoreDebug("Table missing, skipping migration: %s.%s", m.Table, m.Column)
			skipped++
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			skipped++
			continue
		}

		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		logging.StoreDebug("Executing migration: %s", query)
		if _, err := db.Exec(query); err != nil {
			logging.Get(logging.CategoryStore).Error("Migration failed: %s.%s: %v", m.Table, m.Column, err)
			return errors.Wrapf(err, "migration %s.%s", m.Table, m.Column)
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}

	logging.StoreDebug("Schema migrations complete: applied=%d, skipped=%d", applied, skipped)
	return nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.StoreDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if err := db.QueryRow(query, table).Scan(&count); err != nil {
		logging.StoreDebug("Table existence check failed for %s: %v", table, err)
		return false
	}
	return count > 0
}

// GetSchemaVersion returns the schema version of a database. Without a
// schema_versions record it infers the version from table structure.
func GetSchemaVersion(db *sql.DB) int {
	if v := recordedSchemaVersion(db); v > 0 {
		return v
	}
	return inferSchemaVersion(db)
}

// recordedSchemaVersion returns the last recorded version, or 0.
func recordedSchemaVersion(db *sql.DB) int {
	if !tableExists(db, "schema_versions") {
		return 0
	}
	var version int
	if err := db.QueryRow("SELECT version FROM schema_versions ORDER BY id DESC LIMIT 1").Scan(&version); err != nil {
		return 0
	}
	return version
}

func inferSchemaVersion(db *sql.DB) int {
	switch {
	case !tableExists(db, "fragment_versions"):
		return 0
	case columnExists(db, "experiment_results", "ratings"):
		return 4
	case columnExists(db, "fragments", "description"):
		return 3
	case tableExists(db, "experiments"):
		return 2
	default:
		return 1
	}
}

// SetSchemaVersion records a new schema version in the database.
func SetSchemaVersion(db *sql.DB, version int) error {
	createTable := `
		CREATE TABLE IF NOT EXISTS schema_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			description TEXT
		)
	`
	if _, err := db.Exec(createTable); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create schema_versions table: %v", err)
		return errors.Wrap(err, "failed to create schema_versions table")
	}

	desc := fmt.Sprintf("Migrated to schema version %d", version)
	if _, err := db.Exec("INSERT INTO schema_versions (version, description) VALUES (?, ?)", version, desc); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to record schema version %d: %v", version, err)
		return errors.Wrap(err, "failed to record schema version")
	}

	logging.Store("Schema version set to %d", version)
	return nil
}

// Backup writes a consistent copy of the database to a timestamped file next
// to it and returns the backup path. In-memory stores cannot be backed up.
func (s *SQLiteStore) Backup() (string, error) {
	if s.dbPath == MemoryPath {
		return "", errors.New("cannot back up an in-memory store")
	}
	// Fold the WAL into the main file so a byte copy is complete.
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logging.StoreDebug("wal_checkpoint failed: %v", err)
	}
	return CreateBackup(s.dbPath)
}

// CreateBackup creates a backup copy of the database file.
func CreateBackup(dbPath string) (string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "CreateBackup")
	defer timer.Stop()

	backupPath := dbPath + fmt.Sprintf(".backup_%s", time.Now().Format("20060102_150405"))
	logging.Store("Creating database backup: %s -> %s", dbPath, backupPath)

	src, err := os.Open(dbPath)
	if err != nil {
		return "", errors.Wrap(err, "failed to open source database")
	}
	defer src.Close()

	dst, err := os.Create(backupPath)
	if err != nil {
		return "", errors.Wrap(err, "failed to create backup file")
	}
	defer dst.Close()

	bytesCopied, err := io.Copy(dst, src)
	if err != nil {
		return "", errors.Wrap(err, "failed to copy database to backup")
	}
	if err := dst.Sync(); err != nil {
		return "", errors.Wrap(err, "failed to sync backup to disk")
	}

	logging.Store("Database backup created: %s (%d bytes)", backupPath, bytesCopied)
	return backupPath, nil
}
