package store

import (
	"database/sql"
	"fmt"

	"novelloop/internal/errs"
	"novelloop/internal/logging"
)

// Schema versions:
// v1: novels, episodes, narrative tables, episode_chunks
// v2: episode_runs and episode_reviews
// v3: episode_chunks.embedding_model for index compatibility checks
// v4: novels.active for scheduled runs over active novels
const CurrentSchemaVersion = 4

// Migration adds a column that older databases lack.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations upgrade database files created before these columns
// existed. A fresh database already gets every column from the CREATE TABLE
// statements in local.go, so on new files each entry is a no-op.
var pendingMigrations = []Migration{
	{"episode_chunks", "embedding_model", "TEXT NOT NULL DEFAULT ''"},
	{"episode_chunks", "chunk_index", "INTEGER NOT NULL DEFAULT 0"},
	{"novels", "active", "INTEGER NOT NULL DEFAULT 1"},
	{"plot_seeds", "detail", "TEXT NOT NULL DEFAULT ''"},
	{"episode_runs", "last_revision_instruction", "TEXT NOT NULL DEFAULT ''"},
}

// RunMigrations applies column migrations and records the schema version.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return errs.Database("store.migrate", err)
	}

	from := GetSchemaVersion(db)
	if from >= CurrentSchemaVersion {
		logging.StoreDebug("Schema at v%d, nothing to migrate", from)
		return nil
	}

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			logging.StoreDebug("Table missing, skipping migration: %s.%s", m.Table, m.Column)
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			return errs.Database("store.migrate", fmt.Errorf("%s.%s: %w", m.Table, m.Column, err))
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}

	if _, err := db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)", CurrentSchemaVersion, now()); err != nil {
		return errs.Database("store.migrate", err)
	}
	logging.Store("Schema migrated v%d -> v%d (columns added: %d)", from, CurrentSchemaVersion, applied)
	return nil
}

// GetSchemaVersion returns the recorded schema version, 0 when none.
func GetSchemaVersion(db *sql.DB) int {
	if !tableExists(db, "schema_version") {
		return 0
	}
	var version sql.NullInt64
	if err := db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		logging.StoreDebug("Schema version lookup failed: %v", err)
		return 0
	}
	return int(version.Int64)
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

func tableExists(db *sql.DB, table string) bool {
	var count int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if err := db.QueryRow(query, table).Scan(&count); err != nil {
		logging.StoreDebug("Table existence check failed for %s: %v", table, err)
		return false
	}
	return count > 0
}
