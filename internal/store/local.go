// Package store is the relational and vector store for novels, episodes,
// narrative state and the retrieval index, backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"novelloop/internal/errs"
	"novelloop/internal/logging"
)

// LocalStore implements persistence on a single SQLite database.
// Every write is a single statement or a short transaction; no transaction
// spans pipeline stages.
type LocalStore struct {
	db *sql.DB
}

// NewLocalStore opens (creating if needed) the database at path. ":memory:"
// opens a private in-memory database.
func NewLocalStore(path string, busyTimeout time.Duration) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errs.Database("store.open", fmt.Errorf("failed to create directory: %w", err))
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, errs.Database("store.open", err)
	}
	// A single connection keeps ":memory:" coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if busyTimeout > 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds())); err != nil {
			db.Close()
			return nil, errs.Database("store.open", err)
		}
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errs.Database("store.open", err)
	}

	s := &LocalStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Opened store at %s (driver=%s)", path, driverName)
	return s, nil
}

// initialize creates the required tables.
func (s *LocalStore) initialize() error {
	novelTables := `
	CREATE TABLE IF NOT EXISTS novels (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		story_bible TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS episodes (
		id TEXT PRIMARY KEY,
		novel_id TEXT NOT NULL REFERENCES novels(id),
		episode_no INTEGER NOT NULL,
		story_time TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(novel_id, episode_no)
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_novel ON episodes(novel_id, episode_no);
	`

	narrativeTables := `
	CREATE TABLE IF NOT EXISTS characters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		novel_id TEXT NOT NULL REFERENCES novels(id),
		name TEXT NOT NULL,
		attributes TEXT NOT NULL DEFAULT '{}',
		updated_at TEXT NOT NULL,
		UNIQUE(novel_id, name)
	);

	CREATE TABLE IF NOT EXISTS locations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		novel_id TEXT NOT NULL REFERENCES novels(id),
		name TEXT NOT NULL,
		attributes TEXT NOT NULL DEFAULT '{}',
		updated_at TEXT NOT NULL,
		UNIQUE(novel_id, name)
	);

	CREATE TABLE IF NOT EXISTS plot_seeds (
		id TEXT PRIMARY KEY,
		novel_id TEXT NOT NULL REFERENCES novels(id),
		title TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		introduced_in_episode_id TEXT REFERENCES episodes(id),
		resolved_in_episode_id TEXT REFERENCES episodes(id),
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_plot_seeds_novel ON plot_seeds(novel_id, status);

	CREATE TABLE IF NOT EXISTS plot_seed_characters (
		plot_seed_id TEXT NOT NULL REFERENCES plot_seeds(id),
		character_name TEXT NOT NULL,
		PRIMARY KEY (plot_seed_id, character_name)
	);

	CREATE TABLE IF NOT EXISTS plot_seed_locations (
		plot_seed_id TEXT NOT NULL REFERENCES plot_seeds(id),
		location_name TEXT NOT NULL,
		PRIMARY KEY (plot_seed_id, location_name)
	);
	`

	indexTables := `
	CREATE TABLE IF NOT EXISTS episode_chunks (
		id TEXT PRIMARY KEY,
		novel_id TEXT NOT NULL,
		episode_id TEXT NOT NULL,
		episode_no INTEGER NOT NULL,
		chunk_kind TEXT NOT NULL,
		chunk_index INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL,
		embedding BLOB NOT NULL,
		embedding_model TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_lookup ON episode_chunks(novel_id, chunk_kind, embedding_model, episode_no);
	`

	auditTables := `
	CREATE TABLE IF NOT EXISTS episode_runs (
		id TEXT PRIMARY KEY,
		novel_id TEXT NOT NULL,
		episode_no INTEGER NOT NULL,
		state TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_review_issues TEXT NOT NULL DEFAULT '[]',
		last_revision_instruction TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		UNIQUE(novel_id, episode_no)
	);

	CREATE TABLE IF NOT EXISTS episode_reviews (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		novel_id TEXT NOT NULL,
		episode_no INTEGER NOT NULL,
		attempt INTEGER NOT NULL,
		reviewer TEXT NOT NULL,
		passed INTEGER NOT NULL,
		issues TEXT NOT NULL DEFAULT '[]',
		revision_instruction TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reviews_run ON episode_reviews(run_id);
	`

	for _, ddl := range []string{novelTables, narrativeTables, indexTables, auditTables} {
		if _, err := s.db.Exec(ddl); err != nil {
			return errs.Database("store.initialize", fmt.Errorf("failed to create table: %w", err))
		}
	}
	return nil
}

// Close closes the database connection.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func withTx(ctx context.Context, db *sql.DB, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Database(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Database(op, err)
	}
	return nil
}
