// Package store persists pipeline runs to SQLite so results of different runs
// can be queried and compared after the fact.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection with thread-safe access.
type DB struct {
	conn *sql.DB
	mu   sync.RWMutex
}

// Open creates or opens the database at path and migrates its schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// migrate creates the necessary tables if they don't exist.
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		images INTEGER DEFAULT 0,
		raw_count INTEGER DEFAULT 0,
		nms_count INTEGER DEFAULT 0,
		rules_fired INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS detections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		image_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		class_id INTEGER NOT NULL,
		class_name TEXT NOT NULL,
		confidence REAL NOT NULL,
		original_confidence REAL NOT NULL,
		applied_rules TEXT DEFAULT '',
		vertices TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS relations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		image_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		subject_id INTEGER NOT NULL,
		object_id INTEGER NOT NULL,
		subject_class TEXT NOT NULL,
		object_class TEXT NOT NULL,
		strength REAL NOT NULL,
		distance REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS category_edges (
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		subject TEXT NOT NULL,
		object TEXT NOT NULL,
		count INTEGER NOT NULL,
		avg_strength REAL NOT NULL,
		PRIMARY KEY (run_id, kind, subject, object),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS class_metrics (
		run_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		class TEXT NOT NULL,
		ap50 REAL NOT NULL,
		ap75 REAL NOT NULL,
		ap50_95 REAL NOT NULL,
		precision REAL NOT NULL,
		recall REAL NOT NULL,
		tp INTEGER NOT NULL,
		fp INTEGER NOT NULL,
		fn INTEGER NOT NULL,
		instances INTEGER NOT NULL,
		PRIMARY KEY (run_id, stage, class),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_detections_run_image ON detections(run_id, stage, image_id);
	CREATE INDEX IF NOT EXISTS idx_relations_run_image ON relations(run_id, image_id);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// RunSummary is one row of the runs table.
type RunSummary struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Images     int       `json:"images"`
	RawCount   int       `json:"raw_count"`
	NMSCount   int       `json:"nms_count"`
	RulesFired int       `json:"rules_fired"`
}

// Runs lists stored runs, newest first.
func (db *DB) Runs(ctx context.Context) ([]RunSummary, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, created_at, images, raw_count, nms_count, rules_fired
		FROM runs ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.Images, &r.RawCount, &r.NMSCount, &r.RulesFired); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and everything recorded for it.
func (db *DB) DeleteRun(ctx context.Context, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.conn.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}
