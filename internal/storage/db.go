package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite doesn't handle concurrent writes well
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationCalibrationRuns,
		migrationProbes,
		migrationSuiteResults,
		migrationIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationCalibrationRuns = `
CREATE TABLE IF NOT EXISTS calibration_runs (
	id TEXT PRIMARY KEY,
	mode TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL,
	output_tokens TEXT NOT NULL DEFAULT '[]',

	-- Search configuration
	initial_users INTEGER NOT NULL DEFAULT 0,
	increment INTEGER NOT NULL DEFAULT 0,
	max_users INTEGER NOT NULL DEFAULT 0,
	ttft_threshold_ms REAL NOT NULL DEFAULT 0,
	latency_threshold_ms REAL NOT NULL DEFAULT 0,

	-- Outcome
	status TEXT NOT NULL DEFAULT 'running',
	optimal_users INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',

	started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	finished_at DATETIME
);
`

const migrationProbes = `
CREATE TABLE IF NOT EXISTS probes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	users INTEGER NOT NULL,
	requests_per_user INTEGER NOT NULL,
	ttft_ms REAL NOT NULL DEFAULT 0,
	token_latency_ms REAL NOT NULL DEFAULT 0,
	latency_ms REAL NOT NULL DEFAULT 0,
	throughput REAL NOT NULL DEFAULT 0,
	total_throughput REAL NOT NULL DEFAULT 0,
	satisfied INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

	FOREIGN KEY (run_id) REFERENCES calibration_runs(id)
);
`

const migrationSuiteResults = `
CREATE TABLE IF NOT EXISTS suite_results (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	users INTEGER NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	throughput REAL,
	latency_ms REAL,
	ttft_ms REAL,
	token_latency_ms REAL,
	rows_averaged INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

	FOREIGN KEY (run_id) REFERENCES calibration_runs(id)
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_runs_started ON calibration_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_probes_run ON probes(run_id, id);
CREATE INDEX IF NOT EXISTS idx_suite_results_run ON suite_results(run_id);
`
