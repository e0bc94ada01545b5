package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures the broker and operation log tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := requireLocalDisk(path, statFilesystem); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_queue (
  job_key            TEXT PRIMARY KEY,
  job_type           TEXT NOT NULL,
  variables          JSON NOT NULL DEFAULT '{}',
  custom_headers     JSON NOT NULL DEFAULT '{}',
  status             TEXT NOT NULL,
  retries            INTEGER NOT NULL DEFAULT 3,
  worker             TEXT,
  created_at         TEXT NOT NULL,
  activated_at       TEXT,
  deadline           TEXT,
  next_activation_at TEXT,
  completed_at       TEXT,
  error_code         TEXT,
  error_message      TEXT
);`,
		`CREATE TABLE IF NOT EXISTS job_log (
  id            TEXT PRIMARY KEY,
  job_key       TEXT NOT NULL,
  job_type      TEXT NOT NULL,
  outcome       TEXT NOT NULL,
  worker        TEXT,
  retries       INTEGER NOT NULL,
  variables     JSON,
  error_code    TEXT,
  error_message TEXT,
  logged_at     TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS operation_log (
  id         TEXT PRIMARY KEY,
  kind       TEXT NOT NULL,
  runner     TEXT,
  host       TEXT NOT NULL,
  message    TEXT NOT NULL,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS job_queue_type_status_idx ON job_queue(job_type, status, created_at);`,
		`CREATE INDEX IF NOT EXISTS job_log_job_key_idx ON job_log(job_key);`,
		`CREATE INDEX IF NOT EXISTS operation_log_created_at_idx ON operation_log(created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
