// Package oplog persists the runtime's lifecycle operations so an operator
// can see who started or stopped what, and when.
package oplog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an operation.
type Kind string

const (
	KindStartRunner  Kind = "STARTRUNNER"
	KindStopRunner   Kind = "STOPRUNNER"
	KindSetThreads   Kind = "SETTHREADS"
	KindStartRuntime Kind = "STARTRUNTIME"
	KindStopRuntime  Kind = "STOPRUNTIME"
	KindError        Kind = "ERROR"
)

const (
	DefaultListLimit = 100
	maxListLimit     = 1000
	timeLayout       = "2006-01-02T15:04:05.000000000Z07:00"
)

// Event is one recorded operation. Record fills ID, Host and CreatedAt when
// they are empty.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Runner    string    `json:"runner,omitempty"`
	Host      string    `json:"host"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

type Store struct {
	db   *sql.DB
	host string
	now  func() time.Time
}

func NewStore(db *sql.DB) *Store {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return &Store{db: db, host: host, now: time.Now}
}

// Record appends ev to the operation log.
func (s *Store) Record(ctx context.Context, ev Event) error {
	if ev.Kind == "" {
		return fmt.Errorf("operation kind is empty")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Host == "" {
		ev.Host = s.host
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO operation_log(id, kind, runner, host, message, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, ev.ID, string(ev.Kind), nullIfEmpty(ev.Runner), ev.Host, ev.Message, ev.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// List returns the newest operations first. limit <= 0 uses DefaultListLimit.
func (s *Store) List(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, kind, COALESCE(runner, ''), host, message, created_at
FROM operation_log
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			kind    string
			created string
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.Runner, &ev.Host, &ev.Message, &created); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ev.Kind = Kind(kind)
		ev.CreatedAt, err = time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return out, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
