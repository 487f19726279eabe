package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLStore is an embedded checkpoint store backed by database/sql. It
// supports sqlite3 and postgres dialects; the DDL differs in the id column
// (AUTOINCREMENT vs SERIAL), the state column type (BLOB vs BYTEA), and the
// created_at column type and default.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore wraps db for checkpoint persistence. dialect must be one of
// "sqlite3" or "postgres".
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	switch dialect {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("checkpoint: unsupported dialect %q", dialect)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

func (s *SQLStore) createTableSQL() string {
	if s.dialect == "postgres" {
		return `
CREATE TABLE IF NOT EXISTS checkpoints (
	id SERIAL PRIMARY KEY,
	thread_id TEXT NOT NULL,
	step INTEGER NOT NULL,
	state BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(thread_id, step)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_step ON checkpoints(thread_id, step);
`
	}
	return `
CREATE TABLE IF NOT EXISTS checkpoints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id TEXT NOT NULL,
	step INTEGER NOT NULL,
	state BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(thread_id, step)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_step ON checkpoints(thread_id, step);
`
}

// Initialize creates the checkpoints table if it does not already exist.
func (s *SQLStore) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.createTableSQL()); err != nil {
		return fmt.Errorf("checkpoint: create table: %w", err)
	}
	return nil
}

func (s *SQLStore) upsertSQL() string {
	if s.dialect == "postgres" {
		return `INSERT INTO checkpoints (thread_id, step, state, created_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (thread_id, step) DO UPDATE SET state = EXCLUDED.state, created_at = EXCLUDED.created_at`
	}
	return `INSERT INTO checkpoints (thread_id, step, state, created_at) VALUES (?, ?, ?, ?)
ON CONFLICT (thread_id, step) DO UPDATE SET state = excluded.state, created_at = excluded.created_at`
}

// Save persists cp, overwriting any existing checkpoint at the same
// (thread_id, step).
func (s *SQLStore) Save(ctx context.Context, cp Checkpoint) error {
	if _, err := s.db.ExecContext(ctx, s.upsertSQL(), cp.ThreadID, cp.Step, cp.State, cp.Timestamp); err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

func (s *SQLStore) placeholder(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Load returns the highest-step checkpoint recorded for threadID.
func (s *SQLStore) Load(ctx context.Context, threadID string) (Checkpoint, error) {
	query := fmt.Sprintf(`SELECT thread_id, step, state, created_at FROM checkpoints
WHERE thread_id = %s ORDER BY step DESC LIMIT 1`, s.placeholder(1))
	row := s.db.QueryRowContext(ctx, query, threadID)
	return scanCheckpoint(row)
}

// LoadAtStep returns the checkpoint for threadID at the exact step given.
func (s *SQLStore) LoadAtStep(ctx context.Context, threadID string, step int) (Checkpoint, error) {
	query := fmt.Sprintf(`SELECT thread_id, step, state, created_at FROM checkpoints
WHERE thread_id = %s AND step = %s`, s.placeholder(1), s.placeholder(2))
	row := s.db.QueryRowContext(ctx, query, threadID, step)
	return scanCheckpoint(row)
}

func scanCheckpoint(row *sql.Row) (Checkpoint, error) {
	var cp Checkpoint
	if err := row.Scan(&cp.ThreadID, &cp.Step, &cp.State, &cp.Timestamp); err != nil {
		if err == sql.ErrNoRows {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("checkpoint: load: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns every checkpoint for threadID ordered by step.
func (s *SQLStore) ListCheckpoints(ctx context.Context, threadID string) ([]Checkpoint, error) {
	query := fmt.Sprintf(`SELECT thread_id, step, state, created_at FROM checkpoints
WHERE thread_id = %s ORDER BY step ASC`, s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.ThreadID, &cp.Step, &cp.State, &cp.Timestamp); err != nil {
			return nil, fmt.Errorf("checkpoint: list: scan: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DeleteThread removes every checkpoint recorded for threadID.
func (s *SQLStore) DeleteThread(ctx context.Context, threadID string) error {
	query := fmt.Sprintf(`DELETE FROM checkpoints WHERE thread_id = %s`, s.placeholder(1))
	if _, err := s.db.ExecContext(ctx, query, threadID); err != nil {
		return fmt.Errorf("checkpoint: delete thread: %w", err)
	}
	return nil
}

var _ Store = (*SQLStore)(nil)
