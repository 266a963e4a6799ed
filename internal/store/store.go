// Package store persists task records in a local sqlite database so the
// control surface survives restarts.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"kbharvest/internal/model"
)

// ErrNotFound is returned when a task id has no record.
var ErrNotFound = errors.New("task not found")

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	mode          TEXT NOT NULL,
	status        TEXT NOT NULL,
	query         TEXT NOT NULL,
	output_dir    TEXT NOT NULL,
	callback_url  TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	start_time    INTEGER,
	end_time      INTEGER,
	total_items   INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	extra_data    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// Store wraps the sqlite handle. A single connection avoids writer lock
// contention; sqlite serializes writes anyway.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// RecoverInterrupted marks tasks left running by a previous process as
// failed. Called once at startup before any worker is dispatched.
func (s *Store) RecoverInterrupted() (int, error) {
	now := time.Now().Unix()
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, error_message = ?, end_time = ?, updated_at = ? WHERE status = ?`,
		model.StatusFailed, "interrupted by restart", now, now, model.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Warn().Int64("count", n).Msg("marked interrupted tasks as failed")
	}
	return int(n), nil
}

// CreateTask inserts a new record.
func (s *Store) CreateTask(t *model.Task) error {
	extra, err := marshalExtra(t.Extra)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO tasks (id, mode, status, query, output_dir, callback_url,
			created_at, updated_at, start_time, end_time, total_items, success_count, error_message, extra_data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Mode, t.Status, t.Query, t.OutputDir, t.CallbackURL,
		t.CreatedAt.Unix(), t.UpdatedAt.Unix(), unixPtr(t.StartTime), unixPtr(t.EndTime),
		t.TotalItems, t.SuccessCount, t.ErrorMessage, extra)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask loads one record by id.
func (s *Store) GetTask(id string) (*model.Task, error) {
	row := s.db.QueryRow(`SELECT `+columns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns a page of tasks ordered by creation time descending,
// plus the total count matching the status filter.
func (s *Store) ListTasks(skip, limit int, status model.Status) ([]*model.Task, int, error) {
	if limit < 1 {
		limit = 50
	}
	if skip < 0 {
		skip = 0
	}

	where := ""
	args := []any{}
	if status != "" {
		where = " WHERE status = ?"
		args = append(args, status)
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT `+columns+` FROM tasks`+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, skip)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}

// DeleteTask removes the record.
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRunning flips a pending task to running and stamps its start time in
// one statement, so concurrent readers never observe a half-updated row.
func (s *Store) MarkRunning(id string) error {
	now := time.Now().Unix()
	return s.transition(id,
		`UPDATE tasks SET status = ?, start_time = ?, updated_at = ? WHERE id = ? AND status = ?`,
		model.StatusRunning, now, now, id, model.StatusPending)
}

// Complete marks a running task completed with its final statistics.
func (s *Store) Complete(id string, totalItems, successCount int) error {
	now := time.Now().Unix()
	return s.transition(id,
		`UPDATE tasks SET status = ?, total_items = ?, success_count = ?, end_time = ?, updated_at = ? WHERE id = ? AND status = ?`,
		model.StatusCompleted, totalItems, successCount, now, now, id, model.StatusRunning)
}

// Fail marks a task failed with a human-readable message.
func (s *Store) Fail(id, message string, totalItems, successCount int) error {
	now := time.Now().Unix()
	return s.transition(id,
		`UPDATE tasks SET status = ?, error_message = ?, total_items = ?, success_count = ?, end_time = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		model.StatusFailed, message, totalItems, successCount, now, now, id, model.StatusPending, model.StatusRunning)
}

func (s *Store) transition(id, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const columns = `id, mode, status, query, output_dir, callback_url,
	created_at, updated_at, start_time, end_time, total_items, success_count, error_message, extra_data`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t                model.Task
		created, updated int64
		start, end       sql.NullInt64
		extra            string
	)
	err := row.Scan(&t.ID, &t.Mode, &t.Status, &t.Query, &t.OutputDir, &t.CallbackURL,
		&created, &updated, &start, &end, &t.TotalItems, &t.SuccessCount, &t.ErrorMessage, &extra)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(created, 0).UTC()
	t.UpdatedAt = time.Unix(updated, 0).UTC()
	if start.Valid {
		ts := time.Unix(start.Int64, 0).UTC()
		t.StartTime = &ts
	}
	if end.Valid {
		ts := time.Unix(end.Int64, 0).UTC()
		t.EndTime = &ts
	}
	if extra != "" && extra != "{}" {
		if err := json.Unmarshal([]byte(extra), &t.Extra); err != nil {
			return nil, fmt.Errorf("decode extra data: %w", err)
		}
	}
	return &t, nil
}

func marshalExtra(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode extra data: %w", err)
	}
	return string(b), nil
}

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
