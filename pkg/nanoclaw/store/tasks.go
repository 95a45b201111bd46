package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Schedule types, mirroring spec.md §3.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Context modes.
const (
	ContextGroup    = "group"
	ContextIsolated = "isolated"
)

// Task statuses.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusError     = "error"
	StatusCompleted = "completed"
)

// Task mirrors spec.md §3's Scheduled Task.
type Task struct {
	ID            string
	Folder        string
	JID           string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string
	Status        string
	NextRun       *time.Time
	LastRun       *time.Time
	LastResult    string
	LastError     string
	RetryCount    int
	MaxRetries    int
	CreatedAt     time.Time
}

// TaskRun mirrors spec.md §3's Task Run Log entry.
type TaskRun struct {
	TaskID     string
	RunAt      time.Time
	DurationMs int64
	Status     string // "success" | "error"
	Result     string
	Error      string
}

// CreateTask inserts a new task.
func (s *Store) CreateTask(t Task) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, folder, jid, prompt, schedule_type, schedule_value, context_mode,
			status, next_run, last_run, last_result, last_error, retry_count, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Folder, t.JID, t.Prompt, t.ScheduleType, t.ScheduleValue, t.ContextMode,
		t.Status, timePtrToMs(t.NextRun), timePtrToMs(t.LastRun), t.LastResult, t.LastError,
		t.RetryCount, t.MaxRetries, t.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: creating task: %w", err)
	}
	return nil
}

// GetTask re-reads a single task by id, reflecting any concurrent
// pause/cancel made since a due-scan found it.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(taskSelectCols+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// DueTasks returns every active task whose next_run has arrived, ordered by
// next_run (discovery order, per spec.md §4.7's "Concurrency" note).
func (s *Store) DueTasks(now time.Time) ([]Task, error) {
	rows, err := s.db.Query(taskSelectCols+`
		FROM tasks WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC`, StatusActive, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store: querying due tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// TasksByFolder returns every task scoped to a folder, ordered by creation
// time — the read-only view snapshotted into an agent's IPC before a
// scheduled run.
func (s *Store) TasksByFolder(folder string) ([]Task, error) {
	rows, err := s.db.Query(taskSelectCols+`
		FROM tasks WHERE folder = ? ORDER BY created_at ASC`, folder)
	if err != nil {
		return nil, fmt.Errorf("store: querying tasks by folder: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CancelTask removes a task outright. Idempotent: cancelling a non-existent
// or already-cancelled id is a no-op (spec.md §8 "Idempotent cancel").
func (s *Store) CancelTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: cancelling task: %w", err)
	}
	return nil
}

// SetStatus transitions a task's status. Used for pause/resume and for the
// scheduler's auto-recovery policy (completed, paused, error).
func (s *Store) SetStatus(id, status string, nextRun *time.Time) error {
	_, err := s.db.Exec(`UPDATE tasks SET status = ?, next_run = ? WHERE id = ?`,
		status, timePtrToMs(nextRun), id)
	if err != nil {
		return fmt.Errorf("store: setting task status: %w", err)
	}
	return nil
}

// RecordSuccess resets retry bookkeeping and advances next_run after a
// successful run (spec.md §4.7 "On success").
func (s *Store) RecordSuccess(id string, lastRun time.Time, result string, nextRun *time.Time, status string) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET status = ?, last_run = ?, last_result = ?, last_error = '',
			retry_count = 0, next_run = ? WHERE id = ?`,
		status, lastRun.UnixMilli(), result, timePtrToMs(nextRun), id)
	if err != nil {
		return fmt.Errorf("store: recording task success: %w", err)
	}
	return nil
}

// RecordFailure stores the failure and updates retry bookkeeping; the
// caller (scheduler) decides status/nextRun/retryCount based on diagnosis.
func (s *Store) RecordFailure(id string, lastRun time.Time, errMsg string, retryCount int, status string, nextRun *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET status = ?, last_run = ?, last_error = ?, retry_count = ?, next_run = ?
		WHERE id = ?`,
		status, lastRun.UnixMilli(), errMsg, retryCount, timePtrToMs(nextRun), id)
	if err != nil {
		return fmt.Errorf("store: recording task failure: %w", err)
	}
	return nil
}

// AppendRun appends an entry to the append-only task run log. A run may
// never be appended once the owning task has reached status=completed —
// callers must check Task.Status before calling this (spec.md §8 invariant).
func (s *Store) AppendRun(r TaskRun) error {
	_, err := s.db.Exec(`
		INSERT INTO task_runs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.RunAt.UnixMilli(), r.DurationMs, r.Status, r.Result, r.Error)
	if err != nil {
		return fmt.Errorf("store: appending task run: %w", err)
	}
	return nil
}

// RecentRuns returns up to n most recent run-log entries for a task, newest
// first — used by the failure diagnoser.
func (s *Store) RecentRuns(taskID string, n int) ([]TaskRun, error) {
	rows, err := s.db.Query(`
		SELECT task_id, run_at, duration_ms, status, result, error
		FROM task_runs WHERE task_id = ? ORDER BY run_at DESC LIMIT ?`, taskID, n)
	if err != nil {
		return nil, fmt.Errorf("store: querying run log: %w", err)
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		var r TaskRun
		var runAtMs int64
		if err := rows.Scan(&r.TaskID, &runAtMs, &r.DurationMs, &r.Status, &r.Result, &r.Error); err != nil {
			return nil, fmt.Errorf("store: scanning run log: %w", err)
		}
		r.RunAt = time.UnixMilli(runAtMs)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountTasksByStatus returns how many tasks currently sit in each status,
// for `nanoclawd doctor`'s paused/errored task summary.
func (s *Store) CountTasksByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: counting tasks by status: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("store: scanning task status count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

const taskSelectCols = `SELECT id, folder, jid, prompt, schedule_type, schedule_value, context_mode,
	status, next_run, last_run, last_result, last_error, retry_count, max_retries, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row *sql.Row) (*Task, error) {
	t, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func scanTaskRow(row rowScanner) (*Task, error) {
	var t Task
	var nextRunMs, lastRunMs sql.NullInt64
	var createdAtMs int64
	err := row.Scan(&t.ID, &t.Folder, &t.JID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue, &t.ContextMode,
		&t.Status, &nextRunMs, &lastRunMs, &t.LastResult, &t.LastError, &t.RetryCount, &t.MaxRetries, &createdAtMs)
	if err != nil {
		return nil, err
	}
	if nextRunMs.Valid {
		tm := time.UnixMilli(nextRunMs.Int64)
		t.NextRun = &tm
	}
	if lastRunMs.Valid {
		tm := time.UnixMilli(lastRunMs.Int64)
		t.LastRun = &tm
	}
	t.CreatedAt = time.UnixMilli(createdAtMs)
	return &t, nil
}

func timePtrToMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
