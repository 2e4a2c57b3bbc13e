package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"slotwatch/internal/models"

	"github.com/google/uuid"
)

const taskColumns = `id, kind, task_key, payload, status, attempt, max_attempts, last_error, created_at, processed_at, next_retry_at`

func scanTask(scan func(dest ...interface{}) error) (*models.Task, error) {
	var t models.Task
	var kind string
	var lastErr sql.NullString
	var processed, nextRetry sql.NullTime
	if err := scan(&t.ID, &kind, &t.Key, &t.Payload, &t.Status, &t.Attempt, &t.MaxAttempts,
		&lastErr, &t.CreatedAt, &processed, &nextRetry); err != nil {
		return nil, err
	}
	t.Kind = models.TaskKind(kind)
	if lastErr.Valid {
		t.LastError = &lastErr.String
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.ProcessedAt = nullTime(processed)
	t.NextRetryAt = nullTime(nextRetry)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	defer rows.Close()
	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CreateTask persists a pending task. A non-empty key that already has an
// unfinished task of the same kind yields ErrDuplicateTask.
func (db *DB) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = models.DefaultMaxAttempts
	}
	task.CreatedAt = utcNow()

	query := `INSERT INTO tasks (id, kind, task_key, payload, status, attempt, max_attempts, last_error, created_at, next_retry_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		task.ID, string(task.Kind), task.Key, task.Payload, task.Status, task.Attempt, task.MaxAttempts,
		task.LastError, task.CreatedAt, utcPtr(task.NextRetryAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTask
		}
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ClaimTask moves a due pending/retry task to running and bumps its attempt
// counter. ErrStatusConflict means someone else claimed it or it is not due.
func (db *DB) ClaimTask(ctx context.Context, id string) (*models.Task, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `UPDATE tasks SET status = 'running', attempt = attempt + 1, next_retry_at = NULL
              WHERE id = ? AND status IN ('pending', 'retry') AND (next_retry_at IS NULL OR next_retry_at <= ?)`
	res, err := tx.ExecContext(ctx, query, id, utcNow())
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrStatusConflict
	}

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id).Scan)
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return t, nil
}

func (db *DB) UpdateTaskStatus(ctx context.Context, id, status, errMsg string, nextRetryAt *time.Time) error {
	var query string
	var args []interface{}
	var lastErr interface{}
	if errMsg != "" {
		lastErr = errMsg
	}

	switch status {
	case models.TaskStatusRetry:
		query = `UPDATE tasks SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []interface{}{status, lastErr, utcPtr(nextRetryAt), id}
	case models.TaskStatusCompleted, models.TaskStatusFailed:
		query = `UPDATE tasks SET status = ?, last_error = ?, next_retry_at = NULL, processed_at = ? WHERE id = ?`
		args = []interface{}{status, lastErr, utcNow(), id}
	default:
		query = `UPDATE tasks SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []interface{}{status, lastErr, utcPtr(nextRetryAt), id}
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return expectRow(res)
}

// GetPendingTasks returns due tasks of one kind, oldest first.
func (db *DB) GetPendingTasks(ctx context.Context, kind models.TaskKind, limit int) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
              WHERE kind = ? AND status IN ('pending', 'retry') AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, string(kind), utcNow(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending tasks: %w", err)
	}
	return scanTasks(rows)
}

// HasOutstanding reports whether an unfinished task exists for the key.
func (db *DB) HasOutstanding(ctx context.Context, kind models.TaskKind, key string) (bool, error) {
	var n int
	query := `SELECT COUNT(1) FROM tasks WHERE kind = ? AND task_key = ? AND status IN ('pending', 'running', 'retry')`
	if err := db.QueryRowContext(ctx, query, string(kind), key).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check outstanding tasks: %w", err)
	}
	return n > 0, nil
}

// CountOpenTasks returns the number of unfinished tasks of a kind.
func (db *DB) CountOpenTasks(ctx context.Context, kind models.TaskKind) (int, error) {
	var n int
	query := `SELECT COUNT(1) FROM tasks WHERE kind = ? AND status IN ('pending', 'running', 'retry')`
	if err := db.QueryRowContext(ctx, query, string(kind)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

// ResetRunningTasks returns tasks left running by a previous process to the
// retry state so they are picked up again.
func (db *DB) ResetRunningTasks(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE tasks SET status = 'retry', next_retry_at = NULL, last_error = 'interrupted' WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset running tasks: %w", err)
	}
	return res.RowsAffected()
}

func (db *DB) GetFailedTasks(ctx context.Context, kind models.TaskKind, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE kind = ? AND status = 'failed'
              ORDER BY processed_at DESC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed tasks: %w", err)
	}
	return scanTasks(rows)
}

// PurgeFinishedTasks deletes completed and failed tasks processed before cutoff.
func (db *DB) PurgeFinishedTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status IN ('completed', 'failed') AND processed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge tasks: %w", err)
	}
	return res.RowsAffected()
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
