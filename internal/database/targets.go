package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"slotwatch/internal/models"
)

// TargetHealth is the persisted, mutable part of a target.
type TargetHealth struct {
	ID                string
	Status            models.TargetStatus
	ConsecutiveErrors int
	LastCheckedAt     *time.Time
	LastSlotFoundAt   *time.Time
	PausedAt          *time.Time
}

// SyncTargets inserts catalog targets and refreshes their static columns.
// Health columns of existing rows are preserved.
func (db *DB) SyncTargets(ctx context.Context, targets []models.Target) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `INSERT INTO targets (id, name, kind, tier, status, consecutive_errors, updated_at)
              VALUES (?, ?, ?, ?, 'active', 0, ?)
              ON CONFLICT(id) DO UPDATE SET
                  name = excluded.name,
                  kind = excluded.kind,
                  tier = excluded.tier,
                  updated_at = excluded.updated_at`
	now := utcNow()
	for i := range targets {
		t := &targets[i]
		if _, err := tx.ExecContext(ctx, query, t.ID, t.Name, string(t.Kind()), t.Tier, now); err != nil {
			return fmt.Errorf("failed to sync target %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

const targetHealthColumns = `id, status, consecutive_errors, last_checked_at, last_slot_found_at, paused_at`

func scanTargetHealth(scan func(dest ...interface{}) error) (TargetHealth, error) {
	var h TargetHealth
	var status string
	var lastChecked, lastSlot, paused sql.NullTime
	if err := scan(&h.ID, &status, &h.ConsecutiveErrors, &lastChecked, &lastSlot, &paused); err != nil {
		return h, err
	}
	h.Status = models.TargetStatus(status)
	h.LastCheckedAt = nullTime(lastChecked)
	h.LastSlotFoundAt = nullTime(lastSlot)
	h.PausedAt = nullTime(paused)
	return h, nil
}

func (db *DB) GetTargetHealth(ctx context.Context, id string) (TargetHealth, error) {
	row := db.QueryRowContext(ctx, `SELECT `+targetHealthColumns+` FROM targets WHERE id = ?`, id)
	h, err := scanTargetHealth(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return h, ErrNotFound
	}
	if err != nil {
		return h, fmt.Errorf("failed to get target health: %w", err)
	}
	return h, nil
}

func (db *DB) ListTargetHealth(ctx context.Context) ([]TargetHealth, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+targetHealthColumns+` FROM targets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list target health: %w", err)
	}
	defer rows.Close()

	var out []TargetHealth
	for rows.Next() {
		h, err := scanTargetHealth(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target health: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// RecordCheckSuccess resets the error counter. The status is left untouched:
// a paused target is only re-armed by an explicit resume.
func (db *DB) RecordCheckSuccess(ctx context.Context, id string, at time.Time, slotsFound bool) error {
	query := `UPDATE targets SET
                  consecutive_errors = 0,
                  last_checked_at = ?,
                  last_slot_found_at = CASE WHEN ? THEN ? ELSE last_slot_found_at END,
                  updated_at = ?
              WHERE id = ?`
	at = at.UTC()
	res, err := db.ExecContext(ctx, query, at, slotsFound, at, at, id)
	if err != nil {
		return fmt.Errorf("failed to record check success: %w", err)
	}
	return expectRow(res)
}

// RecordCheckError increments the error counter and pauses an active target
// once the counter reaches threshold. The update and the read of the new
// state share one transaction.
func (db *DB) RecordCheckError(ctx context.Context, id string, at time.Time, threshold int) (TargetHealth, error) {
	var h TargetHealth
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return h, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `UPDATE targets SET
                  consecutive_errors = consecutive_errors + 1,
                  last_checked_at = ?,
                  status = CASE WHEN status = 'active' AND consecutive_errors + 1 >= ? THEN 'paused_error' ELSE status END,
                  paused_at = CASE WHEN status = 'active' AND consecutive_errors + 1 >= ? THEN ? ELSE paused_at END,
                  updated_at = ?
              WHERE id = ?`
	at = at.UTC()
	res, err := tx.ExecContext(ctx, query, at, threshold, threshold, at, at, id)
	if err != nil {
		return h, fmt.Errorf("failed to record check error: %w", err)
	}
	if err := expectRow(res); err != nil {
		return h, err
	}

	row := tx.QueryRowContext(ctx, `SELECT `+targetHealthColumns+` FROM targets WHERE id = ?`, id)
	if h, err = scanTargetHealth(row.Scan); err != nil {
		return h, fmt.Errorf("failed to read target health: %w", err)
	}
	return h, tx.Commit()
}

// MarkCaptchaBlocked moves the target to captcha_blocked regardless of its
// error count. changed is false when it was already blocked.
func (db *DB) MarkCaptchaBlocked(ctx context.Context, id string, at time.Time) (changed bool, err error) {
	query := `UPDATE targets SET
                  status = 'captcha_blocked',
                  last_checked_at = ?,
                  paused_at = ?,
                  updated_at = ?
              WHERE id = ? AND status != 'captcha_blocked'`
	at = at.UTC()
	res, err := db.ExecContext(ctx, query, at, at, at, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark captcha blocked: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := db.GetTargetHealth(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ResumeTarget forces the target back to active with a clean counter.
func (db *DB) ResumeTarget(ctx context.Context, id string) error {
	query := `UPDATE targets SET status = 'active', consecutive_errors = 0, paused_at = NULL, updated_at = ? WHERE id = ?`
	res, err := db.ExecContext(ctx, query, utcNow(), id)
	if err != nil {
		return fmt.Errorf("failed to resume target: %w", err)
	}
	return expectRow(res)
}

// ResumeExpired re-arms every paused target paused at or before cutoff and
// returns their ids.
func (db *DB) ResumeExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `UPDATE targets SET status = 'active', consecutive_errors = 0, paused_at = NULL, updated_at = ?
              WHERE status IN ('paused_error', 'captcha_blocked') AND paused_at IS NOT NULL AND paused_at <= ?
              RETURNING id`
	rows, err := db.QueryContext(ctx, query, utcNow(), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to resume expired targets: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
