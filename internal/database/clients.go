package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"slotwatch/internal/models"
)

const clientColumns = `id, user_id, name, plan_tier, target_id, procedure, auto_book, booking_status,
                       failure_reason, confirmation_ref, created_at, updated_at, version`

func scanClient(scan func(dest ...interface{}) error) (*models.Client, error) {
	var c models.Client
	var plan, status string
	if err := scan(&c.ID, &c.UserID, &c.Name, &plan, &c.TargetID, &c.Procedure, &c.AutoBook, &status,
		&c.FailureReason, &c.ConfirmationRef, &c.CreatedAt, &c.UpdatedAt, &c.Version); err != nil {
		return nil, err
	}
	c.PlanTier = models.PlanTier(plan)
	c.BookingStatus = models.BookingStatus(status)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// CreateClient registers a waiting client. Registration itself happens
// outside the core; this is used by imports and tests.
func (db *DB) CreateClient(ctx context.Context, c *models.Client) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = utcNow()
	}
	if c.BookingStatus == "" {
		c.BookingStatus = models.BookingWaiting
	}
	if c.PlanTier == "" {
		c.PlanTier = models.PlanFree
	}
	c.UpdatedAt = c.CreatedAt
	c.Version = 1

	query := `INSERT INTO clients (user_id, name, plan_tier, target_id, procedure, auto_book, booking_status,
                                   failure_reason, confirmation_ref, created_at, updated_at, version)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := db.ExecContext(ctx, query,
		c.UserID, c.Name, string(c.PlanTier), c.TargetID, c.Procedure, c.AutoBook, string(c.BookingStatus),
		c.FailureReason, c.ConfirmationRef, c.CreatedAt.UTC(), c.UpdatedAt.UTC(), c.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	c.ID = id
	return nil
}

func (db *DB) GetClient(ctx context.Context, id int64) (*models.Client, error) {
	row := db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
	c, err := scanClient(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return c, nil
}

// ListWaitingClients returns auto-book clients waiting on the target, oldest
// first. An empty procedure matches every client of the target.
func (db *DB) ListWaitingClients(ctx context.Context, targetID, procedure string) ([]*models.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients
              WHERE target_id = ? AND booking_status = 'waiting' AND auto_book = 1
                AND (? = '' OR procedure = ?)
              ORDER BY created_at ASC, id ASC`
	rows, err := db.QueryContext(ctx, query, targetID, procedure, procedure)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting clients: %w", err)
	}
	defer rows.Close()

	var out []*models.Client
	for rows.Next() {
		c, err := scanClient(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TransitionClient moves a client from one booking status to another only if
// it is still in the expected status. It returns ErrStatusConflict when
// another worker changed the status first.
func (db *DB) TransitionClient(ctx context.Context, id int64, from, to models.BookingStatus, reason, ref string) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}

	query := `UPDATE clients SET
                  booking_status = ?,
                  failure_reason = ?,
                  confirmation_ref = CASE WHEN ? != '' THEN ? ELSE confirmation_ref END,
                  version = version + 1,
                  updated_at = ?
              WHERE id = ? AND booking_status = ?`
	res, err := db.ExecContext(ctx, query, string(to), reason, ref, ref, utcNow(), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := db.GetClient(ctx, id); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}
