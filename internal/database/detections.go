package database

import (
	"context"
	"fmt"
	"time"

	"slotwatch/internal/models"

	"github.com/google/uuid"
)

func (db *DB) CreateDetection(ctx context.Context, d *models.Detection) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.DetectedAt.IsZero() {
		d.DetectedAt = utcNow()
	}
	query := `INSERT INTO detections (id, target_id, slot_date, slot_time, slot_count, matched_clients, detected_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query, d.ID, d.TargetID, d.Slot.Date, d.Slot.Time, d.Slot.Available(),
		d.MatchedClients, d.DetectedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create detection: %w", err)
	}
	return nil
}

// UpdateDetectionMatches stores how many clients a detection was dispatched to.
func (db *DB) UpdateDetectionMatches(ctx context.Context, id string, matched int) error {
	res, err := db.ExecContext(ctx, `UPDATE detections SET matched_clients = ? WHERE id = ?`, matched, id)
	if err != nil {
		return fmt.Errorf("failed to update detection: %w", err)
	}
	return expectRow(res)
}

// ListDetections returns detections newer than since, newest first.
func (db *DB) ListDetections(ctx context.Context, since time.Time, limit int) ([]models.Detection, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT id, target_id, slot_date, slot_time, slot_count, matched_clients, detected_at
              FROM detections WHERE detected_at >= ? ORDER BY detected_at DESC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	defer rows.Close()

	var out []models.Detection
	for rows.Next() {
		var d models.Detection
		if err := rows.Scan(&d.ID, &d.TargetID, &d.Slot.Date, &d.Slot.Time, &d.Slot.Count,
			&d.MatchedClients, &d.DetectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		d.Slot.TargetID = d.TargetID
		d.DetectedAt = d.DetectedAt.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}
