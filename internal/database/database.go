package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DB is the sqlite-backed store for targets health, waiting clients,
// detections and queued tasks.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_busy_timeout=5000&_foreign_keys=on"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer keeps conditional updates serialized and avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	logger.Info().Str("path", path).Msg("database initialized")
	return &DB{DB: sqlDB, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS targets (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            kind TEXT NOT NULL,
            tier INTEGER NOT NULL,
            status TEXT NOT NULL DEFAULT 'active',
            consecutive_errors INTEGER NOT NULL DEFAULT 0,
            last_checked_at DATETIME,
            last_slot_found_at DATETIME,
            paused_at DATETIME,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS clients (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id INTEGER NOT NULL,
            name TEXT NOT NULL,
            plan_tier TEXT NOT NULL DEFAULT 'free',
            target_id TEXT NOT NULL,
            procedure TEXT NOT NULL DEFAULT '',
            auto_book INTEGER NOT NULL DEFAULT 0,
            booking_status TEXT NOT NULL DEFAULT 'waiting',
            failure_reason TEXT NOT NULL DEFAULT '',
            confirmation_ref TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            version INTEGER NOT NULL DEFAULT 1
        )`,
		`CREATE TABLE IF NOT EXISTS detections (
            id TEXT PRIMARY KEY,
            target_id TEXT NOT NULL,
            slot_date TEXT NOT NULL,
            slot_time TEXT NOT NULL DEFAULT '',
            slot_count INTEGER NOT NULL DEFAULT 1,
            matched_clients INTEGER NOT NULL DEFAULT 0,
            detected_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS tasks (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            task_key TEXT NOT NULL DEFAULT '',
            payload TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            attempt INTEGER NOT NULL DEFAULT 0,
            max_attempts INTEGER NOT NULL DEFAULT 3,
            last_error TEXT,
            created_at DATETIME NOT NULL,
            processed_at DATETIME,
            next_retry_at DATETIME
        )`,

		`CREATE INDEX IF NOT EXISTS idx_targets_status ON targets(status)`,
		`CREATE INDEX IF NOT EXISTS idx_clients_waiting ON clients(target_id, booking_status, auto_book)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_target ON detections(target_id, detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_pending ON tasks(kind, status, next_retry_at)`,
		// at most one unfinished task per (kind, key)
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_single_flight ON tasks(kind, task_key)
            WHERE task_key != '' AND status IN ('pending', 'running', 'retry')`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// Ping checks the connection; used by the admin health endpoint.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func utcNow() time.Time {
	return time.Now().UTC()
}
