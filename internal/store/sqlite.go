package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/dasher-automate/internal/domain"
	_ "modernc.org/sqlite"
)

// MemoryPath selects a process-local database.
const MemoryPath = ":memory:"

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository. dbPath may be MemoryPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	memory := dbPath == MemoryPath
	if !memory {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		// WAL mode for concurrent readers alongside the relay writers.
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if memory {
		// Every connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS session_status (
		session_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_status_seen ON session_status(last_seen_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetStatus retrieves the status record for a session.
func (s *SQLiteStore) GetStatus(ctx context.Context, sessionID string) (*domain.StatusRecord, error) {
	query := `SELECT session_id, status, last_seen_at FROM session_status WHERE session_id = ?`

	var rec domain.StatusRecord
	var lastSeen int64
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&rec.SessionID, &rec.Status, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan status row: %w", err)
	}
	rec.LastSeenAt = time.UnixMilli(lastSeen)
	return &rec, nil
}

// UpsertStatus replaces the whole record in one statement.
func (s *SQLiteStore) UpsertStatus(ctx context.Context, record domain.StatusRecord) error {
	query := `
	INSERT INTO session_status (session_id, status, last_seen_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		status = excluded.status,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	seen := record.LastSeenAt
	if seen.IsZero() {
		seen = time.Now()
	}

	return withRetry(ctx, "upsert status", func() error {
		_, err := s.db.ExecContext(ctx, query, record.SessionID, record.Status, seen.UnixMilli(), time.Now().UnixMilli())
		return err
	})
}

// TouchStatus updates last_seen_at for an existing record.
func (s *SQLiteStore) TouchStatus(ctx context.Context, sessionID string, seenAt time.Time) error {
	query := `UPDATE session_status SET last_seen_at = ?, updated_at = ? WHERE session_id = ?`

	return withRetry(ctx, "touch status", func() error {
		result, err := s.db.ExecContext(ctx, query, seenAt.UnixMilli(), time.Now().UnixMilli(), sessionID)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Debug("TouchStatus affected 0 rows", "session_id", sessionID)
		}
		return nil
	})
}

// DeleteStatus removes a record. Missing records are not an error.
func (s *SQLiteStore) DeleteStatus(ctx context.Context, sessionID string) error {
	return withRetry(ctx, "delete status", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM session_status WHERE session_id = ?`, sessionID)
		return err
	})
}

// ListStatuses returns every known record.
func (s *SQLiteStore) ListStatuses(ctx context.Context) ([]domain.StatusRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, status, last_seen_at FROM session_status ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("query statuses: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close status rows", "error", closeErr)
		}
	}()

	var records []domain.StatusRecord
	for rows.Next() {
		var rec domain.StatusRecord
		var lastSeen int64
		if err := rows.Scan(&rec.SessionID, &rec.Status, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan status row: %w", err)
		}
		rec.LastSeenAt = time.UnixMilli(lastSeen)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statuses: %w", err)
	}
	return records, nil
}

// PruneStatuses deletes disconnected records older than cutoff.
func (s *SQLiteStore) PruneStatuses(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM session_status WHERE status = ? AND last_seen_at < ?`
	result, err := s.db.ExecContext(ctx, query, domain.StatusDisconnected, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune statuses: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
