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

	"github.com/ashureev/rightify/internal/domain"
	"github.com/ashureev/rightify/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_last_seen ON users(last_seen_at);

	CREATE TABLE IF NOT EXISTS consultations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		service TEXT NOT NULL,
		query TEXT NOT NULL,
		status TEXT NOT NULL,
		transcript TEXT NOT NULL,
		report_json TEXT,
		action_count INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_consultations_user ON consultations(user_id, finished_at);
	CREATE INDEX IF NOT EXISTS idx_consultations_finished ON consultations(finished_at);
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

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	err := shared.RetryOnConflict(ctx, writeRetries, writeBaseDelay, "upsert_user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username,
			user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// SaveConsultation stores a finished consultation, retrying while the
// database is busy.
func (s *SQLiteStore) SaveConsultation(ctx context.Context, c *domain.Consultation) error {
	query := `
	INSERT INTO consultations (
		id, user_id, session_id, service, query, status, transcript,
		report_json, action_count, started_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		transcript = excluded.transcript,
		report_json = excluded.report_json,
		action_count = excluded.action_count,
		finished_at = excluded.finished_at`

	var reportJSON interface{}
	if c.ReportJSON != nil {
		reportJSON = *c.ReportJSON
	}

	err := shared.RetryOnConflict(ctx, writeRetries, writeBaseDelay, "save_consultation", func() error {
		_, err := s.db.ExecContext(ctx, query,
			c.ID, c.UserID, c.SessionID, c.Service, c.Query, string(c.Status), c.Transcript,
			reportJSON, c.ActionCount, c.StartedAt.UnixMilli(), c.FinishedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("save consultation %s: %w", c.ID, err)
	}
	return nil
}

// ListConsultations returns a user's consultations, newest first. A
// non-positive limit returns every row.
func (s *SQLiteStore) ListConsultations(ctx context.Context, userID string, limit int) ([]*domain.Consultation, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, user_id, session_id, service, query, status, transcript,
		       report_json, action_count, started_at, finished_at
		FROM consultations WHERE user_id = ?
		ORDER BY finished_at DESC, id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query consultations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close consultation rows", "error", closeErr)
		}
	}()

	var out []*domain.Consultation
	for rows.Next() {
		var c domain.Consultation
		var status string
		var reportJSON sql.NullString
		var startedAt, finishedAt int64

		if err := rows.Scan(
			&c.ID, &c.UserID, &c.SessionID, &c.Service, &c.Query, &status, &c.Transcript,
			&reportJSON, &c.ActionCount, &startedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan consultation row: %w", err)
		}

		c.Status = domain.ConsultationStatus(status)
		if reportJSON.Valid {
			c.ReportJSON = &reportJSON.String
		}
		c.StartedAt = time.UnixMilli(startedAt)
		c.FinishedAt = time.UnixMilli(finishedAt)
		out = append(out, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consultations: %w", err)
	}

	return out, nil
}

// DeleteConsultationsBefore removes consultations finished before cutoff.
func (s *SQLiteStore) DeleteConsultationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM consultations WHERE finished_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete old consultations: %w", err)
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
