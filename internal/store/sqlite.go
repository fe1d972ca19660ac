package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coachlab/simcoach/internal/domain"
	_ "modernc.org/sqlite"
)

const (
	saveMaxRetries = 3
	saveBaseDelay  = 50 * time.Millisecond
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
	CREATE TABLE IF NOT EXISTS sessions (
		user_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		scenario_index INTEGER NOT NULL,
		snapshot_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(status, updated_at);
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

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load reconstructs a session from its durable snapshot.
func (s *SQLiteStore) Load(ctx context.Context, userID string) (*domain.Session, error) {
	query := `SELECT snapshot_json FROM sessions WHERE user_id = ?`

	var raw string
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("decode session snapshot: %w", err)
	}
	return &session, nil
}

// Save upserts the session snapshot, retrying briefly on SQLITE_BUSY.
func (s *SQLiteStore) Save(ctx context.Context, session *domain.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session snapshot: %w", err)
	}

	query := `
	INSERT INTO sessions (user_id, status, scenario_index, snapshot_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		status = excluded.status,
		scenario_index = excluded.scenario_index,
		snapshot_json = excluded.snapshot_json,
		updated_at = excluded.updated_at`

	for attempt := 0; attempt < saveMaxRetries; attempt++ {
		_, err = s.db.ExecContext(ctx, query,
			session.UserID, string(session.Status), session.ScenarioIndex,
			string(raw), session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
		)
		if err == nil {
			return nil
		}
		if !isBusyError(err) || attempt == saveMaxRetries-1 {
			break
		}

		delay := saveBaseDelay * time.Duration(1<<attempt)
		slog.Debug("Session save hit SQLITE_BUSY, retrying",
			"user_id", session.UserID, "attempt", attempt+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("upsert session: %w", err)
}

// Delete removes a session.
func (s *SQLiteStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// IdleSessions returns users whose active sessions have been idle past ttl.
func (s *SQLiteStore) IdleSessions(ctx context.Context, ttl time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-ttl).Unix()
	query := `SELECT user_id FROM sessions WHERE status IN (?, ?) AND updated_at < ?`

	rows, err := s.db.QueryContext(ctx, query,
		string(domain.StatusInitializing), string(domain.StatusActive), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Debug("failed to close idle sessions rows", "error", closeErr)
		}
	}()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan idle session row: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle sessions: %w", err)
	}
	return userIDs, nil
}

// isBusyError checks for SQLite concurrency errors that warrant retry.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
