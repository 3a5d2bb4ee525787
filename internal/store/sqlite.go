package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/relaybot/internal/domain"
	"github.com/ashureev/relaybot/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetryAttempts = 3
	writeRetryDelay    = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
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
		user_id INTEGER PRIMARY KEY,
		state TEXT NOT NULL,
		has_process INTEGER NOT NULL DEFAULT 0,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen_at);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		exit_code INTEGER,
		outcome TEXT,
		errors_total INTEGER NOT NULL DEFAULT 0,
		errors_file_expired INTEGER NOT NULL DEFAULT 0,
		errors_timeout INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id, started_at);
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
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// UpsertSession creates or updates the registry entry for a session.
func (s *SQLiteStore) UpsertSession(ctx context.Context, rec *domain.SessionRecord) error {
	query := `
	INSERT INTO sessions (user_id, state, has_process, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		state = excluded.state,
		has_process = excluded.has_process,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	err := shared.RetryOnConflict(ctx, "upsert_session", writeRetryAttempts, writeRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.UserID, string(rec.State), rec.HasProcess,
			rec.LastSeenAt.Unix(), rec.CreatedAt.Unix(), time.Now().Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a registry entry.
func (s *SQLiteStore) GetSession(ctx context.Context, userID int64) (*domain.SessionRecord, error) {
	query := `
		SELECT user_id, state, has_process, last_seen_at, created_at, updated_at
		FROM sessions WHERE user_id = ?`

	rec, err := scanSession(s.db.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return rec, nil
}

// ListSessions returns every registry entry ordered by last activity.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*domain.SessionRecord, error) {
	query := `
		SELECT user_id, state, has_process, last_seen_at, created_at, updated_at
		FROM sessions ORDER BY last_seen_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var out []*domain.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// DeleteSession removes the registry entry for a user.
func (s *SQLiteStore) DeleteSession(ctx context.Context, userID int64) error {
	err := shared.RetryOnConflict(ctx, "delete_session", writeRetryAttempts, writeRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete session %d: %w", userID, err)
	}
	return nil
}

// StartRun records a newly spawned external process.
func (s *SQLiteStore) StartRun(ctx context.Context, run *domain.RunRecord) error {
	query := `INSERT INTO runs (run_id, user_id, started_at) VALUES (?, ?, ?)`
	err := shared.RetryOnConflict(ctx, "start_run", writeRetryAttempts, writeRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, query, run.ID, run.UserID, run.StartedAt.Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun closes a run. Finishing an already finished run is a no-op.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, outcome string, exitCode *int, errs domain.ErrorCounters, endedAt time.Time) error {
	query := `
		UPDATE runs SET ended_at = ?, exit_code = ?, outcome = ?,
			errors_total = ?, errors_file_expired = ?, errors_timeout = ?
		WHERE run_id = ? AND ended_at IS NULL`

	var code interface{}
	if exitCode != nil {
		code = *exitCode
	}

	err := shared.RetryOnConflict(ctx, "finish_run", writeRetryAttempts, writeRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			endedAt.Unix(), code, outcome,
			errs.Total, errs.FileExpired, errs.Timeout,
			runID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

// RecentRuns returns the most recent runs for a user, newest first.
func (s *SQLiteStore) RecentRuns(ctx context.Context, userID int64, limit int) ([]*domain.RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT run_id, user_id, started_at, ended_at, exit_code, outcome,
		       errors_total, errors_file_expired, errors_timeout
		FROM runs WHERE user_id = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close run rows", "error", closeErr)
		}
	}()

	var out []*domain.RunRecord
	for rows.Next() {
		var run domain.RunRecord
		var startedAt int64
		var endedAt, exitCode sql.NullInt64
		var outcome sql.NullString

		if err := rows.Scan(
			&run.ID, &run.UserID, &startedAt, &endedAt, &exitCode, &outcome,
			&run.Errors.Total, &run.Errors.FileExpired, &run.Errors.Timeout,
		); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}

		run.StartedAt = time.Unix(startedAt, 0)
		if endedAt.Valid {
			ts := time.Unix(endedAt.Int64, 0)
			run.EndedAt = &ts
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			run.ExitCode = &code
		}
		run.Outcome = outcome.String
		out = append(out, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// CleanupRuns deletes finished runs older than ttl.
func (s *SQLiteStore) CleanupRuns(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE ended_at IS NOT NULL AND ended_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup runs: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	var state string
	var lastSeen, createdAt, updatedAt int64

	if err := row.Scan(&rec.UserID, &state, &rec.HasProcess, &lastSeen, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	rec.State = domain.State(state)
	rec.LastSeenAt = time.Unix(lastSeen, 0)
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}
