// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/relaybot/internal/domain"
)

// Repository persists the secret-free session registry and run history.
// Credentials are never written through this interface.
type Repository interface {
	// UpsertSession creates or updates the registry entry for a session.
	UpsertSession(ctx context.Context, rec *domain.SessionRecord) error

	// GetSession retrieves a registry entry. Returns nil, nil when absent.
	GetSession(ctx context.Context, userID int64) (*domain.SessionRecord, error)

	// ListSessions returns every registry entry ordered by last activity.
	ListSessions(ctx context.Context) ([]*domain.SessionRecord, error)

	// DeleteSession removes the registry entry for a user.
	DeleteSession(ctx context.Context, userID int64) error

	// StartRun records a newly spawned external process.
	StartRun(ctx context.Context, run *domain.RunRecord) error

	// FinishRun closes a run with its outcome and error counters.
	FinishRun(ctx context.Context, runID string, outcome string, exitCode *int, errs domain.ErrorCounters, endedAt time.Time) error

	// RecentRuns returns the most recent runs for a user, newest first.
	RecentRuns(ctx context.Context, userID int64, limit int) ([]*domain.RunRecord, error)

	// CleanupRuns deletes finished runs older than ttl.
	CleanupRuns(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
