package session

import (
	"context"
	"log/slog"
	"time"
)

// EvictCallback is called after the sweeper evicts a session.
type EvictCallback func(ctx context.Context, userID int64)

// StartSweeper runs a background goroutine that periodically evicts sessions
// idle for longer than ttl.
func StartSweeper(ctx context.Context, st *Store, ttl, interval time.Duration, onEvict EvictCallback) {
	if ttl <= 0 || interval <= 0 {
		slog.Info("Session sweeper disabled", "ttl", ttl, "interval", interval)
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepExpired(ctx, st, ttl, onEvict)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpired(ctx context.Context, st *Store, ttl time.Duration, onEvict EvictCallback) int {
	evicted := st.EvictExpired(ttl)
	if len(evicted) == 0 {
		return 0
	}

	for _, userID := range evicted {
		slog.Info("Session sweeper evicted session", "user_id", userID)
		if onEvict != nil {
			onEvict(ctx, userID)
		}
	}
	slog.Info("Session sweeper cleanup completed", "evicted", len(evicted))
	return len(evicted)
}
