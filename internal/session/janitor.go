package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/coachlab/simcoach/internal/store"
)

const janitorInterval = 5 * time.Minute

// StartJanitor runs a background goroutine that periodically sweeps for
// sessions idle past the TTL and aborts them, releasing their countdowns
// and in-memory machines.
func StartJanitor(ctx context.Context, repo store.Repository, mgr *Manager, ttl time.Duration) {
	ticker := time.NewTicker(janitorInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session janitor started", "interval", janitorInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepIdleSessions(ctx, repo, mgr, ttl)
			case <-ctx.Done():
				slog.Info("Session janitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepIdleSessions(ctx context.Context, repo store.Repository, mgr *Manager, ttl time.Duration) {
	userIDs, err := repo.IdleSessions(ctx, ttl)
	if err != nil {
		slog.Error("Janitor failed to list idle sessions", "error", err)
		return
	}
	if len(userIDs) == 0 {
		return
	}

	slog.Info("Janitor found idle sessions", "count", len(userIDs))
	for _, userID := range userIDs {
		if err := mgr.AbortIdle(ctx, userID); err != nil {
			slog.Error("Janitor failed to abort idle session", "user_id", userID, "error", err)
		}
	}
}
