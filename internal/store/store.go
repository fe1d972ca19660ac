// Package store provides durable persistence for simulation sessions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/coachlab/simcoach/internal/domain"
)

// ErrNotFound is returned by Load when no session exists for the user.
var ErrNotFound = errors.New("session not found")

// Repository is the durable copy of record for session state. The in-memory
// session is a cache that must be reconciled against this on (re)entry.
type Repository interface {
	// Load reconstructs a session from the durable copy.
	Load(ctx context.Context, userID string) (*domain.Session, error)

	// Save checkpoints a session, keyed by user identity. Idempotent:
	// repeated writes of the same state are a no-op overwrite, last write
	// wins.
	Save(ctx context.Context, session *domain.Session) error

	// Delete removes a session, for explicit reset.
	Delete(ctx context.Context, userID string) error

	// IdleSessions returns the user IDs of active sessions untouched for
	// longer than ttl.
	IdleSessions(ctx context.Context, ttl time.Duration) ([]string, error)

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
