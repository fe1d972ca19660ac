package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coachlab/simcoach/internal/domain"
	"github.com/coachlab/simcoach/internal/store"
)

const checkpointTimeout = 10 * time.Second

// checkpointer is the asynchronous writer behind Machine.checkpoint. Writes
// for a user are coalesced latest-wins and flushed in order by a single
// worker, so a newer snapshot always supersedes an older one and transitions
// never wait on the store. Failure to persist is logged, never fatal.
type checkpointer struct {
	repo   store.Repository
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending map[string]*domain.Session
	queue   []string
	saving  bool
	closed  bool
}

func newCheckpointer(repo store.Repository, logger *slog.Logger) *checkpointer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &checkpointer{
		repo:    repo,
		logger:  logger,
		pending: make(map[string]*domain.Session),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.run()
	return c
}

// enqueue schedules a snapshot for durable write. A snapshot already queued
// for the same user is replaced; last write wins.
func (c *checkpointer) enqueue(snapshot *domain.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if _, queued := c.pending[snapshot.UserID]; !queued {
		c.queue = append(c.queue, snapshot.UserID)
	}
	c.pending[snapshot.UserID] = snapshot
	c.cond.Broadcast()
}

// delete removes the user's durable session synchronously, dropping any
// queued snapshot for them.
func (c *checkpointer) delete(userID string) {
	c.mu.Lock()
	if _, queued := c.pending[userID]; queued {
		delete(c.pending, userID)
		for i, id := range c.queue {
			if id == userID {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	if err := c.repo.Delete(ctx, userID); err != nil {
		c.logger.Warn("Failed to delete durable session", "user_id", userID, "error", err)
	}
}

// Flush blocks until every queued snapshot has been written.
func (c *checkpointer) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) > 0 || c.saving {
		c.cond.Wait()
	}
}

// Close flushes outstanding writes and stops the worker.
func (c *checkpointer) Close() {
	c.Flush()
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *checkpointer) run() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed && len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}

		userID := c.queue[0]
		c.queue = c.queue[1:]
		snapshot := c.pending[userID]
		delete(c.pending, userID)
		c.saving = true
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
		if err := c.repo.Save(ctx, snapshot); err != nil {
			// Best effort: the in-memory session keeps working and a later
			// checkpoint will supersede this one.
			c.logger.Warn("Checkpoint failed", "user_id", userID, "error", err)
		}
		cancel()

		c.mu.Lock()
		c.saving = false
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}
