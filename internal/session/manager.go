package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coachlab/simcoach/internal/deadline"
	"github.com/coachlab/simcoach/internal/domain"
	"github.com/coachlab/simcoach/internal/gateway"
	"github.com/coachlab/simcoach/internal/oracle"
	"github.com/coachlab/simcoach/internal/report"
	"github.com/coachlab/simcoach/internal/store"
)

// Manager owns the per-user session machines. Each user has at most one
// active session; the durable store is read once on (re)entry and the
// durable copy always wins over anything cached in memory.
type Manager struct {
	mu       sync.Mutex
	machines map[string]*Machine

	client    oracle.Client
	repo      store.Repository
	deadlines *deadline.Controller
	notifier  Notifier
	ckpt      *checkpointer
	logger    *slog.Logger
}

// NewManager creates a session manager over the given collaborators.
// notifier may be nil.
func NewManager(client oracle.Client, repo store.Repository, dl *deadline.Controller, notifier Notifier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		machines:  make(map[string]*Machine),
		client:    client,
		repo:      repo,
		deadlines: dl,
		notifier:  notifier,
		ckpt:      newCheckpointer(repo, logger),
		logger:    logger,
	}
}

// Get returns the user's machine, reconstructing it from the durable copy
// when no in-memory machine exists.
func (mgr *Manager) Get(ctx context.Context, userID string) (*Machine, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if m, ok := mgr.machines[userID]; ok {
		return m, nil
	}

	sess, err := mgr.repo.Load(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var (
		state       = StateInitializing
		pendingText string
	)
	if sess != nil {
		state, pendingText = resumeState(sess)
	}

	gw := mgr.gatewayFor(userID)
	m := newMachine(userID, sess, state,
		gw, mgr.deadlines, report.NewSynthesizer(gw, mgr.logger), mgr.ckpt, mgr.notifier, mgr.logger)
	m.pendingText = pendingText
	mgr.machines[userID] = m

	if sess != nil {
		mgr.logger.Info("Session resumed from durable store",
			"user_id", userID, "state", state, "scenario", sess.ScenarioIndex)
		mgr.rearm(m, sess, state)
	}
	return m, nil
}

// rearm restores the countdown for a resumed session. An already-expired
// deadline fires immediately, which submits the timeout response and keeps
// the termination guarantee across restarts.
func (mgr *Manager) rearm(m *Machine, sess *domain.Session, state State) {
	if state != StateAwaitingResponse || sess.Deadline == nil {
		return
	}
	mgr.deadlines.Arm(m.userID, time.Until(*sess.Deadline), m.onDeadlineExpired)
}

// AbortIdle marks an idle session aborted, whether or not it is live in
// memory. Used by the janitor.
func (mgr *Manager) AbortIdle(ctx context.Context, userID string) error {
	mgr.mu.Lock()
	m, live := mgr.machines[userID]
	if live {
		delete(mgr.machines, userID)
	}
	mgr.mu.Unlock()

	if live {
		m.abortIdle()
		return nil
	}

	sess, err := mgr.repo.Load(ctx, userID)
	if err != nil {
		return fmt.Errorf("load idle session: %w", err)
	}
	if sess.Status == domain.StatusCompleted || sess.Status == domain.StatusAborted {
		return nil
	}
	sess.Status = domain.StatusAborted
	sess.Deadline = nil
	sess.UpdatedAt = time.Now()
	return mgr.repo.Save(ctx, sess)
}

// Evict drops the in-memory machine for a user, e.g. after reset followed
// by prolonged inactivity. The durable copy is untouched.
func (mgr *Manager) Evict(userID string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	delete(mgr.machines, userID)
}

// Flush blocks until all queued checkpoints are durable.
func (mgr *Manager) Flush() {
	mgr.ckpt.Flush()
}

// Close flushes checkpoints and stops the background writer.
func (mgr *Manager) Close() {
	mgr.ckpt.Close()
}

// gatewayFor builds a per-user gateway whose attempt observer feeds the
// user's event stream.
func (mgr *Manager) gatewayFor(userID string) *gateway.Gateway {
	if mgr.notifier == nil {
		return gateway.New(mgr.client, mgr.logger)
	}
	return gateway.New(mgr.client, mgr.logger, gateway.WithAttemptObserver(
		func(op string, attempt, maxAttempts int, err error) {
			if err == nil || attempt >= maxAttempts {
				return
			}
			mgr.notifier.Publish(userID, Event{
				Type:        EventRetry,
				Op:          op,
				Attempt:     attempt,
				MaxAttempts: maxAttempts,
			})
		}))
}

// resumeState derives the machine state from a durable snapshot. A snapshot
// taken mid-evaluation carries an ungraded trailing user message: the write
// that would have recorded its result never happened, so the message is
// rolled back into the pending input box.
func resumeState(sess *domain.Session) (State, string) {
	switch sess.Status {
	case domain.StatusCompleted:
		return StateCompleted, ""
	case domain.StatusAborted:
		return StateAborted, ""
	case domain.StatusInitializing:
		return StateInitializing, ""
	}

	if len(sess.Results) >= sess.ScenarioIndex {
		// Evaluation recorded but the transition never finished.
		return StateTransitioning, ""
	}

	if n := len(sess.Messages); n > 0 && sess.Messages[n-1].Role == domain.RoleUser {
		pending := sess.Messages[n-1].Text
		sess.Messages = sess.Messages[:n-1]
		sess.Deadline = nil
		return StateAwaitingResponse, pending
	}

	return StateAwaitingResponse, ""
}
