// Package deadline provides per-session countdown timers with
// exactly-once expiry delivery.
package deadline

import (
	"log/slog"
	"sync"
	"time"
)

// Controller manages at most one armed countdown per session. Re-arming
// implicitly cancels the previous countdown; cancelling is idempotent and
// never produces a callback.
type Controller struct {
	mu     sync.Mutex
	armed  map[string]*countdown
	logger *slog.Logger
}

type countdown struct {
	timer     *time.Timer
	expiresAt time.Time
}

// NewController creates an empty controller.
func NewController(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		armed:  make(map[string]*countdown),
		logger: logger,
	}
}

// Arm starts a countdown for the session, replacing any prior one. onExpire
// is invoked exactly once, from the timer goroutine, unless the countdown is
// cancelled or replaced first.
func (c *Controller) Arm(userID string, d time.Duration, onExpire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.armed[userID]; ok {
		prev.timer.Stop()
	}

	cd := &countdown{expiresAt: time.Now().Add(d)}
	cd.timer = time.AfterFunc(d, func() {
		// The timer may fire while a Cancel or re-Arm is racing; the map
		// identity check makes sure only the current countdown delivers.
		c.mu.Lock()
		current, ok := c.armed[userID]
		if !ok || current != cd {
			c.mu.Unlock()
			return
		}
		delete(c.armed, userID)
		c.mu.Unlock()

		c.logger.Info("Scenario deadline expired", "user_id", userID)
		onExpire()
	})
	c.armed[userID] = cd

	c.logger.Debug("Deadline armed", "user_id", userID, "duration", d)
}

// Cancel stops the session's countdown if one is armed. Safe to call when
// nothing is armed.
func (c *Controller) Cancel(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cd, ok := c.armed[userID]; ok {
		cd.timer.Stop()
		delete(c.armed, userID)
	}
}

// Armed reports whether the session currently has a countdown.
func (c *Controller) Armed(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.armed[userID]
	return ok
}

// Remaining returns the time left on the session's countdown.
func (c *Controller) Remaining(userID string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cd, ok := c.armed[userID]
	if !ok {
		return 0, false
	}
	return time.Until(cd.expiresAt), true
}
