// Package stream pushes live session events to connected clients over
// WebSocket.
package stream

import (
	"log/slog"
	"sync"

	"github.com/coachlab/simcoach/internal/session"
)

const subscriberBuffer = 32

// Feed fans session events out to each user's connected listeners. It
// implements session.Notifier; publishing never blocks. A slow listener
// drops events rather than stalling the state machine.
type Feed struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	logger *slog.Logger
}

type subscriber struct {
	userID string
	ch     chan session.Event
}

// NewFeed creates an empty event feed.
func NewFeed(logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		subs:   make(map[string]map[*subscriber]struct{}),
		logger: logger,
	}
}

// Publish delivers an event to every listener for the user.
func (f *Feed) Publish(userID string, ev session.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sub := range f.subs[userID] {
		select {
		case sub.ch <- ev:
		default:
			f.logger.Debug("Dropping event for slow listener", "user_id", userID, "type", ev.Type)
		}
	}
}

func (f *Feed) subscribe(userID string) *subscriber {
	sub := &subscriber{
		userID: userID,
		ch:     make(chan session.Event, subscriberBuffer),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[userID]; !ok {
		f.subs[userID] = make(map[*subscriber]struct{})
	}
	f.subs[userID][sub] = struct{}{}
	return sub
}

func (f *Feed) unsubscribe(sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if listeners, ok := f.subs[sub.userID]; ok {
		delete(listeners, sub)
		if len(listeners) == 0 {
			delete(f.subs, sub.userID)
		}
	}
}

// ListenerCount reports the number of active listeners for a user.
func (f *Feed) ListenerCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[userID])
}
