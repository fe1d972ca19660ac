package session

import (
	"time"

	"github.com/coachlab/simcoach/internal/domain"
)

// EventType categorizes machine events published to live listeners.
type EventType string

const (
	// EventState announces a machine state change.
	EventState EventType = "state"
	// EventMessage announces a message appended to the conversation log.
	EventMessage EventType = "message"
	// EventDeadline announces a newly armed scenario countdown.
	EventDeadline EventType = "deadline"
	// EventRetry announces an oracle call attempt so clients can show
	// "retrying (n/2)".
	EventRetry EventType = "retry"
	// EventError announces a surfaced, human-readable failure.
	EventError EventType = "error"
)

// Event is one serialized machine occurrence.
type Event struct {
	Type          EventType       `json:"type"`
	State         State           `json:"state,omitempty"`
	ScenarioIndex int             `json:"scenario_index,omitempty"`
	Message       *domain.Message `json:"message,omitempty"`
	DeadlineAt    *time.Time      `json:"deadline_at,omitempty"`
	Op            string          `json:"op,omitempty"`
	Attempt       int             `json:"attempt,omitempty"`
	MaxAttempts   int             `json:"max_attempts,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorKind     string          `json:"error_kind,omitempty"`
}

// Notifier delivers events to whoever is listening for a user's session.
// Implementations must not block.
type Notifier interface {
	Publish(userID string, ev Event)
}
