// Package domain holds the core types for simulation sessions.
package domain

import (
	"time"
)

// TotalScenarios is the fixed number of scenarios in a full simulation run.
const TotalScenarios = 4

// ScenarioDuration is the countdown armed for each scenario.
const ScenarioDuration = 20 * time.Minute

// TimeExpiredResponse is submitted on the user's behalf when the scenario
// deadline fires without input.
const TimeExpiredResponse = "(No response was submitted before the time limit expired.)"

// MinResultsForEarlyFinish guards emergency finish against producing a report
// from too little signal.
const MinResultsForEarlyFinish = 2

// SessionStatus is the lifecycle status of a simulation session.
type SessionStatus string

const (
	StatusInitializing SessionStatus = "initializing"
	StatusActive       SessionStatus = "active"
	StatusCompleted    SessionStatus = "completed"
	StatusAborted      SessionStatus = "aborted"
)

// Session is the full state of one user's simulation run. The in-memory copy
// is a cache; the durable copy in the store is the copy of record.
type Session struct {
	UserID         string           `json:"user_id"`
	Role           Role             `json:"role"`
	Profile        CVProfile        `json:"profile"`
	Language       string           `json:"language"`
	Messages       []Message        `json:"messages"`
	Results        []ScenarioResult `json:"results"`
	ScenarioIndex  int              `json:"scenario_index"` // 1-based
	TotalScenarios int              `json:"total_scenarios"`
	Deadline       *time.Time       `json:"deadline,omitempty"`
	Status         SessionStatus    `json:"status"`
	Report         *FinalReport     `json:"report,omitempty"`
	Narrative      string           `json:"narrative,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// NewSession creates an initializing session for a user.
func NewSession(userID string, role Role, profile CVProfile, language string) *Session {
	now := time.Now()
	return &Session{
		UserID:         userID,
		Role:           role,
		Profile:        profile,
		Language:       language,
		ScenarioIndex:  1,
		TotalScenarios: TotalScenarios,
		Status:         StatusInitializing,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// AppendMessage adds a message to the append-only log.
func (s *Session) AppendMessage(msg Message) {
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = msg.CreatedAt
}

// AppendResult records the finalized outcome of one scenario.
func (s *Session) AppendResult(res ScenarioResult) {
	s.Results = append(s.Results, res)
	s.UpdatedAt = time.Now()
}

// OnLastScenario reports whether the current scenario is the final one.
func (s *Session) OnLastScenario() bool {
	return s.ScenarioIndex >= s.TotalScenarios
}

// CanFinishEarly reports whether enough scenarios have completed for an
// emergency finish to produce a meaningful report.
func (s *Session) CanFinishEarly() bool {
	return len(s.Results) >= MinResultsForEarlyFinish
}

// Snapshot returns a deep copy safe to hand to an asynchronous checkpoint
// writer while the original keeps mutating.
func (s *Session) Snapshot() *Session {
	cp := *s
	cp.Messages = make([]Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	cp.Results = make([]ScenarioResult, len(s.Results))
	copy(cp.Results, s.Results)
	if s.Deadline != nil {
		d := *s.Deadline
		cp.Deadline = &d
	}
	if s.Report != nil {
		r := *s.Report
		cp.Report = &r
	}
	return &cp
}
