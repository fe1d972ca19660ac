package domain

import "time"

// MessageRole identifies the author of a message.
type MessageRole string

const (
	// RoleScenario marks messages authored by the simulation itself:
	// scenario prompts, feedback and completion notices.
	RoleScenario MessageRole = "scenario"
	// RoleUser marks messages authored by the learner.
	RoleUser MessageRole = "user"
)

// Message is one entry in a session's append-only conversation log.
// Messages are never reordered or deleted once appended.
type Message struct {
	ID         string      `json:"id"`
	Role       MessageRole `json:"role"`
	Text       string      `json:"text"`
	CreatedAt  time.Time   `json:"created_at"`
	Evaluation *Evaluation `json:"evaluation,omitempty"`
}

// Evaluation is the graded feedback for a single user response.
// Produced exactly once per answered scenario.
type Evaluation struct {
	Score        int            `json:"score"`
	Strengths    []string       `json:"strengths"`
	Improvements []string       `json:"improvements"`
	Feedback     string         `json:"feedback"`
	Competencies map[string]int `json:"competencies,omitempty"`
}

// ScenarioResult is the finalized record of one completed scenario.
// Never mutated after creation.
type ScenarioResult struct {
	Ordinal    int        `json:"ordinal"`
	Title      string     `json:"title"`
	Response   string     `json:"response"`
	Evaluation Evaluation `json:"evaluation"`
}
