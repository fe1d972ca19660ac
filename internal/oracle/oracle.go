// Package oracle defines the client boundary to the AI service that
// generates, grades and summarizes role-play scenarios.
package oracle

import (
	"context"
	"fmt"

	"github.com/coachlab/simcoach/internal/domain"
)

// Client is the request/response contract with the AI scenario service.
// All operations are JSON request/response; all are idempotent from the
// caller's point of view except Complete, which the session machine guards.
type Client interface {
	// Start generates the first scenario for a fresh session.
	Start(ctx context.Context, req StartRequest) (*StartResponse, error)

	// Evaluate grades one user response against the current scenario.
	Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResponse, error)

	// NextScenario generates the following scenario using the results
	// accumulated so far.
	NextScenario(ctx context.Context, req NextScenarioRequest) (*NextScenarioResponse, error)

	// Complete synthesizes the final report from the full result sequence.
	Complete(ctx context.Context, req CompleteRequest) (*CompleteResponse, error)

	// ComprehensiveReport produces the optional post-completion narrative.
	ComprehensiveReport(ctx context.Context, req ComprehensiveReportRequest) (string, error)
}

// StartRequest asks for scenario #1.
type StartRequest struct {
	Role           domain.Role      `json:"role"`
	Profile        domain.CVProfile `json:"cv_profile"`
	Language       string           `json:"language"`
	ScenarioNumber int              `json:"scenario_number"`
}

// StartResponse carries the welcome text and the first scenario prompt.
type StartResponse struct {
	WelcomeMessage string `json:"welcome_message"`
	Scenario       string `json:"scenario"`
}

// EvaluateRequest asks for a grade of one user response.
type EvaluateRequest struct {
	Role           domain.Role      `json:"role"`
	Profile        domain.CVProfile `json:"cv_profile"`
	ScenarioNumber int              `json:"scenario_number"`
	UserResponse   string           `json:"user_response"`
	History        []domain.Message `json:"conversation_history"`
	Language       string           `json:"language"`
}

// EvaluateResponse carries the graded feedback for one response.
type EvaluateResponse struct {
	Feedback      string            `json:"feedback"`
	Evaluation    domain.Evaluation `json:"evaluation"`
	ScenarioTitle string            `json:"scenario_title"`
}

// NextScenarioRequest asks for the scenario following the given results.
type NextScenarioRequest struct {
	Role            domain.Role             `json:"role"`
	Profile         domain.CVProfile        `json:"cv_profile"`
	ScenarioNumber  int                     `json:"scenario_number"`
	PreviousResults []domain.ScenarioResult `json:"previous_results"`
	Language        string                  `json:"language"`
}

// NextScenarioResponse carries the next scenario prompt.
type NextScenarioResponse struct {
	Scenario string `json:"scenario"`
}

// CompleteRequest asks for the final report over all completed scenarios.
type CompleteRequest struct {
	UserID   string                  `json:"user_id"`
	Role     domain.Role             `json:"role"`
	Profile  domain.CVProfile        `json:"cv_profile"`
	Results  []domain.ScenarioResult `json:"scenario_results"`
	Language string                  `json:"language"`
}

// CompleteResponse carries the synthesized report and the closing message.
type CompleteResponse struct {
	Report            domain.FinalReport `json:"report"`
	CompletionMessage string             `json:"completion_message"`
}

// ComprehensiveReportRequest asks for the optional second-pass narrative.
// Role, Profile and Results are supplied for backends that cannot look the
// session up by identity themselves.
type ComprehensiveReportRequest struct {
	UserID   string                  `json:"user_id"`
	Language string                  `json:"language"`
	Role     domain.Role             `json:"role"`
	Profile  domain.CVProfile        `json:"cv_profile"`
	Results  []domain.ScenarioResult `json:"scenario_results,omitempty"`
}

// StatusError reports a non-2xx response from the oracle service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("oracle returned status %d: %s", e.StatusCode, e.Body)
}
