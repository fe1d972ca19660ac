package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/coachlab/simcoach/internal/domain"
)

// OpenAIClient implements the oracle contract directly against a
// chat-completions model. Used when no remote oracle service is configured.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAI creates an oracle backed by the OpenAI chat API. baseURL may
// point at any compatible endpoint (e.g. OpenRouter).
func NewOpenAI(apiKey, baseURL, model string, logger *slog.Logger) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger,
	}
}

const systemPrompt = `You are an executive-coaching simulation engine. You generate workplace
role-play scenarios for a candidate, grade their responses, and write final
performance reports. Always answer with a single JSON object matching the
schema requested by the user message. No markdown fences, no prose outside
the JSON.`

// Start generates the first scenario for a fresh session.
func (c *OpenAIClient) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	prompt := fmt.Sprintf(`Generate scenario %d of %d for a "%s" role simulation in language %q.
Candidate profile: %s
Respond with JSON: {"welcome_message": string, "scenario": string}.
The welcome message greets the candidate and explains the simulation rules.
The scenario is a concrete workplace situation demanding a decision.`,
		req.ScenarioNumber, domain.TotalScenarios, req.Role.Title, req.Language, profileText(req.Profile))

	var resp StartResponse
	if err := c.complete(ctx, prompt, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Evaluate grades one user response.
func (c *OpenAIClient) Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResponse, error) {
	var history strings.Builder
	for _, m := range req.History {
		fmt.Fprintf(&history, "[%s] %s\n", m.Role, m.Text)
	}

	prompt := fmt.Sprintf(`Grade the candidate's response to scenario %d of a "%s" role simulation.
Conversation so far:
%s
Candidate response: %q
Respond in language %q with JSON:
{"feedback": string, "scenario_title": string,
 "evaluation": {"score": int 0-10, "strengths": [string], "improvements": [string],
   "feedback": string,
   "competencies": {"planning": int, "task_management": int, "thinking": int,
     "behavior": int, "decision_making": int}}}`,
		req.ScenarioNumber, req.Role.Title, history.String(), req.UserResponse, req.Language)

	var resp EvaluateResponse
	if err := c.complete(ctx, prompt, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NextScenario generates the scenario following the given results.
func (c *OpenAIClient) NextScenario(ctx context.Context, req NextScenarioRequest) (*NextScenarioResponse, error) {
	prompt := fmt.Sprintf(`Generate scenario %d of %d for a "%s" role simulation in language %q.
Completed scenarios so far: %s
The new scenario must probe a different competency than the previous ones.
Respond with JSON: {"scenario": string}.`,
		req.ScenarioNumber, domain.TotalScenarios, req.Role.Title, req.Language, resultsText(req.PreviousResults))

	var resp NextScenarioResponse
	if err := c.complete(ctx, prompt, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Complete synthesizes the final report.
func (c *OpenAIClient) Complete(ctx context.Context, req CompleteRequest) (*CompleteResponse, error) {
	prompt := fmt.Sprintf(`Write the final performance report for a "%s" role simulation.
Candidate profile: %s
Scenario results: %s
Respond in language %q with JSON:
{"completion_message": string,
 "report": {"overall_score": number 0-10, "readiness": number 0-100,
   "rank": one of ["Beginner","Intermediate","Advanced","Expert"],
   "competencies": {"planning": number, "task_management": number,
     "thinking": number, "behavior": number, "decision_making": number},
   "key_strengths": [string], "areas_to_improve": [string],
   "recommendations": string}}`,
		req.Role.Title, profileText(req.Profile), resultsText(req.Results), req.Language)

	var resp CompleteResponse
	if err := c.complete(ctx, prompt, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ComprehensiveReport produces the optional post-completion narrative.
func (c *OpenAIClient) ComprehensiveReport(ctx context.Context, req ComprehensiveReportRequest) (string, error) {
	prompt := fmt.Sprintf(`Write a comprehensive narrative development report for a candidate who
completed a "%s" role simulation. Scenario results: %s
Respond in language %q with JSON: {"report": string}. The report covers
observed behavior patterns, growth areas and a 90-day development plan.`,
		req.Role.Title, resultsText(req.Results), req.Language)

	var resp struct {
		Report string `json:"report"`
	}
	if err := c.complete(ctx, prompt, &resp); err != nil {
		return "", err
	}
	return resp.Report, nil
}

func (c *OpenAIClient) complete(ctx context.Context, prompt string, out any) error {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return err
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("model returned no choices")
	}

	raw := extractJSON(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		c.logger.Debug("model output failed to parse", "model", c.model, "error", err)
		return fmt.Errorf("parse model output: %w", err)
	}
	return nil
}

// extractJSON strips markdown fences and surrounding prose that models
// sometimes wrap around a JSON object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func profileText(p domain.CVProfile) string {
	raw, err := json.Marshal(p)
	if err != nil {
		return p.Summary
	}
	return string(raw)
}

func resultsText(results []domain.ScenarioResult) string {
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Sprintf("%d scenarios completed", len(results))
	}
	return string(raw)
}
