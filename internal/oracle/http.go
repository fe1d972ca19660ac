package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const maxErrorBodyBytes = 2048

// HTTPClient talks to a remote oracle service over JSON/HTTP.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTP creates a client for the oracle service at baseURL. Per-call
// deadlines are supplied by the caller's context, so the underlying
// http.Client carries no timeout of its own.
func NewHTTP(baseURL string, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		logger:  logger,
	}
}

// Start generates the first scenario for a fresh session.
func (c *HTTPClient) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	var resp StartResponse
	if err := c.post(ctx, "/simulation/start", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Evaluate grades one user response.
func (c *HTTPClient) Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResponse, error) {
	var resp EvaluateResponse
	if err := c.post(ctx, "/simulation/evaluate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NextScenario generates the scenario following the given results.
func (c *HTTPClient) NextScenario(ctx context.Context, req NextScenarioRequest) (*NextScenarioResponse, error) {
	var resp NextScenarioResponse
	if err := c.post(ctx, "/simulation/next-scenario", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Complete synthesizes the final report.
func (c *HTTPClient) Complete(ctx context.Context, req CompleteRequest) (*CompleteResponse, error) {
	var resp CompleteResponse
	if err := c.post(ctx, "/simulation/complete", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ComprehensiveReport produces the optional post-completion narrative.
func (c *HTTPClient) ComprehensiveReport(ctx context.Context, req ComprehensiveReportRequest) (string, error) {
	var resp struct {
		Report string `json:"report"`
	}
	if err := c.post(ctx, "/simulation/comprehensive-report", req, &resp); err != nil {
		return "", err
	}
	return resp.Report, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close oracle response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
