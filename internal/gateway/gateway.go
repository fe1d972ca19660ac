// Package gateway wraps every oracle call with a timeout boundary, typed
// error classification and bounded retry.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/coachlab/simcoach/internal/oracle"
)

const (
	// callTimeout bounds start, evaluate and next-scenario calls.
	callTimeout = 60 * time.Second
	// reportTimeout bounds the heavier report-synthesis calls.
	reportTimeout = 90 * time.Second

	// evaluateRetries is the number of automatic retries after a failed
	// evaluate call. Other operations are user-retriable and fail fast;
	// in particular next-scenario deliberately does not auto-retry.
	evaluateRetries = 2
	retryDelay      = 2 * time.Second
)

// AttemptObserver is notified of every attempt, retries included, so the
// orchestrator can surface "retrying (n/2)" to the operator. err is nil on
// success.
type AttemptObserver func(op string, attempt, maxAttempts int, err error)

// Gateway is the resilient boundary in front of the oracle client. It never
// panics past this boundary; every failure comes back as a typed *Error.
type Gateway struct {
	client   oracle.Client
	logger   *slog.Logger
	observer AttemptObserver
	delay    time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithAttemptObserver registers an observer for call attempts.
func WithAttemptObserver(obs AttemptObserver) Option {
	return func(g *Gateway) { g.observer = obs }
}

// WithRetryDelay overrides the fixed delay between evaluate retries.
func WithRetryDelay(d time.Duration) Option {
	return func(g *Gateway) { g.delay = d }
}

// New creates a gateway around the given oracle client.
func New(client oracle.Client, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		client: client,
		logger: logger,
		delay:  retryDelay,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start requests scenario #1. Fails fast; the caller retries explicitly.
func (g *Gateway) Start(ctx context.Context, req oracle.StartRequest) (*oracle.StartResponse, error) {
	return callOnce(g, ctx, "start", callTimeout, req, g.client.Start)
}

// Evaluate grades a user response, retrying up to evaluateRetries times on
// failure with a fixed delay. The request payload is preserved across
// retries.
func (g *Gateway) Evaluate(ctx context.Context, req oracle.EvaluateRequest) (*oracle.EvaluateResponse, error) {
	const op = "evaluate"
	maxAttempts := 1 + evaluateRetries

	var lastErr *Error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := invoke(ctx, callTimeout, req, g.client.Evaluate)
		g.observe(op, attempt, maxAttempts, err)
		if err == nil {
			return resp, nil
		}

		lastErr = classify(op, attempt, err)
		g.logger.Warn("oracle call failed",
			"op", op, "attempt", attempt, "max_attempts", maxAttempts, "kind", lastErr.Kind, "error", err)

		if attempt < maxAttempts {
			if sleepErr := g.sleep(ctx, g.delay); sleepErr != nil {
				return nil, classify(op, attempt, sleepErr)
			}
		}
	}
	return nil, lastErr
}

// NextScenario requests the following scenario. No automatic retry: the
// asymmetry with Evaluate is deliberate, the user re-triggers on failure.
func (g *Gateway) NextScenario(ctx context.Context, req oracle.NextScenarioRequest) (*oracle.NextScenarioResponse, error) {
	return callOnce(g, ctx, "next_scenario", callTimeout, req, g.client.NextScenario)
}

// Complete requests the final report synthesis.
func (g *Gateway) Complete(ctx context.Context, req oracle.CompleteRequest) (*oracle.CompleteResponse, error) {
	return callOnce(g, ctx, "complete", reportTimeout, req, g.client.Complete)
}

// ComprehensiveReport requests the optional post-completion narrative.
func (g *Gateway) ComprehensiveReport(ctx context.Context, req oracle.ComprehensiveReportRequest) (string, error) {
	resp, err := callOnce(g, ctx, "comprehensive_report", reportTimeout, req,
		func(ctx context.Context, req oracle.ComprehensiveReportRequest) (*string, error) {
			text, err := g.client.ComprehensiveReport(ctx, req)
			if err != nil {
				return nil, err
			}
			return &text, nil
		})
	if err != nil {
		return "", err
	}
	return *resp, nil
}

func (g *Gateway) observe(op string, attempt, maxAttempts int, err error) {
	if g.observer != nil {
		g.observer(op, attempt, maxAttempts, err)
	}
}

// callOnce runs a single attempt with a hard timeout and classifies failure.
func callOnce[Req, Resp any](g *Gateway, ctx context.Context, op string, timeout time.Duration, req Req, fn func(context.Context, Req) (*Resp, error)) (*Resp, error) {
	resp, err := invoke(ctx, timeout, req, fn)
	g.observe(op, 1, 1, err)
	if err != nil {
		typed := classify(op, 1, err)
		g.logger.Warn("oracle call failed", "op", op, "kind", typed.Kind, "error", err)
		return nil, typed
	}
	return resp, nil
}

func invoke[Req, Resp any](ctx context.Context, timeout time.Duration, req Req, fn func(context.Context, Req) (*Resp, error)) (*Resp, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx, req)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
