package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coachlab/simcoach/internal/deadline"
	"github.com/coachlab/simcoach/internal/domain"
	"github.com/coachlab/simcoach/internal/gateway"
	"github.com/coachlab/simcoach/internal/oracle"
	"github.com/coachlab/simcoach/internal/report"
	"github.com/coachlab/simcoach/internal/store"
)

// fakeOracle is a scripted oracle.Client. Every method counts its calls and
// falls back to a plausible canned response when no script is installed.
type fakeOracle struct {
	mu             sync.Mutex
	startCalls     int
	evaluateCalls  int
	nextCalls      int
	completeCalls  int
	narrativeCalls int
	evaluateReqs   []oracle.EvaluateRequest

	startFn    func(req oracle.StartRequest) (*oracle.StartResponse, error)
	evaluateFn func(req oracle.EvaluateRequest) (*oracle.EvaluateResponse, error)
	nextFn     func(req oracle.NextScenarioRequest) (*oracle.NextScenarioResponse, error)
	completeFn func(req oracle.CompleteRequest) (*oracle.CompleteResponse, error)
}

func (f *fakeOracle) Start(_ context.Context, req oracle.StartRequest) (*oracle.StartResponse, error) {
	f.mu.Lock()
	f.startCalls++
	fn := f.startFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &oracle.StartResponse{
		WelcomeMessage: "Welcome to the simulation.",
		Scenario:       "Scenario 1: your team missed a release date.",
	}, nil
}

func (f *fakeOracle) Evaluate(_ context.Context, req oracle.EvaluateRequest) (*oracle.EvaluateResponse, error) {
	f.mu.Lock()
	f.evaluateCalls++
	f.evaluateReqs = append(f.evaluateReqs, req)
	fn := f.evaluateFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	comps := make(map[string]int, len(domain.CompetencyNames))
	for _, name := range domain.CompetencyNames {
		comps[name] = 7
	}
	return &oracle.EvaluateResponse{
		Feedback:      "Good prioritization under pressure.",
		ScenarioTitle: fmt.Sprintf("Scenario %d", req.ScenarioNumber),
		Evaluation: domain.Evaluation{
			Score:        7,
			Strengths:    []string{"clear communication"},
			Improvements: []string{"quantify tradeoffs"},
			Feedback:     "Good prioritization under pressure.",
			Competencies: comps,
		},
	}, nil
}

func (f *fakeOracle) NextScenario(_ context.Context, req oracle.NextScenarioRequest) (*oracle.NextScenarioResponse, error) {
	f.mu.Lock()
	f.nextCalls++
	fn := f.nextFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &oracle.NextScenarioResponse{
		Scenario: fmt.Sprintf("Scenario %d: a key stakeholder escalates.", req.ScenarioNumber),
	}, nil
}

func (f *fakeOracle) Complete(_ context.Context, req oracle.CompleteRequest) (*oracle.CompleteResponse, error) {
	f.mu.Lock()
	f.completeCalls++
	fn := f.completeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &oracle.CompleteResponse{
		CompletionMessage: "The simulation is over. Your report is ready.",
		Report: domain.FinalReport{
			OverallScore: 7.0,
			Readiness:    70,
			Rank:         domain.RankAdvanced,
			KeyStrengths: []string{"stays calm under pressure"},
		},
	}, nil
}

func (f *fakeOracle) ComprehensiveReport(_ context.Context, _ oracle.ComprehensiveReportRequest) (string, error) {
	f.mu.Lock()
	f.narrativeCalls++
	f.mu.Unlock()
	return "A detailed narrative of the candidate's performance.", nil
}

func (f *fakeOracle) counts() (start, evaluate, next, complete int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, f.evaluateCalls, f.nextCalls, f.completeCalls
}

// memRepo is a map-backed store.Repository.
type memRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[string]*domain.Session)}
}

func (r *memRepo) Load(_ context.Context, userID string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sess.Snapshot(), nil
}

func (r *memRepo) Save(_ context.Context, sess *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.UserID] = sess.Snapshot()
	return nil
}

func (r *memRepo) Delete(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, userID)
	return nil
}

func (r *memRepo) IdleSessions(_ context.Context, ttl time.Duration) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	var ids []string
	for id, sess := range r.sessions {
		if (sess.Status == domain.StatusInitializing || sess.Status == domain.StatusActive) &&
			sess.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *memRepo) Ping(context.Context) error { return nil }
func (r *memRepo) Close() error               { return nil }

type fixture struct {
	machine *Machine
	fake    *fakeOracle
	repo    *memRepo
	ckpt    *checkpointer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := &fakeOracle{}
	repo := newMemRepo()
	ckpt := newCheckpointer(repo, logger)
	t.Cleanup(ckpt.Close)

	gw := gateway.New(fake, logger, gateway.WithRetryDelay(0))
	m := newMachine("user-1", nil, StateInitializing,
		gw, deadline.NewController(logger), report.NewSynthesizer(gw, logger), ckpt, nil, logger)
	return &fixture{machine: m, fake: fake, repo: repo, ckpt: ckpt}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	err := f.machine.Start(context.Background(),
		domain.Role{Title: "Engineering Manager"},
		domain.CVProfile{Summary: "10 years leading platform teams"},
		"en")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	timeout := time.Now().Add(2 * time.Second)
	for time.Now().Before(timeout) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestStartDeliversFirstScenario(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	view := f.machine.View()
	if view.State != StateAwaitingResponse {
		t.Errorf("Expected state %q, got %q", StateAwaitingResponse, view.State)
	}
	if view.Session.Status != domain.StatusActive {
		t.Errorf("Expected status active, got %q", view.Session.Status)
	}
	if n := len(view.Session.Messages); n != 2 {
		t.Fatalf("Expected welcome and scenario messages, got %d", n)
	}
	if view.Session.Messages[0].Role != domain.RoleScenario || view.Session.Messages[1].Role != domain.RoleScenario {
		t.Error("Welcome and scenario must both come from the scenario role")
	}
	if view.Remaining == nil || *view.Remaining <= 0 {
		t.Error("Expected an armed countdown after start")
	}

	// The checkpoint must be durable once the writer drains.
	f.ckpt.Flush()
	stored, err := f.repo.Load(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Durable copy missing after start: %v", err)
	}
	if stored.Status != domain.StatusActive {
		t.Errorf("Durable status = %q, want active", stored.Status)
	}
}

func TestStartRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)

	err := f.machine.Start(context.Background(), domain.Role{}, domain.CVProfile{}, "en")
	if gateway.KindOf(err) != gateway.KindValidation {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if start, _, _, _ := f.fake.counts(); start != 0 {
		t.Errorf("Validation must fail before any network call, saw %d start calls", start)
	}
	if got := f.machine.View().State; got != StateInitializing {
		t.Errorf("State after rejected start = %q, want initializing", got)
	}
}

func TestStartFailureIsRetriable(t *testing.T) {
	f := newFixture(t)
	fail := true
	f.fake.startFn = func(req oracle.StartRequest) (*oracle.StartResponse, error) {
		if fail {
			fail = false
			return nil, errors.New("connection refused")
		}
		return &oracle.StartResponse{WelcomeMessage: "Welcome.", Scenario: "Scenario 1."}, nil
	}

	err := f.machine.Start(context.Background(),
		domain.Role{Title: "Engineering Manager"}, domain.CVProfile{Summary: "x"}, "en")
	if err == nil {
		t.Fatal("Expected first start to fail")
	}
	if got := f.machine.View().State; got != StateInitializing {
		t.Fatalf("State after failed start = %q, want initializing", got)
	}

	f.start(t)
	if got := f.machine.View().State; got != StateAwaitingResponse {
		t.Errorf("State after retried start = %q, want awaiting_response", got)
	}
}

func TestSubmitRecordsResultAndAdvances(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	if err := f.machine.Submit(context.Background(), "I would call the team together."); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	view := f.machine.View()
	if view.State != StateAwaitingResponse {
		t.Errorf("Expected state awaiting_response after advance, got %q", view.State)
	}
	if view.Session.ScenarioIndex != 2 {
		t.Errorf("ScenarioIndex = %d, want 2", view.Session.ScenarioIndex)
	}
	if len(view.Session.Results) != 1 {
		t.Fatalf("Expected 1 recorded result, got %d", len(view.Session.Results))
	}
	res := view.Session.Results[0]
	if res.Ordinal != 1 || res.Response != "I would call the team together." {
		t.Errorf("Recorded result mismatch: %+v", res)
	}
	// welcome, scenario 1, user response, feedback, scenario 2
	if n := len(view.Session.Messages); n != 5 {
		t.Errorf("Expected 5 messages, got %d", n)
	}
	if view.Session.Messages[3].Evaluation == nil {
		t.Error("Feedback message must carry the evaluation")
	}
	if view.Remaining == nil {
		t.Error("Countdown must be re-armed for the next scenario")
	}
}

func TestResultsTrailScenarioIndex(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	for i := 0; i < domain.TotalScenarios-1; i++ {
		view := f.machine.View()
		if got, want := len(view.Session.Results), view.Session.ScenarioIndex-1; got != want {
			t.Fatalf("Before submit %d: %d results for scenario index %d",
				i+1, got, view.Session.ScenarioIndex)
		}
		if err := f.machine.Submit(context.Background(), "Response."); err != nil {
			t.Fatalf("Submit %d failed: %v", i+1, err)
		}
	}
}

func TestFullRunCompletes(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	for i := 0; i < domain.TotalScenarios; i++ {
		if err := f.machine.Submit(context.Background(), fmt.Sprintf("Response %d.", i+1)); err != nil {
			t.Fatalf("Submit %d failed: %v", i+1, err)
		}
	}

	view := f.machine.View()
	if view.State != StateCompleted {
		t.Fatalf("Expected completed state, got %q", view.State)
	}
	if view.Session.Status != domain.StatusCompleted {
		t.Errorf("Session status = %q, want completed", view.Session.Status)
	}
	if len(view.Session.Results) != domain.TotalScenarios {
		t.Errorf("Expected %d results, got %d", domain.TotalScenarios, len(view.Session.Results))
	}
	if view.Session.Report == nil {
		t.Fatal("Completed session must carry a final report")
	}
	validRank := false
	for _, r := range domain.Ranks {
		if view.Session.Report.Rank == r {
			validRank = true
		}
	}
	if !validRank {
		t.Errorf("Report rank %q is not a known rank", view.Session.Report.Rank)
	}
	if _, _, next, complete := f.fake.counts(); next != domain.TotalScenarios-1 || complete != 1 {
		t.Errorf("Oracle calls: next=%d complete=%d, want %d and 1",
			next, complete, domain.TotalScenarios-1)
	}

	// Further submissions are rejected.
	if err := f.machine.Submit(context.Background(), "one more"); !errors.Is(err, ErrConflict) {
		t.Errorf("Submit after completion = %v, want ErrConflict", err)
	}
}

func TestEvaluateFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.fake.evaluateFn = func(req oracle.EvaluateRequest) (*oracle.EvaluateResponse, error) {
		return nil, errors.New("upstream unavailable")
	}

	err := f.machine.Submit(context.Background(), "My answer.")
	if err == nil {
		t.Fatal("Expected submit to fail")
	}
	if gateway.KindOf(err) != gateway.KindNetwork {
		t.Errorf("Error kind = %q, want network_error", gateway.KindOf(err))
	}

	view := f.machine.View()
	if view.State != StateAwaitingResponse {
		t.Errorf("State after failed evaluation = %q, want awaiting_response", view.State)
	}
	if view.PendingText != "My answer." {
		t.Errorf("PendingText = %q, want the submitted text back", view.PendingText)
	}
	if len(view.Session.Results) != 0 {
		t.Error("A failed evaluation must not record a result")
	}
	for _, msg := range view.Session.Messages {
		if msg.Role == domain.RoleUser {
			t.Error("The ungraded response must be removed from the message log")
		}
	}
	if view.Remaining != nil {
		t.Error("Countdown must not resume after a failed evaluation")
	}
	if _, evals, _, _ := f.fake.counts(); evals != 3 {
		t.Errorf("Expected 3 evaluate attempts (1 + 2 retries), got %d", evals)
	}

	// The durable copy matches the rolled-back state.
	f.ckpt.Flush()
	stored, loadErr := f.repo.Load(context.Background(), "user-1")
	if loadErr != nil {
		t.Fatalf("Load failed: %v", loadErr)
	}
	for _, msg := range stored.Messages {
		if msg.Role == domain.RoleUser {
			t.Error("Durable copy still holds the ungraded response")
		}
	}
}

func TestEvaluateRecoversAfterTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	fails := 2
	f.fake.evaluateFn = func(req oracle.EvaluateRequest) (*oracle.EvaluateResponse, error) {
		if fails > 0 {
			fails--
			return nil, errors.New("temporary blip")
		}
		return &oracle.EvaluateResponse{
			Feedback:      "Well handled.",
			ScenarioTitle: "Scenario 1",
			Evaluation:    domain.Evaluation{Score: 8},
		}, nil
	}

	if err := f.machine.Submit(context.Background(), "My answer."); err != nil {
		t.Fatalf("Submit should succeed after transient failures: %v", err)
	}

	view := f.machine.View()
	if len(view.Session.Results) != 1 || view.Session.ScenarioIndex != 2 {
		t.Errorf("Recovered run must be indistinguishable: results=%d index=%d",
			len(view.Session.Results), view.Session.ScenarioIndex)
	}
}

func TestSubmitWhileEvaluatingConflicts(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.fake.evaluateFn = func(req oracle.EvaluateRequest) (*oracle.EvaluateResponse, error) {
		close(entered)
		<-release
		return &oracle.EvaluateResponse{Evaluation: domain.Evaluation{Score: 6}, Feedback: "ok"}, nil
	}

	done := make(chan error, 1)
	go func() { done <- f.machine.Submit(context.Background(), "first") }()
	<-entered

	if err := f.machine.Submit(context.Background(), "second"); !errors.Is(err, ErrConflict) {
		t.Errorf("Concurrent submit = %v, want ErrConflict", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Original submit failed: %v", err)
	}
}

func TestAdvanceRetriesFailedTransition(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	fail := true
	f.fake.nextFn = func(req oracle.NextScenarioRequest) (*oracle.NextScenarioResponse, error) {
		if fail {
			fail = false
			return nil, errors.New("next scenario unavailable")
		}
		return &oracle.NextScenarioResponse{Scenario: "Scenario 2."}, nil
	}

	err := f.machine.Submit(context.Background(), "My answer.")
	if err == nil {
		t.Fatal("Expected submit to surface the transition failure")
	}

	view := f.machine.View()
	if view.State != StateTransitioning {
		t.Fatalf("State after failed transition = %q, want transitioning", view.State)
	}
	if len(view.Session.Results) != 1 {
		t.Fatal("The evaluation result must survive a failed transition")
	}
	if view.Session.ScenarioIndex != 1 {
		t.Errorf("ScenarioIndex must not advance on failure, got %d", view.Session.ScenarioIndex)
	}

	if err := f.machine.Advance(context.Background()); err != nil {
		t.Fatalf("Retried advance failed: %v", err)
	}
	view = f.machine.View()
	if view.State != StateAwaitingResponse || view.Session.ScenarioIndex != 2 {
		t.Errorf("After retried advance: state=%q index=%d", view.State, view.Session.ScenarioIndex)
	}
}

func TestEmergencyFinishRequiresMinimumResults(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	err := f.machine.EmergencyFinish(context.Background())
	if gateway.KindOf(err) != gateway.KindPartialData {
		t.Fatalf("Expected partial data error, got %v", err)
	}
	if _, _, _, complete := f.fake.counts(); complete != 0 {
		t.Error("The guard must reject before any network call")
	}
	if got := f.machine.View().State; got != StateAwaitingResponse {
		t.Errorf("State after rejected finish = %q, want awaiting_response", got)
	}
}

func TestEmergencyFinishSynthesizesFromPartialResults(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	for i := 0; i < domain.MinResultsForEarlyFinish; i++ {
		if err := f.machine.Submit(context.Background(), "Response."); err != nil {
			t.Fatalf("Submit %d failed: %v", i+1, err)
		}
	}
	if err := f.machine.EmergencyFinish(context.Background()); err != nil {
		t.Fatalf("EmergencyFinish failed: %v", err)
	}

	view := f.machine.View()
	if view.State != StateCompleted {
		t.Fatalf("State = %q, want completed", view.State)
	}
	if view.Session.Report == nil {
		t.Fatal("Early finish must still produce a report")
	}
	if len(view.Session.Results) != domain.MinResultsForEarlyFinish {
		t.Errorf("Report built over %d results, want %d",
			len(view.Session.Results), domain.MinResultsForEarlyFinish)
	}
	if view.Remaining != nil {
		t.Error("Countdown must be cancelled by emergency finish")
	}
}

func TestDeadlineExpiryDrivesSessionToCompletion(t *testing.T) {
	f := newFixture(t)
	f.machine.scenarioDur = 20 * time.Millisecond
	f.start(t)

	waitFor(t, "session to complete without input", func() bool {
		return f.machine.View().State == StateCompleted
	})

	_, evals, _, complete := f.fake.counts()
	if evals != domain.TotalScenarios {
		t.Errorf("Expected exactly one synthetic submission per scenario, got %d evaluations", evals)
	}
	if complete != 1 {
		t.Errorf("Complete called %d times, want 1", complete)
	}
	f.fake.mu.Lock()
	for i, req := range f.fake.evaluateReqs {
		if req.UserResponse != domain.TimeExpiredResponse {
			t.Errorf("Evaluation %d graded %q, want the timeout response", i+1, req.UserResponse)
		}
	}
	f.fake.mu.Unlock()
}

func TestComprehensiveNarrativeGeneratedOnce(t *testing.T) {
	f := newFixture(t)

	if _, err := f.machine.ComprehensiveNarrative(context.Background()); !errors.Is(err, ErrConflict) {
		t.Fatalf("Narrative before completion = %v, want ErrConflict", err)
	}

	f.start(t)
	for i := 0; i < domain.TotalScenarios; i++ {
		if err := f.machine.Submit(context.Background(), "Response."); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	first, err := f.machine.ComprehensiveNarrative(context.Background())
	if err != nil {
		t.Fatalf("Narrative failed: %v", err)
	}
	second, err := f.machine.ComprehensiveNarrative(context.Background())
	if err != nil {
		t.Fatalf("Cached narrative failed: %v", err)
	}
	if first != second {
		t.Error("Repeated narrative calls must return the same text")
	}

	f.fake.mu.Lock()
	calls := f.fake.narrativeCalls
	f.fake.mu.Unlock()
	if calls != 1 {
		t.Errorf("Narrative generated %d times, want 1", calls)
	}
}

func TestResetClearsEverything(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	if err := f.machine.Submit(context.Background(), "Response."); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	f.machine.Reset()

	view := f.machine.View()
	if view.State != StateInitializing {
		t.Errorf("State after reset = %q, want initializing", view.State)
	}
	if view.Session != nil {
		t.Error("Reset must drop the session")
	}
	if view.Remaining != nil {
		t.Error("Reset must cancel the countdown")
	}
	if _, err := f.repo.Load(context.Background(), "user-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Durable copy must be deleted on reset, got %v", err)
	}

	// The user can start over.
	f.start(t)
	view = f.machine.View()
	if view.Session.ScenarioIndex != 1 || len(view.Session.Results) != 0 {
		t.Errorf("Restarted session is not fresh: %+v", view.Session)
	}
}

func TestAbortIdleIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.machine.abortIdle()

	view := f.machine.View()
	if view.State != StateAborted {
		t.Fatalf("State = %q, want aborted", view.State)
	}
	if view.Session.Status != domain.StatusAborted {
		t.Errorf("Session status = %q, want aborted", view.Session.Status)
	}
	if err := f.machine.Submit(context.Background(), "too late"); !errors.Is(err, ErrConflict) {
		t.Errorf("Submit after abort = %v, want ErrConflict", err)
	}

	f.ckpt.Flush()
	stored, err := f.repo.Load(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if stored.Status != domain.StatusAborted {
		t.Errorf("Durable status = %q, want aborted", stored.Status)
	}
}
