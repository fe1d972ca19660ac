// Package session implements the scenario simulation orchestrator: a
// per-user state machine that sequences scenario generation, user response,
// evaluation and transition, checkpointing durable state on every step.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachlab/simcoach/internal/deadline"
	"github.com/coachlab/simcoach/internal/domain"
	"github.com/coachlab/simcoach/internal/gateway"
	"github.com/coachlab/simcoach/internal/oracle"
	"github.com/coachlab/simcoach/internal/report"
)

// State is the machine's position in the session lifecycle.
type State string

const (
	// StateInitializing: no scenario delivered yet; Start is retriable.
	StateInitializing State = "initializing"
	// StateAwaitingResponse: a scenario is live and the countdown may run.
	StateAwaitingResponse State = "awaiting_response"
	// StateEvaluating: a user response is being graded.
	StateEvaluating State = "evaluating"
	// StateTransitioning: evaluation recorded; the next scenario or the
	// final report is being fetched. Advance is retriable here.
	StateTransitioning State = "transitioning"
	// StateCompleted: terminal; only the comprehensive narrative and
	// explicit reset are allowed.
	StateCompleted State = "completed"
	// StateAborted: terminal; reached by the idle janitor.
	StateAborted State = "aborted"
)

// ErrConflict is returned when an operation is not valid in the machine's
// current state.
var ErrConflict = errors.New("operation not valid in current state")

// ErrSuperseded is returned when a response arrived for a session
// generation that no longer exists (reset or emergency finish raced it).
var ErrSuperseded = errors.New("session superseded while request was in flight")

// welcomeFallback is used when the oracle returns no welcome text.
const welcomeFallback = "Welcome to your role simulation. Read each scenario carefully and describe the actions you would take."

// Machine drives one user's session. All transitions are serialized: state
// is mutated only under mu, and the single in-flight network call is tagged
// with the session generation so stale results are discarded.
type Machine struct {
	userID string

	mu          sync.Mutex
	session     *domain.Session
	state       State
	generation  uint64
	inflight    int
	pendingText string

	gw          *gateway.Gateway
	deadlines   *deadline.Controller
	synth       *report.Synthesizer
	ckpt        *checkpointer
	notifier    Notifier
	logger      *slog.Logger
	scenarioDur time.Duration
}

// StateView is a read-only snapshot of the machine for callers.
type StateView struct {
	Session     *domain.Session `json:"session"`
	State       State           `json:"state"`
	PendingText string          `json:"pending_text,omitempty"`
	Remaining   *int64          `json:"deadline_remaining_seconds,omitempty"`
}

func newMachine(userID string, session *domain.Session, state State, gw *gateway.Gateway, dl *deadline.Controller, synth *report.Synthesizer, ckpt *checkpointer, notifier Notifier, logger *slog.Logger) *Machine {
	return &Machine{
		userID:      userID,
		session:     session,
		state:       state,
		gw:          gw,
		deadlines:   dl,
		synth:       synth,
		ckpt:        ckpt,
		notifier:    notifier,
		logger:      logger.With("user_id", userID),
		scenarioDur: domain.ScenarioDuration,
	}
}

// View returns a snapshot of the current machine state.
func (m *Machine) View() StateView {
	m.mu.Lock()
	defer m.mu.Unlock()

	view := StateView{State: m.state, PendingText: m.pendingText}
	if m.session != nil {
		view.Session = m.session.Snapshot()
	}
	if remaining, ok := m.deadlines.Remaining(m.userID); ok {
		secs := int64(remaining.Seconds())
		if secs < 0 {
			secs = 0
		}
		view.Remaining = &secs
	}
	return view
}

// Start begins a session: requests scenario #1, delivers the welcome and
// scenario messages, arms the countdown and checkpoints. On failure the
// machine stays in the initializing state and Start may be called again.
func (m *Machine) Start(ctx context.Context, role domain.Role, profile domain.CVProfile, language string) error {
	m.mu.Lock()
	if m.state != StateInitializing || m.inflight > 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: session already started", ErrConflict)
	}
	if !role.Valid() || !profile.Valid() {
		m.mu.Unlock()
		return gateway.NewValidationError("start", errors.New("role and profile are required"))
	}

	if m.session == nil {
		m.session = domain.NewSession(m.userID, role, profile, language)
	}
	gen := m.generation
	m.inflight++
	req := oracle.StartRequest{
		Role:           m.session.Role,
		Profile:        m.session.Profile,
		Language:       m.session.Language,
		ScenarioNumber: 1,
	}
	m.mu.Unlock()

	resp, err := m.gw.Start(ctx, req)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight--
	if m.generation != gen {
		return ErrSuperseded
	}
	if err != nil {
		m.logger.Warn("Session start failed", "error", err)
		return err
	}

	welcome := resp.WelcomeMessage
	if welcome == "" {
		welcome = welcomeFallback
	}
	m.appendMessage(domain.RoleScenario, welcome, nil)
	m.appendMessage(domain.RoleScenario, resp.Scenario, nil)
	m.session.Status = domain.StatusActive
	m.armDeadline()
	m.setState(StateAwaitingResponse)
	m.checkpoint()

	m.logger.Info("Session started", "role", m.session.Role.Title, "scenario", 1)
	return nil
}

// Submit accepts the user's response to the live scenario and grades it.
// On evaluation success the machine advances to the next scenario or the
// final report automatically. On failure the submitted text is restored for
// re-submission and no scenario state is mutated.
func (m *Machine) Submit(ctx context.Context, text string) error {
	return m.submit(ctx, text, false)
}

func (m *Machine) submit(ctx context.Context, text string, synthetic bool) error {
	m.mu.Lock()
	if m.state != StateAwaitingResponse {
		m.mu.Unlock()
		return fmt.Errorf("%w: no response expected in state %q", ErrConflict, m.state)
	}

	// The countdown is cancelled before any network dispatch, so an expiry
	// racing the evaluation cannot occur by construction.
	m.deadlines.Cancel(m.userID)
	m.session.Deadline = nil
	m.pendingText = ""

	userMsg := m.appendMessage(domain.RoleUser, text, nil)
	m.setState(StateEvaluating)
	m.checkpoint()

	gen := m.generation
	m.inflight++
	history := make([]domain.Message, len(m.session.Messages))
	copy(history, m.session.Messages)
	req := oracle.EvaluateRequest{
		Role:           m.session.Role,
		Profile:        m.session.Profile,
		ScenarioNumber: m.session.ScenarioIndex,
		UserResponse:   text,
		History:        history,
		Language:       m.session.Language,
	}
	m.mu.Unlock()

	if synthetic {
		m.logger.Info("Deadline expired, submitting timeout response", "scenario", req.ScenarioNumber)
	}

	resp, err := m.gw.Evaluate(ctx, req)

	m.mu.Lock()
	m.inflight--
	if m.generation != gen || m.state != StateEvaluating {
		m.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		// Roll back to the pre-submission state: the response was never
		// graded, so the message log must not keep it. The user gets the
		// text back for re-submission and the timer does not resume.
		m.removeMessage(userMsg.ID)
		m.pendingText = text
		m.setState(StateAwaitingResponse)
		m.checkpoint()
		m.publishError(err)
		m.mu.Unlock()
		return err
	}

	m.appendMessage(domain.RoleScenario, resp.Feedback, &resp.Evaluation)
	m.session.AppendResult(domain.ScenarioResult{
		Ordinal:    m.session.ScenarioIndex,
		Title:      resp.ScenarioTitle,
		Response:   text,
		Evaluation: resp.Evaluation,
	})
	m.setState(StateTransitioning)
	m.checkpoint()
	m.mu.Unlock()

	m.logger.Info("Scenario evaluated",
		"scenario", req.ScenarioNumber, "score", resp.Evaluation.Score, "synthetic", synthetic)

	return m.Advance(ctx)
}

// Advance completes the transition out of a graded scenario: it fetches the
// next scenario, or synthesizes the final report after the last one. It is
// called automatically after evaluation and may be called again by the user
// when the transition failed.
func (m *Machine) Advance(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateTransitioning || m.inflight > 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: nothing to advance in state %q", ErrConflict, m.state)
	}
	if m.session.OnLastScenario() {
		return m.completeLocked(ctx)
	}
	return m.nextScenarioLocked(ctx)
}

// nextScenarioLocked requests the following scenario. Called with mu held;
// releases it around the network call.
func (m *Machine) nextScenarioLocked(ctx context.Context) error {
	gen := m.generation
	m.inflight++
	results := make([]domain.ScenarioResult, len(m.session.Results))
	copy(results, m.session.Results)
	req := oracle.NextScenarioRequest{
		Role:            m.session.Role,
		Profile:         m.session.Profile,
		ScenarioNumber:  m.session.ScenarioIndex + 1,
		PreviousResults: results,
		Language:        m.session.Language,
	}
	m.mu.Unlock()

	resp, err := m.gw.NextScenario(ctx, req)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight--
	if m.generation != gen || m.state != StateTransitioning {
		return ErrSuperseded
	}
	if err != nil {
		// Stay in the transitioning state; Advance is user-retriable.
		m.publishError(err)
		return err
	}

	m.session.ScenarioIndex++
	m.appendMessage(domain.RoleScenario, resp.Scenario, nil)
	m.armDeadline()
	m.setState(StateAwaitingResponse)
	m.checkpoint()

	m.logger.Info("Advanced to next scenario", "scenario", m.session.ScenarioIndex)
	return nil
}

// completeLocked synthesizes the final report. Called with mu held;
// releases it around the network call.
func (m *Machine) completeLocked(ctx context.Context) error {
	gen := m.generation
	m.inflight++
	results := make([]domain.ScenarioResult, len(m.session.Results))
	copy(results, m.session.Results)
	role, profile, language := m.session.Role, m.session.Profile, m.session.Language
	m.mu.Unlock()

	rep, completionMsg, err := m.synth.Synthesize(ctx, m.userID, role, profile, results, language)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight--
	if m.generation != gen || m.state != StateTransitioning {
		return ErrSuperseded
	}
	if err != nil {
		m.publishError(err)
		return err
	}

	m.session.Report = rep
	if completionMsg != "" {
		m.appendMessage(domain.RoleScenario, completionMsg, nil)
	}
	m.session.Status = domain.StatusCompleted
	m.setState(StateCompleted)
	m.checkpoint()

	m.logger.Info("Session completed",
		"scenarios", len(results), "overall_score", rep.OverallScore, "rank", rep.Rank)
	return nil
}

// EmergencyFinish terminates the session early and synthesizes a report
// from the results recorded so far. Rejected before any network call when
// fewer than the minimum number of scenarios have completed. Any in-flight
// evaluation is superseded.
func (m *Machine) EmergencyFinish(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateAwaitingResponse && m.state != StateEvaluating {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot finish early in state %q", ErrConflict, m.state)
	}
	if !m.session.CanFinishEarly() {
		m.mu.Unlock()
		return gateway.NewPartialDataError("emergency_finish",
			fmt.Errorf("%d of %d required scenarios completed", len(m.session.Results), domain.MinResultsForEarlyFinish))
	}

	// Supersede any in-flight evaluation and stop the countdown.
	m.generation++
	m.deadlines.Cancel(m.userID)
	m.session.Deadline = nil
	m.pendingText = ""
	m.setState(StateTransitioning)
	m.checkpoint()

	m.logger.Info("Emergency finish requested", "completed_scenarios", len(m.session.Results))
	return m.completeLocked(ctx)
}

// ComprehensiveNarrative generates the optional post-completion narrative
// report, at most once per session. The final report is not altered.
func (m *Machine) ComprehensiveNarrative(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.state != StateCompleted || m.inflight > 0 {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: session is not completed", ErrConflict)
	}
	if m.session.Narrative != "" {
		narrative := m.session.Narrative
		m.mu.Unlock()
		return narrative, nil
	}

	gen := m.generation
	m.inflight++
	results := make([]domain.ScenarioResult, len(m.session.Results))
	copy(results, m.session.Results)
	role, profile, language := m.session.Role, m.session.Profile, m.session.Language
	m.mu.Unlock()

	narrative, err := m.synth.ComprehensiveNarrative(ctx, m.userID, role, profile, results, language)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight--
	if m.generation != gen {
		return "", ErrSuperseded
	}
	if err != nil {
		return "", err
	}

	m.session.Narrative = narrative
	m.checkpoint()
	return narrative, nil
}

// Reset is a hard cancellation: all state is cleared, pending work is
// superseded, and the session restarts at initializing.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generation++
	m.deadlines.Cancel(m.userID)
	m.session = nil
	m.pendingText = ""
	m.setState(StateInitializing)
	m.ckpt.delete(m.userID)

	m.logger.Info("Session reset")
}

// abortIdle is invoked by the janitor for sessions idle past the TTL.
func (m *Machine) abortIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateCompleted || m.state == StateAborted {
		return
	}

	m.generation++
	m.deadlines.Cancel(m.userID)
	if m.session != nil {
		m.session.Status = domain.StatusAborted
		m.session.Deadline = nil
	}
	m.setState(StateAborted)
	m.checkpoint()

	m.logger.Info("Idle session aborted")
}

// onDeadlineExpired is installed as the countdown callback. Expiry behaves
// exactly like the user submitting the predefined timeout response.
func (m *Machine) onDeadlineExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := m.submit(ctx, domain.TimeExpiredResponse, true); err != nil {
		m.logger.Warn("Synthetic timeout submission failed", "error", err)
	}
}

// armDeadline starts the fixed per-scenario countdown. Caller holds mu.
func (m *Machine) armDeadline() {
	expiresAt := time.Now().Add(m.scenarioDur)
	m.session.Deadline = &expiresAt
	m.deadlines.Arm(m.userID, m.scenarioDur, m.onDeadlineExpired)
	m.publish(Event{Type: EventDeadline, DeadlineAt: &expiresAt})
}

func (m *Machine) appendMessage(role domain.MessageRole, text string, eval *domain.Evaluation) domain.Message {
	msg := domain.Message{
		ID:         uuid.NewString(),
		Role:       role,
		Text:       text,
		CreatedAt:  time.Now(),
		Evaluation: eval,
	}
	m.session.AppendMessage(msg)
	m.publish(Event{Type: EventMessage, Message: &msg})
	return msg
}

// removeMessage drops the message with the given ID from the tail of the
// log. Only used to roll back a submission that was never graded.
func (m *Machine) removeMessage(id string) {
	msgs := m.session.Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == id {
			m.session.Messages = append(msgs[:i], msgs[i+1:]...)
			return
		}
	}
}

func (m *Machine) setState(s State) {
	m.state = s
	ev := Event{Type: EventState, State: s}
	if m.session != nil {
		ev.ScenarioIndex = m.session.ScenarioIndex
	}
	m.publish(ev)
}

// checkpoint hands the current session to the asynchronous writer. It never
// blocks the user-visible transition; failures are logged by the writer.
func (m *Machine) checkpoint() {
	if m.session == nil {
		return
	}
	m.ckpt.enqueue(m.session.Snapshot())
}

func (m *Machine) publish(ev Event) {
	if m.notifier != nil {
		m.notifier.Publish(m.userID, ev)
	}
}

func (m *Machine) publishError(err error) {
	ev := Event{Type: EventError, Error: err.Error()}
	var ge *gateway.Error
	if errors.As(err, &ge) {
		ev.Error = ge.Message()
		ev.ErrorKind = string(ge.Kind)
	}
	m.publish(ev)
}
