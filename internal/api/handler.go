// Package api provides HTTP handlers for the simulation API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/coachlab/simcoach/internal/domain"
	"github.com/coachlab/simcoach/internal/gateway"
	"github.com/coachlab/simcoach/internal/identity"
	"github.com/coachlab/simcoach/internal/session"
	"github.com/coachlab/simcoach/internal/store"
)

// Handler exposes the session machine over HTTP.
type Handler struct {
	mgr *session.Manager
}

// NewHandler creates a new Handler.
func NewHandler(mgr *session.Manager) *Handler {
	return &Handler{mgr: mgr}
}

// RegisterRoutes mounts the session endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/session", func(r chi.Router) {
		r.Get("/", h.State)
		r.Post("/start", h.Start)
		r.Post("/submit", h.Submit)
		r.Post("/advance", h.Advance)
		r.Post("/finish", h.EmergencyFinish)
		r.Post("/reset", h.Reset)
		r.Post("/report/comprehensive", h.ComprehensiveReport)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

type startRequest struct {
	Role     domain.Role      `json:"role"`
	Profile  domain.CVProfile `json:"profile"`
	Language string           `json:"language"`
}

type submitRequest struct {
	Text string `json:"text"`
}

// Start begins a new simulation session for the requesting user.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	m, ok := h.machine(w, r)
	if !ok {
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Language == "" {
		req.Language = "en"
	}

	if err := m.Start(r.Context(), req.Role, req.Profile, req.Language); err != nil {
		h.writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, m.View())
}

// Submit accepts the user's response to the live scenario.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	m, ok := h.machine(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "text cannot be empty")
		return
	}

	if err := m.Submit(r.Context(), req.Text); err != nil {
		h.writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, m.View())
}

// Advance retries a transition that previously failed (next scenario or
// final report).
func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	m, ok := h.machine(w, r)
	if !ok {
		return
	}
	if err := m.Advance(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, m.View())
}

// State returns the current session view, resuming from durable storage if
// needed.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	m, ok := h.machine(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, m.View())
}

// EmergencyFinish terminates the session early and synthesizes a report
// from the completed scenarios.
func (h *Handler) EmergencyFinish(w http.ResponseWriter, r *http.Request) {
	m, ok := h.machine(w, r)
	if !ok {
		return
	}
	if err := m.EmergencyFinish(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, m.View())
}

// Reset clears all session state and restarts at initializing.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	m, ok := h.machine(w, r)
	if !ok {
		return
	}
	m.Reset()
	JSON(w, http.StatusOK, m.View())
}

// ComprehensiveReport generates (at most once) the post-completion
// narrative report.
func (h *Handler) ComprehensiveReport(w http.ResponseWriter, r *http.Request) {
	m, ok := h.machine(w, r)
	if !ok {
		return
	}
	narrative, err := m.ComprehensiveNarrative(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"report": narrative})
}

func (h *Handler) machine(w http.ResponseWriter, r *http.Request) (*session.Machine, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "identity required")
		return nil, false
	}

	m, err := h.mgr.Get(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return m, true
}

// writeError maps machine and gateway failures onto HTTP statuses with
// human-readable bodies.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var ge *gateway.Error
	switch {
	case errors.As(err, &ge):
		JSON(w, statusForKind(ge.Kind), map[string]interface{}{
			"error":    ge.Message(),
			"kind":     string(ge.Kind),
			"attempts": ge.Attempts,
		})
	case errors.Is(err, session.ErrConflict), errors.Is(err, session.ErrSuperseded):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "no session found")
	default:
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

func statusForKind(kind gateway.Kind) int {
	switch kind {
	case gateway.KindTimeout:
		return http.StatusGatewayTimeout
	case gateway.KindServer, gateway.KindNetwork:
		return http.StatusBadGateway
	case gateway.KindValidation:
		return http.StatusBadRequest
	case gateway.KindPartialData:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
