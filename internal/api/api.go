// Package api implements the engine's public interface: a synchronous
// HTTP surface over the Agent Lifecycle Manager, the Event Spool, and
// the Store, plus source-control helper endpoints delegated to an
// external collaborator. Every operation is request/response except
// spawn, which returns once the sandbox is started rather than once
// the agent finishes.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/forgehq/forge/internal/alm"
	"github.com/forgehq/forge/internal/errs"
	"github.com/forgehq/forge/internal/scm"
	"github.com/forgehq/forge/internal/spool"
	"github.com/forgehq/forge/internal/store"
)

// Config wires the server's dependencies.
type Config struct {
	Store        *store.Store
	ALM          *alm.Manager
	Spool        *spool.Spool
	Collaborator scm.Collaborator

	AuthToken string // empty disables bearer-token auth entirely
}

// Server serves the public interface.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a Server.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Collaborator == nil {
		cfg.Collaborator = scm.NoOpCollaborator{}
	}
	return &Server{cfg: cfg, logger: logger.With("component", "api")}
}

// Handler builds the routed mux. Method-and-path patterns are Go
// 1.22+ ServeMux syntax.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /agents/spawn", s.handleAgentSpawn)
	mux.HandleFunc("GET /agents", s.handleAgentsList)
	mux.HandleFunc("GET /agents/active", s.handleAgentsActive)
	mux.HandleFunc("GET /agents/analytics", s.handleAgentsAnalytics)
	mux.HandleFunc("GET /agents/{id}", s.handleAgentByID)
	mux.HandleFunc("GET /agents/{id}/logs", s.handleAgentLogs)
	mux.HandleFunc("POST /agents/{id}/kill", s.handleAgentKill)
	mux.HandleFunc("POST /agents/{id}/retry", s.handleAgentRetry)

	mux.HandleFunc("GET /events", s.handleEventsList)
	mux.HandleFunc("POST /events", s.handleEventAppend)
	mux.HandleFunc("GET /events/pending", s.handleEventsPending)
	mux.HandleFunc("GET /events/processed", s.handleEventsProcessed)
	mux.HandleFunc("GET /events/stream", s.handleEventsStream)
	mux.HandleFunc("GET /events/{id}", s.handleEventByID)
	mux.HandleFunc("POST /events/{id}/processed", s.handleEventMarkProcessed)

	mux.HandleFunc("GET /queue", s.handleQueueList)
	mux.HandleFunc("GET /queue/settings", s.handleQueueSettingsGet)
	mux.HandleFunc("POST /queue/settings", s.handleQueueSettingsSet)
	mux.HandleFunc("POST /queue/add/{taskId}", s.handleQueueAdd)
	mux.HandleFunc("DELETE /queue/{taskId}", s.handleQueueDelete)
	mux.HandleFunc("POST /queue/clear", s.handleQueueClear)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/log", s.handleHealthLog)

	mux.HandleFunc("POST /scm/clone", s.handleSCMClone)
	mux.HandleFunc("POST /scm/checkout", s.handleSCMCheckout)
	mux.HandleFunc("POST /scm/branch", s.handleSCMCreateBranch)

	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	const prefix = "Bearer "
	authz := r.Header.Get("Authorization")
	if len(authz) <= len(prefix) || authz[:len(prefix)] != prefix {
		return false
	}
	return authz[len(prefix):] == s.cfg.AuthToken
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorResponse is the structured error body spec.md §7 requires:
// `{ kind, message }` with an HTTP status chosen from the error's Kind.
type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.Kind("internal-error")
	status := http.StatusInternalServerError
	message := err.Error()

	var fe *errs.ForgeError
	if errors.As(err, &fe) {
		kind = fe.Kind
		message = fe.Message
		status = statusForKind(fe.Kind)
	}
	writeJSON(w, status, errorResponse{Kind: string(kind), Message: message})
}

func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindInvalid:
		return http.StatusConflict
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, errorResponse{Kind: "unauthorized", Message: "missing or invalid bearer token"})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.KindValidation, "decode request body", err)
	}
	return nil
}
