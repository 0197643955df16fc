package api

import (
	"net/http"
	"strconv"

	"github.com/forgehq/forge/internal/alm"
	"github.com/forgehq/forge/internal/errs"
	"github.com/forgehq/forge/internal/store"
)

// agentSpawnRequest is the wire shape for POST /agents/spawn.
type agentSpawnRequest struct {
	TaskID         string `json:"taskId"`
	Repo           string `json:"repo"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Kind           string `json:"kind"`
	Branch         string `json:"branch,omitempty"`
	ExistingBranch string `json:"existingBranch,omitempty"`
	ReviewComments string `json:"reviewComments,omitempty"`
	ExecutionPlan  string `json:"executionPlan,omitempty"`
	CallbackURL    string `json:"callbackUrl,omitempty"`
}

func (s *Server) handleAgentSpawn(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	var req agentSpawnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TaskID == "" {
		writeError(w, errs.New(errs.KindValidation, "taskId is required"))
		return
	}
	if _, err := s.cfg.Store.GetTask(r.Context(), req.TaskID); err != nil {
		writeError(w, errs.Wrap(errs.KindNotFound, "spawn: task not found", err))
		return
	}

	agent, err := s.cfg.ALM.Spawn(r.Context(), alm.SpawnRequest{
		TaskID:         req.TaskID,
		Repo:           req.Repo,
		Title:          req.Title,
		Description:    req.Description,
		Kind:           store.AgentKind(req.Kind),
		Branch:         req.Branch,
		ExistingBranch: req.ExistingBranch,
		ReviewComments: req.ReviewComments,
		ExecutionPlan:  req.ExecutionPlan,
		CallbackURL:    req.CallbackURL,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleAgentsList(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	agents, err := s.cfg.ALM.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleAgentsActive(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	agents, err := s.cfg.ALM.GetActive(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleAgentsAnalytics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	snapshot, err := s.cfg.ALM.Analytics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	agent, err := s.cfg.ALM.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentLogs(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	logs, err := s.cfg.ALM.GetLogs(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleAgentKill(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	_ = decodeJSON(r, &body) // a body is optional, default reason below

	reason := store.AgentStatusKilled
	if body.Reason != "" {
		reason = store.AgentStatus(body.Reason)
	}
	if err := s.cfg.ALM.Kill(r.Context(), r.PathValue("id"), reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentRetry(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	agent, err := s.cfg.ALM.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}
