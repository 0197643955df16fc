package api

import (
	"net/http"
	"strconv"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.GetQueueSettings(r.Context()); err != nil {
		dbOK = false
	}
	agents, err := s.cfg.ALM.GetActive(r.Context())
	activeCount := 0
	if err == nil {
		activeCount = len(agents)
	}
	pending, err := s.cfg.Spool.ListPending()
	backlog := 0
	if err == nil {
		backlog = len(pending)
	}

	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"active_agents":  activeCount,
		"pending_events": backlog,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// handleHealthLog is the undocumented-in-spec debug endpoint that
// surfaces component-level operational log rows, not per-agent output.
func (s *Server) handleHealthLog(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	lines, err := s.cfg.Store.RecentLogs(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"log": lines})
}
