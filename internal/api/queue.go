package api

import (
	"net/http"
	"strconv"

	"github.com/forgehq/forge/internal/errs"
)

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	entries, err := s.cfg.Store.ListQueue(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": entries})
}

func (s *Server) handleQueueSettingsGet(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	settings, err := s.cfg.Store.GetQueueSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// queueSettingsRequest mirrors store.QueueSettings as a partial patch:
// only non-nil fields are applied.
type queueSettingsRequest struct {
	Paused        *bool `json:"paused,omitempty"`
	StopOnFailure *bool `json:"stopOnFailure,omitempty"`
	MaxConcurrent *int  `json:"maxConcurrent,omitempty"`
}

func (s *Server) handleQueueSettingsSet(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	var req queueSettingsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Paused != nil {
		if err := s.cfg.Store.SetQueueSetting(r.Context(), "paused", boolString(*req.Paused)); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.StopOnFailure != nil {
		if err := s.cfg.Store.SetQueueSetting(r.Context(), "stop_on_failure", boolString(*req.StopOnFailure)); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.MaxConcurrent != nil {
		if err := s.cfg.Store.SetQueueSetting(r.Context(), "max_concurrent", strconv.Itoa(*req.MaxConcurrent)); err != nil {
			writeError(w, err)
			return
		}
	}
	settings, err := s.cfg.Store.GetQueueSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleQueueAdd(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	taskID := r.PathValue("taskId")
	if _, err := s.cfg.Store.GetTask(r.Context(), taskID); err != nil {
		writeError(w, errs.Wrap(errs.KindNotFound, "queue add: task not found", err))
		return
	}
	entries, err := s.cfg.Store.ListQueue(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	entry, err := s.cfg.Store.Enqueue(r.Context(), taskID, len(entries)+1)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleQueueDelete(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	if err := s.cfg.Store.DequeueTask(r.Context(), r.PathValue("taskId")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	if err := s.cfg.Store.ClearQueue(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
