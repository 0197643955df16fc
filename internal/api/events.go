package api

import (
	"net/http"

	"github.com/forgehq/forge/internal/errs"
)

// eventAppendRequest is the wire shape for POST /events, used by
// external collaborators to inject an event directly rather than
// through ALM/router side effects.
type eventAppendRequest struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
	Source  string `json:"source"`
}

func (s *Server) handleEventsList(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	events, err := s.cfg.Spool.ListAll()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleEventAppend(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	var req eventAppendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Kind == "" {
		writeError(w, errs.New(errs.KindValidation, "kind is required"))
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}
	ev, err := s.cfg.Spool.Append(req.Kind, req.Payload, req.Source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleEventsPending(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	events, err := s.cfg.Spool.ListPending()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleEventsProcessed(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	events, err := s.cfg.Spool.ListProcessed()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleEventByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	ev, err := s.cfg.Spool.GetByID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleEventMarkProcessed(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	if err := s.cfg.Spool.MarkProcessed(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
