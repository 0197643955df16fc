package api

import (
	"net/http"

	"github.com/forgehq/forge/internal/errs"
)

// scm.go exposes source-control helper endpoints. The engine never
// implements git/PR logic itself; each handler is a thin delegation to
// the injected scm.Collaborator, per spec.md §1/§4.6.

type cloneRequest struct {
	Repo string `json:"repo"`
	Dest string `json:"dest"`
}

func (s *Server) handleSCMClone(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	var req cloneRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Repo == "" || req.Dest == "" {
		writeError(w, errs.New(errs.KindValidation, "repo and dest are required"))
		return
	}
	if err := s.cfg.Collaborator.Clone(r.Context(), req.Repo, req.Dest); err != nil {
		writeError(w, errs.Wrap(errs.KindSandbox, "scm clone", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkoutRequest struct {
	Workspace string `json:"workspace"`
	Branch    string `json:"branch"`
}

func (s *Server) handleSCMCheckout(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Workspace == "" || req.Branch == "" {
		writeError(w, errs.New(errs.KindValidation, "workspace and branch are required"))
		return
	}
	if err := s.cfg.Collaborator.FetchAndCheckout(r.Context(), req.Workspace, req.Branch); err != nil {
		writeError(w, errs.Wrap(errs.KindSandbox, "scm checkout", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSCMCreateBranch(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeUnauthorized(w)
		return
	}
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Workspace == "" || req.Branch == "" {
		writeError(w, errs.New(errs.KindValidation, "workspace and branch are required"))
		return
	}
	if err := s.cfg.Collaborator.CreateBranch(r.Context(), req.Workspace, req.Branch); err != nil {
		writeError(w, errs.Wrap(errs.KindSandbox, "scm create branch", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
