package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"agentflow/internal/orchestrator"
)

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var in orchestrator.CreateInput
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.d.Tasks.Create(r.Context(), ownerFrom(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.d.Tasks.List(r.Context(), ownerFrom(r.Context()), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	st, err := s.d.Tasks.Status(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.d.Tasks.Cancel(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
