package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"agentflow/internal/scheduler"
)

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var in scheduler.CreateInput
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.d.Schedules.Create(r.Context(), ownerFrom(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.d.Schedules.List(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	t, err := s.d.Schedules.Get(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var in scheduler.UpdateInput
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.d.Schedules.Update(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Schedules.Delete(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runSchedule(w http.ResponseWriter, r *http.Request) {
	e, err := s.d.Schedules.ExecuteNow(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, e)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	list, err := s.d.Schedules.ListExecutions(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.d.Schedules.CancelExecution(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"), chi.URLParam(r, "execID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
