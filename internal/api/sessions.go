package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"agentflow/internal/autonomous"
)

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var in autonomous.CreateInput
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.d.Sessions.Create(r.Context(), ownerFrom(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.d.Sessions.List(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.d.Sessions.Get(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	var in autonomous.UpdateInput
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.d.Sessions.Update(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Sessions.Delete(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type continueRequest struct {
	Feedback string `json:"feedback"`
}

func (s *Server) continueSession(w http.ResponseWriter, r *http.Request) {
	var in continueRequest
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.d.Sessions.Continue(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"), in.Feedback)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.d.Sessions.Cancel(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) listIterations(w http.ResponseWriter, r *http.Request) {
	list, err := s.d.Sessions.ListIterations(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) listObservations(w http.ResponseWriter, r *http.Request) {
	list, err := s.d.Sessions.ListObservations(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"), queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
