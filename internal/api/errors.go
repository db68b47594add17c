package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"agentflow/internal/domain"
	"agentflow/internal/orchestrator"
	"agentflow/internal/queue"
	"agentflow/internal/tools"
)

type errorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	Status  string            `json:"status,omitempty"`
	Tool    string            `json:"tool,omitempty"`
	Sources []string          `json:"sources,omitempty"`
}

// writeError maps service errors onto status codes. Unclassified errors are
// logged and answered with a generic 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *domain.ValidationError
		serr *domain.StateError
		cerr *tools.CollisionError
		berr *bodyError
	)
	switch {
	case errors.As(err, &berr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_json", Message: berr.err.Error()})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation_failed", Fields: verr.Fields})
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, queue.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
	case errors.As(err, &serr):
		writeJSON(w, http.StatusConflict, errorBody{Error: "conflict", Message: serr.Error(), Status: serr.Status})
	case errors.Is(err, domain.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error: "tool_collision", Message: cerr.Error(), Tool: cerr.Tool, Sources: []string{cerr.First, cerr.Second},
		})
	case errors.Is(err, orchestrator.ErrDecomposition):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "decomposition_failed", Message: err.Error()})
	default:
		s.log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error", Message: "internal server error"})
	}
}
