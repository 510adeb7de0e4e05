package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/OysteinAmundsen/home-sub001/internal/dispatch"
	"github.com/OysteinAmundsen/home-sub001/internal/store"
)

type listSessionsResponse struct {
	Sessions []dispatch.SessionInfo `json:"sessions"`
	Total    int                    `json:"total"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.manager.Sessions()
	s.writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: sessions, Total: len(sessions)})
}

// handleGetSession returns the live session, or its journal row when the
// process no longer knows the id.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if info, ok := s.manager.Session(id); ok {
		s.writeJSON(w, http.StatusOK, info)
		return
	}

	rec, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("get session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.manager.Terminate(id); err != nil {
		s.writeDispatchError(w, r, err)
		return
	}

	info, _ := s.manager.Session(id)
	s.writeJSON(w, http.StatusOK, info)
}
