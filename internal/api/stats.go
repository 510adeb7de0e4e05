package api

import (
	"net/http"

	"github.com/OysteinAmundsen/home-sub001/internal/model"
	"github.com/OysteinAmundsen/home-sub001/internal/store"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	*store.Stats
	LiveSessions int `json:"live_sessions"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("get journal stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	live := 0
	for _, info := range s.manager.Sessions() {
		if info.State != model.SessionTerminated {
			live++
		}
	}

	s.writeJSON(w, http.StatusOK, statsResponse{Stats: stats, LiveSessions: live})
}
