package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/OysteinAmundsen/home-sub001/internal/route"
	"github.com/OysteinAmundsen/home-sub001/internal/widget"
)

type listWidgetsResponse struct {
	Widgets []*widget.Descriptor `json:"widgets"`
	Total   int                  `json:"total"`
}

type listTagsResponse struct {
	Tags []string `json:"tags"`
}

type routesResponse struct {
	Client []route.Entry `json:"client"`
	Server []route.Entry `json:"server"`
}

func (s *Server) handleListWidgets(w http.ResponseWriter, r *http.Request) {
	seq := s.registry.All()
	if tag := r.URL.Query().Get("tag"); tag != "" {
		seq = s.registry.ListByTag(tag)
	}

	widgets := []*widget.Descriptor{}
	for d := range seq {
		widgets = append(widgets, d)
	}

	s.writeJSON(w, http.StatusOK, listWidgetsResponse{Widgets: widgets, Total: len(widgets)})
}

func (s *Server) handleListTags(w http.ResponseWriter, _ *http.Request) {
	tags := s.registry.Tags()
	if tags == nil {
		tags = []string{}
	}
	s.writeJSON(w, http.StatusOK, listTagsResponse{Tags: tags})
}

func (s *Server) handleGetWidget(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.ResolveByPath(chi.URLParam(r, "path"))
	if errors.Is(err, widget.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("resolve widget", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to resolve widget")
		return
	}

	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListRoutes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, routesResponse{
		Client: s.table.Client(),
		Server: s.table.Server(),
	})
}
