package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	org, err := s.scheduler.CreateOrganization(r.Context(), req.Name)
	if err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}
	respondCreated(w, reqID, org)
}

func (s *Server) handleListOrganizations(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	orgs, err := s.scheduler.ListOrganizations(r.Context())
	if err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}
	respondOK(w, reqID, orgs)
}

func (s *Server) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	org, err := s.scheduler.GetOrganization(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}
	respondOK(w, reqID, org)
}

func (s *Server) handleOrganizationResources(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	usage, err := s.scheduler.OrganizationUsage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}
	respondOK(w, reqID, usage)
}

func (s *Server) handleListOrganizationClusters(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if _, err := s.scheduler.GetOrganization(r.Context(), id); err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}
	clusters, err := s.scheduler.ListClusters(r.Context(), id)
	if err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}
	respondOK(w, reqID, clusters)
}
