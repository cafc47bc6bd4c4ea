package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/berth/internal/scheduler"
	"github.com/me/berth/pkg/model"
)

func (s *Server) handleCreateCluster(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var spec model.ClusterSpec
	if !decodeJSON(w, r, &spec) {
		return
	}
	c, err := s.scheduler.CreateCluster(r.Context(), spec)
	if err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}
	respondCreated(w, reqID, c)
}

func (s *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	clusters, err := s.scheduler.ListClusters(r.Context(), r.URL.Query().Get("organization_id"))
	if err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}
	respondOK(w, reqID, clusters)
}

func (s *Server) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	c, err := s.scheduler.GetCluster(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}
	respondOK(w, reqID, c)
}

func (s *Server) handleDeleteCluster(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "true"
	err := s.scheduler.DeleteCluster(r.Context(), id, force)
	if err != nil && !errors.Is(err, scheduler.ErrNotPersisted) {
		respondSchedulerError(w, reqID, err)
		return
	}
	if err != nil {
		s.logger.Error("cluster deleted but not persisted", "cluster_id", id, "error", err)
	}
	respondOK(w, reqID, map[string]any{"id": id, "deleted": true})
}

type usageResponse struct {
	ClusterID string          `json:"cluster_id"`
	Limit     model.Resources `json:"limit"`
	Used      model.Resources `json:"used"`
	Available model.Resources `json:"available"`
}

func (s *Server) handleClusterUsage(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	u, err := s.scheduler.ClusterUsage(r.Context(), id)
	if err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}
	respondOK(w, reqID, usageResponse{ClusterID: id, Limit: u.Limit, Used: u.Used, Available: u.Available()})
}

func (s *Server) handleSetClusterStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req struct {
		Status model.ClusterStatus `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := s.scheduler.SetClusterStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil && !errors.Is(err, scheduler.ErrNotPersisted) {
		respondSchedulerError(w, reqID, err)
		return
	}
	if err != nil {
		s.logger.Error("cluster status set but not persisted", "cluster_id", c.ID, "error", err)
	}
	respondOK(w, reqID, c)
}

func (s *Server) handleReconcileCluster(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	n, err := s.scheduler.ReevaluatePending(r.Context(), chi.URLParam(r, "id"))
	if err != nil && !errors.Is(err, scheduler.ErrNotPersisted) {
		respondSchedulerError(w, reqID, err)
		return
	}
	if err != nil {
		s.logger.Error("reconcile applied but not persisted", "cluster_id", chi.URLParam(r, "id"), "error", err)
	}
	respondOK(w, reqID, map[string]any{"admitted": n})
}
