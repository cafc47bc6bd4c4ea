package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/berth/internal/scheduler"
	"github.com/me/berth/pkg/model"
)

// deploymentView adds scheduler-side flags to a deployment.
type deploymentView struct {
	*model.Deployment
	Blocked bool `json:"blocked,omitempty"`
}

type createDeploymentRequest struct {
	ClusterID string `json:"cluster_id"`
	model.DeploymentSpec
}

func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req createDeploymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ClusterID == "" {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "cluster_id", Message: "cluster_id is required"}))
		return
	}
	s.createDeployment(w, r, req.ClusterID, req.DeploymentSpec)
}

func (s *Server) handleCreateClusterDeployment(w http.ResponseWriter, r *http.Request) {
	var spec model.DeploymentSpec
	if !decodeJSON(w, r, &spec) {
		return
	}
	s.createDeployment(w, r, chi.URLParam(r, "id"), spec)
}

func (s *Server) createDeployment(w http.ResponseWriter, r *http.Request, clusterID string, spec model.DeploymentSpec) {
	reqID := RequestIDFromContext(r.Context())
	d, err := s.scheduler.CreateDeployment(r.Context(), clusterID, spec)
	if err != nil && !errors.Is(err, scheduler.ErrNotPersisted) {
		respondSchedulerError(w, reqID, err)
		return
	}
	if err != nil {
		// The decision stands; only the write-behind failed.
		s.logger.Error("deployment created but not persisted", "deployment_id", d.ID, "error", err)
	}
	respondCreated(w, reqID, d)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	opts, ok := listOptions(w, r)
	if !ok {
		return
	}
	opts.ClusterID = r.URL.Query().Get("cluster_id")
	opts.OrganizationID = r.URL.Query().Get("organization_id")
	s.listDeployments(w, r, opts)
}

func (s *Server) handleListClusterDeployments(w http.ResponseWriter, r *http.Request) {
	opts, ok := listOptions(w, r)
	if !ok {
		return
	}
	opts.ClusterID = chi.URLParam(r, "id")
	s.listDeployments(w, r, opts)
}

func (s *Server) listDeployments(w http.ResponseWriter, r *http.Request, opts model.ListOptions) {
	reqID := RequestIDFromContext(r.Context())
	opts.State = r.URL.Query().Get("state")
	opts.Clamp()

	deps, total, err := s.scheduler.ListDeployments(r.Context(), opts)
	if err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}
	if deps == nil {
		deps = []*model.Deployment{}
	}
	respondList(w, reqID, deps, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+opts.Limit < total,
	})
}

// listOptions parses ?limit= and ?offset=.
func listOptions(w http.ResponseWriter, r *http.Request) (model.ListOptions, bool) {
	opts := model.DefaultListOptions()
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &opts.Limit}, {"offset", &opts.Offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, RequestIDFromContext(r.Context()), http.StatusBadRequest,
				model.NewValidationError("invalid query parameter",
					model.FieldError{Field: p.name, Message: "must be an integer"}))
			return opts, false
		}
		*p.dst = n
	}
	return opts, true
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	d, err := s.scheduler.GetDeployment(r.Context(), id)
	if err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}
	blocked, err := s.scheduler.IsBlocked(r.Context(), id)
	if err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}
	respondOK(w, reqID, deploymentView{Deployment: d, Blocked: blocked})
}

func (s *Server) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	err := s.scheduler.DeleteDeployment(r.Context(), id)
	if err != nil && !errors.Is(err, scheduler.ErrNotPersisted) {
		respondSchedulerError(w, reqID, err)
		return
	}
	if err != nil {
		s.logger.Error("deployment deleted but not persisted", "deployment_id", id, "error", err)
	}
	respondOK(w, reqID, map[string]any{"id": id, "deleted": true})
}

func (s *Server) handleAddDependency(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req struct {
		DependencyID string `json:"dependency_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DependencyID == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "dependency_id", Message: "dependency_id is required"}))
		return
	}
	d, err := s.scheduler.AddDependency(r.Context(), chi.URLParam(r, "id"), req.DependencyID)
	s.respondDeployment(w, reqID, d, err)
}

func (s *Server) handleCompleteDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.scheduler.Complete(r.Context(), chi.URLParam(r, "id"))
	s.respondDeployment(w, RequestIDFromContext(r.Context()), d, err)
}

func (s *Server) handleRequeueDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.scheduler.Requeue(r.Context(), chi.URLParam(r, "id"))
	s.respondDeployment(w, RequestIDFromContext(r.Context()), d, err)
}

func (s *Server) handleStartSucceeded(w http.ResponseWriter, r *http.Request) {
	d, err := s.scheduler.OnStartSucceeded(r.Context(), chi.URLParam(r, "id"))
	s.respondDeployment(w, RequestIDFromContext(r.Context()), d, err)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// reason reads an optional {"reason": ...} body.
func reason(r *http.Request, fallback string) string {
	var req reasonRequest
	if r.ContentLength == 0 || jsonDecode(r, &req) != nil || req.Reason == "" {
		return fallback
	}
	return req.Reason
}

func (s *Server) handleStartFailed(w http.ResponseWriter, r *http.Request) {
	d, err := s.scheduler.OnStartFailed(r.Context(), chi.URLParam(r, "id"), reason(r, "start failed"))
	s.respondDeployment(w, RequestIDFromContext(r.Context()), d, err)
}

func (s *Server) handleFailDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.scheduler.Fail(r.Context(), chi.URLParam(r, "id"), reason(r, "reported failed"))
	s.respondDeployment(w, RequestIDFromContext(r.Context()), d, err)
}

// respondDeployment writes the result of a state-changing operation.
// ErrNotPersisted still answers with the applied deployment.
func (s *Server) respondDeployment(w http.ResponseWriter, reqID string, d *model.Deployment, err error) {
	if err != nil && !errors.Is(err, scheduler.ErrNotPersisted) {
		respondSchedulerError(w, reqID, err)
		return
	}
	if err != nil {
		s.logger.Error("deployment updated but not persisted", "deployment_id", d.ID, "error", err)
	}
	respondOK(w, reqID, d)
}
