package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/me/berth/internal/graph"
	"github.com/me/berth/pkg/model"
)

// CreateDeployment validates spec, registers the deployment and its
// dependency edges on the cluster, and attempts admission. The returned copy
// is SCHEDULED when admitted and PENDING when deferred.
func (s *Scheduler) CreateDeployment(ctx context.Context, clusterID string, spec model.DeploymentSpec) (*model.Deployment, error) {
	if err := validateDeploymentSpec(spec); err != nil {
		return nil, err
	}
	priority := model.PriorityMedium
	if spec.Priority != nil {
		priority = *spec.Priority
	}

	d := &model.Deployment{
		ID:          newID("dep_"),
		ClusterID:   clusterID,
		Name:        strings.TrimSpace(spec.Name),
		Description: spec.Description,
		Request:     spec.Request,
		Priority:    priority,
		State:       model.DeploymentStatePending,
		DependsOn:   dedupe(spec.DependencyIDs),
		CreatedAt:   s.now(),
	}

	cs, err := s.lockCluster(clusterID)
	if err != nil {
		return nil, err
	}
	for _, dep := range d.DependsOn {
		if _, ok := cs.deployments[dep]; ok {
			continue
		}
		cs.mu.Unlock()
		if s.deploymentCluster(dep) != "" {
			return nil, fmt.Errorf("dependency %s: %w", dep, ErrCrossClusterDependency)
		}
		return nil, fmt.Errorf("dependency %s: %w", dep, ErrDependencyNotFound)
	}
	if err := s.graph.AddNode(d.ID, clusterID, d.DependsOn...); err != nil {
		cs.mu.Unlock()
		return nil, fmt.Errorf("register %s: %w", d.ID, err)
	}

	cs.deployments[d.ID] = d
	s.mu.Lock()
	s.index[d.ID] = clusterID
	s.mu.Unlock()

	b := newBatch()
	b.create(d)
	outcome := s.admit(cs, d, b)
	out := d.Clone()
	s.logger.Info("deployment created", "deployment_id", d.ID, "cluster_id", clusterID, "outcome", outcome)

	if err := s.commit(ctx, cs, b); err != nil {
		return out, err
	}
	return out, nil
}

func validateDeploymentSpec(spec model.DeploymentSpec) error {
	var fields []model.FieldError
	if strings.TrimSpace(spec.Name) == "" {
		fields = append(fields, model.FieldError{Field: "name", Message: "is required"})
	}
	if spec.Priority != nil && !spec.Priority.Valid() {
		fields = append(fields, model.FieldError{Field: "priority", Message: "must be LOW, MEDIUM, HIGH or CRITICAL"})
	}
	if len(fields) > 0 {
		return invalid(ErrInvalidArgument, fields...)
	}
	if errs := spec.Request.ValidateRequest(); len(errs) > 0 {
		return invalid(ErrInvalidResourceSpec, errs...)
	}
	return nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (s *Scheduler) deploymentCluster(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index[id]
}

// AddDependency makes a PENDING deployment wait for another deployment of
// the same cluster. The graph is unchanged on failure.
func (s *Scheduler) AddDependency(ctx context.Context, dependentID, dependencyID string) (*model.Deployment, error) {
	cs, d, err := s.lockDeployment(dependentID)
	if err != nil {
		return nil, err
	}
	if _, ok := cs.deployments[dependencyID]; !ok {
		cs.mu.Unlock()
		if s.deploymentCluster(dependencyID) != "" {
			return nil, fmt.Errorf("dependency %s: %w", dependencyID, ErrCrossClusterDependency)
		}
		return nil, fmt.Errorf("dependency %s: %w", dependencyID, ErrDependencyNotFound)
	}
	if d.State != model.DeploymentStatePending {
		cs.mu.Unlock()
		return nil, fmt.Errorf("add dependency to %s deployment %s: %w", d.State, d.ID, ErrInvalidTransition)
	}
	if err := s.graph.AddEdge(d.ID, dependencyID); err != nil {
		cs.mu.Unlock()
		return nil, err
	}

	b := newBatch()
	if !contains(d.DependsOn, dependencyID) {
		d.DependsOn = append(d.DependsOn, dependencyID)
		b.update(d)
	}
	out := d.Clone()
	s.logger.Info("dependency added", "deployment_id", d.ID, "dependency_id", dependencyID)
	return out, s.commit(ctx, cs, b)
}

// withoutID returns a copy of ids without id.
func withoutID(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Complete marks a RUNNING deployment COMPLETED, releases its reservation,
// and admits dependents whose last unmet dependency it was. Completing any
// other state returns ErrInvalidTransition and credits nothing.
func (s *Scheduler) Complete(ctx context.Context, id string) (*model.Deployment, error) {
	cs, d, err := s.lockDeployment(id)
	if err != nil {
		return nil, err
	}
	if d.State != model.DeploymentStateRunning {
		cs.mu.Unlock()
		return nil, transitionError(d, model.DeploymentStateCompleted)
	}

	b := newBatch()
	if err := s.release(cs, d, b); err != nil {
		cs.mu.Unlock()
		return nil, err
	}
	now := s.now()
	d.State = model.DeploymentStateCompleted
	d.CompletedAt = &now
	d.Message = ""
	b.update(d)
	s.logger.Info("deployment completed", "deployment_id", d.ID, "cluster_id", d.ClusterID)

	tried := make(map[string]bool)
	for _, depID := range s.graph.OnCompleted(d.ID, cs.status) {
		dep := cs.deployments[depID]
		if dep == nil || dep.State != model.DeploymentStatePending {
			continue
		}
		tried[depID] = true
		s.admit(cs, dep, b)
	}
	s.reevaluate(cs, b, tried)

	out := d.Clone()
	return out, s.commit(ctx, cs, b)
}

// DeleteDeployment removes a deployment, releasing its reservation if it
// holds one. Dependents of a deployment that never completed stay PENDING
// and are never admitted.
func (s *Scheduler) DeleteDeployment(ctx context.Context, id string) error {
	cs, d, err := s.lockDeployment(id)
	if err != nil {
		return err
	}

	b := newBatch()
	freed := d.State.HoldsReservation()
	if freed {
		if err := s.release(cs, d, b); err != nil {
			cs.mu.Unlock()
			return err
		}
	}

	orphans, err := s.graph.RemoveNode(d.ID)
	if err != nil && !errors.Is(err, graph.ErrUnknownNode) {
		s.logger.Error("remove graph node", "deployment_id", d.ID, "error", err)
	}
	if d.State == model.DeploymentStateCompleted {
		// The edge is satisfied; drop it from the stored record as well so a
		// restart does not see a missing dependency.
		for _, oid := range orphans {
			o := cs.deployments[oid]
			if o == nil || !contains(o.DependsOn, d.ID) {
				continue
			}
			o.DependsOn = withoutID(o.DependsOn, d.ID)
			b.update(o)
		}
	} else {
		for _, oid := range orphans {
			o := cs.deployments[oid]
			if o == nil || o.State != model.DeploymentStatePending {
				continue
			}
			cs.blocked[oid] = true
			o.Message = "blocked: dependency " + d.ID + " was deleted before completing"
			b.update(o)
			s.logger.Warn("deployment blocked", "deployment_id", oid, "dependency_id", d.ID)
		}
	}

	delete(cs.deployments, d.ID)
	delete(cs.blocked, d.ID)
	s.mu.Lock()
	delete(s.index, d.ID)
	s.mu.Unlock()
	b.remove(d)
	s.logger.Info("deployment deleted", "deployment_id", d.ID, "cluster_id", d.ClusterID, "state", d.State)

	if freed {
		s.reevaluate(cs, b, nil)
	}
	return s.commit(ctx, cs, b)
}

// Requeue moves a PREEMPTED deployment back to PENDING and attempts
// admission again.
func (s *Scheduler) Requeue(ctx context.Context, id string) (*model.Deployment, error) {
	cs, d, err := s.lockDeployment(id)
	if err != nil {
		return nil, err
	}
	if !d.State.CanTransitionTo(model.DeploymentStatePending) {
		cs.mu.Unlock()
		return nil, transitionError(d, model.DeploymentStatePending)
	}

	b := newBatch()
	d.State = model.DeploymentStatePending
	d.ScheduledAt = nil
	d.StartedAt = nil
	d.CompletedAt = nil
	d.Message = ""
	b.update(d)
	s.logger.Info("deployment requeued", "deployment_id", d.ID, "cluster_id", d.ClusterID)
	s.admit(cs, d, b)

	out := d.Clone()
	return out, s.commit(ctx, cs, b)
}

// OnStartSucceeded records that the start side effect of a SCHEDULED
// deployment succeeded. It returns ErrInvalidTransition if the deployment
// is no longer SCHEDULED.
func (s *Scheduler) OnStartSucceeded(ctx context.Context, id string) (*model.Deployment, error) {
	cs, d, err := s.lockDeployment(id)
	if err != nil {
		return nil, err
	}
	if d.State != model.DeploymentStateScheduled {
		cs.mu.Unlock()
		return nil, transitionError(d, model.DeploymentStateRunning)
	}

	b := newBatch()
	now := s.now()
	d.State = model.DeploymentStateRunning
	d.StartedAt = &now
	b.update(d)
	s.logger.Info("deployment running", "deployment_id", d.ID, "cluster_id", d.ClusterID)

	out := d.Clone()
	return out, s.commit(ctx, cs, b)
}

// OnStartFailed records that the start side effect failed. A SCHEDULED or
// RUNNING deployment becomes FAILED and its reservation is released.
func (s *Scheduler) OnStartFailed(ctx context.Context, id, reason string) (*model.Deployment, error) {
	return s.fail(ctx, id, reason, model.DeploymentStateScheduled, model.DeploymentStateRunning)
}

// Fail marks a RUNNING deployment FAILED, for failures reported after start.
func (s *Scheduler) Fail(ctx context.Context, id, reason string) (*model.Deployment, error) {
	return s.fail(ctx, id, reason, model.DeploymentStateRunning)
}

func (s *Scheduler) fail(ctx context.Context, id, reason string, from ...model.DeploymentState) (*model.Deployment, error) {
	cs, d, err := s.lockDeployment(id)
	if err != nil {
		return nil, err
	}
	allowed := false
	for _, st := range from {
		if d.State == st {
			allowed = true
		}
	}
	if !allowed {
		cs.mu.Unlock()
		return nil, transitionError(d, model.DeploymentStateFailed)
	}

	b := newBatch()
	if err := s.release(cs, d, b); err != nil {
		cs.mu.Unlock()
		return nil, err
	}
	now := s.now()
	d.State = model.DeploymentStateFailed
	d.CompletedAt = &now
	d.Message = reason
	b.update(d)
	s.logger.Warn("deployment failed", "deployment_id", d.ID, "cluster_id", d.ClusterID, "reason", reason)

	s.reevaluate(cs, b, nil)
	out := d.Clone()
	return out, s.commit(ctx, cs, b)
}

// ReevaluatePending retries admission for the cluster's ready PENDING
// deployments and returns how many were admitted.
func (s *Scheduler) ReevaluatePending(ctx context.Context, clusterID string) (int, error) {
	cs, err := s.lockCluster(clusterID)
	if err != nil {
		return 0, err
	}
	b := newBatch()
	s.reevaluate(cs, b, nil)
	n := 0
	for _, d := range b.starts {
		if d.State == model.DeploymentStateScheduled {
			n++
		}
	}
	return n, s.commit(ctx, cs, b)
}

// GetDeployment returns a copy of the deployment.
func (s *Scheduler) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	cs, d, err := s.lockDeployment(id)
	if err != nil {
		return nil, err
	}
	defer cs.mu.Unlock()
	return d.Clone(), nil
}

// ListDeployments returns a page of deployments from the store.
func (s *Scheduler) ListDeployments(ctx context.Context, opts model.ListOptions) ([]*model.Deployment, int, error) {
	if opts.State != "" {
		if _, ok := model.ParseDeploymentState(opts.State); !ok {
			return nil, 0, invalid(ErrInvalidArgument, model.FieldError{Field: "state", Message: "unknown deployment state " + opts.State})
		}
	}
	if opts.ClusterID != "" {
		if _, err := s.cluster(opts.ClusterID); err != nil {
			return nil, 0, err
		}
	}
	return s.store.ListDeployments(ctx, opts)
}

// IsBlocked reports whether a PENDING deployment can never become ready
// because a dependency was deleted, failed or was preempted.
func (s *Scheduler) IsBlocked(ctx context.Context, id string) (bool, error) {
	cs, d, err := s.lockDeployment(id)
	if err != nil {
		return false, err
	}
	defer cs.mu.Unlock()
	if d.State != model.DeploymentStatePending {
		return false, nil
	}
	if cs.blocked[id] {
		return true, nil
	}
	for _, dep := range s.graph.Dependencies(id) {
		switch cs.status(dep) {
		case model.DeploymentStateFailed, model.DeploymentStatePreempted:
			return true, nil
		}
	}
	return false, nil
}
