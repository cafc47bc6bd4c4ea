package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/me/berth/pkg/model"
)

// CreateOrganization stores a new organization. Names are unique.
func (s *Scheduler) CreateOrganization(ctx context.Context, name string) (*model.Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid(ErrInvalidArgument, model.FieldError{Field: "name", Message: "is required"})
	}

	s.orgMu.Lock()
	defer s.orgMu.Unlock()

	orgs, err := s.store.ListOrganizations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	for _, o := range orgs {
		if strings.EqualFold(o.Name, name) {
			return nil, fmt.Errorf("organization %q: %w", name, ErrOrganizationExists)
		}
	}

	org := &model.Organization{ID: newID("org_"), Name: name, CreatedAt: s.now()}
	if err := s.store.CreateOrganization(ctx, org); err != nil {
		return nil, fmt.Errorf("create organization: %w", err)
	}
	s.logger.Info("organization created", "organization_id", org.ID, "name", name)
	return org, nil
}

// GetOrganization returns the organization or ErrOrganizationNotFound.
func (s *Scheduler) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	org, err := s.store.GetOrganization(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get organization %s: %w", id, err)
	}
	if org == nil {
		return nil, fmt.Errorf("organization %s: %w", id, ErrOrganizationNotFound)
	}
	return org, nil
}

// ListOrganizations returns every organization.
func (s *Scheduler) ListOrganizations(ctx context.Context) ([]*model.Organization, error) {
	return s.store.ListOrganizations(ctx)
}

// OrganizationUsage sums limits and usage across the organization's clusters
// and reports how much of the quota is left.
func (s *Scheduler) OrganizationUsage(ctx context.Context, id string) (*model.OrganizationUsage, error) {
	if _, err := s.GetOrganization(ctx, id); err != nil {
		return nil, err
	}
	u := &model.OrganizationUsage{OrganizationID: id, Quota: s.config.OrganizationQuota}
	for _, cs := range s.orgClusters(id) {
		usage, err := s.ledger.Usage(cs.cluster.ID)
		if err != nil {
			// Deleted concurrently.
			continue
		}
		u.Clusters++
		u.Total = u.Total.Add(usage.Limit)
		u.Used = u.Used.Add(usage.Used)
	}
	u.Remaining = u.Quota.Sub(u.Total)
	return u, nil
}

func (s *Scheduler) orgClusters(orgID string) []*clusterState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*clusterState
	for _, cs := range s.clusters {
		// OrganizationID and Limit never change after creation.
		if orgID == "" || cs.cluster.OrganizationID == orgID {
			out = append(out, cs)
		}
	}
	return out
}

// CreateCluster validates spec, enforces the organization quota and opens a
// ledger account for the new cluster.
func (s *Scheduler) CreateCluster(ctx context.Context, spec model.ClusterSpec) (*model.Cluster, error) {
	var fields []model.FieldError
	if strings.TrimSpace(spec.Name) == "" {
		fields = append(fields, model.FieldError{Field: "name", Message: "is required"})
	}
	if spec.OrganizationID == "" {
		fields = append(fields, model.FieldError{Field: "organization_id", Message: "is required"})
	}
	if len(fields) > 0 {
		return nil, invalid(ErrInvalidArgument, fields...)
	}
	if errs := spec.Limit.ValidateLimit(); len(errs) > 0 {
		return nil, invalid(ErrInvalidResourceSpec, errs...)
	}
	if _, err := s.GetOrganization(ctx, spec.OrganizationID); err != nil {
		return nil, err
	}

	s.orgMu.Lock()
	defer s.orgMu.Unlock()

	var total model.Resources
	for _, cs := range s.orgClusters(spec.OrganizationID) {
		total = total.Add(cs.cluster.Limit)
	}
	if err := checkQuota(total, spec.Limit, s.config.OrganizationQuota); err != nil {
		return nil, err
	}

	c := &model.Cluster{
		ID:             newID("cl_"),
		OrganizationID: spec.OrganizationID,
		Name:           strings.TrimSpace(spec.Name),
		Description:    spec.Description,
		CloudProvider:  spec.CloudProvider,
		Region:         spec.Region,
		Status:         model.ClusterStatusPending,
		Limit:          spec.Limit,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateCluster(ctx, c); err != nil {
		return nil, fmt.Errorf("create cluster: %w", err)
	}
	if err := s.ledger.AddAccount(c.ID, c.Limit, model.Resources{}); err != nil {
		return nil, fmt.Errorf("open ledger account: %w", err)
	}
	cs := newClusterState(c)
	out := *c
	s.mu.Lock()
	s.clusters[c.ID] = cs
	s.mu.Unlock()

	s.logger.Info("cluster created", "cluster_id", c.ID, "organization_id", c.OrganizationID, "limit", c.Limit.String())
	return &out, nil
}

// checkQuota reports the first dimension in which total+limit exceeds quota.
func checkQuota(total, limit, quota model.Resources) error {
	next := total.Add(limit)
	remaining := quota.Sub(total)
	switch {
	case next.CPU.GreaterThan(quota.CPU):
		return fmt.Errorf("%w: CPU, available %s cores", ErrQuotaExceeded, remaining.CPU)
	case next.Memory.GreaterThan(quota.Memory):
		return fmt.Errorf("%w: memory, available %s GB", ErrQuotaExceeded, remaining.Memory)
	case next.GPU > quota.GPU:
		return fmt.Errorf("%w: GPU, available %d GPUs", ErrQuotaExceeded, remaining.GPU)
	}
	return nil
}

// GetCluster returns a copy of the cluster with current usage.
func (s *Scheduler) GetCluster(ctx context.Context, id string) (*model.Cluster, error) {
	cs, err := s.lockCluster(id)
	if err != nil {
		return nil, err
	}
	defer cs.mu.Unlock()
	c := *cs.cluster
	return &c, nil
}

// ListClusters returns the clusters of an organization, or all clusters when
// organizationID is empty, oldest first.
func (s *Scheduler) ListClusters(ctx context.Context, organizationID string) ([]*model.Cluster, error) {
	var out []*model.Cluster
	for _, cs := range s.orgClusters(organizationID) {
		cs.mu.Lock()
		if !cs.removed {
			c := *cs.cluster
			out = append(out, &c)
		}
		cs.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ClusterUsage returns the cluster's limit and used triples.
func (s *Scheduler) ClusterUsage(ctx context.Context, id string) (model.Usage, error) {
	if _, err := s.cluster(id); err != nil {
		return model.Usage{}, err
	}
	u, err := s.ledger.Usage(id)
	if err != nil {
		return model.Usage{}, fmt.Errorf("cluster %s: %w", id, ErrClusterNotFound)
	}
	return u, nil
}

// SetClusterStatus updates the informational provisioning status.
func (s *Scheduler) SetClusterStatus(ctx context.Context, id string, status model.ClusterStatus) (*model.Cluster, error) {
	if !status.Valid() {
		return nil, invalid(ErrInvalidArgument, model.FieldError{Field: "status", Message: "must be pending, running, stopped or error"})
	}
	cs, err := s.lockCluster(id)
	if err != nil {
		return nil, err
	}
	cs.cluster.Status = status
	c := *cs.cluster
	b := newBatch()
	b.touchCluster()
	return &c, s.commit(ctx, cs, b)
}

// DeleteCluster removes a cluster and all its deployments. Without force it
// fails with ErrClusterBusy while any reservation is held; with force every
// reservation is released first.
func (s *Scheduler) DeleteCluster(ctx context.Context, id string, force bool) error {
	cs, err := s.lockCluster(id)
	if err != nil {
		return err
	}
	usage, err := s.ledger.Usage(id)
	if err != nil {
		cs.mu.Unlock()
		return fmt.Errorf("cluster %s: %w", id, ErrClusterNotFound)
	}
	if !usage.Used.IsZero() && !force {
		cs.mu.Unlock()
		return fmt.Errorf("cluster %s uses %s: %w", id, usage.Used, ErrClusterBusy)
	}

	for _, d := range cs.deployments {
		if d.State.HoldsReservation() {
			if err := s.ledger.Release(id, d.Request); err != nil {
				s.logger.Error("release on cluster deletion", "deployment_id", d.ID, "error", err)
			}
		}
	}
	for depID := range cs.deployments {
		if _, err := s.graph.RemoveNode(depID); err != nil {
			s.logger.Error("remove graph node", "deployment_id", depID, "error", err)
		}
	}
	if err := s.ledger.RemoveAccount(id); err != nil {
		s.logger.Error("close ledger account", "cluster_id", id, "error", err)
	}
	cs.removed = true

	s.mu.Lock()
	delete(s.clusters, id)
	for depID := range cs.deployments {
		delete(s.index, depID)
	}
	s.mu.Unlock()
	n := len(cs.deployments)
	cs.deployments = map[string]*model.Deployment{}

	t := cs.ticket()
	cs.mu.Unlock()
	cs.awaitTurn(t)
	defer cs.doneTurn()

	s.logger.Info("cluster deleted", "cluster_id", id, "deployments", n, "forced", force)
	if err := s.store.DeleteCluster(ctx, id); err != nil {
		return fmt.Errorf("%w: delete cluster %s: %w", ErrNotPersisted, id, err)
	}
	return nil
}
