package store

import (
	"context"

	"github.com/me/berth/pkg/model"
)

// Store defines the persistence layer for berth entities.
// Getters return nil, nil when the record does not exist.
type Store interface {
	// Organization operations
	CreateOrganization(ctx context.Context, org *model.Organization) error
	GetOrganization(ctx context.Context, id string) (*model.Organization, error)
	ListOrganizations(ctx context.Context) ([]*model.Organization, error)

	// Cluster CRUD
	CreateCluster(ctx context.Context, c *model.Cluster) error
	GetCluster(ctx context.Context, id string) (*model.Cluster, error)
	ListClusters(ctx context.Context, organizationID string) ([]*model.Cluster, error)
	UpdateCluster(ctx context.Context, c *model.Cluster) error
	// DeleteCluster removes the cluster and all of its deployments.
	DeleteCluster(ctx context.Context, id string) error

	// Deployment CRUD
	CreateDeployment(ctx context.Context, d *model.Deployment) error
	GetDeployment(ctx context.Context, id string) (*model.Deployment, error)
	ListDeployments(ctx context.Context, opts model.ListOptions) ([]*model.Deployment, int, error)
	// ListDeploymentsByCluster returns every deployment of a cluster, oldest first.
	ListDeploymentsByCluster(ctx context.Context, clusterID string) ([]*model.Deployment, error)
	UpdateDeployment(ctx context.Context, d *model.Deployment) error
	DeleteDeployment(ctx context.Context, id string) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
