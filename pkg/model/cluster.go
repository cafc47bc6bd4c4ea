package model

import "time"

// Organization owns clusters and carries their combined resource quota.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// OrganizationUsage summarizes capacity across an organization's clusters.
type OrganizationUsage struct {
	OrganizationID string    `json:"organization_id"`
	Clusters       int       `json:"clusters"`
	Total          Resources `json:"total_resources"`
	Used           Resources `json:"used_resources"`
	Quota          Resources `json:"quota"`
	Remaining      Resources `json:"available_resources"`
}

// Cluster is a bounded pool of CPU, memory and GPU capacity.
type Cluster struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organization_id"`
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	CloudProvider  string        `json:"cloud_provider"`
	Region         string        `json:"region"`
	Status         ClusterStatus `json:"status"`
	Limit          Resources     `json:"limit"`
	Used           Resources     `json:"used"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Usage returns the cluster's capacity and reservation totals.
func (c *Cluster) Usage() Usage {
	return Usage{Limit: c.Limit, Used: c.Used}
}

// ClusterSpec is the input for creating a cluster.
type ClusterSpec struct {
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	CloudProvider  string    `json:"cloud_provider"`
	Region         string    `json:"region"`
	Limit          Resources `json:"limit"`
}
