package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "berth API",
		Version:     "v1",
		Description: "Deployment admission and preemption scheduler for resource-bounded clusters",
		Endpoints: []endpointInfo{
			{"/api/v1/organizations", []string{"GET", "POST"}, "Organization management"},
			{"/api/v1/organizations/{id}", []string{"GET"}, "Single Organization"},
			{"/api/v1/organizations/{id}/resources", []string{"GET"}, "Total, used and remaining quota across the Organization's Clusters"},
			{"/api/v1/organizations/{id}/clusters", []string{"GET"}, "Clusters of an Organization"},
			{"/api/v1/clusters", []string{"GET", "POST"}, "Cluster management. GET accepts ?organization_id="},
			{"/api/v1/clusters/{id}", []string{"GET", "DELETE"}, "Single Cluster. DELETE accepts ?force=true to release active reservations"},
			{"/api/v1/clusters/{id}/usage", []string{"GET"}, "Cluster limit and used resources"},
			{"/api/v1/clusters/{id}/status", []string{"PUT"}, "Set the informational Cluster status"},
			{"/api/v1/clusters/{id}/reconcile", []string{"POST"}, "Retry admission of pending Deployments"},
			{"/api/v1/clusters/{id}/deployments", []string{"GET", "POST"}, "Deployments of a Cluster"},
			{"/api/v1/deployments", []string{"GET", "POST"}, "Deployment management. GET accepts ?cluster_id=, ?organization_id=, ?state="},
			{"/api/v1/deployments/{id}", []string{"GET", "DELETE"}, "Single Deployment"},
			{"/api/v1/deployments/{id}/dependencies", []string{"POST"}, "Add a dependency to a pending Deployment"},
			{"/api/v1/deployments/{id}/complete", []string{"POST"}, "Mark a running Deployment completed"},
			{"/api/v1/deployments/{id}/fail", []string{"POST"}, "Mark a running Deployment failed"},
			{"/api/v1/deployments/{id}/requeue", []string{"POST"}, "Return a preempted Deployment to the queue"},
			{"/api/v1/deployments/{id}/start-succeeded", []string{"POST"}, "Report that a scheduled Deployment started"},
			{"/api/v1/deployments/{id}/start-failed", []string{"POST"}, "Report that a scheduled Deployment failed to start"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
