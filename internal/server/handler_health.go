package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	GoVersion string   `json:"go_version"`
	Uptime    string   `json:"uptime"`
	Store     string   `json:"store"`
	Executor  string   `json:"executor"`
	Executors []string `json:"executors"`
	Clusters  int      `json:"clusters"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	clusters, err := s.scheduler.ListClusters(r.Context(), "")
	if err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}
	var executors []string
	if s.registry != nil {
		for _, t := range s.registry.Types() {
			executors = append(executors, string(t))
		}
	}
	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   "0.1.0",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Store:     s.config.StoreDriver,
		Executor:  s.config.Executor,
		Executors: executors,
		Clusters:  len(clusters),
	})
}
