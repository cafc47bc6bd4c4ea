package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/berth/pkg/model"
)

// LocalExecutor simulates starting a deployment in-process. It succeeds
// after an optional delay, which stands in for provisioning latency.
type LocalExecutor struct {
	latency time.Duration
	logger  *slog.Logger
}

// NewLocalExecutor creates a LocalExecutor that waits latency before reporting success.
func NewLocalExecutor(latency time.Duration, logger *slog.Logger) *LocalExecutor {
	return &LocalExecutor{
		latency: latency,
		logger:  logger.With("component", "local-executor"),
	}
}

// Type returns TypeLocal.
func (e *LocalExecutor) Type() Type {
	return TypeLocal
}

// Start waits for the configured latency and returns nil, or ctx's error if
// ctx ends first.
func (e *LocalExecutor) Start(ctx context.Context, d *model.Deployment) error {
	e.logger.Debug("starting deployment", "deployment_id", d.ID, "cluster_id", d.ClusterID, "latency", e.latency)
	if e.latency <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(e.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("deployment %s: start interrupted: %w", d.ID, ctx.Err())
	case <-timer.C:
		return nil
	}
}
