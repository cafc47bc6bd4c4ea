package executor

import (
	"context"

	"github.com/me/berth/pkg/model"
)

// Type identifies an executor implementation.
type Type string

const (
	TypeLocal   Type = "local"
	TypeWebhook Type = "webhook"
)

// Executor performs the start side effect of a SCHEDULED deployment.
// A nil error means the deployment is running; any error means the start failed.
// Implementations must honor ctx cancellation.
type Executor interface {
	// Type returns the executor type identifier.
	Type() Type

	// Start launches the deployment.
	Start(ctx context.Context, d *model.Deployment) error
}
