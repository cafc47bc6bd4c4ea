package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/me/berth/internal/graph"
	"github.com/me/berth/internal/ledger"
	"github.com/me/berth/pkg/model"
)

// Error kinds returned by the scheduler. Use errors.Is to test for them.
var (
	ErrClusterNotFound        = errors.New("cluster not found")
	ErrDeploymentNotFound     = errors.New("deployment not found")
	ErrOrganizationNotFound   = errors.New("organization not found")
	ErrOrganizationExists     = errors.New("organization already exists")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrInvalidResourceSpec    = errors.New("invalid resource spec")
	ErrDependencyNotFound     = errors.New("dependency not found")
	ErrCycleDetected          = graph.ErrCycleDetected
	ErrCrossClusterDependency = graph.ErrCrossClusterDependency
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrClusterBusy            = errors.New("cluster has active reservations")
	ErrQuotaExceeded          = errors.New("organization quota exceeded")
	ErrOverRelease            = ledger.ErrOverRelease

	// ErrNotPersisted means the change was applied in memory but the store
	// write failed.
	ErrNotPersisted = errors.New("change applied but not persisted")
)

// ValidationError carries per-field details for a rejected request.
// It unwraps to its Kind, one of ErrInvalidArgument or ErrInvalidResourceSpec.
type ValidationError struct {
	Kind   error
	Fields []model.FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("%v: %s", e.Kind, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

func invalid(kind error, fields ...model.FieldError) error {
	return &ValidationError{Kind: kind, Fields: fields}
}

// transitionError reports a state change the deployment state machine forbids.
func transitionError(d *model.Deployment, to model.DeploymentState) error {
	return fmt.Errorf("%w: %w", ErrInvalidTransition, &model.InvalidTransitionError{
		Entity: "deployment",
		ID:     d.ID,
		From:   d.State.String(),
		To:     to.String(),
	})
}
