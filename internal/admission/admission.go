// Package admission decides whether a deployment runs now, waits, or runs by
// evicting lower-priority work.
package admission

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/me/berth/internal/graph"
	"github.com/me/berth/internal/ledger"
	"github.com/me/berth/internal/preemption"
	"github.com/me/berth/pkg/model"
)

// Ledger is the subset of the resource ledger the policy needs.
type Ledger interface {
	Available(cluster string) (model.Resources, error)
	Reserve(cluster string, amount model.Resources) error
	Release(cluster string, amount model.Resources) error
}

// Readiness answers dependency readiness queries.
type Readiness interface {
	IsReady(id string, status graph.StatusFunc) bool
}

// Decision is the result of TryAdmit. Victims is non-empty only for
// OutcomeAdmittedViaPreemption.
type Decision struct {
	Outcome model.Outcome
	Victims []*model.Deployment
}

// Option configures a Policy.
type Option func(*Policy)

// WithPreemptionThreshold sets the lowest priority allowed to preempt.
func WithPreemptionThreshold(p model.Priority) Option {
	return func(pol *Policy) { pol.threshold = p }
}

// WithLogger sets the logger used for decision tracing.
func WithLogger(l *slog.Logger) Option {
	return func(pol *Policy) { pol.logger = l }
}

// Policy implements admission on top of a ledger and a dependency graph.
// It moves reservations but never changes deployment state; the caller
// applies SCHEDULED and PREEMPTED and must hold the cluster's lock.
type Policy struct {
	ledger    Ledger
	graph     Readiness
	threshold model.Priority
	logger    *slog.Logger
}

// New creates a Policy. The default preemption threshold is HIGH.
func New(l Ledger, g Readiness, opts ...Option) *Policy {
	p := &Policy{
		ledger:    l,
		graph:     g,
		threshold: model.PriorityHigh,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "admission")
	return p
}

// Threshold returns the lowest priority allowed to preempt.
func (p *Policy) Threshold() model.Priority {
	return p.threshold
}

// TryAdmit attempts to reserve d's request on its cluster. status reports the
// state of d's dependencies and running lists the cluster's deployments that
// may be considered as victims.
//
// Capacity shortfalls are reported as OutcomeDeferred, not as errors. An error
// means the ledger rejected a move it should have accepted; any reservation
// already moved is restored before returning.
func (p *Policy) TryAdmit(d *model.Deployment, status graph.StatusFunc, running []*model.Deployment) (Decision, error) {
	deferred := Decision{Outcome: model.OutcomeDeferred}
	log := p.logger.With("deployment_id", d.ID, "cluster_id", d.ClusterID)

	if !p.graph.IsReady(d.ID, status) {
		log.Debug("deferred: dependencies not complete")
		return deferred, nil
	}

	avail, err := p.ledger.Available(d.ClusterID)
	if err != nil {
		return deferred, fmt.Errorf("admit %s: %w", d.ID, err)
	}
	if d.Request.Fits(avail) {
		err := p.ledger.Reserve(d.ClusterID, d.Request)
		if err == nil {
			log.Debug("admitted", "request", d.Request.String())
			return Decision{Outcome: model.OutcomeAdmitted}, nil
		}
		if !errors.Is(err, ledger.ErrInsufficientCapacity) {
			return deferred, fmt.Errorf("admit %s: %w", d.ID, err)
		}
	}

	if d.Priority < p.threshold {
		log.Debug("deferred: insufficient capacity", "priority", d.Priority.String())
		return deferred, nil
	}

	deficit := d.Request.Deficit(avail)
	victims, ok := preemption.SelectVictims(running, deficit, d.Priority)
	if !ok {
		log.Debug("deferred: no sufficient victim set", "deficit", deficit.String())
		return deferred, nil
	}

	if err := p.commit(d, victims); err != nil {
		return deferred, err
	}
	log.Info("admitted via preemption", "victims", len(victims))
	return Decision{Outcome: model.OutcomeAdmittedViaPreemption, Victims: victims}, nil
}

// commit releases every victim and reserves d, or restores the ledger.
func (p *Policy) commit(d *model.Deployment, victims []*model.Deployment) error {
	released := make([]*model.Deployment, 0, len(victims))
	for _, v := range victims {
		if err := p.ledger.Release(v.ClusterID, v.Request); err != nil {
			p.restore(released)
			return fmt.Errorf("preempt %s for %s: %w", v.ID, d.ID, err)
		}
		released = append(released, v)
	}
	if err := p.ledger.Reserve(d.ClusterID, d.Request); err != nil {
		p.restore(released)
		return fmt.Errorf("admit %s after preemption: %w", d.ID, err)
	}
	return nil
}

func (p *Policy) restore(released []*model.Deployment) {
	for _, v := range released {
		if err := p.ledger.Reserve(v.ClusterID, v.Request); err != nil {
			p.logger.Error("restore victim reservation", "deployment_id", v.ID, "error", err)
		}
	}
}
