package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/me/berth/pkg/model"
)

type writeKind int

const (
	writeCreate writeKind = iota
	writeUpdate
	writeDelete
)

// batch collects the store writes and start side effects produced by one
// operation while the cluster lock is held.
type batch struct {
	order   []string
	kinds   map[string]writeKind
	live    map[string]*model.Deployment
	cluster bool
	starts  []*model.Deployment
}

func newBatch() *batch {
	return &batch{
		kinds: make(map[string]writeKind),
		live:  make(map[string]*model.Deployment),
	}
}

func (b *batch) record(d *model.Deployment, k writeKind) {
	if prev, ok := b.kinds[d.ID]; ok {
		// A row created in this batch stays a create; a delete always wins.
		if prev == writeCreate && k == writeUpdate {
			k = writeCreate
		}
		if prev == writeCreate && k == writeDelete {
			delete(b.kinds, d.ID)
			delete(b.live, d.ID)
			return
		}
	} else {
		b.order = append(b.order, d.ID)
	}
	b.kinds[d.ID] = k
	b.live[d.ID] = d
}

func (b *batch) create(d *model.Deployment) { b.record(d, writeCreate) }
func (b *batch) update(d *model.Deployment) { b.record(d, writeUpdate) }
func (b *batch) remove(d *model.Deployment) { b.record(d, writeDelete) }
func (b *batch) touchCluster()              { b.cluster = true }
func (b *batch) start(d *model.Deployment)  { b.starts = append(b.starts, d) }

type write struct {
	kind writeKind
	id   string
	dep  *model.Deployment
}

// frozen is a batch copied out of the critical section.
type frozen struct {
	writes  []write
	cluster *model.Cluster
	starts  []*model.Deployment
}

// freeze snapshots every touched record. Caller holds the cluster's mu.
func (b *batch) freeze(cs *clusterState) *frozen {
	f := &frozen{}
	for _, id := range b.order {
		k, ok := b.kinds[id]
		if !ok {
			continue
		}
		w := write{kind: k, id: id}
		if k != writeDelete {
			w.dep = b.live[id].Clone()
		}
		f.writes = append(f.writes, w)
	}
	if b.cluster {
		c := *cs.cluster
		f.cluster = &c
	}
	for _, d := range b.starts {
		// Skip starts whose deployment was preempted later in the same operation.
		if d.State == model.DeploymentStateScheduled {
			f.starts = append(f.starts, d.Clone())
		}
	}
	return f
}

// commit takes a write ticket, releases the cluster lock, writes the batch
// once earlier tickets are done, and dispatches starts. The caller must hold
// cs.mu and must not touch cs after calling commit.
func (s *Scheduler) commit(ctx context.Context, cs *clusterState, b *batch) error {
	f := b.freeze(cs)
	t := cs.ticket()
	cs.mu.Unlock()

	cs.awaitTurn(t)
	err := s.persist(ctx, f)
	cs.doneTurn()

	s.dispatch(f.starts)
	return err
}

func (s *Scheduler) persist(ctx context.Context, f *frozen) error {
	var errs []error
	for _, w := range f.writes {
		var err error
		switch w.kind {
		case writeCreate:
			err = s.store.CreateDeployment(ctx, w.dep)
		case writeUpdate:
			err = s.store.UpdateDeployment(ctx, w.dep)
		case writeDelete:
			err = s.store.DeleteDeployment(ctx, w.id)
		}
		if err != nil {
			s.logger.Error("persist deployment", "deployment_id", w.id, "error", err)
			errs = append(errs, fmt.Errorf("persist deployment %s: %w", w.id, err))
		}
	}
	if f.cluster != nil {
		if err := s.store.UpdateCluster(ctx, f.cluster); err != nil {
			s.logger.Error("persist cluster", "cluster_id", f.cluster.ID, "error", err)
			errs = append(errs, fmt.Errorf("persist cluster %s: %w", f.cluster.ID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrNotPersisted, errors.Join(errs...))
	}
	return nil
}

// dispatch runs the start side effect for each deployment on its own
// goroutine and reports the outcome through the start callbacks.
func (s *Scheduler) dispatch(starts []*model.Deployment) {
	for _, d := range starts {
		s.inflight.Add(1)
		go func(d *model.Deployment) {
			defer s.inflight.Done()
			s.runStart(d)
		}(d)
	}
}

func (s *Scheduler) runStart(d *model.Deployment) {
	log := s.logger.With("deployment_id", d.ID, "cluster_id", d.ClusterID, "executor", s.exec.Type())

	ctx, cancel := context.WithTimeout(s.baseCtx, s.config.StartTimeout)
	startErr := s.exec.Start(ctx, d)
	cancel()

	// Callbacks must land even when the scheduler is shutting down.
	cbCtx := context.WithoutCancel(s.baseCtx)
	var err error
	if startErr != nil {
		log.Warn("start failed", "error", startErr)
		_, err = s.OnStartFailed(cbCtx, d.ID, startErr.Error())
	} else {
		_, err = s.OnStartSucceeded(cbCtx, d.ID)
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrDeploymentNotFound), errors.Is(err, ErrInvalidTransition):
		// Deleted or preempted while starting.
		log.Info("start result ignored", "reason", err)
	default:
		log.Error("start callback", "error", err)
	}
}
