// Package scheduler decides, per cluster, which deployments run now, which
// wait, and which running deployments are evicted to admit higher-priority
// work.
//
// Each cluster has its own lock. Admission, preemption, completion, deletion
// and start callbacks for one cluster are serialized by it; different
// clusters proceed in parallel. No I/O happens while a cluster lock is held,
// and no operation waits on a store writer while holding one: each write batch
// takes a per-cluster ticket under the lock, then waits for its turn after the
// lock is released, so batches land in the order the mutations happened. Start
// side effects run on their own goroutines.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/me/berth/internal/admission"
	"github.com/me/berth/internal/executor"
	"github.com/me/berth/internal/graph"
	"github.com/me/berth/internal/ledger"
	"github.com/me/berth/internal/store"
	"github.com/me/berth/pkg/model"
)

// Config holds scheduler configuration.
type Config struct {
	// StartTimeout bounds each start side effect. A start that times out is FAILED.
	StartTimeout time.Duration
	// PreemptionThreshold is the lowest priority allowed to evict running work.
	PreemptionThreshold model.Priority
	// OrganizationQuota caps the summed limits of an organization's clusters.
	OrganizationQuota model.Resources
	// ReconcileInterval is how often the Loop retries pending deployments.
	ReconcileInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		StartTimeout:        30 * time.Second,
		PreemptionThreshold: model.PriorityHigh,
		OrganizationQuota:   model.NewResources(100, 1024, 8),
		ReconcileInterval:   30 * time.Second,
	}
}

// clusterState is the runtime state of one cluster.
type clusterState struct {
	mu          sync.Mutex
	cluster     *model.Cluster
	deployments map[string]*model.Deployment
	// blocked holds PENDING deployments whose unfinished dependency was deleted.
	blocked map[string]bool
	removed bool

	// Store writes run in ticket order. nextTicket is guarded by mu,
	// serving by persistMu.
	nextTicket  uint64
	persistMu   sync.Mutex
	persistCond *sync.Cond
	serving     uint64
}

func newClusterState(c *model.Cluster) *clusterState {
	cs := &clusterState{
		cluster:     c,
		deployments: make(map[string]*model.Deployment),
		blocked:     make(map[string]bool),
	}
	cs.persistCond = sync.NewCond(&cs.persistMu)
	return cs
}

// ticket reserves the next store write slot. Caller holds mu.
func (cs *clusterState) ticket() uint64 {
	t := cs.nextTicket
	cs.nextTicket++
	return t
}

// awaitTurn blocks until every earlier ticket has been written. Caller must
// not hold mu.
func (cs *clusterState) awaitTurn(t uint64) {
	cs.persistMu.Lock()
	for cs.serving != t {
		cs.persistCond.Wait()
	}
	cs.persistMu.Unlock()
}

// doneTurn hands the store to the next ticket.
func (cs *clusterState) doneTurn() {
	cs.persistMu.Lock()
	cs.serving++
	cs.persistCond.Broadcast()
	cs.persistMu.Unlock()
}

// status reports the state of a deployment in this cluster. Caller holds mu.
func (cs *clusterState) status(id string) model.DeploymentState {
	if d, ok := cs.deployments[id]; ok {
		return d.State
	}
	return ""
}

// running returns the cluster's RUNNING deployments. Caller holds mu.
func (cs *clusterState) running() []*model.Deployment {
	var out []*model.Deployment
	for _, d := range cs.deployments {
		if d.State == model.DeploymentStateRunning {
			out = append(out, d)
		}
	}
	return out
}

// Scheduler orchestrates the ledger, the dependency graph and the admission
// policy, and owns every deployment state transition.
type Scheduler struct {
	store  store.Store
	exec   executor.Executor
	ledger *ledger.Ledger
	graph  *graph.Graph
	policy *admission.Policy
	config Config
	logger *slog.Logger

	// mu guards clusters and index only. Lock order: a cluster's mu may be
	// held while taking mu, never the other way around.
	mu       sync.RWMutex
	clusters map[string]*clusterState
	index    map[string]string // deployment id -> cluster id

	// orgMu serializes cluster creation so quota checks see every cluster.
	orgMu sync.Mutex

	baseCtx  context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	now func() time.Time
}

// New creates a Scheduler. Call Rehydrate before serving to load existing state.
func New(st store.Store, exec executor.Executor, cfg Config, logger *slog.Logger) *Scheduler {
	logger = logger.With("component", "scheduler")
	l := ledger.New()
	g := graph.New()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:  st,
		exec:   exec,
		ledger: l,
		graph:  g,
		policy: admission.New(l, g,
			admission.WithPreemptionThreshold(cfg.PreemptionThreshold),
			admission.WithLogger(logger),
		),
		config:   cfg,
		logger:   logger,
		clusters: make(map[string]*clusterState),
		index:    make(map[string]string),
		baseCtx:  ctx,
		cancel:   cancel,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Wait blocks until every in-flight start has reported back.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// Close cancels in-flight starts and waits for their callbacks.
func (s *Scheduler) Close() {
	s.cancel()
	s.inflight.Wait()
}

func newID(prefix string) string {
	return prefix + uuid.New().String()
}

func (s *Scheduler) cluster(id string) (*clusterState, error) {
	s.mu.RLock()
	cs, ok := s.clusters[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("cluster %s: %w", id, ErrClusterNotFound)
	}
	return cs, nil
}

// lockCluster returns the cluster with its mu held. It fails if the cluster
// was removed while the caller waited for the lock.
func (s *Scheduler) lockCluster(id string) (*clusterState, error) {
	cs, err := s.cluster(id)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	if cs.removed {
		cs.mu.Unlock()
		return nil, fmt.Errorf("cluster %s: %w", id, ErrClusterNotFound)
	}
	return cs, nil
}

// lockDeployment returns the deployment and its cluster with the cluster's mu held.
func (s *Scheduler) lockDeployment(id string) (*clusterState, *model.Deployment, error) {
	s.mu.RLock()
	clusterID, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("deployment %s: %w", id, ErrDeploymentNotFound)
	}
	cs, err := s.lockCluster(clusterID)
	if err != nil {
		return nil, nil, fmt.Errorf("deployment %s: %w", id, ErrDeploymentNotFound)
	}
	d, ok := cs.deployments[id]
	if !ok {
		cs.mu.Unlock()
		return nil, nil, fmt.Errorf("deployment %s: %w", id, ErrDeploymentNotFound)
	}
	return cs, d, nil
}

// syncUsed mirrors the ledger's usage into the cluster record. Caller holds mu.
func (s *Scheduler) syncUsed(cs *clusterState, b *batch) {
	u, err := s.ledger.Usage(cs.cluster.ID)
	if err != nil {
		s.logger.Error("read ledger usage", "cluster_id", cs.cluster.ID, "error", err)
		return
	}
	if !u.Used.Equal(cs.cluster.Used) {
		cs.cluster.Used = u.Used
		b.touchCluster()
	}
}

// admit runs the admission policy for a PENDING deployment and applies the
// decision. Admitted deployments are appended to b.starts. Caller holds mu.
func (s *Scheduler) admit(cs *clusterState, d *model.Deployment, b *batch) model.Outcome {
	log := s.logger.With("deployment_id", d.ID, "cluster_id", d.ClusterID)
	if cs.blocked[d.ID] {
		log.Debug("deferred: dependency deleted before completion")
		return model.OutcomeDeferred
	}

	dec, err := s.policy.TryAdmit(d, cs.status, cs.running())
	if err != nil {
		log.Error("admission aborted", "error", err)
		return model.OutcomeDeferred
	}
	if !dec.Outcome.Admitted() {
		return dec.Outcome
	}

	now := s.now()
	for _, v := range dec.Victims {
		v.State = model.DeploymentStatePreempted
		v.CompletedAt = &now
		v.Message = "preempted by " + d.ID
		b.update(v)
		log.Info("deployment preempted", "victim_id", v.ID, "victim_priority", v.Priority.String())
	}
	d.State = model.DeploymentStateScheduled
	d.ScheduledAt = &now
	d.Message = ""
	b.update(d)
	b.start(d)
	s.syncUsed(cs, b)
	log.Info("deployment scheduled", "outcome", dec.Outcome, "priority", d.Priority.String())
	return dec.Outcome
}

// reevaluate retries admission for every ready PENDING deployment of the
// cluster, highest priority first, then oldest. Ids in skip are not retried.
// Caller holds mu.
func (s *Scheduler) reevaluate(cs *clusterState, b *batch, skip map[string]bool) {
	var pending []*model.Deployment
	for _, d := range cs.deployments {
		if d.State == model.DeploymentStatePending && !skip[d.ID] && !cs.blocked[d.ID] {
			pending = append(pending, d)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		a, c := pending[i], pending[j]
		if a.Priority != c.Priority {
			return a.Priority > c.Priority
		}
		if !a.CreatedAt.Equal(c.CreatedAt) {
			return a.CreatedAt.Before(c.CreatedAt)
		}
		return a.ID < c.ID
	})
	for _, d := range pending {
		// Earlier admissions in this pass may have preempted or changed state.
		if d.State != model.DeploymentStatePending {
			continue
		}
		if !s.graph.IsReady(d.ID, cs.status) {
			continue
		}
		s.admit(cs, d, b)
	}
}

// release credits d's reservation back. Caller holds mu.
func (s *Scheduler) release(cs *clusterState, d *model.Deployment, b *batch) error {
	if err := s.ledger.Release(d.ClusterID, d.Request); err != nil {
		s.logger.Error("release reservation", "deployment_id", d.ID, "cluster_id", d.ClusterID, "error", err)
		return fmt.Errorf("release %s: %w", d.ID, err)
	}
	s.syncUsed(cs, b)
	return nil
}
