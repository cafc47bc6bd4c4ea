package scheduler

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/me/berth/internal/graph"
	"github.com/me/berth/pkg/model"
)

// rehydrateParallelism bounds how many clusters are loaded at once.
const rehydrateParallelism = 4

// Rehydrate rebuilds the ledger and the dependency graph from the store. It
// must be called once, before any other operation. Usage is recomputed from
// SCHEDULED and RUNNING deployments rather than trusted from the cluster row,
// and SCHEDULED deployments get their start side effect dispatched again.
func (s *Scheduler) Rehydrate(ctx context.Context) error {
	clusters, err := s.store.ListClusters(ctx, "")
	if err != nil {
		return fmt.Errorf("list clusters: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rehydrateParallelism)
	for _, c := range clusters {
		g.Go(func() error {
			return s.rehydrateCluster(gctx, c)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.RLock()
	n := len(s.index)
	s.mu.RUnlock()
	s.logger.Info("rehydrated", "clusters", len(clusters), "deployments", n)
	return nil
}

func (s *Scheduler) rehydrateCluster(ctx context.Context, c *model.Cluster) error {
	log := s.logger.With("cluster_id", c.ID)
	deps, err := s.store.ListDeploymentsByCluster(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("cluster %s: list deployments: %w", c.ID, err)
	}

	cs := newClusterState(c)
	edges := make(map[string][]string, len(deps))
	var used model.Resources
	for _, d := range deps {
		cs.deployments[d.ID] = d
		edges[d.ID] = d.DependsOn
		if d.State.HoldsReservation() {
			used = used.Add(d.Request)
		}
	}

	b := newBatch()
	if !used.Equal(c.Used) {
		log.Warn("stored usage does not match reservations, correcting", "stored", c.Used.String(), "computed", used.String())
		c.Used = used
		b.touchCluster()
	}
	if err := s.ledger.AddAccount(c.ID, c.Limit, used); err != nil {
		return fmt.Errorf("cluster %s: %w", c.ID, err)
	}

	order, err := graph.SortByDependencies(edges)
	if err != nil {
		return fmt.Errorf("cluster %s: %w", c.ID, err)
	}
	for _, id := range order {
		d := cs.deployments[id]
		var present []string
		for _, dep := range d.DependsOn {
			if _, ok := cs.deployments[dep]; ok {
				present = append(present, dep)
				continue
			}
			if d.State == model.DeploymentStatePending {
				cs.blocked[id] = true
			}
		}
		if err := s.graph.AddNode(id, c.ID, present...); err != nil {
			return fmt.Errorf("cluster %s: %w", c.ID, err)
		}
		if d.State == model.DeploymentStateScheduled {
			b.start(d)
		}
	}

	cs.mu.Lock()
	s.mu.Lock()
	s.clusters[c.ID] = cs
	for id := range cs.deployments {
		s.index[id] = c.ID
	}
	s.mu.Unlock()

	if n := len(b.starts); n > 0 {
		log.Info("re-dispatching scheduled starts", "count", n)
	}
	return s.commit(ctx, cs, b)
}
