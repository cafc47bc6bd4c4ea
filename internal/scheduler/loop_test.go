package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/me/berth/pkg/model"
)

// seedStore writes an organization and a cluster straight to the store, the
// way a previous process would have left them.
func seedStore(t *testing.T, s *Scheduler, limit, used model.Resources) *model.Cluster {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	org := &model.Organization{ID: "org_seed", Name: "seed", CreatedAt: now}
	if err := s.store.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	c := &model.Cluster{
		ID:             "cl_seed",
		OrganizationID: org.ID,
		Name:           "seed",
		Status:         model.ClusterStatusRunning,
		Limit:          limit,
		Used:           used,
		CreatedAt:      now,
	}
	if err := s.store.CreateCluster(ctx, c); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	return c
}

func seedDeployment(t *testing.T, s *Scheduler, d *model.Deployment) {
	t.Helper()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if err := s.store.CreateDeployment(context.Background(), d); err != nil {
		t.Fatalf("CreateDeployment(%s): %v", d.ID, err)
	}
}

func TestTick_AdmitsRehydratedPending(t *testing.T) {
	s, _ := testScheduler(t, &fakeExecutor{})
	c := seedStore(t, s, model.NewResources(10, 32, 2), model.Resources{})
	seedDeployment(t, s, &model.Deployment{
		ID: "dep_waiting", ClusterID: c.ID, Name: "waiting",
		Request: model.NewResources(2, 2, 0), Priority: model.PriorityMedium,
		State: model.DeploymentStatePending,
	})

	if err := s.Rehydrate(context.Background()); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	if got := state(t, s, "dep_waiting"); got != model.DeploymentStatePending {
		t.Fatalf("state after rehydrate = %s, want PENDING", got)
	}

	loop := NewLoop(s, time.Hour, testLogger())
	n, err := loop.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 1 {
		t.Errorf("admitted = %d, want 1", n)
	}
	s.Wait()
	if got := state(t, s, "dep_waiting"); got != model.DeploymentStateRunning {
		t.Errorf("state = %s, want RUNNING", got)
	}

	n, err = loop.Tick(context.Background())
	if err != nil || n != 0 {
		t.Errorf("second Tick = %d, %v; want 0, nil", n, err)
	}
}

func TestTick_NoClusters(t *testing.T) {
	s, _ := testScheduler(t, &fakeExecutor{})
	n, err := NewLoop(s, time.Hour, testLogger()).Tick(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Tick = %d, %v; want 0, nil", n, err)
	}
}

func TestStart_StopsOnStop(t *testing.T) {
	s, _ := testScheduler(t, &fakeExecutor{})
	loop := NewLoop(s, 5*time.Millisecond, testLogger())

	done := make(chan error, 1)
	go func() { done <- loop.Start(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	loop.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	s, _ := testScheduler(t, &fakeExecutor{})
	loop := NewLoop(s, 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Start(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Start returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}
