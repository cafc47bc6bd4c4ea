package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/me/berth/internal/executor"
	"github.com/me/berth/internal/store"
	"github.com/me/berth/pkg/model"
)

// fakeExecutor succeeds unless the deployment's name is in fail. When gate is
// non-nil, Start blocks until the gate is closed or ctx ends.
type fakeExecutor struct {
	mu      sync.Mutex
	fail    map[string]string
	gate    chan struct{}
	started []string
}

func (f *fakeExecutor) Type() executor.Type { return "fake" }

func (f *fakeExecutor) Start(ctx context.Context, d *model.Deployment) error {
	f.mu.Lock()
	f.started = append(f.started, d.Name)
	reason, failing := f.fail[d.Name]
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failing {
		return errors.New(reason)
	}
	return nil
}

func (f *fakeExecutor) startedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testScheduler(t *testing.T, exec executor.Executor) (*Scheduler, *store.SQLiteStore) {
	t.Helper()
	st := testStore(t)
	s := New(st, exec, DefaultConfig(), testLogger())
	t.Cleanup(s.Close)
	return s, st
}

func testOrg(t *testing.T, s *Scheduler) *model.Organization {
	t.Helper()
	org, err := s.CreateOrganization(context.Background(), fmt.Sprintf("org-%d", len(s.clusters)))
	if err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	return org
}

func testCluster(t *testing.T, s *Scheduler, orgID string, limit model.Resources) *model.Cluster {
	t.Helper()
	c, err := s.CreateCluster(context.Background(), model.ClusterSpec{
		OrganizationID: orgID,
		Name:           "pool",
		CloudProvider:  "aws",
		Region:         "eu-west-1",
		Limit:          limit,
	})
	if err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	return c
}

func prio(p model.Priority) *model.Priority { return &p }

func submit(t *testing.T, s *Scheduler, clusterID, name string, p model.Priority, req model.Resources, deps ...string) *model.Deployment {
	t.Helper()
	d, err := s.CreateDeployment(context.Background(), clusterID, model.DeploymentSpec{
		Name:          name,
		Request:       req,
		Priority:      prio(p),
		DependencyIDs: deps,
	})
	if err != nil {
		t.Fatalf("CreateDeployment(%s): %v", name, err)
	}
	return d
}

func state(t *testing.T, s *Scheduler, id string) model.DeploymentState {
	t.Helper()
	d, err := s.GetDeployment(context.Background(), id)
	if err != nil {
		t.Fatalf("GetDeployment(%s): %v", id, err)
	}
	return d.State
}

func usage(t *testing.T, s *Scheduler, clusterID string) model.Resources {
	t.Helper()
	u, err := s.ClusterUsage(context.Background(), clusterID)
	if err != nil {
		t.Fatalf("ClusterUsage: %v", err)
	}
	return u.Used
}

// assertSumInvariant checks used == Σ request over SCHEDULED and RUNNING.
func assertSumInvariant(t *testing.T, s *Scheduler, clusterID string) {
	t.Helper()
	cs, err := s.lockCluster(clusterID)
	if err != nil {
		t.Fatalf("lockCluster: %v", err)
	}
	var sum model.Resources
	for _, d := range cs.deployments {
		if d.State.HoldsReservation() {
			sum = sum.Add(d.Request)
		}
	}
	mirrored := cs.cluster.Used
	cs.mu.Unlock()

	used := usage(t, s, clusterID)
	if !used.Equal(sum) {
		t.Errorf("ledger used = %s, reservations sum = %s", used, sum)
	}
	if !mirrored.Equal(used) {
		t.Errorf("cluster record used = %s, ledger used = %s", mirrored, used)
	}
	u, _ := s.ClusterUsage(context.Background(), clusterID)
	if !used.Fits(u.Limit) || used.AnyNegative() {
		t.Errorf("used %s outside [0, %s]", used, u.Limit)
	}
}

func TestScenario1_Admitted(t *testing.T) {
	s, _ := testScheduler(t, &fakeExecutor{})
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(10, 32, 2))

	d := submit(t, s, c.ID, "web", model.PriorityMedium, model.NewResources(4, 8, 1))
	if d.State != model.DeploymentStateScheduled || d.ScheduledAt == nil {
		t.Fatalf("state = %s, scheduled_at = %v; want SCHEDULED", d.State, d.ScheduledAt)
	}
	if got := usage(t, s, c.ID); !got.Equal(model.NewResources(4, 8, 1)) {
		t.Errorf("usage = %s, want cpu=4 memory=8 gpu=1", got)
	}

	s.Wait()
	running, _ := s.GetDeployment(context.Background(), d.ID)
	if running.State != model.DeploymentStateRunning || running.StartedAt == nil {
		t.Errorf("after start: state = %s, started_at = %v", running.State, running.StartedAt)
	}
	assertSumInvariant(t, s, c.ID)
}

func TestScenario2_PreemptsLowerPriority(t *testing.T) {
	s, st := testScheduler(t, &fakeExecutor{})
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(10, 32, 2))

	first := submit(t, s, c.ID, "batch", model.PriorityMedium, model.NewResources(4, 8, 1))
	s.Wait()

	second := submit(t, s, c.ID, "urgent", model.PriorityCritical, model.NewResources(8, 16, 2))
	if second.State != model.DeploymentStateScheduled {
		t.Fatalf("second state = %s, want SCHEDULED", second.State)
	}
	if got := state(t, s, first.ID); got != model.DeploymentStatePreempted {
		t.Errorf("first state = %s, want PREEMPTED", got)
	}
	if got := usage(t, s, c.ID); !got.Equal(model.NewResources(8, 16, 2)) {
		t.Errorf("usage = %s, want cpu=8 memory=16 gpu=2", got)
	}
	s.Wait()
	assertSumInvariant(t, s, c.ID)

	// The store reflects the preemption.
	stored, err := st.GetDeployment(context.Background(), first.ID)
	if err != nil || stored == nil {
		t.Fatalf("stored first = %v, %v", stored, err)
	}
	if stored.State != model.DeploymentStatePreempted {
		t.Errorf("stored first state = %s", stored.State)
	}
	row, _ := st.GetCluster(context.Background(), c.ID)
	if !row.Used.Equal(model.NewResources(8, 16, 2)) {
		t.Errorf("stored cluster used = %s", row.Used)
	}
}

func TestScenario3_DeferredWithoutVictims(t *testing.T) {
	s, _ := testScheduler(t, &fakeExecutor{})
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(10, 32, 2))

	d := submit(t, s, c.ID, "huge", model.PriorityCritical, model.NewResources(20, 8, 0))
	if d.State != model.DeploymentStatePending {
		t.Errorf("state = %s, want PENDING", d.State)
	}
	if got := usage(t, s, c.ID); !got.IsZero() {
		t.Errorf("usage = %s, want zero", got)
	}
	s.Wait()
	assertSumInvariant(t, s, c.ID)
}

func TestScenario4_DependentAdmittedOnCompletion(t *testing.T) {
	exec := &fakeExecutor{}
	s, _ := testScheduler(t, exec)
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(10, 32, 2))
	ctx := context.Background()

	filler := submit(t, s, c.ID, "filler", model.PriorityLow, model.NewResources(8, 8, 0))
	s.Wait()

	a := submit(t, s, c.ID, "a", model.PriorityMedium, model.NewResources(4, 8, 0))
	if a.State != model.DeploymentStatePending {
		t.Fatalf("a state = %s, want PENDING (no capacity)", a.State)
	}
	b := submit(t, s, c.ID, "b", model.PriorityCritical, model.NewResources(1, 1, 0), a.ID)
	if b.State != model.DeploymentStatePending {
		t.Fatalf("b state = %s, want PENDING (a not complete)", b.State)
	}

	// Freeing capacity admits a, but b still waits for a to complete.
	if err := s.DeleteDeployment(ctx, filler.ID); err != nil {
		t.Fatalf("DeleteDeployment: %v", err)
	}
	s.Wait()
	if got := state(t, s, a.ID); got != model.DeploymentStateRunning {
		t.Fatalf("a state = %s, want RUNNING", got)
	}
	if got := state(t, s, b.ID); got != model.DeploymentStatePending {
		t.Fatalf("b state = %s before a completed, want PENDING", got)
	}

	if _, err := s.Complete(ctx, a.ID); err != nil {
		t.Fatalf("Complete(a): %v", err)
	}
	s.Wait()
	if got := state(t, s, b.ID); got != model.DeploymentStateRunning {
		t.Errorf("b state = %s after a completed, want RUNNING", got)
	}
	assertSumInvariant(t, s, c.ID)

	names := exec.startedNames()
	if len(names) != 3 || names[1] != "a" || names[2] != "b" {
		t.Errorf("start order = %v, want [filler a b]", names)
	}
}

func TestScenario5_CycleRejected(t *testing.T) {
	s, _ := testScheduler(t, &fakeExecutor{})
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(10, 32, 2))
	ctx := context.Background()

	a := submit(t, s, c.ID, "a", model.PriorityLow, model.NewResources(100, 1, 0))
	b := submit(t, s, c.ID, "b", model.PriorityLow, model.NewResources(1, 1, 0), a.ID)

	_, err := s.AddDependency(ctx, a.ID, b.ID)
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("AddDependency err = %v, want ErrCycleDetected", err)
	}
	if deps := s.graph.Dependencies(a.ID); len(deps) != 0 {
		t.Errorf("a dependencies = %v, want none", deps)
	}
	if deps := s.graph.Dependents(b.ID); len(deps) != 0 {
		t.Errorf("b dependents = %v, want none", deps)
	}
	got, _ := s.GetDeployment(ctx, a.ID)
	if len(got.DependsOn) != 0 {
		t.Errorf("a.DependsOn = %v", got.DependsOn)
	}
}

func TestAddDependency(t *testing.T) {
	s, _ := testScheduler(t, &fakeExecutor{})
	org := testOrg(t, s)
	c := testCluster(t, s, org.ID, model.NewResources(10, 32, 2))
	other := testCluster(t, s, org.ID, model.NewResources(10, 32, 2))
	ctx := context.Background()

	blocker := submit(t, s, c.ID, "blocker", model.PriorityLow, model.NewResources(100, 1, 0))
	waiting := submit(t, s, c.ID, "waiting", model.PriorityLow, model.NewResources(100, 1, 0))
	foreign := submit(t, s, other.ID, "foreign", model.PriorityLow, model.NewResources(100, 1, 0))
	running := submit(t, s, c.ID, "running", model.PriorityLow, model.NewResources(1, 1, 0))
	s.Wait()

	tests := []struct {
		name       string
		dependent  string
		dependency string
		wantErr    error
	}{
		{"unknown dependent", "dep_missing", blocker.ID, ErrDeploymentNotFound},
		{"unknown dependency", waiting.ID, "dep_missing", ErrDependencyNotFound},
		{"cross cluster", waiting.ID, foreign.ID, ErrCrossClusterDependency},
		{"not pending", running.ID, blocker.ID, ErrInvalidTransition},
		{"self", waiting.ID, waiting.ID, ErrCycleDetected},
		{"ok", waiting.ID, blocker.ID, nil},
		{"duplicate is a no-op", waiting.ID, blocker.ID, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.AddDependency(ctx, tt.dependent, tt.dependency)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
	got, _ := s.GetDeployment(ctx, waiting.ID)
	if len(got.DependsOn) != 1 || got.DependsOn[0] != blocker.ID {
		t.Errorf("DependsOn = %v, want [%s]", got.DependsOn, blocker.ID)
	}
}

func TestComplete_Idempotent(t *testing.T) {
	s, _ := testScheduler(t, &fakeExecutor{})
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(10, 32, 2))
	ctx := context.Background()

	keep := submit(t, s, c.ID, "keep", model.PriorityLow, model.NewResources(2, 2, 0))
	d := submit(t, s, c.ID, "job", model.PriorityLow, model.NewResources(4, 8, 1))
	s.Wait()

	done, err := s.Complete(ctx, d.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.State != model.DeploymentStateCompleted || done.CompletedAt == nil {
		t.Errorf("completed = %+v", done)
	}
	after := usage(t, s, c.ID)
	if !after.Equal(keep.Request) {
		t.Fatalf("usage = %s, want %s", after, keep.Request)
	}

	_, err = s.Complete(ctx, d.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Complete err = %v, want ErrInvalidTransition", err)
	}
	if got := usage(t, s, c.ID); !got.Equal(after) {
		t.Errorf("usage after second Complete = %s, want %s", got, after)
	}
	assertSumInvariant(t, s, c.ID)
}

func TestComplete_RequiresRunning(t *testing.T) {
	exec := &fakeExecutor{gate: make(chan struct{})}
	s, _ := testScheduler(t, exec)
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(10, 32, 2))
	ctx := context.Background()

	scheduled := submit(t, s, c.ID, "slow", model.PriorityLow, model.NewResources(1, 1, 0))
	pending := submit(t, s, c.ID, "big", model.PriorityLow, model.NewResources(50, 1, 0))

	for _, id := range []string{scheduled.ID, pending.ID} {
		if _, err := s.Complete(ctx, id); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Complete(%s) err = %v, want ErrInvalidTransition", id, err)
		}
	}
	close(exec.gate)
	s.Wait()
	assertSumInvariant(t, s, c.ID)
}

func TestCreateDeployment_Validation(t *testing.T) {
	s, _ := testScheduler(t, &fakeExecutor{})
	org := testOrg(t, s)
	c := testCluster(t, s, org.ID, model.NewResources(10, 32, 2))
	other := testCluster(t, s, org.ID, model.NewResources(10, 32, 2))
	foreign := submit(t, s, other.ID, "foreign", model.PriorityLow, model.NewResources(1, 1, 0))
	s.Wait()
	bad := model.Priority(9)

	tests := []struct {
		name      string
		clusterID string
		spec      model.DeploymentSpec
		wantErr   error
	}{
		{"zero cpu", c.ID, model.DeploymentSpec{Name: "x", Request: model.NewResources(0, 1, 0)}, ErrInvalidResourceSpec},
		{"negative gpu", c.ID, model.DeploymentSpec{Name: "x", Request: model.NewResources(1, 1, -1)}, ErrInvalidResourceSpec},
		{"missing name", c.ID, model.DeploymentSpec{Request: model.NewResources(1, 1, 0)}, ErrInvalidArgument},
		{"bad priority", c.ID, model.DeploymentSpec{Name: "x", Priority: &bad, Request: model.NewResources(1, 1, 0)}, ErrInvalidArgument},
		{"unknown cluster", "cl_missing", model.DeploymentSpec{Name: "x", Request: model.NewResources(1, 1, 0)}, ErrClusterNotFound},
		{"missing dependency", c.ID, model.DeploymentSpec{Name: "x", Request: model.NewResources(1, 1, 0), DependencyIDs: []string{"dep_missing"}}, ErrDependencyNotFound},
		{"cross cluster dependency", c.ID, model.DeploymentSpec{Name: "x", Request: model.NewResources(1, 1, 0), DependencyIDs: []string{foreign.ID}}, ErrCrossClusterDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := s.graph.Len()
			d, err := s.CreateDeployment(context.Background(), tt.clusterID, tt.spec)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if d != nil {
				t.Errorf("returned deployment on error: %+v", d)
			}
			if s.graph.Len() != before {
				t.Errorf("graph grew on rejected create")
			}
		})
	}

	var verr *ValidationError
	_, err := s.CreateDeployment(context.Background(), c.ID, model.DeploymentSpec{Name: "x", Request: model.NewResources(0, 0, 0)})
	if !errors.As(err, &verr) || len(verr.Fields) != 2 {
		t.Errorf("err = %v, want ValidationError with 2 fields", err)
	}
	if !usage(t, s, c.ID).IsZero() {
		t.Errorf("usage changed by rejected creates")
	}
}

func TestCreateDeployment_DefaultPriority(t *testing.T) {
	s, _ := testScheduler(t, &fakeExecutor{})
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(10, 32, 2))
	d, err := s.CreateDeployment(context.Background(), c.ID, model.DeploymentSpec{Name: "x", Request: model.NewResources(1, 1, 0)})
	if err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}
	if d.Priority != model.PriorityMedium {
		t.Errorf("priority = %s, want MEDIUM", d.Priority)
	}
	s.Wait()
}

func TestStartFailure_ReleasesReservation(t *testing.T) {
	exec := &fakeExecutor{fail: map[string]string{"broken": "image pull failed"}}
	s, _ := testScheduler(t, exec)
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(10, 32, 2))

	d := submit(t, s, c.ID, "broken", model.PriorityHigh, model.NewResources(4, 8, 1))
	s.Wait()

	got, _ := s.GetDeployment(context.Background(), d.ID)
	if got.State != model.DeploymentStateFailed {
		t.Fatalf("state = %s, want FAILED", got.State)
	}
	if got.Message != "image pull failed" {
		t.Errorf("message = %q", got.Message)
	}
	if !usage(t, s, c.ID).IsZero() {
		t.Errorf("usage = %s after failed start", usage(t, s, c.ID))
	}
	assertSumInvariant(t, s, c.ID)
}

func TestStartFailure_FreesCapacityForPending(t *testing.T) {
	exec := &fakeExecutor{fail: map[string]string{"broken": "boom"}, gate: make(chan struct{})}
	s, _ := testScheduler(t, exec)
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(10, 32, 2))

	submit(t, s, c.ID, "broken", model.PriorityHigh, model.NewResources(8, 8, 0))
	waiting := submit(t, s, c.ID, "waiting", model.PriorityMedium, model.NewResources(8, 8, 0))
	if waiting.State != model.DeploymentStatePending {
		t.Fatalf("waiting state = %s, want PENDING", waiting.State)
	}
	close(exec.gate)
	s.Wait()

	if got := state(t, s, waiting.ID); got != model.DeploymentStateRunning {
		t.Errorf("waiting state = %s, want RUNNING after the failed start freed capacity", got)
	}
	assertSumInvariant(t, s, c.ID)
}

func TestFail(t *testing.T) {
	s, _ := testScheduler(t, &fakeExecutor{})
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(10, 32, 2))
	ctx := context.Background()

	d := submit(t, s, c.ID, "job", model.PriorityLow, model.NewResources(2, 2, 0))
	s.Wait()
	if _, err := s.Fail(ctx, d.ID, "oom killed"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if _, err := s.Fail(ctx, d.ID, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Fail err = %v, want ErrInvalidTransition", err)
	}
	if _, err := s.OnStartFailed(ctx, d.ID, "late"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("OnStartFailed after FAILED err = %v, want ErrInvalidTransition", err)
	}
	assertSumInvariant(t, s, c.ID)
}

func TestDeleteDeployment(t *testing.T) {
	s, st := testScheduler(t, &fakeExecutor{})
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(10, 32, 2))
	ctx := context.Background()

	parent := submit(t, s, c.ID, "parent", model.PriorityLow, model.NewResources(4, 8, 1))
	child := submit(t, s, c.ID, "child", model.PriorityLow, model.NewResources(1, 1, 0), parent.ID)
	s.Wait()

	if err := s.DeleteDeployment(ctx, parent.ID); err != nil {
		t.Fatalf("DeleteDeployment: %v", err)
	}
	if !usage(t, s, c.ID).IsZero() {
		t.Errorf("usage = %s after deleting the only reservation", usage(t, s, c.ID))
	}
	if _, err := s.GetDeployment(ctx, parent.ID); !errors.Is(err, ErrDeploymentNotFound) {
		t.Errorf("GetDeployment err = %v, want ErrDeploymentNotFound", err)
	}
	if row, _ := st.GetDeployment(ctx, parent.ID); row != nil {
		t.Error("deleted deployment still stored")
	}
	if err := s.DeleteDeployment(ctx, parent.ID); !errors.Is(err, ErrDeploymentNotFound) {
		t.Errorf("second delete err = %v, want ErrDeploymentNotFound", err)
	}

	// The dependent never becomes ready, even with capacity and a reconcile pass.
	if _, err := s.ReevaluatePending(ctx, c.ID); err != nil {
		t.Fatalf("ReevaluatePending: %v", err)
	}
	s.Wait()
	if got := state(t, s, child.ID); got != model.DeploymentStatePending {
		t.Errorf("child state = %s, want PENDING", got)
	}
	blocked, err := s.IsBlocked(ctx, child.ID)
	if err != nil || !blocked {
		t.Errorf("IsBlocked = %v, %v; want true", blocked, err)
	}
	assertSumInvariant(t, s, c.ID)
}

func TestDeleteDeployment_DuringStart(t *testing.T) {
	exec := &fakeExecutor{gate: make(chan struct{})}
	s, _ := testScheduler(t, exec)
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(10, 32, 2))

	d := submit(t, s, c.ID, "slow", model.PriorityLow, model.NewResources(4, 8, 1))
	if err := s.DeleteDeployment(context.Background(), d.ID); err != nil {
		t.Fatalf("DeleteDeployment: %v", err)
	}
	close(exec.gate)
	s.Wait()

	if !usage(t, s, c.ID).IsZero() {
		t.Errorf("usage = %s, want zero", usage(t, s, c.ID))
	}
	assertSumInvariant(t, s, c.ID)
}

func TestPreemption_NeverEvictsEqualOrHigher(t *testing.T) {
	s, _ := testScheduler(t, &fakeExecutor{})
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(10, 32, 2))

	high := submit(t, s, c.ID, "high", model.PriorityHigh, model.NewResources(8, 8, 0))
	s.Wait()
	d := submit(t, s, c.ID, "also-high", model.PriorityHigh, model.NewResources(8, 8, 0))
	if d.State != model.DeploymentStatePending {
		t.Errorf("state = %s, want PENDING", d.State)
	}
	if got := state(t, s, high.ID); got != model.DeploymentStateRunning {
		t.Errorf("running HIGH deployment state = %s, want RUNNING", got)
	}
	assertSumInvariant(t, s, c.ID)
}

func TestNoPartialPreemption(t *testing.T) {
	s, st := testScheduler(t, &fakeExecutor{})
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(10, 32, 2))
	ctx := context.Background()

	low := submit(t, s, c.ID, "low", model.PriorityLow, model.NewResources(2, 4, 0))
	crit := submit(t, s, c.ID, "crit", model.PriorityCritical, model.NewResources(6, 8, 2))
	s.Wait()
	before := usage(t, s, c.ID)

	d := submit(t, s, c.ID, "high", model.PriorityHigh, model.NewResources(4, 4, 1))
	if d.State != model.DeploymentStatePending {
		t.Fatalf("state = %s, want PENDING", d.State)
	}
	if got := usage(t, s, c.ID); !got.Equal(before) {
		t.Errorf("usage = %s, want unchanged %s", got, before)
	}
	for _, id := range []string{low.ID, crit.ID} {
		if got := state(t, s, id); got != model.DeploymentStateRunning {
			t.Errorf("%s state = %s, want RUNNING", id, got)
		}
		row, _ := st.GetDeployment(ctx, id)
		if row.State != model.DeploymentStateRunning {
			t.Errorf("stored %s state = %s", id, row.State)
		}
	}
}

func TestPreemption_AdmittedFitsAfterFreeing(t *testing.T) {
	s, _ := testScheduler(t, &fakeExecutor{})
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(16, 64, 4))

	var lows []*model.Deployment
	for i := 0; i < 4; i++ {
		lows = append(lows, submit(t, s, c.ID, fmt.Sprintf("low-%d", i), model.PriorityLow, model.NewResources(4, 16, 1)))
		s.Wait()
	}
	d := submit(t, s, c.ID, "big", model.PriorityCritical, model.NewResources(10, 20, 2))
	if d.State != model.DeploymentStateScheduled {
		t.Fatalf("state = %s, want SCHEDULED", d.State)
	}

	// Oldest first: low-0, low-1, low-2 cover the CPU deficit of 10.
	want := []model.DeploymentState{
		model.DeploymentStatePreempted, model.DeploymentStatePreempted,
		model.DeploymentStatePreempted, model.DeploymentStateRunning,
	}
	for i, l := range lows {
		if got := state(t, s, l.ID); got != want[i] {
			t.Errorf("%s state = %s, want %s", l.Name, got, want[i])
		}
	}
	s.Wait()
	assertSumInvariant(t, s, c.ID)
}

func TestRequeue(t *testing.T) {
	s, _ := testScheduler(t, &fakeExecutor{})
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(10, 32, 2))
	ctx := context.Background()

	first := submit(t, s, c.ID, "batch", model.PriorityMedium, model.NewResources(4, 8, 1))
	s.Wait()
	second := submit(t, s, c.ID, "urgent", model.PriorityCritical, model.NewResources(8, 16, 2))
	s.Wait()

	if _, err := s.Requeue(ctx, second.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Requeue(RUNNING) err = %v, want ErrInvalidTransition", err)
	}

	requeued, err := s.Requeue(ctx, first.ID)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if requeued.State != model.DeploymentStatePending || requeued.StartedAt != nil {
		t.Errorf("requeued = %+v, want PENDING with cleared times", requeued)
	}

	if _, err := s.Complete(ctx, second.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	s.Wait()
	if got := state(t, s, first.ID); got != model.DeploymentStateRunning {
		t.Errorf("requeued deployment state = %s, want RUNNING", got)
	}
	assertSumInvariant(t, s, c.ID)
}

func TestOnStartSucceeded_IgnoresStaleCallbacks(t *testing.T) {
	s, _ := testScheduler(t, &fakeExecutor{})
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(10, 32, 2))
	ctx := context.Background()

	d := submit(t, s, c.ID, "job", model.PriorityLow, model.NewResources(1, 1, 0))
	s.Wait()
	if _, err := s.OnStartSucceeded(ctx, d.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second OnStartSucceeded err = %v, want ErrInvalidTransition", err)
	}
	if _, err := s.OnStartSucceeded(ctx, "dep_missing"); !errors.Is(err, ErrDeploymentNotFound) {
		t.Errorf("unknown OnStartSucceeded err = %v, want ErrDeploymentNotFound", err)
	}
}

func TestStartTimeout_Fails(t *testing.T) {
	st := testStore(t)
	cfg := DefaultConfig()
	cfg.StartTimeout = 20 * time.Millisecond
	exec := &fakeExecutor{gate: make(chan struct{})}
	s := New(st, exec, cfg, testLogger())
	t.Cleanup(s.Close)
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(10, 32, 2))

	d := submit(t, s, c.ID, "hangs", model.PriorityLow, model.NewResources(1, 1, 0))
	s.Wait()
	if got := state(t, s, d.ID); got != model.DeploymentStateFailed {
		t.Errorf("state = %s, want FAILED after start timeout", got)
	}
	assertSumInvariant(t, s, c.ID)
}

// waitWhileScheduled polls until the deployment's start has reported back.
func waitWhileScheduled(t *testing.T, s *Scheduler, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		d, err := s.GetDeployment(context.Background(), id)
		if err != nil || d.State != model.DeploymentStateScheduled {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Errorf("deployment %s still SCHEDULED", id)
}

func TestConcurrentOperations_SumInvariant(t *testing.T) {
	s, _ := testScheduler(t, &fakeExecutor{})
	org := testOrg(t, s)
	clusters := []*model.Cluster{
		testCluster(t, s, org.ID, model.NewResources(16, 64, 4)),
		testCluster(t, s, org.ID, model.NewResources(8, 32, 2)),
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := clusters[i%len(clusters)]
			p := model.Priority(i % 4)
			d, err := s.CreateDeployment(ctx, c.ID, model.DeploymentSpec{
				Name:     fmt.Sprintf("d-%d", i),
				Request:  model.NewResources(float64(1+i%3), float64(2+i%5), int64(i%2)),
				Priority: &p,
			})
			if err != nil {
				t.Errorf("CreateDeployment: %v", err)
				return
			}
			switch i % 3 {
			case 0:
				waitWhileScheduled(t, s, d.ID)
				// Preempted or still deferred deployments cannot complete.
				if _, err := s.Complete(ctx, d.ID); err != nil && !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("Complete(%s): %v", d.Name, err)
				}
			case 1:
				if err := s.DeleteDeployment(ctx, d.ID); err != nil {
					t.Errorf("DeleteDeployment(%s): %v", d.Name, err)
				}
			}
		}(i)
	}
	wg.Wait()
	s.Wait()

	for _, c := range clusters {
		assertSumInvariant(t, s, c.ID)
	}
	completed, _, err := s.ListDeployments(ctx, model.ListOptions{State: string(model.DeploymentStateCompleted), Limit: 100})
	if err != nil {
		t.Fatalf("ListDeployments: %v", err)
	}
	if len(completed) == 0 {
		t.Error("no deployment completed concurrently")
	}
}

func TestOrganizationsAndQuota(t *testing.T) {
	s, _ := testScheduler(t, &fakeExecutor{})
	ctx := context.Background()

	org, err := s.CreateOrganization(ctx, "acme")
	if err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	if _, err := s.CreateOrganization(ctx, "ACME"); !errors.Is(err, ErrOrganizationExists) {
		t.Errorf("duplicate err = %v, want ErrOrganizationExists", err)
	}
	if _, err := s.CreateOrganization(ctx, "  "); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("blank name err = %v, want ErrInvalidArgument", err)
	}

	c := testCluster(t, s, org.ID, model.NewResources(60, 512, 4))
	if c.Status != model.ClusterStatusPending {
		t.Errorf("new cluster status = %s, want pending", c.Status)
	}

	tests := []struct {
		name    string
		limit   model.Resources
		wantErr error
	}{
		{"cpu over quota", model.NewResources(41, 1, 0), ErrQuotaExceeded},
		{"memory over quota", model.NewResources(1, 513, 0), ErrQuotaExceeded},
		{"gpu over quota", model.NewResources(1, 1, 5), ErrQuotaExceeded},
		{"zero cpu", model.NewResources(0, 1, 0), ErrInvalidResourceSpec},
		{"fits exactly", model.NewResources(40, 512, 4), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateCluster(ctx, model.ClusterSpec{OrganizationID: org.ID, Name: "x", Limit: tt.limit})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := s.CreateCluster(ctx, model.ClusterSpec{OrganizationID: "org_missing", Name: "x", Limit: model.NewResources(1, 1, 0)}); !errors.Is(err, ErrOrganizationNotFound) {
		t.Errorf("unknown org err = %v", err)
	}

	submit(t, s, c.ID, "job", model.PriorityLow, model.NewResources(2, 4, 1))
	s.Wait()
	u, err := s.OrganizationUsage(ctx, org.ID)
	if err != nil {
		t.Fatalf("OrganizationUsage: %v", err)
	}
	if u.Clusters != 2 || !u.Total.Equal(model.NewResources(100, 1024, 8)) {
		t.Errorf("usage = %+v", u)
	}
	if !u.Used.Equal(model.NewResources(2, 4, 1)) || !u.Remaining.IsZero() {
		t.Errorf("used = %s remaining = %s", u.Used, u.Remaining)
	}
}

func TestDeleteCluster(t *testing.T) {
	s, st := testScheduler(t, &fakeExecutor{})
	org := testOrg(t, s)
	ctx := context.Background()

	idle := testCluster(t, s, org.ID, model.NewResources(4, 4, 0))
	submit(t, s, idle.ID, "waiting", model.PriorityLow, model.NewResources(8, 1, 0))
	if err := s.DeleteCluster(ctx, idle.ID, false); err != nil {
		t.Fatalf("delete idle cluster: %v", err)
	}

	busy := testCluster(t, s, org.ID, model.NewResources(10, 32, 2))
	d := submit(t, s, busy.ID, "job", model.PriorityLow, model.NewResources(4, 8, 1))
	s.Wait()

	if err := s.DeleteCluster(ctx, busy.ID, false); !errors.Is(err, ErrClusterBusy) {
		t.Fatalf("err = %v, want ErrClusterBusy", err)
	}
	if err := s.DeleteCluster(ctx, busy.ID, true); err != nil {
		t.Fatalf("forced delete: %v", err)
	}
	if _, err := s.GetCluster(ctx, busy.ID); !errors.Is(err, ErrClusterNotFound) {
		t.Errorf("GetCluster err = %v", err)
	}
	if _, err := s.GetDeployment(ctx, d.ID); !errors.Is(err, ErrDeploymentNotFound) {
		t.Errorf("GetDeployment err = %v", err)
	}
	if s.graph.Has(d.ID) {
		t.Error("graph still holds deleted cluster's deployment")
	}
	if row, _ := st.GetDeployment(ctx, d.ID); row != nil {
		t.Error("store still holds deleted cluster's deployment")
	}
	if _, err := s.ClusterUsage(ctx, busy.ID); !errors.Is(err, ErrClusterNotFound) {
		t.Errorf("ClusterUsage err = %v", err)
	}
}

func TestSetClusterStatus(t *testing.T) {
	s, st := testScheduler(t, &fakeExecutor{})
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(4, 4, 0))
	ctx := context.Background()

	if _, err := s.SetClusterStatus(ctx, c.ID, "melting"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
	got, err := s.SetClusterStatus(ctx, c.ID, model.ClusterStatusRunning)
	if err != nil || got.Status != model.ClusterStatusRunning {
		t.Fatalf("SetClusterStatus = %v, %v", got, err)
	}
	row, _ := st.GetCluster(ctx, c.ID)
	if row.Status != model.ClusterStatusRunning {
		t.Errorf("stored status = %s", row.Status)
	}
}

func TestListDeployments(t *testing.T) {
	s, _ := testScheduler(t, &fakeExecutor{})
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(4, 4, 0))
	ctx := context.Background()

	submit(t, s, c.ID, "a", model.PriorityLow, model.NewResources(1, 1, 0))
	submit(t, s, c.ID, "b", model.PriorityLow, model.NewResources(10, 1, 0))
	s.Wait()

	deps, total, err := s.ListDeployments(ctx, model.ListOptions{ClusterID: c.ID, State: "PENDING"})
	if err != nil {
		t.Fatalf("ListDeployments: %v", err)
	}
	if total != 1 || len(deps) != 1 || deps[0].Name != "b" {
		t.Errorf("pending = %d %v", total, deps)
	}
	if _, _, err := s.ListDeployments(ctx, model.ListOptions{State: "BOGUS"}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad state err = %v", err)
	}
	if _, _, err := s.ListDeployments(ctx, model.ListOptions{ClusterID: "cl_missing"}); !errors.Is(err, ErrClusterNotFound) {
		t.Errorf("bad cluster err = %v", err)
	}
}

// gatedStore blocks deployment inserts until gate is closed.
type gatedStore struct {
	store.Store
	gate    chan struct{}
	entered chan struct{}
}

func (g *gatedStore) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	g.entered <- struct{}{}
	<-g.gate
	return g.Store.CreateDeployment(ctx, d)
}

func TestCommit_SlowStoreDoesNotHoldClusterLock(t *testing.T) {
	st := &gatedStore{Store: testStore(t), gate: make(chan struct{}), entered: make(chan struct{}, 2)}
	release := sync.OnceFunc(func() { close(st.gate) })
	t.Cleanup(release)
	s := New(st, &fakeExecutor{}, DefaultConfig(), testLogger())
	t.Cleanup(s.Close)
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(10, 10, 0))
	ctx := context.Background()

	created := make(chan *model.Deployment, 2)
	create := func(name string) {
		d, err := s.CreateDeployment(ctx, c.ID, model.DeploymentSpec{Name: name, Request: model.NewResources(1, 1, 0)})
		if err != nil {
			t.Errorf("CreateDeployment(%s): %v", name, err)
		}
		created <- d
	}
	go create("first")
	<-st.entered
	go create("second")
	time.Sleep(20 * time.Millisecond)

	// Both writers are parked on the store; the cluster stays usable.
	got := make(chan error, 1)
	go func() {
		_, err := s.GetCluster(ctx, c.ID)
		got <- err
	}()
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("GetCluster: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("GetCluster blocked behind a pending store write")
	}
	if u := usage(t, s, c.ID); !u.Equal(model.NewResources(2, 2, 0)) {
		t.Errorf("usage = %s, want both admissions applied", u)
	}

	release()
	for i := 0; i < 2; i++ {
		d := <-created
		if d == nil {
			continue
		}
		if row, err := st.GetDeployment(ctx, d.ID); err != nil || row == nil {
			t.Errorf("deployment %s not stored (err %v)", d.Name, err)
		}
	}
	s.Wait()
	assertSumInvariant(t, s, c.ID)
}

// brokenStore fails every deployment delete.
type brokenStore struct {
	store.Store
}

func (b brokenStore) DeleteDeployment(ctx context.Context, id string) error {
	return errors.New("disk full")
}

func TestDeleteDeployment_NotPersisted(t *testing.T) {
	s := New(brokenStore{testStore(t)}, &fakeExecutor{}, DefaultConfig(), testLogger())
	t.Cleanup(s.Close)
	c := testCluster(t, s, testOrg(t, s).ID, model.NewResources(4, 4, 0))
	d := submit(t, s, c.ID, "web", model.PriorityLow, model.NewResources(2, 2, 0))
	s.Wait()

	err := s.DeleteDeployment(context.Background(), d.ID)
	if !errors.Is(err, ErrNotPersisted) {
		t.Fatalf("DeleteDeployment error = %v, want ErrNotPersisted", err)
	}
	if _, err := s.GetDeployment(context.Background(), d.ID); !errors.Is(err, ErrDeploymentNotFound) {
		t.Errorf("GetDeployment after delete: err = %v, want ErrDeploymentNotFound", err)
	}
	if u := usage(t, s, c.ID); !u.IsZero() {
		t.Errorf("usage = %s, want reservation released", u)
	}
}
