package model

// DeploymentState represents the lifecycle state of a Deployment.
type DeploymentState string

const (
	DeploymentStatePending   DeploymentState = "PENDING"
	DeploymentStateScheduled DeploymentState = "SCHEDULED"
	DeploymentStateRunning   DeploymentState = "RUNNING"
	DeploymentStateCompleted DeploymentState = "COMPLETED"
	DeploymentStatePreempted DeploymentState = "PREEMPTED"
	DeploymentStateFailed    DeploymentState = "FAILED"
)

// String returns the string representation of the deployment state.
func (s DeploymentState) String() string {
	return string(s)
}

// IsTerminal returns true if the deployment will not move again without an explicit requeue.
func (s DeploymentState) IsTerminal() bool {
	switch s {
	case DeploymentStateCompleted, DeploymentStateFailed, DeploymentStatePreempted:
		return true
	}
	return false
}

// HoldsReservation returns true for the states whose request is debited from the cluster.
func (s DeploymentState) HoldsReservation() bool {
	return s == DeploymentStateScheduled || s == DeploymentStateRunning
}

// ValidDeploymentTransitions defines the allowed state transitions for Deployments.
var ValidDeploymentTransitions = map[DeploymentState][]DeploymentState{
	DeploymentStatePending:   {DeploymentStateScheduled},
	DeploymentStateScheduled: {DeploymentStateRunning, DeploymentStateFailed, DeploymentStatePreempted},
	DeploymentStateRunning:   {DeploymentStateCompleted, DeploymentStateFailed, DeploymentStatePreempted},
	DeploymentStatePreempted: {DeploymentStatePending},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s DeploymentState) CanTransitionTo(next DeploymentState) bool {
	for _, allowed := range ValidDeploymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseDeploymentState returns the state named by s and whether it is known.
func ParseDeploymentState(s string) (DeploymentState, bool) {
	switch st := DeploymentState(s); st {
	case DeploymentStatePending, DeploymentStateScheduled, DeploymentStateRunning,
		DeploymentStateCompleted, DeploymentStatePreempted, DeploymentStateFailed:
		return st, true
	}
	return "", false
}

// ClusterStatus is informational provisioning state of a Cluster.
type ClusterStatus string

const (
	ClusterStatusPending ClusterStatus = "pending"
	ClusterStatusRunning ClusterStatus = "running"
	ClusterStatusStopped ClusterStatus = "stopped"
	ClusterStatusError   ClusterStatus = "error"
)

// Valid reports whether s is a known cluster status.
func (s ClusterStatus) Valid() bool {
	switch s {
	case ClusterStatusPending, ClusterStatusRunning, ClusterStatusStopped, ClusterStatusError:
		return true
	}
	return false
}
