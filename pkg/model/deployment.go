package model

import "time"

// Deployment is a unit of work that reserves a fixed resource triple on one cluster.
type Deployment struct {
	ID          string          `json:"id"`
	ClusterID   string          `json:"cluster_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Request     Resources       `json:"request"`
	Priority    Priority        `json:"priority"`
	State       DeploymentState `json:"state"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	Message     string          `json:"message,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand out of a critical section.
func (d *Deployment) Clone() *Deployment {
	c := *d
	if d.DependsOn != nil {
		c.DependsOn = append([]string(nil), d.DependsOn...)
	}
	c.ScheduledAt = cloneTime(d.ScheduledAt)
	c.StartedAt = cloneTime(d.StartedAt)
	c.CompletedAt = cloneTime(d.CompletedAt)
	return &c
}

// StartOrder is the time used to rank preemption victims: start time, else schedule time.
func (d *Deployment) StartOrder() (time.Time, bool) {
	if d.StartedAt != nil {
		return *d.StartedAt, true
	}
	if d.ScheduledAt != nil {
		return *d.ScheduledAt, true
	}
	return time.Time{}, false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// DeploymentSpec is the input for creating a deployment.
type DeploymentSpec struct {
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Request       Resources `json:"request"`
	Priority      *Priority `json:"priority,omitempty"`
	DependencyIDs []string  `json:"dependency_ids,omitempty"`
}

// Outcome is the result of an admission attempt.
type Outcome string

const (
	OutcomeAdmitted              Outcome = "ADMITTED"
	OutcomeDeferred              Outcome = "DEFERRED"
	OutcomeAdmittedViaPreemption Outcome = "ADMITTED_VIA_PREEMPTION"
)

// Admitted reports whether the deployment received a reservation.
func (o Outcome) Admitted() bool {
	return o == OutcomeAdmitted || o == OutcomeAdmittedViaPreemption
}
