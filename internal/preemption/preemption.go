// Package preemption chooses running deployments to evict so that a
// higher-priority deployment fits.
package preemption

import (
	"sort"

	"github.com/me/berth/pkg/model"
)

// SelectVictims picks RUNNING candidates with priority strictly below floor
// until deficit is covered in every dimension. Candidates are visited lowest
// priority first, then oldest start first, then by id. If the eligible set
// cannot cover the deficit, it returns nil, false and selects no one.
//
// candidates is not modified.
func SelectVictims(candidates []*model.Deployment, deficit model.Resources, floor model.Priority) ([]*model.Deployment, bool) {
	if deficit.Covered() {
		return nil, true
	}

	eligible := make([]*model.Deployment, 0, len(candidates))
	for _, d := range candidates {
		if d.State == model.DeploymentStateRunning && d.Priority < floor {
			eligible = append(eligible, d)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return less(eligible[i], eligible[j])
	})

	remaining := deficit
	var victims []*model.Deployment
	for _, d := range eligible {
		victims = append(victims, d)
		remaining = remaining.Sub(d.Request)
		if remaining.Covered() {
			return victims, true
		}
	}
	return nil, false
}

// less orders victims: priority ascending, start time ascending with
// missing times last, then id.
func less(a, b *model.Deployment) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	ta, oka := a.StartOrder()
	tb, okb := b.StartOrder()
	if oka != okb {
		return oka
	}
	if oka && !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.ID < b.ID
}
