package strategy

import (
	"fmt"
	"time"

	"github.com/qiniu/rollouts/internal/orchestrator/model"
)

// Rolling replaces the stable population in batches while the committed
// weights stay pinned on the stable environment. Each cycle provisions one
// batch of candidates at weight zero, waits for the batch to turn healthy
// within the step timeout, then retires an equal number of outdated stable
// instances and absorbs the batch into the stable pool. Instances reach
// the traffic-carrying pool only after their first healthy verdict. The
// rollout completes when no outdated stable instances remain.
type Rolling struct {
	params model.StrategyParams
}

func (r *Rolling) Decide(d *model.Deployment, snap model.HealthSnapshot, now time.Time) model.RolloutStep {
	switch d.State {
	case model.StatePending:
		count := r.nextBatch(snap)
		if count == 0 {
			// nothing to replace; bring up the target capacity in one batch
			count = r.params.TargetInstances
		}
		return model.RolloutStep{
			NextState: model.StateProvisioning,
			Provision: count,
			Reason:    fmt.Sprintf("provisioning batch of %d", count),
		}

	case model.StateProvisioning:
		if snap.Candidate.Unhealthy > 0 {
			ratio := float64(snap.Candidate.Unhealthy) / float64(r.params.BatchSize)
			if ratio > r.params.FailureThreshold {
				return abortStep(snap, fmt.Sprintf("batch failure ratio %.2f exceeds threshold %.2f",
					ratio, r.params.FailureThreshold))
			}
		}
		if phaseElapsed(d, now) > r.params.StepTimeout {
			return abortStep(snap, fmt.Sprintf("batch not healthy within %s", r.params.StepTimeout))
		}
		if snap.Candidate.Total == 0 || snap.Candidate.Unknown > 0 || snap.Candidate.Unhealthy > 0 {
			return waitStep()
		}
		// batch healthy: retire its replacement share of the old pool and
		// absorb the batch into stable; weights never leave the stable tag
		retire := snap.Candidate.Total
		if retire > snap.StableOutdated {
			retire = snap.StableOutdated
		}
		return model.RolloutStep{
			RetireStable: retire,
			Promote:      true,
			AdvanceStep:  true,
			NextState:    model.StateAdvancing,
			Reason:       fmt.Sprintf("batch %d healthy, absorbing and retiring %d outdated", d.StepIndex+1, retire),
		}

	case model.StateAdvancing:
		if remaining := r.nextBatch(snap); remaining > 0 {
			return model.RolloutStep{
				NextState: model.StateProvisioning,
				Provision: remaining,
				Reason:    fmt.Sprintf("provisioning batch of %d", remaining),
			}
		}
		return model.RolloutStep{
			NextState: model.StateCompleted,
			Reason:    "all stable instances replaced",
		}
	}
	return waitStep()
}

func (r *Rolling) nextBatch(snap model.HealthSnapshot) int {
	if snap.StableOutdated < r.params.BatchSize {
		return snap.StableOutdated
	}
	return r.params.BatchSize
}
