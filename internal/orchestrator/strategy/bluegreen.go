package strategy

import (
	"fmt"
	"time"

	"github.com/qiniu/rollouts/internal/orchestrator/model"
)

// BlueGreen runs two full environments. The candidate is provisioned to
// full capacity and soaked at zero traffic weight, then the cutover flips
// weights 100/0 -> 0/100 in a single commit. An abort before cutover
// discards the candidate with zero traffic impact; an abort during drain
// reverts weights in one commit, which is the instant-rollback property
// the strategy exists for.
type BlueGreen struct {
	params model.StrategyParams
}

func (b *BlueGreen) Decide(d *model.Deployment, snap model.HealthSnapshot, now time.Time) model.RolloutStep {
	switch d.State {
	case model.StatePending:
		count := snap.Stable.Total
		if count == 0 {
			count = b.params.TargetInstances
		}
		return model.RolloutStep{
			NextState: model.StateProvisioning,
			Provision: count,
			Reason:    fmt.Sprintf("provisioning full candidate capacity of %d", count),
		}

	case model.StateProvisioning:
		if phaseElapsed(d, now) > b.params.StepTimeout {
			return abortStep(snap, fmt.Sprintf("candidate not fully healthy within %s", b.params.StepTimeout))
		}
		if snap.Candidate.Total == 0 || snap.Candidate.Healthy < snap.Candidate.Total {
			return waitStep()
		}
		return model.RolloutStep{
			NextState: model.StateEvaluating,
			Reason:    "candidate fully healthy, starting soak",
		}

	case model.StateEvaluating:
		// soak at 100/0: health observation only, no traffic on candidate
		if snap.Candidate.Unhealthy > 0 {
			return abortStep(snap, fmt.Sprintf("%d candidate instance(s) unhealthy during soak", snap.Candidate.Unhealthy))
		}
		if phaseElapsed(d, now) < b.params.SoakDuration {
			return waitStep()
		}
		return model.RolloutStep{
			NextWeights: map[model.EnvironmentTag]int{
				model.EnvStable:    0,
				model.EnvCandidate: 100,
			},
			NextState: model.StateCutover,
			Reason:    "soak passed, cutting over",
		}

	case model.StateCutover:
		// drain window: the candidate carries all traffic, old stable
		// instances are kept for instant rollback
		if snap.Candidate.Unhealthy > 0 {
			return abortStep(snap, fmt.Sprintf("%d candidate instance(s) unhealthy after cutover", snap.Candidate.Unhealthy))
		}
		if snap.CandidateErrorRate > b.params.MaxErrorRate {
			return abortStep(snap, fmt.Sprintf("candidate error rate %.3f exceeds %.3f after cutover",
				snap.CandidateErrorRate, b.params.MaxErrorRate))
		}
		if phaseElapsed(d, now) < b.params.DrainDuration {
			return waitStep()
		}
		return model.RolloutStep{
			RetireStable: -1,
			NextState:    model.StateCompleted,
			Reason:       "drain passed, retiring old environment",
		}
	}
	return waitStep()
}
