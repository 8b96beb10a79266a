package strategy

import (
	"fmt"
	"time"

	"github.com/qiniu/rollouts/internal/orchestrator/model"
)

// Canary ramps candidate traffic through a configured weight sequence,
// holding each step for an evaluation window. The candidate error rate is
// judged against a fixed ceiling and, in relative mode, against the stable
// environment's concurrent rate, so a shared outage does not read as a
// candidate regression. Any violation commits weight 0 for the candidate
// in one step.
type Canary struct {
	params model.StrategyParams
}

func (c *Canary) Decide(d *model.Deployment, snap model.HealthSnapshot, now time.Time) model.RolloutStep {
	steps := c.params.CanarySteps

	switch d.State {
	case model.StatePending:
		count := snap.Stable.Total
		if count == 0 {
			count = c.params.TargetInstances
		}
		return model.RolloutStep{
			NextState: model.StateProvisioning,
			Provision: count,
			Reason:    fmt.Sprintf("provisioning candidate capacity of %d", count),
		}

	case model.StateProvisioning:
		if phaseElapsed(d, now) > c.params.StepTimeout {
			return abortStep(snap, fmt.Sprintf("candidate not fully healthy within %s", c.params.StepTimeout))
		}
		if snap.Candidate.Total == 0 || snap.Candidate.Healthy < snap.Candidate.Total {
			return waitStep()
		}
		return model.RolloutStep{
			NextState: model.StateAdvancing,
			Reason:    "candidate healthy, starting traffic ramp",
		}

	case model.StateAdvancing:
		weight := steps[d.StepIndex]
		return model.RolloutStep{
			NextWeights: map[model.EnvironmentTag]int{
				model.EnvStable:    100 - weight,
				model.EnvCandidate: weight,
			},
			NextState:          model.StateEvaluating,
			WaitBeforeEvaluate: c.params.EvaluationWindow,
			Reason:             fmt.Sprintf("ramping candidate to %d%%", weight),
		}

	case model.StateEvaluating:
		// never judge immediately after a commit; the routing boundary
		// needs its propagation delay to converge
		if phaseElapsed(d, now) < c.params.EvaluationWindow {
			return waitStep()
		}
		if snap.Candidate.Unhealthy > 0 {
			return abortStep(snap, fmt.Sprintf("%d candidate instance(s) unhealthy at %d%%",
				snap.Candidate.Unhealthy, steps[d.StepIndex]))
		}
		if reason, breached := c.breached(snap); breached {
			return abortStep(snap, fmt.Sprintf("%s at %d%%", reason, steps[d.StepIndex]))
		}
		if d.StepIndex >= len(steps)-1 {
			return model.RolloutStep{
				RetireStable: -1,
				NextState:    model.StateCompleted,
				Reason:       "final evaluation window passed at 100%",
			}
		}
		return model.RolloutStep{
			AdvanceStep: true,
			NextState:   model.StateAdvancing,
			Reason:      fmt.Sprintf("window passed at %d%%, advancing", steps[d.StepIndex]),
		}
	}
	return waitStep()
}

// breached applies the configured comparison mode to the snapshot rates.
func (c *Canary) breached(snap model.HealthSnapshot) (string, bool) {
	cand, stable := snap.CandidateErrorRate, snap.StableErrorRate
	if cand <= c.params.MaxErrorRate {
		return "", false
	}
	switch c.params.Comparison {
	case model.CompareAbsolute:
		return fmt.Sprintf("candidate error rate %.3f exceeds %.3f", cand, c.params.MaxErrorRate), true
	default: // relative
		if cand-stable > c.params.RelativeMargin {
			return fmt.Sprintf("candidate error rate %.3f exceeds %.3f and stable rate %.3f", cand, c.params.MaxErrorRate, stable), true
		}
		return "", false
	}
}
