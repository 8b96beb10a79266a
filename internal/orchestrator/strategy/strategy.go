// Package strategy implements the decision rules for advancing, pausing
// and reverting a rollout. Each strategy is a pure function of the
// deployment record and the current health snapshot, which keeps every
// decision unit-testable without goroutines or clocks.
package strategy

import (
	"fmt"
	"time"

	"github.com/qiniu/rollouts/internal/orchestrator/model"
)

// Strategy decides the next rollout step. Implementations must not mutate
// the deployment or hold state of their own; the controller owns all
// mutation and applies the returned step.
type Strategy interface {
	Decide(d *model.Deployment, snap model.HealthSnapshot, now time.Time) model.RolloutStep
}

// New selects the implementation for a strategy kind. The controller never
// branches on kind itself; new strategies plug in here.
func New(kind model.StrategyKind, params model.StrategyParams) (Strategy, error) {
	params = params.WithDefaults()
	if err := params.Validate(kind); err != nil {
		return nil, err
	}
	switch kind {
	case model.StrategyRolling:
		return &Rolling{params: params}, nil
	case model.StrategyBlueGreen:
		return &BlueGreen{params: params}, nil
	case model.StrategyCanary:
		return &Canary{params: params}, nil
	}
	return nil, fmt.Errorf("%w: unknown strategy kind %q", model.ErrInvalidParams, kind)
}

// abortStep is the single rollback path shared by all strategies and by
// operator-issued aborts: withdraw all candidate traffic in one commit,
// then retire the candidate population. A bootstrap rollout has no stable
// population that could back the reverted weights, so the commit is
// skipped and the rollback is retirement only.
func abortStep(snap model.HealthSnapshot, reason string) model.RolloutStep {
	step := model.RolloutStep{
		Abort:           true,
		RetireCandidate: -1,
		NextState:       model.StateRollingBack,
		Reason:          reason,
	}
	if snap.Stable.Healthy > 0 {
		step.NextWeights = map[model.EnvironmentTag]int{
			model.EnvStable:    100,
			model.EnvCandidate: 0,
		}
	}
	return step
}

// AbortStep exposes the shared rollback step for operator-issued aborts,
// so cancellation and automatic rollback run through identical logic.
func AbortStep(snap model.HealthSnapshot, reason string) model.RolloutStep {
	return abortStep(snap, reason)
}

func phaseElapsed(d *model.Deployment, now time.Time) time.Duration {
	if d.PhaseStartedAt.IsZero() {
		return 0
	}
	return now.Sub(d.PhaseStartedAt)
}

// waitStep asks the controller to do nothing this tick.
func waitStep() model.RolloutStep {
	return model.RolloutStep{}
}
