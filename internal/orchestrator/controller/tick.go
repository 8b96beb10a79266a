package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/rollouts/internal/metrics"
	"github.com/qiniu/rollouts/internal/orchestrator/model"
	"github.com/qiniu/rollouts/internal/orchestrator/strategy"
	"github.com/rs/zerolog/log"
)

// Tick runs one decision cycle for a deployment: build the health
// snapshot, ask the strategy (or a pending operator abort) for the next
// step, and apply it. Returns done=true once the deployment is terminal.
func (c *Controller) Tick(ctx context.Context, id string) (done bool, err error) {
	c.mu.Lock()
	d, ok := c.deployments[id]
	if !ok {
		c.mu.Unlock()
		return true, model.ErrDeploymentNotFound
	}
	if d.State.Terminal() {
		c.mu.Unlock()
		return true, nil
	}
	strat := c.strategies[id]
	abortReason, aborting := c.aborts[id]
	delete(c.aborts, id)
	c.mu.Unlock()

	snap := c.buildSnapshot(ctx, d)

	var step model.RolloutStep
	trigger := "auto"
	if aborting {
		// operator cancellation runs through the identical step path as
		// health-triggered rollback
		step = strategy.AbortStep(snap, abortReason)
		trigger = "operator"
	} else {
		step = strat.Decide(d, snap, time.Now())
	}
	if isNoop(step) {
		return false, nil
	}
	return c.apply(ctx, d, step, trigger)
}

func isNoop(step model.RolloutStep) bool {
	return !step.Abort && !step.AdvanceStep && !step.Promote &&
		step.NextState == "" && step.NextWeights == nil &&
		step.Provision == 0 && step.RetireStable == 0 && step.RetireCandidate == 0
}

func (c *Controller) buildSnapshot(ctx context.Context, d *model.Deployment) model.HealthSnapshot {
	service := d.ServiceName
	snap := model.HealthSnapshot{
		Stable:         c.reg.EnvironmentHealth(service, model.EnvStable),
		Candidate:      c.reg.EnvironmentHealth(service, model.EnvCandidate),
		StableOutdated: c.reg.Outdated(service, d.TargetVersion),
		ObservedAt:     time.Now(),
	}
	if rate, err := c.source.ErrorRate(ctx, service, model.EnvStable); err == nil {
		snap.StableErrorRate = rate
	} else {
		log.Warn().Err(err).Str("service", service).Msg("stable error rate unavailable")
	}
	if rate, err := c.source.ErrorRate(ctx, service, model.EnvCandidate); err == nil {
		snap.CandidateErrorRate = rate
	} else {
		log.Warn().Err(err).Str("service", service).Msg("candidate error rate unavailable")
	}
	return snap
}

// apply logs the intent, performs the side effects in the fixed order
// (registry additions, then traffic commit, then retirements), and only
// then moves the state machine.
func (c *Controller) apply(ctx context.Context, d *model.Deployment, step model.RolloutStep, trigger string) (bool, error) {
	from := d.State
	to := from
	if step.NextState != "" {
		to = step.NextState
	}
	if step.Provision > 0 {
		step.ExpectedCandidates = c.reg.EnvironmentHealth(d.ServiceName, model.EnvCandidate).Total + step.Provision
	}

	seq, err := c.history.Append(ctx, model.Transition{
		DeploymentID: d.ID,
		ServiceName:  d.ServiceName,
		FromState:    from,
		ToState:      to,
		Step:         step,
		Reason:       step.Reason,
		LoggedAt:     time.Now(),
	})
	if err != nil {
		// no intent record, no side effects; retry next tick
		return false, fmt.Errorf("append intent: %w", err)
	}

	if err := c.applyEffects(ctx, d, step, to); err != nil {
		if step.Abort {
			// the rollback itself cannot complete; surface, do not retry
			// forever in an inconsistent traffic state
			c.finish(ctx, d, model.StateFailed, fmt.Sprintf("rollback failed: %v", err))
			return true, fmt.Errorf("%w: %v", model.ErrRollbackFailed, err)
		}
		log.Error().Err(err).Str("deployment", d.ID).Msg("step failed, scheduling rollback")
		c.mu.Lock()
		c.aborts[d.ID] = fmt.Sprintf("step failed: %v", err)
		c.mu.Unlock()
		return false, err
	}
	if err := c.history.MarkApplied(ctx, seq); err != nil {
		log.Warn().Err(err).Int64("seq", seq).Msg("mark applied failed")
	}

	c.mu.Lock()
	if step.AdvanceStep {
		d.StepIndex++
	}
	if to != from || step.AdvanceStep || step.NextWeights != nil {
		d.PhaseStartedAt = time.Now()
	}
	c.setStateLocked(d, to, step.Reason)
	c.mu.Unlock()

	if step.Abort {
		metrics.Rollbacks.WithLabelValues(d.ServiceName, trigger).Inc()
		c.finish(ctx, d, model.StateRolledBack, step.Reason)
		return true, nil
	}
	if to == model.StateCompleted {
		c.finish(ctx, d, model.StateCompleted, step.Reason)
		return true, nil
	}
	return false, nil
}

// applyEffects performs a step's side effects. Registry changes come
// before traffic exposure, traffic withdrawal before retirement; every
// effect is idempotent so a replayed intent converges to the same state.
func (c *Controller) applyEffects(ctx context.Context, d *model.Deployment, step model.RolloutStep, to model.DeploymentState) error {
	if step.Provision > 0 {
		if err := c.provisionCandidates(ctx, d, step); err != nil {
			return err
		}
	}
	if step.NextWeights != nil {
		if _, err := c.store.Commit(ctx, d.ServiceName, step.NextWeights); err != nil {
			return err
		}
	}
	if step.RetireCandidate != 0 {
		if err := c.retire(ctx, d, model.EnvCandidate, step.RetireCandidate); err != nil {
			return err
		}
	}
	if step.RetireStable != 0 {
		if err := c.retire(ctx, d, model.EnvStable, step.RetireStable); err != nil {
			return err
		}
	}
	if step.Promote {
		// the batch joins the traffic-carrying pool only now, with a
		// healthy verdict already recorded for every instance
		c.reg.Promote(d.ServiceName)
	}
	if to == model.StateCompleted {
		// the candidates are the service now
		c.reg.Promote(d.ServiceName)
		if _, err := c.store.Commit(ctx, d.ServiceName, map[model.EnvironmentTag]int{
			model.EnvStable: 100, model.EnvCandidate: 0,
		}); err != nil {
			return err
		}
	}
	return nil
}

// provisionCandidates brings the candidate population up to the size the
// logged intent expects. On replay the shortfall is zero or partial, so a
// crash between provisioning and mark-applied cannot double the batch.
func (c *Controller) provisionCandidates(ctx context.Context, d *model.Deployment, step model.RolloutStep) error {
	need := step.Provision
	if step.ExpectedCandidates > 0 {
		need = step.ExpectedCandidates - c.reg.EnvironmentHealth(d.ServiceName, model.EnvCandidate).Total
	}
	if need <= 0 {
		return nil
	}
	instances, err := c.prov.Provision(ctx, d.ServiceName, d.TargetVersion, need)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if inst.ID == "" {
			inst.ID = uuid.NewString()
		}
		inst.ServiceName = d.ServiceName
		inst.Version = d.TargetVersion
		inst.Environment = model.EnvCandidate
		if _, err := c.reg.Register(inst); err != nil {
			// already registered by a previous attempt of this intent
			log.Debug().Err(err).Str("instance", inst.ID).Msg("register skipped")
		}
	}
	return nil
}

// retire removes count instances of an environment (count < 0 means all),
// oldest first. Stable retirement only ever touches instances behind the
// target version: absorbed batches and a replayed retirement can never
// take out the instances that just replaced them. Both the provisioner
// call and the registry removal are idempotent.
func (c *Controller) retire(ctx context.Context, d *model.Deployment, env model.EnvironmentTag, count int) error {
	instances := c.reg.List(d.ServiceName, env)
	if env == model.EnvStable {
		outdated := instances[:0]
		for _, inst := range instances {
			if inst.Version != d.TargetVersion {
				outdated = append(outdated, inst)
			}
		}
		instances = outdated
	}
	if count < 0 || count > len(instances) {
		count = len(instances)
	}
	for _, inst := range instances[:count] {
		if c.prov != nil {
			if err := c.prov.Deprovision(ctx, inst.ID); err != nil {
				return fmt.Errorf("deprovision %s: %w", inst.ID, err)
			}
		}
		c.reg.Retire(inst.ID)
	}
	return nil
}

// setStateLocked moves the state machine and keeps the state gauge
// consistent. Callers hold c.mu.
func (c *Controller) setStateLocked(d *model.Deployment, to model.DeploymentState, reason string) {
	if d.State == to {
		return
	}
	metrics.DeploymentsByState.WithLabelValues(string(d.State)).Dec()
	metrics.DeploymentsByState.WithLabelValues(string(to)).Inc()
	log.Info().Str("deployment", d.ID).Str("service", d.ServiceName).
		Str("from", string(d.State)).Str("to", string(to)).Str("reason", reason).
		Msg("deployment state changed")
	d.State = to
	if reason != "" {
		d.StateReason = reason
	}
}

// finish records the terminal transition, stamps the finish time and
// releases the per-service lease.
func (c *Controller) finish(ctx context.Context, d *model.Deployment, state model.DeploymentState, reason string) {
	c.mu.Lock()
	from := d.State
	c.setStateLocked(d, state, reason)
	now := time.Now()
	d.FinishedAt = &now
	if c.active[d.ServiceName] == d.ID {
		delete(c.active, d.ServiceName)
	}
	c.mu.Unlock()

	if from != state {
		seq, err := c.history.Append(ctx, model.Transition{
			DeploymentID: d.ID,
			ServiceName:  d.ServiceName,
			FromState:    from,
			ToState:      state,
			Reason:       reason,
			LoggedAt:     now,
		})
		if err != nil {
			log.Warn().Err(err).Str("deployment", d.ID).Msg("terminal transition append failed")
			return
		}
		if err := c.history.MarkApplied(ctx, seq); err != nil {
			log.Warn().Err(err).Int64("seq", seq).Msg("mark applied failed")
		}
	}
}

// Resume re-adopts a deployment after a controller restart: the last
// logged but unapplied intents are re-applied in order rather than
// re-decided, so provisioning and commits are not duplicated.
func (c *Controller) Resume(ctx context.Context, d *model.Deployment) error {
	strat, err := strategy.New(d.StrategyKind, d.Params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if holder, ok := c.active[d.ServiceName]; ok && holder != d.ID {
		c.mu.Unlock()
		return fmt.Errorf("%w: deployment %s is active for service %s",
			model.ErrConflictingDeployment, holder, d.ServiceName)
	}
	cp := *d
	c.deployments[d.ID] = &cp
	c.strategies[d.ID] = strat
	if !cp.State.Terminal() {
		c.active[d.ServiceName] = d.ID
	}
	base := c.baseCtx
	c.mu.Unlock()

	pending, err := c.history.Unapplied(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("read unapplied intents: %w", err)
	}
	for _, tr := range pending {
		if err := c.Replay(ctx, tr); err != nil {
			return err
		}
	}

	if !cp.State.Terminal() && base != nil {
		go c.run(base, d.ID)
	}
	return nil
}

// Replay applies one logged intent. Applying the same transition twice
// produces the same registry and policy end state as applying it once.
func (c *Controller) Replay(ctx context.Context, tr model.Transition) error {
	c.mu.Lock()
	d, ok := c.deployments[tr.DeploymentID]
	c.mu.Unlock()
	if !ok {
		return model.ErrDeploymentNotFound
	}
	if err := c.applyEffects(ctx, d, tr.Step, tr.ToState); err != nil {
		return fmt.Errorf("replay seq %d: %w", tr.Seq, err)
	}
	if err := c.history.MarkApplied(ctx, tr.Seq); err != nil {
		log.Warn().Err(err).Int64("seq", tr.Seq).Msg("mark applied failed")
	}
	c.mu.Lock()
	if tr.Step.AdvanceStep {
		d.StepIndex++
	}
	c.setStateLocked(d, tr.ToState, tr.Reason)
	d.PhaseStartedAt = time.Now()
	c.mu.Unlock()
	return nil
}
