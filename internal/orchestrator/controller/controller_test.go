package controller

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/qiniu/rollouts/internal/orchestrator/audit"
	"github.com/qiniu/rollouts/internal/orchestrator/model"
	"github.com/qiniu/rollouts/internal/orchestrator/registry"
	"github.com/qiniu/rollouts/internal/orchestrator/traffic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvisioner hands out instances synchronously and remembers what it
// destroyed.
type fakeProvisioner struct {
	counter       int
	failProvision bool
	deprovisioned []string
}

func (f *fakeProvisioner) Provision(_ context.Context, service, version string, count int) ([]model.ServiceInstance, error) {
	if f.failProvision {
		return nil, fmt.Errorf("%w: no capacity", model.ErrProvision)
	}
	out := make([]model.ServiceInstance, 0, count)
	for i := 0; i < count; i++ {
		f.counter++
		out = append(out, model.ServiceInstance{
			ID:       fmt.Sprintf("%s-%s-%d", service, version, f.counter),
			Endpoint: fmt.Sprintf("10.0.0.%d:8080", f.counter),
		})
	}
	return out, nil
}

func (f *fakeProvisioner) Deprovision(_ context.Context, id string) error {
	f.deprovisioned = append(f.deprovisioned, id)
	return nil
}

// mutableSource lets a test degrade the candidate mid-rollout.
type mutableSource struct {
	stable    float64
	candidate float64
}

func (m *mutableSource) ErrorRate(_ context.Context, _ string, env model.EnvironmentTag) (float64, error) {
	if env == model.EnvCandidate {
		return m.candidate, nil
	}
	return m.stable, nil
}

type fixture struct {
	ctl    *Controller
	reg    *registry.Registry
	store  *traffic.Store
	log    *audit.MemoryLog
	prov   *fakeProvisioner
	source *mutableSource
}

func newFixture(t *testing.T, stableInstances int) *fixture {
	t.Helper()
	reg := registry.New()
	for i := 0; i < stableInstances; i++ {
		id := fmt.Sprintf("gw-v1-%d", i+1)
		_, err := reg.Register(model.ServiceInstance{
			ID: id, ServiceName: "gw", Version: "v1", Environment: model.EnvStable,
		})
		require.NoError(t, err)
		require.NoError(t, reg.MarkHealth(id, model.HealthHealthy, time.Now()))
	}
	store := traffic.NewStore(reg, nil)
	logbook := audit.NewMemoryLog()
	prov := &fakeProvisioner{}
	source := &mutableSource{}
	ctl := New(Config{}, reg, store, logbook, prov, source)
	return &fixture{ctl: ctl, reg: reg, store: store, log: logbook, prov: prov, source: source}
}

// markCandidatesHealthy flips every candidate to healthy, standing in for
// the probe loops that tests do not run.
func (f *fixture) markCandidatesHealthy(t *testing.T) {
	t.Helper()
	for _, inst := range f.reg.List("gw", model.EnvCandidate) {
		require.NoError(t, f.reg.MarkHealth(inst.ID, model.HealthHealthy, time.Now()))
	}
}

// drive ticks the deployment until it reaches a terminal state, marking
// fresh candidates healthy between ticks. After every tick it checks that
// no instance without a healthy verdict sits in an environment carrying
// committed traffic.
func (f *fixture) drive(t *testing.T, id string, maxTicks int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < maxTicks; i++ {
		done, err := f.ctl.Tick(ctx, id)
		require.NoError(t, err)
		f.assertNoTrafficToUnvetted(t)
		if done {
			return
		}
		f.markCandidatesHealthy(t)
	}
	d, _ := f.ctl.Get(id)
	t.Fatalf("deployment not terminal after %d ticks, state %s", maxTicks, d.State)
}

// assertNoTrafficToUnvetted fails if any environment with a nonzero
// committed weight holds an instance that is not healthy.
func (f *fixture) assertNoTrafficToUnvetted(t *testing.T) {
	t.Helper()
	policy, ok := f.store.Current("gw")
	if !ok {
		return
	}
	for env, w := range policy.Weights {
		if w == 0 {
			continue
		}
		for _, inst := range f.reg.List("gw", env) {
			assert.Equalf(t, model.HealthHealthy, inst.Health,
				"instance %s is %s in environment %q carrying weight %d",
				inst.ID, inst.Health, env, w)
		}
	}
}

// assertRetireAfterZeroWeight walks the transition history and checks that
// a full environment retirement never precedes the commit zeroing that
// environment's weight. Weight commits apply before retirements inside a
// step, so a step's own weights count.
func assertRetireAfterZeroWeight(t *testing.T, transitions []model.Transition) {
	t.Helper()
	weights := map[model.EnvironmentTag]int{model.EnvStable: 100, model.EnvCandidate: 0}
	for _, tr := range transitions {
		for env, w := range tr.Step.NextWeights {
			weights[env] = w
		}
		if tr.Step.RetireCandidate < 0 {
			assert.Zerof(t, weights[model.EnvCandidate],
				"seq %d retires all candidates at weight %d", tr.Seq, weights[model.EnvCandidate])
		}
		if tr.Step.RetireStable < 0 {
			assert.Zerof(t, weights[model.EnvStable],
				"seq %d retires all stable at weight %d", tr.Seq, weights[model.EnvStable])
		}
	}
}

func TestRollingSuccessReplacesAllInstances(t *testing.T) {
	f := newFixture(t, 4)
	d, err := f.ctl.Submit(context.Background(), SubmitRequest{
		ServiceName: "gw", TargetVersion: "v2", StrategyKind: model.StrategyRolling,
		Params: model.StrategyParams{BatchSize: 1, EvaluationWindow: time.Nanosecond},
	})
	require.NoError(t, err)

	f.drive(t, d.ID, 30)

	got, err := f.ctl.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, got.State)
	require.NotNil(t, got.FinishedAt)

	// 4 instances, all v2, all promoted to stable; no v1 remains
	stable := f.reg.List("gw", model.EnvStable)
	require.Len(t, stable, 4)
	for _, inst := range stable {
		assert.Equal(t, "v2", inst.Version)
	}
	assert.Empty(t, f.reg.List("gw", model.EnvCandidate))
	assert.Len(t, f.prov.deprovisioned, 4)

	policy, ok := f.store.Current("gw")
	require.True(t, ok)
	assert.Equal(t, 100, policy.Weights[model.EnvStable])
	assert.Equal(t, 0, policy.Weights[model.EnvCandidate])

	transitions, err := f.ctl.History(context.Background(), d.ID)
	require.NoError(t, err)
	assertRetireAfterZeroWeight(t, transitions)
}

// The candidate environment must stay at weight zero whenever it holds
// unvetted instances; after the first batch is absorbed, provisioning the
// next batch must not inherit any traffic share.
func TestRollingCandidateWeightZeroAcrossBatches(t *testing.T) {
	f := newFixture(t, 2)
	d, err := f.ctl.Submit(context.Background(), SubmitRequest{
		ServiceName: "gw", TargetVersion: "v2", StrategyKind: model.StrategyRolling,
		Params: model.StrategyParams{BatchSize: 1},
	})
	require.NoError(t, err)
	ctx := context.Background()

	// first batch up and absorbed into stable
	_, err = f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)
	f.markCandidatesHealthy(t)
	_, err = f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)
	require.Empty(t, f.reg.List("gw", model.EnvCandidate))

	// second batch provisioned: unknown instances in the candidate tag
	_, err = f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)
	candidates := f.reg.List("gw", model.EnvCandidate)
	require.Len(t, candidates, 1)
	assert.Equal(t, model.HealthUnknown, candidates[0].Health)

	policy, ok := f.store.Current("gw")
	require.True(t, ok)
	assert.Equal(t, 0, policy.Weights[model.EnvCandidate])
	assert.Equal(t, 100, policy.Weights[model.EnvStable])
}

// A rollout into an empty service has no stable population to revert to;
// aborting it retires the candidates and lands in rolledback, not failed.
func TestBootstrapAbortRetiresWithoutWeightCommit(t *testing.T) {
	f := newFixture(t, 0)
	d, err := f.ctl.Submit(context.Background(), SubmitRequest{
		ServiceName: "gw", TargetVersion: "v2", StrategyKind: model.StrategyRolling,
		Params: model.StrategyParams{TargetInstances: 2},
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, f.reg.List("gw", model.EnvCandidate), 2)

	require.NoError(t, f.ctl.Abort(d.ID, "wrong image"))
	done, err := f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, done)

	got, err := f.ctl.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRolledBack, got.State)
	assert.Empty(t, f.reg.List("gw", model.EnvCandidate))

	// no policy was ever committed for the empty service
	_, ok := f.store.Current("gw")
	assert.False(t, ok)
}

func TestConflictingDeploymentRejectedWithoutRecord(t *testing.T) {
	f := newFixture(t, 2)
	first, err := f.ctl.Submit(context.Background(), SubmitRequest{
		ServiceName: "gw", TargetVersion: "v2", StrategyKind: model.StrategyRolling,
	})
	require.NoError(t, err)

	second, err := f.ctl.Submit(context.Background(), SubmitRequest{
		ServiceName: "gw", TargetVersion: "v3", StrategyKind: model.StrategyCanary,
	})
	require.ErrorIs(t, err, model.ErrConflictingDeployment)
	assert.Nil(t, second)

	// only the first deployment exists
	assert.Len(t, f.ctl.ListActive(), 1)
	got, err := f.ctl.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	// a different service is not blocked
	_, err = f.ctl.Submit(context.Background(), SubmitRequest{
		ServiceName: "api", TargetVersion: "v2", StrategyKind: model.StrategyRolling,
	})
	require.NoError(t, err)
}

func TestBlueGreenRollbackAfterCutover(t *testing.T) {
	f := newFixture(t, 3)
	stableBefore := f.reg.List("gw", model.EnvStable)

	d, err := f.ctl.Submit(context.Background(), SubmitRequest{
		ServiceName: "gw", TargetVersion: "v2", StrategyKind: model.StrategyBlueGreen,
		Params: model.StrategyParams{
			SoakDuration: time.Nanosecond, DrainDuration: time.Hour, MaxErrorRate: 0.05,
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	// provision full candidate capacity
	_, err = f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)
	f.markCandidatesHealthy(t)
	require.Len(t, f.reg.List("gw", model.EnvCandidate), 3)

	// healthy -> soak -> cutover
	_, err = f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)
	_, err = f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)

	policy, ok := f.store.Current("gw")
	require.True(t, ok)
	require.Equal(t, 100, policy.Weights[model.EnvCandidate])
	cutoverRevision := policy.Revision

	// candidate degrades during drain
	f.source.candidate = 0.2
	done, err := f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, done)

	got, err := f.ctl.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRolledBack, got.State)
	assert.Contains(t, got.StateReason, "error rate")

	// a single commit reverted the weights
	policy, _ = f.store.Current("gw")
	assert.Equal(t, cutoverRevision+1, policy.Revision)
	assert.Equal(t, 100, policy.Weights[model.EnvStable])
	assert.Equal(t, 0, policy.Weights[model.EnvCandidate])

	// candidate retired, stable untouched
	assert.Empty(t, f.reg.List("gw", model.EnvCandidate))
	stableAfter := f.reg.List("gw", model.EnvStable)
	require.Len(t, stableAfter, len(stableBefore))
	for i := range stableBefore {
		assert.Equal(t, stableBefore[i].ID, stableAfter[i].ID)
	}

	transitions, err := f.ctl.History(ctx, d.ID)
	require.NoError(t, err)
	assertRetireAfterZeroWeight(t, transitions)
}

func TestBlueGreenCompletedRetiresStableAfterCutover(t *testing.T) {
	f := newFixture(t, 2)
	d, err := f.ctl.Submit(context.Background(), SubmitRequest{
		ServiceName: "gw", TargetVersion: "v2", StrategyKind: model.StrategyBlueGreen,
		Params: model.StrategyParams{
			SoakDuration: time.Nanosecond, DrainDuration: time.Nanosecond,
		},
	})
	require.NoError(t, err)

	f.drive(t, d.ID, 10)

	got, err := f.ctl.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, got.State)

	stable := f.reg.List("gw", model.EnvStable)
	require.Len(t, stable, 2)
	for _, inst := range stable {
		assert.Equal(t, "v2", inst.Version)
	}
	policy, _ := f.store.Current("gw")
	assert.Equal(t, 100, policy.Weights[model.EnvStable])

	// the old environment went only after its weight hit zero
	transitions, err := f.ctl.History(context.Background(), d.ID)
	require.NoError(t, err)
	assertRetireAfterZeroWeight(t, transitions)
}

func TestCanaryPartialFailureRollsBack(t *testing.T) {
	f := newFixture(t, 3)
	d, err := f.ctl.Submit(context.Background(), SubmitRequest{
		ServiceName: "gw", TargetVersion: "v2", StrategyKind: model.StrategyCanary,
		Params: model.StrategyParams{
			CanarySteps: []int{10, 50, 100}, EvaluationWindow: time.Nanosecond,
			MaxErrorRate: 0.05,
		},
	})
	require.NoError(t, err)
	ctx := context.Background()
	f.source.stable = 0.01

	// provision, healthy, start ramp
	_, err = f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)
	f.markCandidatesHealthy(t)
	_, err = f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)

	// commit 10, evaluate, advance
	_, err = f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)
	_, err = f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)

	// commit 50, then the candidate degrades relative to stable
	_, err = f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)
	f.source.candidate = 0.30
	done, err := f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, done)

	got, err := f.ctl.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRolledBack, got.State)

	// history shows the committed candidate weights 10 -> 50 -> 0
	transitions, err := f.ctl.History(ctx, d.ID)
	require.NoError(t, err)
	weights := []int{}
	for _, tr := range transitions {
		if tr.Step.NextWeights != nil {
			weights = append(weights, tr.Step.NextWeights[model.EnvCandidate])
		}
	}
	assert.Equal(t, []int{10, 50, 0}, weights)

	policy, _ := f.store.Current("gw")
	assert.Equal(t, 0, policy.Weights[model.EnvCandidate])
	assert.Empty(t, f.reg.List("gw", model.EnvCandidate))
	assertRetireAfterZeroWeight(t, transitions)
}

func TestOperatorAbortSharesRollbackPath(t *testing.T) {
	f := newFixture(t, 2)
	d, err := f.ctl.Submit(context.Background(), SubmitRequest{
		ServiceName: "gw", TargetVersion: "v2", StrategyKind: model.StrategyBlueGreen,
		Params: model.StrategyParams{SoakDuration: time.Hour},
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)
	f.markCandidatesHealthy(t)
	_, err = f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)

	require.NoError(t, f.ctl.Abort(d.ID, "bad config noticed"))
	done, err := f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, done)

	got, err := f.ctl.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRolledBack, got.State)
	assert.Equal(t, "bad config noticed", got.StateReason)
	assert.Empty(t, f.reg.List("gw", model.EnvCandidate))
	assert.Len(t, f.reg.List("gw", model.EnvStable), 2)

	transitions, err := f.ctl.History(ctx, d.ID)
	require.NoError(t, err)
	assertRetireAfterZeroWeight(t, transitions)

	// the lease is released: a new deployment may start
	_, err = f.ctl.Submit(context.Background(), SubmitRequest{
		ServiceName: "gw", TargetVersion: "v3", StrategyKind: model.StrategyRolling,
	})
	require.NoError(t, err)
}

func TestAbortUnknownOrTerminalDeployment(t *testing.T) {
	f := newFixture(t, 1)
	err := f.ctl.Abort("missing", "")
	require.ErrorIs(t, err, model.ErrDeploymentNotFound)
}

func TestProvisionFailureTriggersRollback(t *testing.T) {
	f := newFixture(t, 2)
	f.prov.failProvision = true
	d, err := f.ctl.Submit(context.Background(), SubmitRequest{
		ServiceName: "gw", TargetVersion: "v2", StrategyKind: model.StrategyRolling,
	})
	require.NoError(t, err)
	ctx := context.Background()

	// provisioning step fails and schedules a rollback
	_, err = f.ctl.Tick(ctx, d.ID)
	require.ErrorIs(t, err, model.ErrProvision)

	done, err := f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, done)

	got, err := f.ctl.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRolledBack, got.State)
	assert.Len(t, f.reg.List("gw", model.EnvStable), 2)
}

func TestReplayedTransitionIsIdempotent(t *testing.T) {
	f := newFixture(t, 2)
	d, err := f.ctl.Submit(context.Background(), SubmitRequest{
		ServiceName: "gw", TargetVersion: "v2", StrategyKind: model.StrategyRolling,
	})
	require.NoError(t, err)
	ctx := context.Background()

	// apply the provisioning intent once
	_, err = f.ctl.Tick(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, f.reg.List("gw", model.EnvCandidate), 1)

	transitions, err := f.ctl.History(ctx, d.ID)
	require.NoError(t, err)
	var provisionTr *model.Transition
	for i := range transitions {
		if transitions[i].Step.Provision > 0 {
			provisionTr = &transitions[i]
		}
	}
	require.NotNil(t, provisionTr)
	policyBefore, _ := f.store.Current("gw")

	// simulating a crash-restart: the same logged intent applied again
	require.NoError(t, f.ctl.Replay(ctx, *provisionTr))
	require.NoError(t, f.ctl.Replay(ctx, *provisionTr))

	// same end state: no duplicate batch, no extra instances
	assert.Len(t, f.reg.List("gw", model.EnvCandidate), 1)
	policyAfter, _ := f.store.Current("gw")
	assert.Equal(t, policyBefore.Weights, policyAfter.Weights)
}

func TestResumeReappliesUnappliedIntent(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	// a controller that crashed after logging an intent but before
	// applying it: the log carries an unapplied provisioning step
	d := &model.Deployment{
		ID: "d-crashed", ServiceName: "gw", TargetVersion: "v2",
		StrategyKind: model.StrategyRolling,
		Params:       model.StrategyParams{}.WithDefaults(),
		State:        model.StatePending, StartedAt: time.Now(), PhaseStartedAt: time.Now(),
	}
	_, err := f.log.Append(ctx, model.Transition{
		DeploymentID: d.ID, ServiceName: "gw",
		FromState: model.StatePending, ToState: model.StateProvisioning,
		Step: model.RolloutStep{Provision: 1, ExpectedCandidates: 1, NextState: model.StateProvisioning},
	})
	require.NoError(t, err)

	require.NoError(t, f.ctl.Resume(ctx, d))

	// the intent was re-applied, not re-decided
	assert.Len(t, f.reg.List("gw", model.EnvCandidate), 1)
	got, err := f.ctl.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateProvisioning, got.State)

	pending, err := f.log.Unapplied(ctx, d.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
