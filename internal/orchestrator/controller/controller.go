// Package controller owns the deployment lifecycle: it accepts
// submissions, runs one tick loop per active deployment, applies the steps
// the active strategy decides, and records every transition in the
// write-ahead audit log before touching the registry or the traffic store.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/rollouts/internal/metrics"
	"github.com/qiniu/rollouts/internal/orchestrator/audit"
	"github.com/qiniu/rollouts/internal/orchestrator/metricsource"
	"github.com/qiniu/rollouts/internal/orchestrator/model"
	"github.com/qiniu/rollouts/internal/orchestrator/provision"
	"github.com/qiniu/rollouts/internal/orchestrator/registry"
	"github.com/qiniu/rollouts/internal/orchestrator/strategy"
	"github.com/qiniu/rollouts/internal/orchestrator/traffic"
	"github.com/rs/zerolog/log"
)

type Config struct {
	TickInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	return c
}

// SubmitRequest is a deployment submission from the operator-facing API.
type SubmitRequest struct {
	ServiceName   string               `json:"serviceName"`
	TargetVersion string               `json:"targetVersion"`
	StrategyKind  model.StrategyKind   `json:"strategyKind"`
	Params        model.StrategyParams `json:"params"`
}

type Controller struct {
	cfg     Config
	reg     *registry.Registry
	store   *traffic.Store
	history audit.Log
	prov    provision.Provisioner
	source  metricsource.Source

	mu          sync.Mutex
	deployments map[string]*model.Deployment
	strategies  map[string]strategy.Strategy
	// active is the per-service lease: at most one deployment id per
	// service, acquired at submission, released on terminal state.
	active map[string]string
	// aborts holds operator-requested abort reasons, consumed on the next
	// tick through the same step path automatic rollback uses.
	aborts map[string]string

	baseCtx context.Context
}

func New(cfg Config, reg *registry.Registry, store *traffic.Store, history audit.Log,
	prov provision.Provisioner, source metricsource.Source) *Controller {
	if source == nil {
		source = &metricsource.Static{}
	}
	return &Controller{
		cfg:         cfg.withDefaults(),
		reg:         reg,
		store:       store,
		history:     history,
		prov:        prov,
		source:      source,
		deployments: make(map[string]*model.Deployment),
		strategies:  make(map[string]strategy.Strategy),
		active:      make(map[string]string),
		aborts:      make(map[string]string),
	}
}

// Start sets the base context for tick loops spawned by Submit.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()
}

// Submit accepts a deployment request, acquires the per-service lease and
// starts the tick loop. ErrConflictingDeployment means another deployment
// is active for the service; no record is created.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (*model.Deployment, error) {
	if req.ServiceName == "" || req.TargetVersion == "" {
		return nil, fmt.Errorf("%w: service name and target version are required", model.ErrInvalidParams)
	}
	params := req.Params.WithDefaults()
	strat, err := strategy.New(req.StrategyKind, params)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	d := &model.Deployment{
		ID:             uuid.NewString(),
		ServiceName:    req.ServiceName,
		TargetVersion:  req.TargetVersion,
		StrategyKind:   req.StrategyKind,
		Params:         params,
		State:          model.StatePending,
		StartedAt:      now,
		PhaseStartedAt: now,
	}

	c.mu.Lock()
	if holder, ok := c.active[req.ServiceName]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: deployment %s is active for service %s",
			model.ErrConflictingDeployment, holder, req.ServiceName)
	}
	c.active[req.ServiceName] = d.ID
	c.deployments[d.ID] = d
	c.strategies[d.ID] = strat
	base := c.baseCtx
	c.mu.Unlock()

	metrics.DeploymentsByState.WithLabelValues(string(model.StatePending)).Inc()
	log.Info().Str("deployment", d.ID).Str("service", d.ServiceName).
		Str("version", d.TargetVersion).Str("strategy", string(d.StrategyKind)).
		Msg("deployment accepted")

	// make sure a baseline policy exists before any shifting starts
	if _, ok := c.store.Current(d.ServiceName); !ok {
		if c.reg.HasHealthy(d.ServiceName, model.EnvStable) {
			if _, err := c.store.Commit(ctx, d.ServiceName, map[model.EnvironmentTag]int{
				model.EnvStable: 100, model.EnvCandidate: 0,
			}); err != nil {
				log.Warn().Err(err).Str("service", d.ServiceName).Msg("baseline policy commit failed")
			}
		}
	}

	if base != nil {
		go c.run(base, d.ID)
	}
	return c.snapshotDeployment(d.ID), nil
}

// Abort requests a rollback for an active deployment. The request is
// converted into the same abort step automatic rollback uses, on the next
// tick.
func (c *Controller) Abort(id, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.deployments[id]
	if !ok {
		return model.ErrDeploymentNotFound
	}
	if d.State.Terminal() {
		return fmt.Errorf("deployment %s already %s", id, d.State)
	}
	if reason == "" {
		reason = "operator requested abort"
	}
	c.aborts[id] = reason
	log.Info().Str("deployment", id).Str("reason", reason).Msg("abort requested")
	return nil
}

// Get returns a copy of one deployment.
func (c *Controller) Get(id string) (*model.Deployment, error) {
	d := c.snapshotDeployment(id)
	if d == nil {
		return nil, model.ErrDeploymentNotFound
	}
	return d, nil
}

// ListActive returns copies of all non-terminal deployments.
func (c *Controller) ListActive() []*model.Deployment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []*model.Deployment{}
	for _, d := range c.deployments {
		if !d.State.Terminal() {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out
}

// History returns the transition log of one deployment.
func (c *Controller) History(ctx context.Context, id string) ([]model.Transition, error) {
	if c.snapshotDeployment(id) == nil {
		return nil, model.ErrDeploymentNotFound
	}
	return c.history.List(ctx, id)
}

func (c *Controller) snapshotDeployment(id string) *model.Deployment {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.deployments[id]
	if !ok {
		return nil
	}
	cp := *d
	return &cp
}

// run is the tick loop for one deployment: decision cadence, independent
// of the probe cadence.
func (c *Controller) run(ctx context.Context, id string) {
	t := time.NewTicker(c.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			done, err := c.Tick(ctx, id)
			if err != nil {
				log.Error().Err(err).Str("deployment", id).Msg("tick failed")
			}
			if done {
				return
			}
		}
	}
}
