// Package probe runs one health-check loop per registered instance and
// feeds aggregated verdicts back into the registry. Decision cadence is
// decoupled: the controller reads verdicts from the registry, never raw
// samples.
package probe

import (
	"context"
	"sync"
	"time"

	"github.com/qiniu/rollouts/internal/metrics"
	"github.com/qiniu/rollouts/internal/orchestrator/model"
	"github.com/qiniu/rollouts/internal/orchestrator/registry"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Interval       time.Duration
	Timeout        time.Duration
	WindowSize     int
	Quorum         int
	LatencyCeiling time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 5
	}
	if c.Quorum <= 0 {
		c.Quorum = 3
	}
	if c.LatencyCeiling <= 0 {
		c.LatencyCeiling = 500 * time.Millisecond
	}
	return c
}

// Manager supervises probe loops. A supervisor tick compares running loops
// against the registry and starts loops for new instances; loops exit on
// their own when their instance has been retired.
type Manager struct {
	cfg     Config
	reg     *registry.Registry
	prober  Prober
	mu      sync.Mutex
	running map[string]context.CancelFunc
	windows map[string]*Window
}

func NewManager(cfg Config, reg *registry.Registry, prober Prober) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		reg:     reg,
		prober:  prober,
		running: make(map[string]context.CancelFunc),
		windows: make(map[string]*Window),
	}
}

// Run blocks until ctx is cancelled, reconciling probe loops once per
// probe interval.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	m.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.reconcile(ctx)
		}
	}
}

func (m *Manager) reconcile(ctx context.Context) {
	live := make(map[string]model.ServiceInstance)
	for _, inst := range m.reg.Instances() {
		live[inst.ID] = inst
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, inst := range live {
		if _, ok := m.running[id]; ok {
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		m.running[id] = cancel
		m.windows[id] = NewWindow(m.cfg.WindowSize, m.cfg.Quorum, m.cfg.LatencyCeiling)
		go m.loop(loopCtx, inst, m.windows[id])
	}
	for id, cancel := range m.running {
		if _, ok := live[id]; !ok {
			cancel()
			delete(m.running, id)
			delete(m.windows, id)
		}
	}
}

// loop probes one instance on a fixed interval. A panicking iteration is
// logged and the loop restarted; an instance cannot become permanently
// unmonitored.
func (m *Manager) loop(ctx context.Context, inst model.ServiceInstance, w *Window) {
	for {
		if done := m.runLoop(ctx, inst, w); done {
			return
		}
		metrics.ProbeLoopRestarts.Inc()
		log.Warn().Str("instance", inst.ID).Msg("probe loop restarted after panic")
	}
}

// runLoop returns true when the loop should not be restarted (context
// cancelled or instance retired), false after recovering from a panic.
func (m *Manager) runLoop(ctx context.Context, inst model.ServiceInstance, w *Window) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("instance", inst.ID).Msg("probe loop panic")
			done = false
		}
	}()
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return true
		case <-t.C:
			if retired := m.probeOnce(ctx, inst, w); retired {
				return true
			}
		}
	}
}

func (m *Manager) probeOnce(ctx context.Context, inst model.ServiceInstance, w *Window) (retired bool) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	sample := m.prober.Probe(probeCtx, inst)
	cancel()

	result := "failure"
	if sample.Success {
		result = "success"
	}
	metrics.ProbeSamples.WithLabelValues(inst.ServiceName, result).Inc()

	verdict := w.Add(sample)
	if err := m.reg.MarkHealth(inst.ID, verdict, sample.ObservedAt); err != nil {
		// instance retired under us; let the loop exit
		return true
	}
	return false
}
