// Package registry tracks live service instances, their version label,
// environment tag and aggregated health. It is one of the two shared
// mutable stores (the other is the traffic store): many probe loops and
// controller ticks read concurrently, writes are serialized by one mutex.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qiniu/rollouts/internal/orchestrator/model"
	"github.com/rs/zerolog/log"
)

type Registry struct {
	mu        sync.RWMutex
	instances map[string]*model.ServiceInstance
}

func New() *Registry {
	return &Registry{instances: make(map[string]*model.ServiceInstance)}
}

// Register adds a new instance with health Unknown. The instance receives
// no traffic until enough probe samples have been collected.
func (r *Registry) Register(inst model.ServiceInstance) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[inst.ID]; ok {
		return "", fmt.Errorf("%w: %s", model.ErrDuplicateInstance, inst.ID)
	}
	inst.Health = model.HealthUnknown
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}
	cp := inst
	r.instances[inst.ID] = &cp
	log.Debug().Str("instance", inst.ID).Str("service", inst.ServiceName).
		Str("version", inst.Version).Str("env", string(inst.Environment)).
		Msg("instance registered")
	return inst.ID, nil
}

// MarkHealth records the aggregated probe verdict for an instance.
func (r *Registry) MarkHealth(id string, health model.HealthState, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownInstance, id)
	}
	if inst.Health != health {
		log.Info().Str("instance", id).Str("service", inst.ServiceName).
			Str("from", string(inst.Health)).Str("to", string(health)).
			Msg("instance health changed")
	}
	inst.Health = health
	inst.LastProbeAt = at
	return nil
}

// Get returns a copy of the instance, or ErrUnknownInstance.
func (r *Registry) Get(id string) (model.ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return model.ServiceInstance{}, fmt.Errorf("%w: %s", model.ErrUnknownInstance, id)
	}
	return *inst, nil
}

// List returns a snapshot of the instances of one service filtered by
// environment tag, ordered by creation time. No side effects.
func (r *Registry) List(service string, env model.EnvironmentTag) []model.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ServiceInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		if inst.ServiceName == service && inst.Environment == env {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// All returns a snapshot of every instance of a service.
func (r *Registry) All(service string) []model.ServiceInstance {
	stable := r.List(service, model.EnvStable)
	return append(stable, r.List(service, model.EnvCandidate)...)
}

// Instances returns a snapshot of every registered instance across all
// services. The probe supervisor uses it to keep one loop per instance.
func (r *Registry) Instances() []model.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ServiceInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, *inst)
	}
	return out
}

// Retire removes an instance. Idempotent: retiring an absent id is a
// no-op, so double invocation during rollback races is safe.
func (r *Registry) Retire(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[id]; ok {
		log.Debug().Str("instance", id).Str("service", inst.ServiceName).
			Str("version", inst.Version).Msg("instance retired")
		delete(r.instances, id)
	}
}

// Promote relabels every candidate instance of a service as stable.
// Called after a successful rollout once the old population is retired.
func (r *Registry) Promote(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		if inst.ServiceName == service && inst.Environment == model.EnvCandidate {
			inst.Environment = model.EnvStable
		}
	}
}

// EnvironmentHealth aggregates health counts for one environment tag.
func (r *Registry) EnvironmentHealth(service string, env model.EnvironmentTag) model.EnvironmentHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var h model.EnvironmentHealth
	for _, inst := range r.instances {
		if inst.ServiceName != service || inst.Environment != env {
			continue
		}
		h.Total++
		switch inst.Health {
		case model.HealthHealthy:
			h.Healthy++
		case model.HealthUnhealthy:
			h.Unhealthy++
		default:
			h.Unknown++
		}
	}
	return h
}

// HasHealthy reports whether at least one healthy instance carries the tag.
// The traffic store consults this before committing a non-zero weight.
func (r *Registry) HasHealthy(service string, env model.EnvironmentTag) bool {
	return r.EnvironmentHealth(service, env).Healthy > 0
}

// Outdated counts stable instances not yet at version. Rolling rollouts
// absorb each finished batch into the stable pool, so the stable total
// alone no longer says how much replacement work remains.
func (r *Registry) Outdated(service, version string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, inst := range r.instances {
		if inst.ServiceName == service && inst.Environment == model.EnvStable && inst.Version != version {
			n++
		}
	}
	return n
}
