// Package traffic owns the committed traffic policy for each service. A
// commit builds a complete new revision and swaps it in under the lock, so
// a reader sees either the old or the new weights in full, never a partial
// update that could route traffic into an environment with no capacity.
package traffic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qiniu/rollouts/internal/metrics"
	"github.com/qiniu/rollouts/internal/orchestrator/model"
	"github.com/rs/zerolog/log"
)

// HealthView is the slice of the registry the store needs for validation.
type HealthView interface {
	HasHealthy(service string, env model.EnvironmentTag) bool
}

// Publisher pushes a committed policy to the routing boundary. The boundary
// is eventually consistent; publish failures are logged, never block the
// commit, and the router re-reads on its own cadence.
type Publisher interface {
	Publish(ctx context.Context, policy model.TrafficPolicy) error
}

type Store struct {
	health    HealthView
	publisher Publisher

	mu       sync.RWMutex
	policies map[string]*model.TrafficPolicy
	revision uint64
}

func NewStore(health HealthView, publisher Publisher) *Store {
	return &Store{
		health:    health,
		publisher: publisher,
		policies:  make(map[string]*model.TrafficPolicy),
	}
}

// Commit validates and atomically publishes a new policy revision.
// Weights must sum to exactly 100, and every tag carrying a non-zero
// weight must have at least one healthy instance.
func (s *Store) Commit(ctx context.Context, service string, weights map[model.EnvironmentTag]int) (uint64, error) {
	sum := 0
	for env, w := range weights {
		if w < 0 || w > 100 {
			return 0, fmt.Errorf("%w: weight %d for %s out of range", model.ErrInvalidPolicy, w, env)
		}
		sum += w
	}
	if sum != 100 {
		return 0, fmt.Errorf("%w: weights sum to %d, want 100", model.ErrInvalidPolicy, sum)
	}
	if s.health != nil {
		for env, w := range weights {
			if w > 0 && !s.health.HasHealthy(service, env) {
				return 0, fmt.Errorf("%w: no healthy instance in %s for weight %d", model.ErrInvalidPolicy, env, w)
			}
		}
	}

	cp := make(map[model.EnvironmentTag]int, len(weights))
	for env, w := range weights {
		cp[env] = w
	}

	s.mu.Lock()
	s.revision++
	policy := &model.TrafficPolicy{
		ServiceName: service,
		Weights:     cp,
		Revision:    s.revision,
		CommittedAt: time.Now(),
	}
	s.policies[service] = policy
	s.mu.Unlock()

	metrics.PolicyCommits.WithLabelValues(service).Inc()
	for env, w := range cp {
		metrics.TrafficWeight.WithLabelValues(service, string(env)).Set(float64(w))
	}
	log.Info().Str("service", service).Uint64("revision", policy.Revision).
		Interface("weights", cp).Msg("traffic policy committed")

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, *policy); err != nil {
			log.Error().Err(err).Str("service", service).Uint64("revision", policy.Revision).
				Msg("traffic policy publish failed; router will catch up on next read")
		}
	}
	return policy.Revision, nil
}

// Current returns the committed policy for a service. ok is false when no
// revision has ever been committed.
func (s *Store) Current(service string) (model.TrafficPolicy, bool) {
	s.mu.RLock()
	p, ok := s.policies[service]
	s.mu.RUnlock()
	if !ok {
		return model.TrafficPolicy{}, false
	}
	return *p, true
}
