// Package metricsource supplies the request error rates that drive canary
// evaluation and post-cutover rollback decisions.
package metricsource

import (
	"context"

	"github.com/qiniu/rollouts/internal/orchestrator/model"
)

// Source reports the recent request error rate (0..1) for one environment
// of a service. The controller queries both environments in the same tick
// so a shared outage does not read as a candidate regression.
type Source interface {
	ErrorRate(ctx context.Context, service string, env model.EnvironmentTag) (float64, error)
}

// Static always reports the same rates; used when no metrics backend is
// configured and in tests.
type Static struct {
	Stable    float64
	Candidate float64
}

func (s *Static) ErrorRate(_ context.Context, _ string, env model.EnvironmentTag) (float64, error) {
	if env == model.EnvCandidate {
		return s.Candidate, nil
	}
	return s.Stable, nil
}
