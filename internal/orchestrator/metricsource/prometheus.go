package metricsource

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	promModel "github.com/prometheus/common/model"
	"github.com/qiniu/rollouts/internal/orchestrator/model"
	"github.com/rs/zerolog/log"
)

// PrometheusSource derives error rates from the request counters the
// service mesh already scrapes. The rate is the ratio of 5xx request rate
// to total request rate over the lookback window, per environment label.
type PrometheusSource struct {
	api      v1.API
	lookback time.Duration
	timeout  time.Duration
}

func NewPrometheusSource(address string, lookback, timeout time.Duration) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	if lookback <= 0 {
		lookback = time.Minute
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PrometheusSource{api: v1.NewAPI(client), lookback: lookback, timeout: timeout}, nil
}

func (s *PrometheusSource) ErrorRate(ctx context.Context, service string, env model.EnvironmentTag) (float64, error) {
	window := promModel.Duration(s.lookback).String()
	query := fmt.Sprintf(
		`sum(rate(http_requests_total{service=%q,environment=%q,code=~"5.."}[%s])) / sum(rate(http_requests_total{service=%q,environment=%q}[%s]))`,
		service, env, window, service, env, window,
	)

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	result, warnings, err := s.api.Query(queryCtx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to query prometheus: %w", err)
	}
	if len(warnings) > 0 {
		log.Warn().Strs("warnings", warnings).Str("service", service).Msg("prometheus query warnings")
	}

	vector, ok := result.(promModel.Vector)
	if !ok {
		return 0, fmt.Errorf("unexpected result type: %T", result)
	}
	if len(vector) == 0 {
		// no traffic yet; zero error rate rather than an error so a fresh
		// environment is not penalized before it has served a request
		return 0, nil
	}
	v := float64(vector[0].Value)
	if v != v { // NaN when the denominator is zero
		return 0, nil
	}
	return v, nil
}
