// Package metrics exposes the controller's own operational metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gin-gonic/gin"
)

var (
	ProbeSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollouts_probe_samples_total",
		Help: "Probe samples taken, by service and result.",
	}, []string{"service", "result"})

	ProbeLoopRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollouts_probe_loop_restarts_total",
		Help: "Probe loops restarted after a panic.",
	})

	TrafficWeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rollouts_traffic_weight",
		Help: "Committed traffic weight per service and environment.",
	}, []string{"service", "environment"})

	PolicyCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollouts_policy_commits_total",
		Help: "Traffic policy commits, by service.",
	}, []string{"service"})

	DeploymentsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rollouts_deployments",
		Help: "Deployments currently in each state.",
	}, []string{"state"})

	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollouts_rollbacks_total",
		Help: "Rollbacks performed, by service and trigger.",
	}, []string{"service", "trigger"})
)

// Handler adapts the default prometheus handler to a gin route.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
