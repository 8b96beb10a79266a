package probe

import (
	"context"
	"net/http"
	"time"

	"github.com/qiniu/rollouts/internal/orchestrator/model"
)

// Prober issues one liveness check against an instance. Transport errors
// and timeouts surface as failed samples, never as escalated errors: only
// accumulated failure ratios in the window change health state.
type Prober interface {
	Probe(ctx context.Context, inst model.ServiceInstance) model.HealthSample
}

// HTTPProber probes the instance's health endpoint over HTTP. Any status
// outside 2xx counts as a failure.
type HTTPProber struct {
	client *http.Client
	path   string
}

func NewHTTPProber(timeout time.Duration, path string) *HTTPProber {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if path == "" {
		path = "/healthz"
	}
	return &HTTPProber{
		client: &http.Client{Timeout: timeout},
		path:   path,
	}
}

func (p *HTTPProber) Probe(ctx context.Context, inst model.ServiceInstance) model.HealthSample {
	sample := model.HealthSample{InstanceID: inst.ID, ObservedAt: time.Now()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+inst.Endpoint+p.path, nil)
	if err != nil {
		return sample
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	sample.Latency = time.Since(start)
	if err != nil {
		return sample
	}
	defer resp.Body.Close()
	sample.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	return sample
}
