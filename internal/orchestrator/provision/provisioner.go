// Package provision is the boundary to the external system that actually
// creates and destroys running instances. The controller only ever talks
// to the Provisioner interface; failures surface as ErrProvision and abort
// the current rollout step after the retry budget is spent.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/qiniu/rollouts/internal/orchestrator/model"
	"github.com/rs/zerolog/log"
)

// Provisioner creates and destroys service instances.
type Provisioner interface {
	Provision(ctx context.Context, service, version string, count int) ([]model.ServiceInstance, error)
	Deprovision(ctx context.Context, instanceID string) error
}

type provisionRequest struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Count   int    `json:"count"`
}

type provisionResponse struct {
	Instances []struct {
		ID       string `json:"id"`
		Endpoint string `json:"endpoint"`
	} `json:"instances"`
}

// HTTPProvisioner talks to a provisioning service over HTTP with a bounded
// retry per call.
type HTTPProvisioner struct {
	baseURL string
	client  *http.Client
	retries int
}

func NewHTTPProvisioner(baseURL string, timeout time.Duration, retries int) *HTTPProvisioner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if retries <= 0 {
		retries = 3
	}
	return &HTTPProvisioner{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		retries: retries,
	}
}

func (p *HTTPProvisioner) Provision(ctx context.Context, service, version string, count int) ([]model.ServiceInstance, error) {
	body, err := json.Marshal(provisionRequest{Service: service, Version: version, Count: count})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", model.ErrProvision, err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.retries; attempt++ {
		instances, err := p.provisionOnce(ctx, body, service, version)
		if err == nil {
			return instances, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("service", service).Str("version", version).
			Int("attempt", attempt).Msg("provision attempt failed")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", model.ErrProvision, ctx.Err())
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return nil, fmt.Errorf("%w: %v", model.ErrProvision, lastErr)
}

func (p *HTTPProvisioner) provisionOnce(ctx context.Context, body []byte, service, version string) ([]model.ServiceInstance, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/provision", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("provisioner status %d: %s", resp.StatusCode, payload)
	}

	var parsed provisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	now := time.Now()
	out := make([]model.ServiceInstance, 0, len(parsed.Instances))
	for _, it := range parsed.Instances {
		out = append(out, model.ServiceInstance{
			ID:          it.ID,
			ServiceName: service,
			Version:     version,
			Environment: model.EnvCandidate,
			Endpoint:    it.Endpoint,
			Health:      model.HealthUnknown,
			CreatedAt:   now,
		})
	}
	return out, nil
}

func (p *HTTPProvisioner) Deprovision(ctx context.Context, instanceID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/v1/instances/"+instanceID, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrProvision, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrProvision, err)
	}
	defer resp.Body.Close()
	// 404 means already gone; deprovision is idempotent
	if resp.StatusCode != http.StatusNotFound && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return fmt.Errorf("%w: provisioner status %d", model.ErrProvision, resp.StatusCode)
	}
	return nil
}
