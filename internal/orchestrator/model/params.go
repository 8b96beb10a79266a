package model

import (
	"fmt"
	"time"
)

// ComparisonMode selects how the canary error rate is judged: against a
// fixed ceiling, or against the stable environment's concurrent rate.
type ComparisonMode string

const (
	CompareRelative ComparisonMode = "relative"
	CompareAbsolute ComparisonMode = "absolute"
)

// StrategyParams carries every tunable a strategy may consume. Unused
// fields are ignored by strategies that do not need them.
type StrategyParams struct {
	// rolling
	BatchSize        int           `json:"batchSize,omitempty"`
	StepTimeout      time.Duration `json:"stepTimeout,omitempty"`
	FailureThreshold float64       `json:"failureThreshold,omitempty"`

	// bluegreen
	SoakDuration  time.Duration `json:"soakDuration,omitempty"`
	DrainDuration time.Duration `json:"drainDuration,omitempty"`

	// canary
	CanarySteps      []int          `json:"canarySteps,omitempty"`
	EvaluationWindow time.Duration  `json:"evaluationWindow,omitempty"`
	MaxErrorRate     float64        `json:"maxErrorRate,omitempty"`
	Comparison       ComparisonMode `json:"comparison,omitempty"`
	RelativeMargin   float64        `json:"relativeMargin,omitempty"`

	// shared
	TargetInstances  int `json:"targetInstances,omitempty"`
	ProvisionRetries int `json:"provisionRetries,omitempty"`
}

// WithDefaults returns a copy with every zero field backfilled.
func (p StrategyParams) WithDefaults() StrategyParams {
	if p.BatchSize <= 0 {
		p.BatchSize = 1
	}
	if p.StepTimeout <= 0 {
		p.StepTimeout = 2 * time.Minute
	}
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = 0.34
	}
	if p.SoakDuration <= 0 {
		p.SoakDuration = 30 * time.Second
	}
	if p.DrainDuration <= 0 {
		p.DrainDuration = 30 * time.Second
	}
	if len(p.CanarySteps) == 0 {
		p.CanarySteps = []int{5, 10, 25, 50, 100}
	}
	if p.EvaluationWindow <= 0 {
		p.EvaluationWindow = 30 * time.Second
	}
	if p.MaxErrorRate <= 0 {
		p.MaxErrorRate = 0.05
	}
	if p.Comparison == "" {
		p.Comparison = CompareRelative
	}
	if p.RelativeMargin <= 0 {
		p.RelativeMargin = 0.02
	}
	if p.TargetInstances <= 0 {
		p.TargetInstances = 1
	}
	if p.ProvisionRetries <= 0 {
		p.ProvisionRetries = 3
	}
	return p
}

// Validate rejects parameter combinations no strategy can run with.
func (p StrategyParams) Validate(kind StrategyKind) error {
	switch kind {
	case StrategyRolling, StrategyBlueGreen:
	case StrategyCanary:
		last := 0
		for _, w := range p.CanarySteps {
			if w <= last || w > 100 {
				return fmt.Errorf("%w: canary steps must be ascending within (0,100], got %v", ErrInvalidParams, p.CanarySteps)
			}
			last = w
		}
		if last != 100 {
			return fmt.Errorf("%w: canary steps must end at 100, got %v", ErrInvalidParams, p.CanarySteps)
		}
	default:
		return fmt.Errorf("%w: unknown strategy kind %q", ErrInvalidParams, kind)
	}
	if p.FailureThreshold > 1 {
		return fmt.Errorf("%w: failure threshold must be within (0,1]", ErrInvalidParams)
	}
	if p.MaxErrorRate > 1 {
		return fmt.Errorf("%w: max error rate must be within (0,1]", ErrInvalidParams)
	}
	return nil
}
