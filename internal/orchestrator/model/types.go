package model

import "time"

// EnvironmentTag distinguishes the old population from the new one during a rollout.
type EnvironmentTag string

const (
	EnvStable    EnvironmentTag = "stable"
	EnvCandidate EnvironmentTag = "candidate"
)

// HealthState is the aggregated verdict for one instance.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// ServiceInstance is one running copy of a service at a specific version.
// Owned by the registry; mutated only through registry operations.
type ServiceInstance struct {
	ID          string         `json:"id"`
	ServiceName string         `json:"serviceName"`
	Version     string         `json:"version"`
	Environment EnvironmentTag `json:"environment"`
	Endpoint    string         `json:"endpoint"`
	Health      HealthState    `json:"health"`
	LastProbeAt time.Time      `json:"lastProbeAt"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// HealthSample is a single probe observation. Ephemeral; consumed by the
// sliding-window aggregation, never persisted.
type HealthSample struct {
	InstanceID string        `json:"instanceId"`
	Success    bool          `json:"success"`
	Latency    time.Duration `json:"latency"`
	ObservedAt time.Time     `json:"observedAt"`
}

// StrategyKind selects the rollout algorithm for a deployment.
type StrategyKind string

const (
	StrategyRolling   StrategyKind = "rolling"
	StrategyBlueGreen StrategyKind = "bluegreen"
	StrategyCanary    StrategyKind = "canary"
)

// DeploymentState is the lifecycle state of a deployment.
type DeploymentState string

const (
	StatePending      DeploymentState = "pending"
	StateProvisioning DeploymentState = "provisioning"
	StateEvaluating   DeploymentState = "evaluating"
	StateAdvancing    DeploymentState = "advancing"
	StateCutover      DeploymentState = "cutover"
	StateCompleted    DeploymentState = "completed"
	StateRollingBack  DeploymentState = "rollingback"
	StateRolledBack   DeploymentState = "rolledback"
	StateFailed       DeploymentState = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s DeploymentState) Terminal() bool {
	return s == StateCompleted || s == StateRolledBack || s == StateFailed
}

// Deployment drives one service from its current version to TargetVersion.
// At most one deployment may be active per service at a time.
type Deployment struct {
	ID            string          `json:"id"`
	ServiceName   string          `json:"serviceName"`
	TargetVersion string          `json:"targetVersion"`
	StrategyKind  StrategyKind    `json:"strategyKind"`
	Params        StrategyParams  `json:"params"`
	State         DeploymentState `json:"state"`
	// StepIndex is the strategy's cursor: batches completed for rolling,
	// canary step reached, or blue/green phase.
	StepIndex int `json:"stepIndex"`
	// PhaseStartedAt marks when the current step began; strategies use it
	// for soak, drain and evaluation windows.
	PhaseStartedAt time.Time  `json:"phaseStartedAt"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	StateReason    string     `json:"stateReason,omitempty"`
}

// TrafficPolicy maps environment tags to integer traffic percentages.
// Weights sum to exactly 100 at every committed revision.
type TrafficPolicy struct {
	ServiceName string                 `json:"serviceName"`
	Weights     map[EnvironmentTag]int `json:"weights"`
	Revision    uint64                 `json:"revision"`
	CommittedAt time.Time              `json:"committedAt"`
}

// RolloutStep is a strategy decision: the weights to commit next, how long
// to wait before re-evaluating, and whether to abort the rollout. Transient
// value object; recorded only in the audit history.
type RolloutStep struct {
	NextWeights        map[EnvironmentTag]int `json:"nextWeights,omitempty"`
	WaitBeforeEvaluate time.Duration          `json:"waitBeforeEvaluate"`
	Abort              bool                   `json:"abort"`
	// Provision asks the controller to bring up this many candidate
	// instances before the step is considered applied.
	Provision int `json:"provision,omitempty"`
	// RetireStable / RetireCandidate name how many instances of each
	// population to retire (negative means all).
	RetireStable    int `json:"retireStable,omitempty"`
	RetireCandidate int `json:"retireCandidate,omitempty"`
	// Promote relabels the candidate population as stable after the
	// retirements apply. Rolling absorbs each healthy batch this way, so
	// the candidate environment never holds instances that carry traffic.
	Promote bool `json:"promote,omitempty"`
	// ExpectedCandidates is stamped by the controller when the intent is
	// logged: the candidate population size once Provision applies. Replay
	// after a crash provisions only the shortfall, never a duplicate batch.
	ExpectedCandidates int `json:"expectedCandidates,omitempty"`
	// NextState moves the deployment state machine; empty means stay.
	NextState DeploymentState `json:"nextState,omitempty"`
	// AdvanceStep bumps the deployment's StepIndex after the step applies.
	AdvanceStep bool `json:"advanceStep,omitempty"`
	// Reason explains the decision; surfaced on rollbacks and failures.
	Reason string `json:"reason,omitempty"`
}

// EnvironmentHealth aggregates registry state for one environment tag.
type EnvironmentHealth struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Unknown   int `json:"unknown"`
}

// HealthSnapshot is what strategies decide on: aggregated per-environment
// health plus concurrent error rates from the metric source. Strategies
// never see raw probe samples.
type HealthSnapshot struct {
	Stable    EnvironmentHealth `json:"stable"`
	Candidate EnvironmentHealth `json:"candidate"`
	// StableOutdated counts stable instances not yet at the deployment's
	// target version; rolling sizes its batches from it because absorbed
	// batches rejoin the stable pool mid-rollout.
	StableOutdated     int       `json:"stableOutdated"`
	StableErrorRate    float64   `json:"stableErrorRate"`
	CandidateErrorRate float64   `json:"candidateErrorRate"`
	ObservedAt         time.Time `json:"observedAt"`
}

// Transition is one write-ahead history record. The intent is appended
// before any side effect and marked applied afterwards, so recovery can
// re-apply the last intent instead of re-deciding.
type Transition struct {
	Seq          int64           `json:"seq"`
	DeploymentID string          `json:"deploymentId"`
	ServiceName  string          `json:"serviceName"`
	FromState    DeploymentState `json:"fromState"`
	ToState      DeploymentState `json:"toState"`
	Step         RolloutStep     `json:"step"`
	Reason       string          `json:"reason,omitempty"`
	LoggedAt     time.Time       `json:"loggedAt"`
	Applied      bool            `json:"applied"`
	AppliedAt    *time.Time      `json:"appliedAt,omitempty"`
}
