package model

import "errors"

var (
	// ErrDuplicateInstance is returned when registering an id already present.
	ErrDuplicateInstance = errors.New("duplicate instance")
	// ErrUnknownInstance is returned for registry operations on an absent id.
	ErrUnknownInstance = errors.New("unknown instance")
	// ErrInvalidPolicy marks a traffic policy that cannot be committed:
	// weights not summing to 100 or a non-zero weight on an environment
	// without a healthy instance.
	ErrInvalidPolicy = errors.New("invalid traffic policy")
	// ErrConflictingDeployment rejects a submission while another
	// deployment is active for the same service. No record is created.
	ErrConflictingDeployment = errors.New("conflicting deployment")
	// ErrInvalidParams rejects a submission with unusable strategy params.
	ErrInvalidParams = errors.New("invalid strategy params")
	// ErrProvision wraps external provisioner failures. Retried a bounded
	// number of times, then the current step aborts.
	ErrProvision = errors.New("provision failed")
	// ErrRollbackFailed is fatal: the controller could not restore weights
	// or retire the candidate, and the deployment moves to Failed for
	// operator intervention.
	ErrRollbackFailed = errors.New("rollback failed")
	// ErrDeploymentNotFound is returned by status queries for unknown ids.
	ErrDeploymentNotFound = errors.New("deployment not found")
)
