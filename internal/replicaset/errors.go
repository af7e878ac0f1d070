package replicaset

import (
	"errors"
	"fmt"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
)

var (
	// ErrUnknownReplica is returned for ids the manager does not own.
	ErrUnknownReplica = errors.New("unknown replica")
	// ErrInvalidTransition is returned when the lifecycle graph has no such edge.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrBackoff is returned when a failed provisioning call is retried too early.
	ErrBackoff = errors.New("provisioning call in backoff")
	// ErrRateLimited is returned when the provisioning rate limit is exhausted.
	ErrRateLimited = errors.New("provisioning rate limit exceeded")
)

// ProvisioningError reports a provisioner call that failed.
type ProvisioningError struct {
	Op        OperationType
	ReplicaID v1alpha1.ReplicaID
	Attempts  int
	Err       error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("%s replica %s failed (attempt %d): %v", e.Op, e.ReplicaID, e.Attempts, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}
