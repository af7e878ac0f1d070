// Package provisioner defines the interface to the external infrastructure that
// creates and terminates replicas. Implementations live in subpackages.
package provisioner

import (
	"context"
	"errors"
	"time"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
)

// ErrRejected is wrapped by implementations when the backend refuses a request.
var ErrRejected = errors.New("provisioning request rejected")

// ReplicaSpec describes one replica to create.
type ReplicaSpec struct {
	ID      v1alpha1.ReplicaID
	Service string
	Image   string
}

// Provisioner creates and terminates replicas.
type Provisioner interface {
	// Create starts a replica and returns the address its endpoints are served on.
	// It does not wait for the replica to become ready.
	Create(ctx context.Context, spec ReplicaSpec) (address string, err error)
	// Terminate stops a replica. Terminating an unknown replica is not an error.
	Terminate(ctx context.Context, id v1alpha1.ReplicaID) error
}

// ExistingReplica is a replica found running at startup.
type ExistingReplica struct {
	ID        v1alpha1.ReplicaID
	Address   string
	Image     string
	CreatedAt time.Time
}

// Lister is implemented by provisioners that can enumerate the replicas they run.
type Lister interface {
	List(ctx context.Context) ([]ExistingReplica, error)
}
