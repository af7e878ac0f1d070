package limiter

import (
	"context"
	"fmt"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
)

// Request is the fleet state a limiter allocates changes for.
type Request struct {
	// Target is the desired replica count.
	Target int
	// Image is the image replicas should run; replicas on another image are stale.
	// Empty disables image checks.
	Image string
	// Replicas are the current records, condemned ones included.
	Replicas []v1alpha1.Replica
}

// Allocation is the set of normal-path changes allowed this tick.
type Allocation struct {
	// Add is the number of replicas to create.
	Add int
	// Remove lists the replicas to drain, in removal order.
	Remove []v1alpha1.ReplicaID
}

// Limiter is an interface that defines the method for bounding fleet changes within the rollout budgets
type Limiter interface {
	// Allocate returns the changes that move the fleet toward the request without exceeding the budgets
	Allocate(ctx context.Context, req Request) Allocation
}

// LimiterConfig holds the budgets shared by all strategies.
type LimiterConfig struct {
	// MaxSurge is how many replicas may run above the target.
	MaxSurge int
	// MaxUnavailable is how many replicas may be draining at once.
	MaxUnavailable int
}

// LimiterStrategy is an enumeration of the different strategies that can be used by the Limiter
type LimiterStrategy string

// enumeration of LimiterStrategy
const (
	// RollingStrategy bounds changes by maxSurge and maxUnavailable.
	RollingStrategy LimiterStrategy = "rolling"
	// ImmediateStrategy applies every change at once. Image updates recreate all stale replicas.
	ImmediateStrategy LimiterStrategy = "immediate"
)

// NewLimiter is a factory that creates a new Limiter based on the provided strategy
func NewLimiter(strategy LimiterStrategy, config LimiterConfig) (Limiter, error) {
	switch strategy {
	case RollingStrategy, "":
		l, err := NewRollingLimiter(config)
		if err != nil {
			return nil, err
		}
		return l, nil
	case ImmediateStrategy:
		return NewImmediateLimiter(), nil
	default:
		return nil, fmt.Errorf("unsupported limiter strategy: %v", strategy)
	}
}
