// Package common holds state shared between the engines, the loop and the
// control surface.
package common

import (
	"slices"
	"sync"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
)

// DecisionCache keeps the latest scaling decision. A newer decision replaces
// the previous one; there is no queue of stale decisions.
type DecisionCache struct {
	mu         sync.RWMutex
	decision   *v1alpha1.ScalingDecision
	generation int64
}

// NewDecisionCache creates an empty cache.
func NewDecisionCache() *DecisionCache {
	return &DecisionCache{}
}

// Set stores d as the latest decision and returns its generation.
func (c *DecisionCache) Set(d v1alpha1.ScalingDecision) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decision = &d
	c.generation++
	return c.generation
}

// Get returns the latest decision and its generation.
func (c *DecisionCache) Get() (v1alpha1.ScalingDecision, int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.decision == nil {
		return v1alpha1.ScalingDecision{}, 0, false
	}
	return *c.decision, c.generation, true
}

// Generation returns the generation of the latest decision, 0 if none.
func (c *DecisionCache) Generation() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// StatusStore publishes the fleet status read by the control surface.
type StatusStore struct {
	mu     sync.RWMutex
	status v1alpha1.FleetStatus
}

// NewStatusStore creates a store holding an empty status for service.
func NewStatusStore(service, image string) *StatusStore {
	return &StatusStore{status: v1alpha1.FleetStatus{Service: service, Image: image}}
}

// Update replaces the published status.
func (s *StatusStore) Update(status v1alpha1.FleetStatus) {
	status = cloneStatus(status)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Get returns a copy of the published status.
func (s *StatusStore) Get() v1alpha1.FleetStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneStatus(s.status)
}

func cloneStatus(in v1alpha1.FleetStatus) v1alpha1.FleetStatus {
	out := in
	out.Replicas = slices.Clone(in.Replicas)
	for i := range out.Replicas {
		if s := out.Replicas[i].LastSample; s != nil {
			cp := *s
			out.Replicas[i].LastSample = &cp
		}
	}
	out.Warnings = slices.Clone(in.Warnings)
	if in.LastDecision.Decision != nil {
		d := *in.LastDecision.Decision
		out.LastDecision.Decision = &d
	}
	return out
}
