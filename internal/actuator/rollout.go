/*
Copyright 2025 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package actuator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/engines/limiter"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/logging"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/replicaset"
)

// ReplicaSet is the part of the replicaset.Manager the controller drives.
type ReplicaSet interface {
	CurrentReplicas() []v1alpha1.Replica
	Image() string
	SetImage(image string)
	RequestAdd() v1alpha1.ReplicaID
	RequestReplacement(failed v1alpha1.ReplicaID) (v1alpha1.ReplicaID, error)
	RequestRemove(id v1alpha1.ReplicaID) (replicaset.Operation, error)
	Finalize(ctx context.Context, id v1alpha1.ReplicaID) error
	Stats() replicaset.Stats
}

var _ ReplicaSet = &replicaset.Manager{}

// Config configures the rollout controller.
type Config struct {
	// DrainPeriod is how long a replica stays Terminating before it is finalized.
	DrainPeriod time.Duration
}

// RolloutController plans and executes fleet changes.
type RolloutController struct {
	mu sync.Mutex

	replicas ReplicaSet
	limiter  limiter.Limiter
	clock    clock.PassiveClock
	cfg      Config

	target     int
	hasTarget  bool
	generation int64

	decision *v1alpha1.ScalingDecision
	// failuresAtDecision is the manager's failure count when the decision arrived.
	failuresAtDecision int64
	status             v1alpha1.DecisionStatus
}

// NewRolloutController creates a controller that bounds changes with l.
func NewRolloutController(cfg Config, rs ReplicaSet, l limiter.Limiter, clk clock.PassiveClock) *RolloutController {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &RolloutController{replicas: rs, limiter: l, clock: clk, cfg: cfg}
}

// Target returns the replica count the controller drives toward, and false
// before the first reconcile.
func (c *RolloutController) Target() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target, c.hasTarget
}

// Status returns the progress of the latest decision.
func (c *RolloutController) Status() v1alpha1.DecisionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.status
	if s.Decision != nil {
		d := *s.Decision
		s.Decision = &d
	}
	return s
}

// SetImage starts a rolling update to image.
func (c *RolloutController) SetImage(ctx context.Context, image string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replicas.Image() == image {
		return
	}
	c.replicas.SetImage(image)
	ctrl.LoggerFrom(ctx).Info("Rolling update started", "image", image)
}

// Reconcile moves the fleet one step toward the target. decision may be nil,
// in which case the current target persists. Provisioning errors are returned
// joined; they are retried on later ticks and never abort the plan.
func (c *RolloutController) Reconcile(ctx context.Context, snap v1alpha1.FleetSnapshot, decision *v1alpha1.ScalingDecision) (*v1alpha1.RolloutPlan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	logger := ctrl.LoggerFrom(ctx)

	if decision != nil {
		if !c.hasTarget || decision.DesiredCount != c.target {
			c.generation++
		}
		d := *decision
		c.decision = &d
		c.target = d.DesiredCount
		c.hasTarget = true
		c.failuresAtDecision = c.replicas.Stats().Failures
		logger.Info("Scaling decision accepted", "desired", d.DesiredCount, "reason", d.Reason, "generation", c.generation)
	} else if !c.hasTarget {
		c.target = snap.DesiredCount
		c.hasTarget = true
	}

	plan := &v1alpha1.RolloutPlan{
		Generation:  c.generation,
		TargetCount: c.target,
		CreatedAt:   c.clock.Now(),
	}
	var errs []error

	// emergency remediation
	live := v1alpha1.ActualReplicaCount(snap.Replicas)
	for _, r := range snap.Replicas {
		if !r.Condemned || !r.State.IsLive() {
			continue
		}
		if _, err := c.replicas.RequestRemove(r.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		plan.Actions = append(plan.Actions, v1alpha1.RolloutAction{Type: v1alpha1.ActionRemove, ReplicaID: r.ID, Emergency: true})
		if live >= c.target {
			continue
		}
		id, err := c.replicas.RequestReplacement(r.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		live++
		plan.Actions = append(plan.Actions, v1alpha1.RolloutAction{Type: v1alpha1.ActionAdd, ReplicaID: id, Emergency: true, Replaces: r.ID})
		logger.Info("Emergency replacement", "failed", r.ID, "reason", r.CondemnedReason, "replacement", id)
	}

	// normal path, against the fleet as it is after remediation
	current := c.replicas.CurrentReplicas()
	alloc := c.limiter.Allocate(ctx, limiter.Request{
		Target:   c.target,
		Image:    c.replicas.Image(),
		Replicas: current,
	})
	for i := 0; i < alloc.Add; i++ {
		id := c.replicas.RequestAdd()
		plan.Actions = append(plan.Actions, v1alpha1.RolloutAction{Type: v1alpha1.ActionAdd, ReplicaID: id})
	}
	for _, id := range alloc.Remove {
		if _, err := c.replicas.RequestRemove(id); err != nil {
			errs = append(errs, err)
			continue
		}
		plan.Actions = append(plan.Actions, v1alpha1.RolloutAction{Type: v1alpha1.ActionRemove, ReplicaID: id})
	}

	// drain
	now := c.clock.Now()
	for _, r := range current {
		if r.State != v1alpha1.StateTerminating || now.Sub(r.StateChangedAt) < c.cfg.DrainPeriod {
			continue
		}
		err := c.replicas.Finalize(ctx, r.ID)
		switch {
		case err == nil:
		case errors.Is(err, replicaset.ErrBackoff), errors.Is(err, replicaset.ErrRateLimited):
			logger.V(logging.DEBUG).Info("Finalize deferred", "replica", r.ID, "reason", err.Error())
		default:
			errs = append(errs, fmt.Errorf("finalizing %s: %w", r.ID, err))
		}
	}

	c.updateStatusLocked()
	if !plan.IsEmpty() {
		logger.Info("Rollout plan", "generation", plan.Generation, "target", plan.TargetCount,
			"adds", plan.Count(v1alpha1.ActionAdd), "removes", plan.Count(v1alpha1.ActionRemove))
	}
	return plan, errors.Join(errs...)
}

func (c *RolloutController) updateStatusLocked() {
	image := c.replicas.Image()
	var ready, live int
	for _, r := range c.replicas.CurrentReplicas() {
		if r.Condemned || !r.State.IsLive() {
			continue
		}
		live++
		if r.State == v1alpha1.StateReady && (r.Image == "" || image == "" || r.Image == image) {
			ready++
		}
	}
	stats := c.replicas.Stats()

	status := v1alpha1.DecisionStatus{
		Applied:    ready == c.target && live == c.target,
		RetryCount: int(stats.Failures - c.failuresAtDecision),
		LastError:  stats.LastError,
	}
	if c.decision != nil {
		d := *c.decision
		status.Decision = &d
	}
	status.Stuck = !status.Applied && stats.Blocked > 0
	if status.RetryCount == 0 {
		status.LastError = ""
	}
	c.status = status
}
