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

// Package recommender computes the desired replica count of the fleet.
package recommender

import (
	"fmt"
	"math"
	"time"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/config"
)

// WarningUnknownUtilization is recorded when a tick holds on missing data.
const WarningUnknownUtilization = "fleet utilization unknown: no valid samples, holding replica count"

// Policy is the scaling policy.
type Policy struct {
	TargetUtilization float64
	MinReplicas       int
	MaxReplicas       int
	ScaleDownCooldown time.Duration
	// Tolerance holds the count while utilization is within Tolerance of the target, relatively.
	Tolerance float64
	// Basis is config.BasisActual or config.BasisSampled.
	Basis string
}

// PolicyFromConfig builds a Policy from the scaling configuration.
func PolicyFromConfig(c config.ScalingConfig) Policy {
	return Policy{
		TargetUtilization: c.TargetUtilization,
		MinReplicas:       c.MinReplicas,
		MaxReplicas:       c.MaxReplicas,
		ScaleDownCooldown: c.ScaleDownCooldown,
		Tolerance:         c.Tolerance,
		Basis:             c.Basis,
	}
}

// Recommendation is the outcome of one tick.
type Recommendation struct {
	// Raw is the unclamped, unstabilized count indicated by the formula.
	Raw int
	// Desired is the count in effect after this tick.
	Desired int
	// Decision is nil when the count does not change.
	Decision *v1alpha1.ScalingDecision
	// Warning is set when the tick held on unknown utilization.
	Warning string
}

// Recommender turns fleet snapshots into scaling decisions. Scale-up is applied
// on the first tick that indicates it; scale-down only once a lower count has
// been indicated continuously for the cooldown, and then to the highest count
// seen in that window.
//
// Not safe for concurrent use; it is driven by the control loop.
type Recommender struct {
	policy Policy

	// current is the count of the last decision, or the first observed fleet size.
	current     int
	initialized bool

	// lowSince is the start of the current scale-down window, zero if none.
	lowSince time.Time
	lowMax   int
}

// New creates a recommender. The policy is assumed validated.
func New(policy Policy) *Recommender {
	return &Recommender{policy: policy}
}

// SetPolicy replaces the policy. A scale-down window in progress restarts.
func (r *Recommender) SetPolicy(policy Policy) {
	r.policy = policy
	r.lowSince = time.Time{}
}

// Policy returns the policy in effect.
func (r *Recommender) Policy() Policy {
	return r.policy
}

// Current returns the count in effect, and false before the first tick.
func (r *Recommender) Current() (int, bool) {
	return r.current, r.initialized
}

// Recommend evaluates one snapshot taken at snap.Timestamp.
func (r *Recommender) Recommend(snap v1alpha1.FleetSnapshot) Recommendation {
	if !r.initialized {
		r.current = max(snap.ActualCount, snap.DesiredCount)
		r.initialized = true
	}

	var rec Recommendation
	if !snap.Aggregate.Known {
		r.lowSince = time.Time{}
		rec.Raw = r.current
		rec.Desired = r.clamp(r.current)
		rec.Warning = WarningUnknownUtilization
	} else {
		rec.Raw = r.raw(snap)
		rec.Desired = r.clamp(rec.Raw)
		if rec.Desired < r.current && r.current <= r.policy.MaxReplicas {
			rec.Desired = r.stabilizeDown(snap.Timestamp, rec.Desired)
		} else {
			r.lowSince = time.Time{}
		}
	}

	if rec.Desired == r.current {
		return rec
	}
	rec.Decision = &v1alpha1.ScalingDecision{
		DesiredCount: rec.Desired,
		Reason:       r.reason(rec.Desired),
		Timestamp:    snap.Timestamp,
	}
	r.current = rec.Desired
	return rec
}

// raw applies desired = ceil(basis * utilization / target). The basis is the
// number of serving replicas (or of sampled ones), so adds still booting do not
// inflate it. Serving replicas beyond the current count are rollout surge and
// cannot justify a scale-up on their own.
func (r *Recommender) raw(snap v1alpha1.FleetSnapshot) int {
	util := snap.Aggregate.Utilization
	target := r.policy.TargetUtilization
	if target <= 0 {
		return r.current
	}
	if r.policy.Tolerance > 0 && math.Abs(util/target-1) <= r.policy.Tolerance {
		return r.current
	}

	basis := snap.ServingCount
	if r.policy.Basis == config.BasisSampled {
		basis = snap.Aggregate.SampleCount
	}
	desired := desiredFor(basis, util, target)
	if desired > r.current && basis > r.current {
		desired = desiredFor(r.current, util, target)
	}
	return desired
}

func desiredFor(basis int, util, target float64) int {
	// absorb float noise so 3*1.0/0.5 is 6, not 7
	return int(math.Ceil(float64(basis)*util/target - 1e-9))
}

func (r *Recommender) stabilizeDown(now time.Time, desired int) int {
	if r.lowSince.IsZero() {
		r.lowSince = now
		r.lowMax = desired
	} else if desired > r.lowMax {
		r.lowMax = desired
	}
	if now.Sub(r.lowSince) < r.policy.ScaleDownCooldown {
		return r.current
	}
	desired = r.lowMax
	r.lowSince = time.Time{}
	return desired
}

func (r *Recommender) clamp(n int) int {
	return max(r.policy.MinReplicas, min(n, r.policy.MaxReplicas))
}

func (r *Recommender) reason(desired int) string {
	switch {
	case r.current < r.policy.MinReplicas:
		return v1alpha1.ReasonBelowMinimum
	case r.current > r.policy.MaxReplicas:
		return v1alpha1.ReasonAboveMaximum
	case desired > r.current:
		return v1alpha1.ReasonScaleUp
	default:
		return v1alpha1.ReasonScaleDown
	}
}

func (p Policy) String() string {
	return fmt.Sprintf("target=%.2f min=%d max=%d cooldown=%s tolerance=%.2f basis=%s",
		p.TargetUtilization, p.MinReplicas, p.MaxReplicas, p.ScaleDownCooldown, p.Tolerance, p.Basis)
}
