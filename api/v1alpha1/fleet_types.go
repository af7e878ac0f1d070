// Package v1alpha1 contains the data types shared by the fleet autoscaler packages.
package v1alpha1

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ReplicaID is the opaque identity of a replica. It is assigned by the
// replica set manager and never reused.
type ReplicaID string

// ReplicaState is the lifecycle state of a replica.
type ReplicaState string

const (
	// StatePending means the replica has been requested but the provisioner has not accepted it yet.
	StatePending ReplicaState = "Pending"
	// StateStarting means the provisioner accepted the replica and it is booting.
	StateStarting ReplicaState = "Starting"
	// StateReady means the replica passes readiness and serves traffic.
	StateReady ReplicaState = "Ready"
	// StateUnhealthy means the replica failed readiness or liveness, or never became ready.
	StateUnhealthy ReplicaState = "Unhealthy"
	// StateTerminating means the replica is draining before it is removed.
	StateTerminating ReplicaState = "Terminating"
	// StateGone is terminal; the record is evictable.
	StateGone ReplicaState = "Gone"
)

// transitions is the directed lifecycle graph.
// Pending→Starting→Ready⇄Unhealthy→Terminating→Gone, plus removal of
// not-yet-ready replicas and the startup deadline exit.
var transitions = map[ReplicaState][]ReplicaState{
	StatePending:     {StateStarting, StateTerminating},
	StateStarting:    {StateReady, StateUnhealthy, StateTerminating},
	StateReady:       {StateUnhealthy, StateTerminating},
	StateUnhealthy:   {StateReady, StateTerminating},
	StateTerminating: {StateGone},
	StateGone:        nil,
}

// CanTransitionTo reports whether the lifecycle graph has an edge from s to next.
func (s ReplicaState) CanTransitionTo(next ReplicaState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for Gone.
func (s ReplicaState) IsTerminal() bool {
	return s == StateGone
}

// IsLive returns true for states that count toward the fleet size.
func (s ReplicaState) IsLive() bool {
	switch s {
	case StatePending, StateStarting, StateReady, StateUnhealthy:
		return true
	}
	return false
}

// IsStarting returns true while an add is still in flight.
func (s ReplicaState) IsStarting() bool {
	return s == StatePending || s == StateStarting
}

// MetricKind selects which load signal a utilization sample carries.
type MetricKind string

const (
	// MetricRequestRate is requests per second, derived from a cumulative counter.
	MetricRequestRate MetricKind = "request_rate"
	// MetricInFlight is the number of requests currently being served.
	MetricInFlight MetricKind = "in_flight"
	// MetricCPU is a CPU usage proxy (percent or cores, as reported by the replica).
	MetricCPU MetricKind = "cpu"
)

// IsValid returns true for the supported metric kinds.
func (k MetricKind) IsValid() bool {
	switch k {
	case MetricRequestRate, MetricInFlight, MetricCPU:
		return true
	}
	return false
}

// UtilizationSample is a per-replica, point-in-time load measurement.
// Invalid samples are carried rather than dropped so consumers can tell
// "measured nothing" apart from "measured zero".
type UtilizationSample struct {
	// ReplicaID identifies the replica the sample was taken from.
	ReplicaID ReplicaID `json:"replicaID"`

	// Kind is the metric kind of Value.
	Kind MetricKind `json:"kind"`

	// Value is the observed load in the metric's native unit.
	Value float64 `json:"value"`

	// Timestamp is when the sample was taken.
	Timestamp time.Time `json:"timestamp"`

	// Valid is false when the sample must not be aggregated.
	Valid bool `json:"valid"`
}

// Replica is a read-only copy of a replica record.
type Replica struct {
	ID      ReplicaID    `json:"id"`
	State   ReplicaState `json:"state"`
	Address string       `json:"address,omitempty"`
	Image   string       `json:"image,omitempty"`

	// LastSample is the most recent utilization sample, if any.
	LastSample *UtilizationSample `json:"lastSample,omitempty"`

	LastProbe      time.Time `json:"lastProbe,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	StateChangedAt time.Time `json:"stateChangedAt"`

	// Condemned marks a replica that must be removed and replaced.
	Condemned bool `json:"condemned,omitempty"`
	// CondemnedReason explains why the replica was condemned.
	CondemnedReason string `json:"condemnedReason,omitempty"`

	// ProvisionAttempts counts failed provisioner calls for the replica's in-flight operation.
	ProvisionAttempts int `json:"provisionAttempts,omitempty"`
}

// AggregateValue is the fleet utilization signal.
// Known=false is the "unknown" sentinel: no valid samples were available.
type AggregateValue struct {
	// Utilization is the unitless ratio observed/target-per-replica, always >= 0.
	Utilization float64 `json:"utilization"`

	// SampleCount is the number of samples that contributed.
	SampleCount int `json:"sampleCount"`

	// Known is false when there were no valid samples.
	Known bool `json:"known"`
}

// Unknown is the aggregate returned when no valid samples exist.
var Unknown = AggregateValue{}

// FleetSnapshot is an immutable per-tick view of the fleet.
type FleetSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	// Replicas are copies taken at snapshot time.
	Replicas []Replica `json:"replicas"`

	// Aggregate is the fleet utilization signal for this tick.
	Aggregate AggregateValue `json:"aggregate"`

	// ActualCount is the number of live, non-condemned replicas.
	ActualCount int `json:"actualCount"`

	// ServingCount is the number of Ready, non-condemned replicas. Replicas
	// still booting are live but carry no load.
	ServingCount int `json:"servingCount"`

	// DesiredCount is the rollout target in effect when the snapshot was taken.
	DesiredCount int `json:"desiredCount"`
}

// CountInState returns the number of replicas in the given state.
func (s *FleetSnapshot) CountInState(state ReplicaState) int {
	n := 0
	for i := range s.Replicas {
		if s.Replicas[i].State == state {
			n++
		}
	}
	return n
}

// ActualReplicaCount counts live, non-condemned replicas.
func ActualReplicaCount(replicas []Replica) int {
	n := 0
	for i := range replicas {
		if replicas[i].State.IsLive() && !replicas[i].Condemned {
			n++
		}
	}
	return n
}

// ServingReplicaCount counts Ready, non-condemned replicas.
func ServingReplicaCount(replicas []Replica) int {
	n := 0
	for i := range replicas {
		if replicas[i].State == StateReady && !replicas[i].Condemned {
			n++
		}
	}
	return n
}

// ScalingDecision is an instruction to drive the fleet to DesiredCount.
type ScalingDecision struct {
	DesiredCount int       `json:"desiredCount"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

// RolloutActionType is the kind of step in a rollout plan.
type RolloutActionType string

const (
	ActionAdd    RolloutActionType = "Add"
	ActionRemove RolloutActionType = "Remove"
)

// RolloutAction is one step of a rollout plan. ReplicaID is empty for adds.
type RolloutAction struct {
	Type      RolloutActionType `json:"type"`
	ReplicaID ReplicaID         `json:"replicaID,omitempty"`

	// Emergency marks remediation actions that bypass the surge/unavailable budgets.
	Emergency bool `json:"emergency,omitempty"`

	// Replaces is set on emergency adds to the id of the replica being replaced.
	Replaces ReplicaID `json:"replaces,omitempty"`
}

// RolloutPlan is the bounded list of actions computed for a tick.
type RolloutPlan struct {
	// Generation increases whenever a newer decision supersedes the target.
	Generation int64 `json:"generation"`

	// TargetCount is the desired count the plan drives toward.
	TargetCount int `json:"targetCount"`

	Actions   []RolloutAction `json:"actions"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Count returns the number of actions of the given type.
func (p *RolloutPlan) Count(t RolloutActionType) int {
	n := 0
	for _, a := range p.Actions {
		if a.Type == t {
			n++
		}
	}
	return n
}

// IsEmpty returns true when the plan has no actions.
func (p *RolloutPlan) IsEmpty() bool {
	return p == nil || len(p.Actions) == 0
}

// DecisionStatus tracks execution of the latest scaling decision.
type DecisionStatus struct {
	// Decision is the latest decision emitted by the autoscaler.
	Decision *ScalingDecision `json:"decision,omitempty"`

	// Applied is true once the fleet has as many Ready replicas as the decision asks for.
	Applied bool `json:"applied"`

	// Stuck is true while provisioning failures block progress.
	Stuck bool `json:"stuck,omitempty"`

	// RetryCount accumulates failed provisioning attempts since the decision was emitted.
	RetryCount int `json:"retryCount"`

	// LastError is the most recent provisioning error message.
	LastError string `json:"lastError,omitempty"`
}

// FleetStatus is the read-only control surface document.
type FleetStatus struct {
	// Service is the name of the managed service.
	Service string `json:"service"`

	// Image is the image new replicas are created from.
	Image string `json:"image"`

	DesiredReplicas int `json:"desiredReplicas"`
	ActualReplicas  int `json:"actualReplicas"`
	ReadyReplicas   int `json:"readyReplicas"`

	// Utilization is the last aggregate utilization signal.
	Utilization AggregateValue `json:"utilization"`

	// LastDecision tracks the latest scaling decision.
	LastDecision DecisionStatus `json:"lastDecision"`

	// Replicas lists every replica record the manager still owns.
	Replicas []Replica `json:"replicas"`

	// Warnings are non-fatal conditions observed during the last tick.
	Warnings []string `json:"warnings,omitempty"`

	// LastTick is when the last reconciliation tick finished.
	LastTick metav1.Time `json:"lastTick,omitempty"`

	// LastTickDuration is how long the last tick took.
	LastTickDuration metav1.Duration `json:"lastTickDuration,omitempty"`
}

// Reasons attached to scaling decisions and condemned replicas.
const (
	// ReasonScaleUp indicates utilization above target.
	ReasonScaleUp = "ScaleUp"
	// ReasonScaleDown indicates utilization below target for the whole cooldown.
	ReasonScaleDown = "ScaleDown"
	// ReasonBelowMinimum indicates the fleet is smaller than the configured minimum.
	ReasonBelowMinimum = "BelowMinimum"
	// ReasonAboveMaximum indicates the fleet is larger than the configured maximum.
	ReasonAboveMaximum = "AboveMaximum"

	// ReasonLivenessFailed condemns a replica that failed its liveness check.
	ReasonLivenessFailed = "LivenessFailed"
	// ReasonStartupDeadlineExceeded condemns a replica that never became ready.
	ReasonStartupDeadlineExceeded = "StartupDeadlineExceeded"
	// ReasonRecoveryDeadlineExceeded condemns a replica that stayed unhealthy too long.
	ReasonRecoveryDeadlineExceeded = "RecoveryDeadlineExceeded"
)
