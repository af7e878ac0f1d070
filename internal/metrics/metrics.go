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

// Package metrics exposes the autoscaler's own state as Prometheus metrics.
//
// Every series carries a service label:
//
//	fleet_desired_replicas{service="web"} 6
//	fleet_replicas{service="web",state="Ready"} 3
//	fleet_scaling_decisions_total{service="web",reason="ScaleUp"} 1
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
)

const namespace = "fleet"

// Label names.
const (
	LabelService = "service"
	LabelState   = "state"
	LabelReason  = "reason"
	LabelOp      = "operation"
)

var states = []v1alpha1.ReplicaState{
	v1alpha1.StatePending,
	v1alpha1.StateStarting,
	v1alpha1.StateReady,
	v1alpha1.StateUnhealthy,
	v1alpha1.StateTerminating,
}

// MetricsEmitter records fleet metrics on a Prometheus registry.
type MetricsEmitter struct {
	desired      *prometheus.GaugeVec
	actual       *prometheus.GaugeVec
	replicas     *prometheus.GaugeVec
	utilization  *prometheus.GaugeVec
	known        *prometheus.GaugeVec
	decisions    *prometheus.CounterVec
	provisioning *prometheus.CounterVec
	stuck        *prometheus.GaugeVec
	tickDuration *prometheus.HistogramVec
	overruns     *prometheus.CounterVec
}

// NewMetricsEmitter creates the fleet collectors and registers them on reg.
func NewMetricsEmitter(reg prometheus.Registerer) (*MetricsEmitter, error) {
	e := &MetricsEmitter{
		desired: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "desired_replicas",
			Help: "Replica count the rollout controller drives toward.",
		}, []string{LabelService}),
		actual: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "actual_replicas",
			Help: "Live, non-condemned replicas.",
		}, []string{LabelService}),
		replicas: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "replicas",
			Help: "Replica records by lifecycle state.",
		}, []string{LabelService, LabelState}),
		utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "utilization_ratio",
			Help: "Aggregate fleet utilization relative to the per-replica target.",
		}, []string{LabelService}),
		known: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "utilization_known",
			Help: "1 when the last aggregate was computed from at least one valid sample.",
		}, []string{LabelService}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scaling_decisions_total",
			Help: "Scaling decisions emitted, by reason.",
		}, []string{LabelService, LabelReason}),
		provisioning: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "provisioning_failures_total",
			Help: "Failed provisioner calls.",
		}, []string{LabelService}),
		stuck: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "decision_stuck",
			Help: "1 while provisioning failures block the latest decision.",
		}, []string{LabelService}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_duration_seconds",
			Help:    "Duration of reconciliation ticks.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{LabelService}),
		overruns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tick_overruns_total",
			Help: "Ticks that exceeded their deadline.",
		}, []string{LabelService}),
	}
	for _, c := range []prometheus.Collector{
		e.desired, e.actual, e.replicas, e.utilization, e.known,
		e.decisions, e.provisioning, e.stuck, e.tickDuration, e.overruns,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// EmitDesiredReplicas sets the desired replica gauge.
func (e *MetricsEmitter) EmitDesiredReplicas(service string, replicas int) {
	e.desired.WithLabelValues(service).Set(float64(replicas))
}

// EmitFleet records replica counts and the utilization signal of a snapshot.
func (e *MetricsEmitter) EmitFleet(service string, snap v1alpha1.FleetSnapshot) {
	e.actual.WithLabelValues(service).Set(float64(snap.ActualCount))
	for _, s := range states {
		e.replicas.WithLabelValues(service, string(s)).Set(float64(snap.CountInState(s)))
	}
	e.utilization.WithLabelValues(service).Set(snap.Aggregate.Utilization)
	known := 0.0
	if snap.Aggregate.Known {
		known = 1
	}
	e.known.WithLabelValues(service).Set(known)
}

// EmitDecision counts a scaling decision.
func (e *MetricsEmitter) EmitDecision(service string, d v1alpha1.ScalingDecision) {
	e.decisions.WithLabelValues(service, d.Reason).Inc()
}

// EmitDecisionStatus records decision progress. failures is the number of
// provisioning failures since the previous call.
func (e *MetricsEmitter) EmitDecisionStatus(service string, status v1alpha1.DecisionStatus, failures int64) {
	if failures > 0 {
		e.provisioning.WithLabelValues(service).Add(float64(failures))
	}
	stuck := 0.0
	if status.Stuck {
		stuck = 1
	}
	e.stuck.WithLabelValues(service).Set(stuck)
}

// ObserveTick records a tick's duration and whether it overran its deadline.
func (e *MetricsEmitter) ObserveTick(service string, d time.Duration, overrun bool) {
	e.tickDuration.WithLabelValues(service).Observe(d.Seconds())
	if overrun {
		e.overruns.WithLabelValues(service).Inc()
	}
}
