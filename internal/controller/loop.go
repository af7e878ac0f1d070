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

package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/actuator"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/collector"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/config"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/engines/common"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/engines/recommender"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/logging"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/metrics"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/probe"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/provisioner"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/replicaset"
)

// WarningTickOverrun is recorded when a tick exceeded its deadline.
const WarningTickOverrun = "reconciliation tick exceeded its deadline"

// Prober checks one replica.
type Prober interface {
	Probe(ctx context.Context, replica v1alpha1.Replica) probe.Result
	Forget(id v1alpha1.ReplicaID)
}

var _ Prober = &probe.Client{}

// Config tunes the loop.
type Config struct {
	Service          string
	TickInterval     time.Duration
	ProbeTimeout     time.Duration
	TickOverhead     time.Duration
	ProbeParallelism int
}

// ConfigFromLoop builds a loop Config from the controller configuration.
func ConfigFromLoop(c *config.Config) Config {
	return Config{
		Service:          c.Service.Name,
		TickInterval:     c.Loop.TickInterval,
		ProbeTimeout:     c.Loop.ProbeTimeout,
		TickOverhead:     c.Loop.TickOverhead,
		ProbeParallelism: c.Loop.ProbeParallelism,
	}
}

// TickDeadline is the budget of one tick.
func (c Config) TickDeadline() time.Duration {
	return c.ProbeTimeout + c.TickOverhead
}

// Dependencies are the components the loop drives. Metrics is optional.
type Dependencies struct {
	Replicas    *replicaset.Manager
	Prober      Prober
	Aggregator  *collector.Aggregator
	Recommender *recommender.Recommender
	Rollout     *actuator.RolloutController
	Decisions   *common.DecisionCache
	Status      *common.StatusStore
	Metrics     *metrics.MetricsEmitter
	Clock       clock.WithTicker
}

// Loop is the reconciliation loop. Tick must not be called concurrently.
type Loop struct {
	cfg  Config
	deps Dependencies

	// failures is the provisioning failure count at the end of the last tick.
	failures int64

	mu sync.Mutex
	// policy is a scaling policy waiting to be applied by the next tick.
	policy *recommender.Policy
}

// NewLoop creates a loop.
func NewLoop(cfg Config, deps Dependencies) *Loop {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if cfg.ProbeParallelism < 1 {
		cfg.ProbeParallelism = 1
	}
	return &Loop{cfg: cfg, deps: deps}
}

// Adopt takes ownership of replicas the provisioner already runs.
func (l *Loop) Adopt(ctx context.Context, lister provisioner.Lister) (int, error) {
	existing, err := lister.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing existing replicas: %w", err)
	}
	return l.deps.Replicas.Adopt(existing), nil
}

// Run ticks every TickInterval until ctx is cancelled. The first tick runs
// immediately. A tick in progress when ctx is cancelled runs to completion.
func (l *Loop) Run(ctx context.Context) error {
	if l.cfg.TickInterval <= 0 {
		return errors.New("tick interval must be > 0")
	}
	logger := ctrl.Log.WithName("controller").WithValues("service", l.cfg.Service)
	ctx = ctrl.LoggerInto(ctx, logger)
	logger.Info("Starting reconciliation loop", "interval", l.cfg.TickInterval, "deadline", l.cfg.TickDeadline())

	ticker := l.deps.Clock.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := l.Tick(ctx); err != nil {
			logger.Error(err, "Tick completed with errors")
		}
		select {
		case <-ctx.Done():
			logger.Info("Reconciliation loop stopped")
			return nil
		case <-ticker.C():
		}
	}
}

// Tick runs one reconciliation pass. The returned error joins the provisioning
// errors of the pass; they are retried on later ticks.
func (l *Loop) Tick(ctx context.Context) error {
	logger := ctrl.LoggerFrom(ctx)
	start := l.deps.Clock.Now()
	deadline := l.cfg.TickDeadline()

	// the tick finishes even if ctx is cancelled meanwhile
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadline)
	defer cancel()

	l.probeAll(tickCtx)
	if expired := l.deps.Replicas.ExpireDeadlines(); len(expired) > 0 {
		logger.Info("Replicas missed their deadline", "replicas", expired)
	}

	if p := l.takePolicy(); p != nil {
		l.deps.Recommender.SetPolicy(*p)
		logger.Info("Scaling policy updated", "policy", p.String())
	}
	snap := l.snapshot(l.deps.Clock.Now())
	rec := l.deps.Recommender.Recommend(snap)
	var warnings []string
	if rec.Warning != "" {
		warnings = append(warnings, rec.Warning)
		logger.Info(rec.Warning, "actual", snap.ActualCount)
	}
	if rec.Decision != nil {
		gen := l.deps.Decisions.Set(*rec.Decision)
		logger.Info("Scaling decision", "desired", rec.Decision.DesiredCount, "raw", rec.Raw,
			"reason", rec.Decision.Reason, "utilization", snap.Aggregate.Utilization, "generation", gen)
		if l.deps.Metrics != nil {
			l.deps.Metrics.EmitDecision(l.cfg.Service, *rec.Decision)
		}
	}

	var errs []error
	if _, err := l.deps.Rollout.Reconcile(tickCtx, snap, rec.Decision); err != nil {
		errs = append(errs, err)
	}
	if err := l.deps.Replicas.Provision(tickCtx); err != nil {
		errs = append(errs, err)
	}
	for _, id := range l.deps.Replicas.Reap() {
		l.deps.Prober.Forget(id)
		logger.V(logging.DEBUG).Info("Reaped replica", "replica", id)
	}

	elapsed := l.deps.Clock.Since(start)
	overrun := elapsed > deadline
	if overrun {
		warnings = append(warnings, WarningTickOverrun)
		logger.Info(WarningTickOverrun, "elapsed", elapsed, "deadline", deadline)
	}
	l.publish(snap, warnings, elapsed, overrun)
	return errors.Join(errs...)
}

func (l *Loop) takePolicy() *recommender.Policy {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.policy
	l.policy = nil
	return p
}

// probeAll probes every addressable replica and applies the results.
func (l *Loop) probeAll(ctx context.Context) {
	logger := ctrl.LoggerFrom(ctx)
	var targets []v1alpha1.Replica
	for _, r := range l.deps.Replicas.CurrentReplicas() {
		if probeable(r) {
			targets = append(targets, r)
		}
	}
	if len(targets) == 0 {
		return
	}

	results := make([]probe.Result, len(targets))
	var g errgroup.Group
	g.SetLimit(l.cfg.ProbeParallelism)
	for i := range targets {
		g.Go(func() error {
			results[i] = l.deps.Prober.Probe(ctx, targets[i])
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res.Err != nil {
			logger.V(logging.DEBUG).Info("Probe failed", "replica", res.ReplicaID,
				"live", res.Live, "ready", res.Ready, "timedOut", res.TimedOut, "error", res.Err.Error())
		}
		if err := l.deps.Replicas.ObserveProbe(res.ReplicaID, res); err != nil {
			logger.V(logging.DEBUG).Info("Dropping probe result", "replica", res.ReplicaID, "reason", err.Error())
		}
	}
}

func probeable(r v1alpha1.Replica) bool {
	if r.Address == "" || r.Condemned {
		return false
	}
	switch r.State {
	case v1alpha1.StateStarting, v1alpha1.StateReady, v1alpha1.StateUnhealthy:
		return true
	}
	return false
}

// snapshot freezes the fleet for this tick.
func (l *Loop) snapshot(now time.Time) v1alpha1.FleetSnapshot {
	replicas := l.deps.Replicas.CurrentReplicas()
	snap := v1alpha1.FleetSnapshot{
		Timestamp:    now,
		Replicas:     replicas,
		Aggregate:    l.deps.Aggregator.Aggregate(now, collector.SamplesOf(replicas)),
		ActualCount:  v1alpha1.ActualReplicaCount(replicas),
		ServingCount: v1alpha1.ServingReplicaCount(replicas),
	}
	if target, ok := l.deps.Rollout.Target(); ok {
		snap.DesiredCount = target
		return snap
	}
	// before the first reconcile, condemned replicas still count toward the
	// size the fleet should be restored to
	snap.DesiredCount = snap.ActualCount
	for _, r := range replicas {
		if r.Condemned && r.State.IsLive() {
			snap.DesiredCount++
		}
	}
	return snap
}

func (l *Loop) publish(snap v1alpha1.FleetSnapshot, warnings []string, elapsed time.Duration, overrun bool) {
	replicas := l.deps.Replicas.CurrentReplicas()
	target, _ := l.deps.Rollout.Target()
	decision := l.deps.Rollout.Status()
	if decision.Stuck {
		warnings = append(warnings, fmt.Sprintf("scaling decision stuck after %d provisioning failures: %s",
			decision.RetryCount, decision.LastError))
	}

	ready := 0
	for _, r := range replicas {
		if r.State == v1alpha1.StateReady && !r.Condemned {
			ready++
		}
	}
	l.deps.Status.Update(v1alpha1.FleetStatus{
		Service:          l.cfg.Service,
		Image:            l.deps.Replicas.Image(),
		DesiredReplicas:  target,
		ActualReplicas:   v1alpha1.ActualReplicaCount(replicas),
		ReadyReplicas:    ready,
		Utilization:      snap.Aggregate,
		LastDecision:     decision,
		Replicas:         replicas,
		Warnings:         warnings,
		LastTick:         metav1.NewTime(l.deps.Clock.Now()),
		LastTickDuration: metav1.Duration{Duration: elapsed},
	})

	failures := l.deps.Replicas.Stats().Failures
	if l.deps.Metrics != nil {
		l.deps.Metrics.EmitDesiredReplicas(l.cfg.Service, target)
		l.deps.Metrics.EmitFleet(l.cfg.Service, snap)
		l.deps.Metrics.EmitDecisionStatus(l.cfg.Service, decision, failures-l.failures)
		l.deps.Metrics.ObserveTick(l.cfg.Service, elapsed, overrun)
	}
	l.failures = failures
}
