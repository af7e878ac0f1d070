package controller

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/llm-d/llm-d-fleet-autoscaler/internal/actuator"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/collector"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/config"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/engines/common"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/engines/limiter"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/engines/recommender"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/metrics"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/probe"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/provisioner"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/replicaset"
)

// Setup assembles a loop for cfg on top of prov. Metrics are registered on
// reg when it is not nil. clk may be nil.
func Setup(cfg *config.Config, prov provisioner.Provisioner, reg prometheus.Registerer, clk clock.WithTicker) (*Loop, *common.StatusStore, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	extractor, err := collector.NewExtractor(cfg.Metric)
	if err != nil {
		return nil, nil, err
	}
	lim, err := limiter.NewLimiter(limiter.LimiterStrategy(cfg.Rollout.Strategy), limiter.LimiterConfig{
		MaxSurge:       cfg.Rollout.MaxSurge,
		MaxUnavailable: cfg.Rollout.MaxUnavailable,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating limiter: %w", err)
	}

	var emitter *metrics.MetricsEmitter
	if reg != nil {
		if emitter, err = metrics.NewMetricsEmitter(reg); err != nil {
			return nil, nil, fmt.Errorf("registering metrics: %w", err)
		}
	}

	manager := replicaset.NewManager(replicaset.Config{
		Service:         cfg.Service.Name,
		Image:           cfg.Service.Image,
		StartupDeadline: cfg.Rollout.StartupDeadline,
		QPS:             cfg.Provisioner.QPS,
		Burst:           cfg.Provisioner.Burst,
		BackoffInitial:  cfg.Provisioner.BackoffInitial,
		BackoffMax:      cfg.Provisioner.BackoffMax,
	}, prov, clk)

	prober := probe.NewClient(probe.Config{
		HealthPath:  cfg.Service.HealthPath,
		ReadyPath:   cfg.Service.ReadyPath,
		MetricsPath: cfg.Service.MetricsPath,
		Timeout:     cfg.Loop.ProbeTimeout,
		Kind:        cfg.Metric.Kind,
		Counter:     cfg.Metric.Counter,
	}, extractor, clk)

	status := common.NewStatusStore(cfg.Service.Name, cfg.Service.Image)
	loop := NewLoop(ConfigFromLoop(cfg), Dependencies{
		Replicas:    manager,
		Prober:      prober,
		Aggregator:  collector.NewAggregator(cfg.Metric.TargetPerReplica, cfg.Metric.StalenessWindow),
		Recommender: recommender.New(recommender.PolicyFromConfig(cfg.Scaling)),
		Rollout:     actuator.NewRolloutController(actuator.Config{DrainPeriod: cfg.Rollout.DrainPeriod}, manager, lim, clk),
		Decisions:   common.NewDecisionCache(),
		Status:      status,
		Metrics:     emitter,
		Clock:       clk,
	})
	return loop, status, nil
}

// SetImage starts a rolling update of the fleet to image.
func (l *Loop) SetImage(ctx context.Context, image string) {
	l.deps.Rollout.SetImage(ctx, image)
}

// SetScaling replaces the scaling policy from the next tick on. Safe to call
// while the loop runs.
func (l *Loop) SetScaling(c config.ScalingConfig) {
	p := recommender.PolicyFromConfig(c)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policy = &p
}
