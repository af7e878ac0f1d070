package limiter

import (
	"context"
	"fmt"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-fleet-autoscaler/internal/logging"
)

// RollingLimiter moves the fleet toward the target the way a rolling update does:
// at most MaxSurge replicas above the target, at most MaxUnavailable draining
// at once, and Ready replicas removed only while enough stay Ready.
type RollingLimiter struct {
	config LimiterConfig
}

// NewRollingLimiter creates a new RollingLimiter instance.
func NewRollingLimiter(config LimiterConfig) (*RollingLimiter, error) {
	if config.MaxSurge < 0 || config.MaxUnavailable < 0 {
		return nil, fmt.Errorf("budgets cannot be negative: maxSurge=%d maxUnavailable=%d", config.MaxSurge, config.MaxUnavailable)
	}
	if config.MaxSurge == 0 && config.MaxUnavailable == 0 {
		return nil, fmt.Errorf("maxSurge and maxUnavailable cannot both be 0")
	}
	return &RollingLimiter{config: config}, nil
}

// Allocate implements Limiter.
func (l *RollingLimiter) Allocate(ctx context.Context, req Request) Allocation {
	logger := ctrl.LoggerFrom(ctx)
	f := classify(req)

	var alloc Allocation
	need := req.Target - f.fresh
	room := req.Target + l.config.MaxSurge - f.live - f.terminating
	alloc.Add = max(0, min(need, room))

	// a zero maxUnavailable still drains one replica at a time on scale-down
	budget := max(l.config.MaxUnavailable, 1) - f.terminating
	minReady := req.Target - l.config.MaxUnavailable
	live, ready := f.live, f.ready
	for _, c := range removalCandidates(req) {
		if budget <= 0 {
			break
		}
		excess := live > req.Target
		if !excess && !f.isStale(c) {
			continue
		}
		if f.isReady(c) && ready-1 < minReady {
			continue
		}
		alloc.Remove = append(alloc.Remove, c.ID)
		budget--
		live--
		if f.isReady(c) {
			ready--
		}
	}

	logger.V(logging.DEBUG).Info("Rolling allocation",
		"target", req.Target, "live", f.live, "fresh", f.fresh, "ready", f.ready,
		"terminating", f.terminating, "add", alloc.Add, "remove", len(alloc.Remove))
	return alloc
}

// ImmediateLimiter applies every change in one tick.
type ImmediateLimiter struct{}

// NewImmediateLimiter creates a new ImmediateLimiter instance.
func NewImmediateLimiter() *ImmediateLimiter {
	return &ImmediateLimiter{}
}

// Allocate implements Limiter.
func (l *ImmediateLimiter) Allocate(ctx context.Context, req Request) Allocation {
	f := classify(req)
	var alloc Allocation
	live := f.live
	for _, c := range removalCandidates(req) {
		if live > req.Target || f.isStale(c) {
			alloc.Remove = append(alloc.Remove, c.ID)
			live--
		}
	}
	alloc.Add = max(0, req.Target-live)
	ctrl.LoggerFrom(ctx).V(logging.DEBUG).Info("Immediate allocation",
		"target", req.Target, "live", f.live, "add", alloc.Add, "remove", len(alloc.Remove))
	return alloc
}
