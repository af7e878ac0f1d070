package actuator

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/engines/limiter"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/probe"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/provisioner/fake"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/replicaset"
)

const (
	drainPeriod     = 30 * time.Second
	startupDeadline = 2 * time.Minute
)

var _ = Describe("RolloutController", func() {
	var (
		ctx  context.Context
		clk  *clocktesting.FakeClock
		prov *fake.Provisioner
		mgr  *replicaset.Manager
		rc   *RolloutController
	)

	build := func(maxSurge, maxUnavailable int) {
		lim, err := limiter.NewRollingLimiter(limiter.LimiterConfig{MaxSurge: maxSurge, MaxUnavailable: maxUnavailable})
		Expect(err).NotTo(HaveOccurred())
		rc = NewRolloutController(Config{DrainPeriod: drainPeriod}, mgr, lim, clk)
	}

	snapshot := func() v1alpha1.FleetSnapshot {
		replicas := mgr.CurrentReplicas()
		snap := v1alpha1.FleetSnapshot{
			Timestamp:   clk.Now(),
			Replicas:    replicas,
			ActualCount: v1alpha1.ActualReplicaCount(replicas),
		}
		if target, ok := rc.Target(); ok {
			snap.DesiredCount = target
		} else {
			snap.DesiredCount = snap.ActualCount
		}
		return snap
	}

	reconcile := func(d *v1alpha1.ScalingDecision) *v1alpha1.RolloutPlan {
		plan, err := rc.Reconcile(ctx, snapshot(), d)
		Expect(err).NotTo(HaveOccurred())
		return plan
	}

	decide := func(n int) *v1alpha1.ScalingDecision {
		return &v1alpha1.ScalingDecision{DesiredCount: n, Reason: v1alpha1.ReasonScaleUp, Timestamp: clk.Now()}
	}

	// becomeReady reports every Starting replica ready.
	becomeReady := func() {
		for _, r := range mgr.CurrentReplicas() {
			if r.State == v1alpha1.StateStarting {
				Expect(mgr.ObserveProbe(r.ID, probe.Result{Live: true, Ready: true, At: clk.Now()})).To(Succeed())
			}
		}
	}

	seed := func(n int) {
		for i := 0; i < n; i++ {
			mgr.RequestAdd()
		}
		Expect(mgr.Provision(ctx)).To(Succeed())
		becomeReady()
	}

	countState := func(state v1alpha1.ReplicaState, includeCondemned bool) int {
		n := 0
		for _, r := range mgr.CurrentReplicas() {
			if r.State == state && (includeCondemned || !r.Condemned) {
				n++
			}
		}
		return n
	}

	// step runs one full tick: reconcile, provision, probes, reap.
	step := func(d *v1alpha1.ScalingDecision, advance time.Duration) *v1alpha1.RolloutPlan {
		mgr.ExpireDeadlines()
		plan, _ := rc.Reconcile(ctx, snapshot(), d)
		_ = mgr.Provision(ctx)
		becomeReady()
		mgr.Reap()
		clk.Step(advance)
		return plan
	}

	BeforeEach(func() {
		ctx = context.Background()
		clk = clocktesting.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
		prov = fake.New()
		mgr = replicaset.NewManager(replicaset.Config{
			Service:         "web",
			Image:           "web:v1",
			StartupDeadline: startupDeadline,
			BackoffInitial:  time.Second,
			BackoffMax:      10 * time.Second,
		}, prov, clk)
		build(1, 1)
	})

	It("holds the observed fleet size before the first decision", func() {
		seed(3)
		plan := reconcile(nil)
		Expect(plan.IsEmpty()).To(BeTrue())
		target, ok := rc.Target()
		Expect(ok).To(BeTrue())
		Expect(target).To(Equal(3))
	})

	It("adds the missing replicas when scaling 3 to 6", func() {
		seed(3)
		plan := reconcile(decide(6))
		Expect(plan.TargetCount).To(Equal(6))
		Expect(plan.Count(v1alpha1.ActionAdd)).To(Equal(3))
		Expect(plan.Count(v1alpha1.ActionRemove)).To(Equal(0))
		for _, a := range plan.Actions {
			Expect(a.Emergency).To(BeFalse())
		}

		Expect(mgr.Provision(ctx)).To(Succeed())
		Expect(v1alpha1.ActualReplicaCount(mgr.CurrentReplicas())).To(Equal(6))
		Expect(rc.Status().Applied).To(BeFalse())

		becomeReady()
		reconcile(nil)
		Expect(rc.Status().Applied).To(BeTrue())
	})

	It("produces no additional actions for a repeated decision", func() {
		seed(3)
		d := decide(6)
		first := reconcile(d)
		Expect(first.Count(v1alpha1.ActionAdd)).To(Equal(3))

		second := reconcile(d)
		Expect(second.IsEmpty()).To(BeTrue())
		Expect(second.Generation).To(Equal(first.Generation))
	})

	It("never drains more than maxUnavailable replicas at once", func() {
		mgr = replicaset.NewManager(replicaset.Config{Service: "web", Image: "web:v1"}, prov, clk)
		build(1, 2)
		seed(8)

		d := &v1alpha1.ScalingDecision{DesiredCount: 2, Reason: v1alpha1.ReasonScaleDown, Timestamp: clk.Now()}
		for i := 0; i < 40; i++ {
			step(d, 10*time.Second)
			d = nil
			Expect(countState(v1alpha1.StateTerminating, false)).To(BeNumerically("<=", 2))
		}
		Expect(v1alpha1.ActualReplicaCount(mgr.CurrentReplicas())).To(Equal(2))
		Expect(prov.Running()).To(Equal(2))
	})

	It("drains removed replicas before terminating them", func() {
		seed(2)
		plan := reconcile(decide(1))
		Expect(plan.Count(v1alpha1.ActionRemove)).To(Equal(1))
		victim := plan.Actions[0].ReplicaID

		clk.Step(drainPeriod - time.Second)
		reconcile(nil)
		r, _ := mgr.Get(victim)
		Expect(r.State).To(Equal(v1alpha1.StateTerminating))
		Expect(prov.Terminated()).To(BeEmpty())

		clk.Step(time.Second)
		reconcile(nil)
		r, _ = mgr.Get(victim)
		Expect(r.State).To(Equal(v1alpha1.StateGone))
		Expect(prov.Terminated()).To(ConsistOf(victim))
	})

	It("removes and replaces a replica that failed liveness outside the budgets", func() {
		mgr = replicaset.NewManager(replicaset.Config{Service: "web", Image: "web:v1", StartupDeadline: startupDeadline}, prov, clk)
		build(0, 1)
		seed(3)
		reconcile(nil)

		failed := mgr.CurrentReplicas()[1].ID
		Expect(mgr.ObserveProbe(failed, probe.Result{Live: false, At: clk.Now()})).To(Succeed())

		plan := reconcile(nil)
		Expect(plan.Actions).To(ContainElements(
			v1alpha1.RolloutAction{Type: v1alpha1.ActionRemove, ReplicaID: failed, Emergency: true},
			HaveField("Replaces", failed),
		))
		Expect(plan.Count(v1alpha1.ActionAdd)).To(Equal(1))

		r, _ := mgr.Get(failed)
		Expect(r.State).To(Equal(v1alpha1.StateTerminating))

		// the emergency drain does not consume the normal budget
		next := reconcile(decide(2))
		Expect(next.Count(v1alpha1.ActionRemove)).To(Equal(1))
		Expect(next.Actions[0].Emergency).To(BeFalse())
	})

	It("replaces a replica that missed the startup deadline exactly once", func() {
		mgr.RequestAdd()
		mgr.RequestAdd()
		Expect(mgr.Provision(ctx)).To(Succeed())
		replicas := mgr.CurrentReplicas()
		healthy, stuck := replicas[0].ID, replicas[1].ID
		Expect(mgr.ObserveProbe(healthy, probe.Result{Live: true, Ready: true, At: clk.Now()})).To(Succeed())
		reconcile(decide(2))

		clk.Step(startupDeadline + time.Second)
		Expect(mgr.ExpireDeadlines()).To(ConsistOf(stuck))

		replacements := 0
		for i := 0; i < 20; i++ {
			plan := step(nil, 10*time.Second)
			for _, a := range plan.Actions {
				if a.Type == v1alpha1.ActionAdd {
					Expect(a.Emergency).To(BeTrue())
					Expect(a.Replaces).To(Equal(stuck))
					replacements++
				}
			}
		}
		Expect(replacements).To(Equal(1))
		Expect(prov.Created()).To(HaveLen(3))
		Expect(countState(v1alpha1.StateReady, false)).To(Equal(2))
		_, ok := mgr.Get(stuck)
		Expect(ok).To(BeFalse(), "the stuck replica is eventually reaped")
	})

	It("leaves in-flight adds alone when a newer decision supersedes the target", func() {
		seed(3)
		first := reconcile(decide(6))
		added := map[v1alpha1.ReplicaID]bool{}
		for _, a := range first.Actions {
			added[a.ReplicaID] = true
		}

		second := reconcile(&v1alpha1.ScalingDecision{DesiredCount: 4, Reason: v1alpha1.ReasonScaleDown, Timestamp: clk.Now()})
		Expect(second.Generation).To(Equal(first.Generation + 1))
		Expect(second.TargetCount).To(Equal(4))
		Expect(second.Count(v1alpha1.ActionAdd)).To(Equal(0))
		for id := range added {
			r, ok := mgr.Get(id)
			Expect(ok).To(BeTrue())
			Expect(r.State).To(Equal(v1alpha1.StatePending))
		}

		// once the adds are Ready the excess drains one replica at a time
		Expect(mgr.Provision(ctx)).To(Succeed())
		becomeReady()
		third := reconcile(nil)
		Expect(third.Generation).To(Equal(second.Generation))
		Expect(third.Count(v1alpha1.ActionRemove)).To(Equal(1))
	})

	It("rolls the fleet to a new image without losing availability", func() {
		mgr = replicaset.NewManager(replicaset.Config{Service: "web", Image: "web:v1"}, prov, clk)
		build(1, 0)
		seed(3)
		reconcile(nil)

		rc.SetImage(ctx, "web:v2")
		for i := 0; i < 30; i++ {
			step(nil, drainPeriod)
			Expect(countState(v1alpha1.StateReady, false)).To(BeNumerically(">=", 3))
		}

		replicas := mgr.CurrentReplicas()
		Expect(replicas).To(HaveLen(3))
		for _, r := range replicas {
			Expect(r.Image).To(Equal("web:v2"))
			Expect(r.State).To(Equal(v1alpha1.StateReady))
		}
		Expect(rc.Status().Applied).To(BeTrue())
	})

	It("reports a stuck decision while provisioning fails", func() {
		seed(3)
		prov.FailCreates(1000)

		d := decide(6)
		for i := 0; i < 3; i++ {
			step(d, time.Minute)
			d = nil
		}
		status := rc.Status()
		Expect(status.Decision).NotTo(BeNil())
		Expect(status.Decision.DesiredCount).To(Equal(6))
		Expect(status.Applied).To(BeFalse())
		Expect(status.Stuck).To(BeTrue())
		Expect(status.RetryCount).To(BeNumerically(">=", 6))
		Expect(status.LastError).To(ContainSubstring("quota exceeded"))

		prov.FailCreates(0)
		for i := 0; i < 2; i++ {
			step(nil, time.Minute)
		}
		status = rc.Status()
		Expect(status.Applied).To(BeTrue())
		Expect(status.Stuck).To(BeFalse())
	})
})
