package replicaset

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/probe"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/provisioner"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/provisioner/fake"
)

const startupDeadline = 2 * time.Minute

var _ = Describe("Manager", func() {
	var (
		ctx  context.Context
		clk  *clocktesting.FakeClock
		prov *fake.Provisioner
		mgr  *Manager
	)

	newManager := func(cfg Config) *Manager {
		return NewManager(cfg, prov, clk)
	}

	ready := func() probe.Result {
		return probe.Result{Live: true, Ready: true, At: clk.Now()}
	}

	// started creates a replica and drives it to Starting.
	started := func() v1alpha1.ReplicaID {
		id := mgr.RequestAdd()
		Expect(mgr.Submit(ctx, id)).To(Succeed())
		return id
	}

	state := func(id v1alpha1.ReplicaID) v1alpha1.ReplicaState {
		r, ok := mgr.Get(id)
		Expect(ok).To(BeTrue())
		return r.State
	}

	BeforeEach(func() {
		ctx = context.Background()
		clk = clocktesting.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
		prov = fake.New()
		mgr = newManager(Config{
			Service:         "web",
			Image:           "web:v1",
			StartupDeadline: startupDeadline,
			BackoffInitial:  time.Second,
			BackoffMax:      30 * time.Second,
		})
	})

	Context("adding replicas", func() {
		It("records a Pending replica until it is provisioned", func() {
			id := mgr.RequestAdd()
			Expect(string(id)).To(HavePrefix("web-"))
			Expect(state(id)).To(Equal(v1alpha1.StatePending))

			op, ok := mgr.Operation(id)
			Expect(ok).To(BeTrue())
			Expect(op.Type).To(Equal(OpAdd))

			Expect(mgr.Provision(ctx)).To(Succeed())
			r, _ := mgr.Get(id)
			Expect(r.State).To(Equal(v1alpha1.StateStarting))
			Expect(r.Address).To(Equal(string(id) + ":5000"))
			Expect(prov.Created()).To(ConsistOf(provisioner.ReplicaSpec{ID: id, Service: "web", Image: "web:v1"}))

			_, ok = mgr.Operation(id)
			Expect(ok).To(BeFalse())
		})

		It("assigns unique ids", func() {
			seen := map[v1alpha1.ReplicaID]bool{}
			for i := 0; i < 50; i++ {
				id := mgr.RequestAdd()
				Expect(seen).NotTo(HaveKey(id))
				seen[id] = true
			}
		})

		It("creates new replicas from the current image", func() {
			mgr.SetImage("web:v2")
			id := mgr.RequestAdd()
			r, _ := mgr.Get(id)
			Expect(r.Image).To(Equal("web:v2"))
			Expect(mgr.Image()).To(Equal("web:v2"))
		})

		It("returns copies that cannot mutate the record", func() {
			id := started()
			Expect(mgr.ObserveProbe(id, probe.Result{
				Live: true, Ready: true, At: clk.Now(),
				Sample: &v1alpha1.UtilizationSample{ReplicaID: id, Value: 10, Valid: true},
			})).To(Succeed())

			r, _ := mgr.Get(id)
			r.State = v1alpha1.StateGone
			r.LastSample.Value = 99

			again, _ := mgr.Get(id)
			Expect(again.State).To(Equal(v1alpha1.StateReady))
			Expect(again.LastSample.Value).To(Equal(10.0))
		})
	})

	Context("provisioning failures", func() {
		It("backs off and retries failed creates", func() {
			prov.FailCreates(1)
			id := mgr.RequestAdd()

			err := mgr.Provision(ctx)
			var perr *ProvisioningError
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.ReplicaID).To(Equal(id))
			Expect(perr.Attempts).To(Equal(1))
			Expect(errors.Is(err, provisioner.ErrRejected)).To(BeTrue())

			r, _ := mgr.Get(id)
			Expect(r.State).To(Equal(v1alpha1.StatePending))
			Expect(r.ProvisionAttempts).To(Equal(1))

			Expect(mgr.Submit(ctx, id)).To(MatchError(ErrBackoff))
			creates, _ := prov.Calls()
			Expect(creates).To(Equal(1), "no provisioner call while in backoff")

			stats := mgr.Stats()
			Expect(stats.Failures).To(BeEquivalentTo(1))
			Expect(stats.Blocked).To(Equal(1))
			Expect(stats.LastError).To(ContainSubstring("quota exceeded"))

			clk.Step(time.Minute)
			Expect(mgr.Provision(ctx)).To(Succeed())
			Expect(state(id)).To(Equal(v1alpha1.StateStarting))
			Expect(mgr.Stats().Blocked).To(Equal(0))
		})

		It("grows the backoff between consecutive failures", func() {
			prov.FailCreates(3)
			id := mgr.RequestAdd()

			var previous time.Duration
			for i := 0; i < 3; i++ {
				Expect(mgr.Submit(ctx, id)).To(HaveOccurred())
				op, _ := mgr.Operation(id)
				wait := op.NextAttempt.Sub(clk.Now())
				Expect(wait).To(BeNumerically(">", 0))
				if i > 0 {
					Expect(wait).To(BeNumerically(">=", previous/2))
				}
				previous = wait
				clk.Step(wait)
			}
			Expect(mgr.Submit(ctx, id)).To(Succeed())
		})

		It("rate limits provisioner calls", func() {
			mgr = newManager(Config{Service: "web", Image: "web:v1", QPS: 1, Burst: 2})
			for i := 0; i < 4; i++ {
				mgr.RequestAdd()
			}
			Expect(mgr.Provision(ctx)).To(Succeed())
			creates, _ := prov.Calls()
			Expect(creates).To(Equal(2))

			clk.Step(2 * time.Second)
			Expect(mgr.Provision(ctx)).To(Succeed())
			creates, _ = prov.Calls()
			Expect(creates).To(Equal(4))
		})
	})

	Context("removing replicas", func() {
		It("is idempotent per replica", func() {
			id := started()
			first, err := mgr.RequestRemove(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(state(id)).To(Equal(v1alpha1.StateTerminating))

			clk.Step(time.Second)
			second, err := mgr.RequestRemove(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))
		})

		It("terminates accepted replicas on finalize", func() {
			id := started()
			_, err := mgr.RequestRemove(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(mgr.Finalize(ctx, id)).To(Succeed())
			Expect(state(id)).To(Equal(v1alpha1.StateGone))
			Expect(prov.Terminated()).To(ConsistOf(id))

			Expect(mgr.Reap()).To(ConsistOf(id))
			_, ok := mgr.Get(id)
			Expect(ok).To(BeFalse())
		})

		It("skips the provisioner for replicas it never accepted", func() {
			id := mgr.RequestAdd()
			_, err := mgr.RequestRemove(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(mgr.Finalize(ctx, id)).To(Succeed())
			Expect(state(id)).To(Equal(v1alpha1.StateGone))
			_, terminates := prov.Calls()
			Expect(terminates).To(Equal(0))
		})

		It("does not submit creates for removed Pending replicas", func() {
			id := mgr.RequestAdd()
			_, err := mgr.RequestRemove(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(mgr.Provision(ctx)).To(Succeed())
			creates, _ := prov.Calls()
			Expect(creates).To(Equal(0))
		})

		It("retries failed terminations with backoff", func() {
			id := started()
			_, err := mgr.RequestRemove(id)
			Expect(err).NotTo(HaveOccurred())

			prov.FailTerminates(1)
			err = mgr.Finalize(ctx, id)
			var perr *ProvisioningError
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.Op).To(Equal(OpRemove))
			Expect(state(id)).To(Equal(v1alpha1.StateTerminating))

			Expect(mgr.Finalize(ctx, id)).To(MatchError(ErrBackoff))
			clk.Step(time.Minute)
			Expect(mgr.Finalize(ctx, id)).To(Succeed())
		})

		It("refuses to finalize replicas that are not Terminating", func() {
			id := started()
			Expect(mgr.Finalize(ctx, id)).To(MatchError(ErrInvalidTransition))
		})

		It("rejects unknown ids", func() {
			_, err := mgr.RequestRemove("nope")
			Expect(err).To(MatchError(ErrUnknownReplica))
			Expect(mgr.MarkState("nope", v1alpha1.StateReady)).To(MatchError(ErrUnknownReplica))
			Expect(mgr.ObserveProbe("nope", ready())).To(MatchError(ErrUnknownReplica))
			_, err = mgr.RequestReplacement("nope")
			Expect(err).To(MatchError(ErrUnknownReplica))
		})
	})

	Context("lifecycle", func() {
		It("only follows edges of the lifecycle graph", func() {
			id := mgr.RequestAdd()
			Expect(mgr.MarkState(id, v1alpha1.StateReady)).To(MatchError(ErrInvalidTransition))
			Expect(mgr.MarkState(id, v1alpha1.StatePending)).To(Succeed(), "same state is a no-op")
			Expect(mgr.MarkState(id, v1alpha1.StateStarting)).To(Succeed())
			Expect(mgr.MarkState(id, v1alpha1.StateReady)).To(Succeed())
			Expect(mgr.MarkState(id, v1alpha1.StateGone)).To(MatchError(ErrInvalidTransition))
		})

		It("follows readiness probes", func() {
			id := started()
			Expect(mgr.ObserveProbe(id, probe.Result{Live: true, Ready: false, At: clk.Now()})).To(Succeed())
			Expect(state(id)).To(Equal(v1alpha1.StateStarting))

			Expect(mgr.ObserveProbe(id, ready())).To(Succeed())
			Expect(state(id)).To(Equal(v1alpha1.StateReady))

			Expect(mgr.ObserveProbe(id, probe.Result{Live: true, Ready: false, At: clk.Now()})).To(Succeed())
			Expect(state(id)).To(Equal(v1alpha1.StateUnhealthy))

			Expect(mgr.ObserveProbe(id, ready())).To(Succeed())
			Expect(state(id)).To(Equal(v1alpha1.StateReady))
		})

		It("condemns Ready replicas that fail liveness", func() {
			id := started()
			Expect(mgr.ObserveProbe(id, ready())).To(Succeed())
			Expect(mgr.ObserveProbe(id, probe.Result{Live: false, At: clk.Now()})).To(Succeed())

			r, _ := mgr.Get(id)
			Expect(r.State).To(Equal(v1alpha1.StateUnhealthy))
			Expect(r.Condemned).To(BeTrue())
			Expect(r.CondemnedReason).To(Equal(v1alpha1.ReasonLivenessFailed))

			Expect(mgr.ObserveProbe(id, ready())).To(Succeed())
			Expect(state(id)).To(Equal(v1alpha1.StateUnhealthy), "condemned replicas do not recover")
		})

		It("leaves booting replicas that are not live yet to the startup deadline", func() {
			id := started()
			Expect(mgr.ObserveProbe(id, probe.Result{Live: false, At: clk.Now()})).To(Succeed())
			r, _ := mgr.Get(id)
			Expect(r.State).To(Equal(v1alpha1.StateStarting))
			Expect(r.Condemned).To(BeFalse())
		})

		It("only invalidates the sample on probe timeout", func() {
			id := started()
			Expect(mgr.ObserveProbe(id, probe.Result{
				Live: true, Ready: true, At: clk.Now(),
				Sample: &v1alpha1.UtilizationSample{ReplicaID: id, Value: 5, Valid: true},
			})).To(Succeed())

			Expect(mgr.ObserveProbe(id, probe.Result{TimedOut: true, At: clk.Now()})).To(Succeed())
			r, _ := mgr.Get(id)
			Expect(r.State).To(Equal(v1alpha1.StateReady))
			Expect(r.Condemned).To(BeFalse())
			Expect(r.LastSample.Valid).To(BeFalse())
		})
	})

	Context("deadlines", func() {
		It("condemns replicas that miss the startup deadline", func() {
			id := started()
			clk.Step(startupDeadline)
			Expect(mgr.ExpireDeadlines()).To(BeEmpty())

			clk.Step(time.Second)
			Expect(mgr.ExpireDeadlines()).To(ConsistOf(id))
			r, _ := mgr.Get(id)
			Expect(r.State).To(Equal(v1alpha1.StateUnhealthy))
			Expect(r.Condemned).To(BeTrue())
			Expect(r.CondemnedReason).To(Equal(v1alpha1.ReasonStartupDeadlineExceeded))

			Expect(mgr.ExpireDeadlines()).To(BeEmpty(), "condemned once")
		})

		It("measures the startup deadline from provisioner acceptance", func() {
			prov.FailCreates(1)
			id := mgr.RequestAdd()
			Expect(mgr.Submit(ctx, id)).To(HaveOccurred())
			clk.Step(startupDeadline * 2)
			Expect(mgr.ExpireDeadlines()).To(BeEmpty(), "Pending replicas have no startup deadline")

			Expect(mgr.Submit(ctx, id)).To(Succeed())
			clk.Step(time.Minute)
			Expect(mgr.ExpireDeadlines()).To(BeEmpty())
		})

		It("condemns replicas that stay Unhealthy past the deadline", func() {
			id := started()
			Expect(mgr.ObserveProbe(id, ready())).To(Succeed())
			Expect(mgr.ObserveProbe(id, probe.Result{Live: true, Ready: false, At: clk.Now()})).To(Succeed())

			clk.Step(startupDeadline + time.Second)
			Expect(mgr.ExpireDeadlines()).To(ConsistOf(id))
			r, _ := mgr.Get(id)
			Expect(r.CondemnedReason).To(Equal(v1alpha1.ReasonRecoveryDeadlineExceeded))
		})
	})

	Context("replacement", func() {
		It("replaces a failed replica exactly once", func() {
			failed := started()
			first, err := mgr.RequestReplacement(failed)
			Expect(err).NotTo(HaveOccurred())
			second, err := mgr.RequestReplacement(failed)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))

			got, ok := mgr.ReplacementOf(failed)
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(first))
			Expect(mgr.CurrentReplicas()).To(HaveLen(2))
		})

		It("forgets the replacement once the failed record is reaped", func() {
			failed := started()
			_, err := mgr.RequestReplacement(failed)
			Expect(err).NotTo(HaveOccurred())
			_, err = mgr.RequestRemove(failed)
			Expect(err).NotTo(HaveOccurred())
			Expect(mgr.Finalize(ctx, failed)).To(Succeed())
			mgr.Reap()

			_, ok := mgr.ReplacementOf(failed)
			Expect(ok).To(BeFalse())
		})
	})

	Context("adoption", func() {
		It("adopts running replicas as Starting and skips known ids", func() {
			existing := []provisioner.ExistingReplica{
				{ID: "web-a", Address: "10.0.0.1:5000", Image: "web:v1"},
				{ID: "web-b", Address: "10.0.0.2:5000", Image: "web:v0"},
			}
			Expect(mgr.Adopt(existing)).To(Equal(2))
			Expect(mgr.Adopt(existing)).To(Equal(0))

			replicas := mgr.CurrentReplicas()
			Expect(replicas).To(HaveLen(2))
			for _, r := range replicas {
				Expect(r.State).To(Equal(v1alpha1.StateStarting))
			}

			_, err := mgr.RequestRemove("web-b")
			Expect(err).NotTo(HaveOccurred())
			Expect(mgr.Finalize(ctx, "web-b")).To(Succeed())
			Expect(prov.Terminated()).To(ConsistOf(v1alpha1.ReplicaID("web-b")))
		})
	})

	It("lists replicas oldest first", func() {
		a := mgr.RequestAdd()
		clk.Step(time.Second)
		b := mgr.RequestAdd()
		clk.Step(time.Second)
		c := mgr.RequestAdd()

		var ids []v1alpha1.ReplicaID
		for _, r := range mgr.CurrentReplicas() {
			ids = append(ids, r.ID)
		}
		Expect(ids).To(Equal([]v1alpha1.ReplicaID{a, b, c}))
	})
})
