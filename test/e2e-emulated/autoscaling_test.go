package e2eemulated

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/config"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/controller"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/provisioner/fleetapi"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/statusapi"
)

func loadConfig(extra ...string) *config.Config {
	fs := pflag.NewFlagSet("e2e", pflag.ContinueOnError)
	config.AddFlags(fs)
	args := append([]string{
		"--fleet-api=" + fleet.URL,
		"--image=web:v1",
		"--target-utilization=0.5",
		"--min-replicas=2",
		"--max-replicas=6",
		"--scale-down-cooldown=1s",
		"--tick-interval=100ms",
		"--probe-timeout=300ms",
		"--max-surge=2",
		"--max-unavailable=1",
		"--startup-deadline=10s",
		"--drain-period=100ms",
	}, extra...)
	ExpectWithOffset(1, fs.Parse(args)).To(Succeed())
	cfg, err := config.Load(fs)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return cfg
}

func fetchStatus(surface *httptest.Server) v1alpha1.FleetStatus {
	resp, err := http.Get(surface.URL + statusapi.StatusPath)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()
	ExpectWithOffset(1, resp.StatusCode).To(Equal(http.StatusOK))
	var st v1alpha1.FleetStatus
	ExpectWithOffset(1, json.NewDecoder(resp.Body).Decode(&st)).To(Succeed())
	return st
}

func healthyImages(image string) []ReplicaInfo {
	var out []ReplicaInfo
	for _, r := range fleet.Replicas() {
		if r.Healthy && r.Image == image {
			out = append(out, r)
		}
	}
	return out
}

var _ = Describe("Fleet autoscaler against an emulated fleet API", Ordered, func() {
	var (
		cfg     *config.Config
		loop    *controller.Loop
		reg     *prometheus.Registry
		surface *httptest.Server
		cancel  context.CancelFunc
		done    chan error
	)

	status := func() v1alpha1.FleetStatus { return fetchStatus(surface) }

	BeforeAll(func() {
		fleet.SetLoad(50)
		cfg = loadConfig()

		prov, err := fleetapi.New(fleetapi.Config{
			Endpoint: cfg.Provisioner.Endpoint,
			Service:  cfg.Service.Name,
			Timeout:  cfg.Provisioner.RequestTimeout,
		})
		Expect(err).NotTo(HaveOccurred())

		reg = prometheus.NewRegistry()
		var store statusapi.StatusSource
		loop, store, err = controller.Setup(cfg, prov, reg, nil)
		Expect(err).NotTo(HaveOccurred())
		surface = httptest.NewServer(statusapi.NewServer(statusapi.Options{MaxTickAge: 2 * time.Second}, store, reg).Handler())

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan error, 1)
		go func() { done <- loop.Run(ctx) }()
	})

	AfterAll(func() {
		if cancel != nil {
			cancel()
			Eventually(done).Should(Receive(BeNil()))
		}
		if surface != nil {
			surface.Close()
		}
	})

	It("scales an empty fleet up to the minimum", func() {
		Eventually(func(g Gomega) {
			st := status()
			g.Expect(st.ReadyReplicas).To(Equal(2))
			g.Expect(st.LastDecision.Applied).To(BeTrue())
		}).Should(Succeed())
		Expect(fleet.Replicas()).To(HaveLen(2))
	})

	It("serves health and metrics on the control surface", func() {
		resp, err := http.Get(surface.URL + statusapi.HealthPath)
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp, err = http.Get(surface.URL + statusapi.MetricsPath)
		Expect(err).NotTo(HaveOccurred())
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(ContainSubstring(`fleet_desired_replicas{service="web"} 2`))
	})

	It("holds the fleet size at target utilization", func() {
		Consistently(func(g Gomega) {
			st := status()
			g.Expect(st.DesiredReplicas).To(Equal(2))
			g.Expect(st.Utilization.Known).To(BeTrue())
		}, time.Second, 100*time.Millisecond).Should(Succeed())
	})

	It("scales up to the maximum under sustained load", func() {
		fleet.SetLoad(100)
		Eventually(func(g Gomega) {
			st := status()
			g.Expect(st.DesiredReplicas).To(Equal(6))
			g.Expect(st.ReadyReplicas).To(Equal(6))
		}).Should(Succeed())
		Consistently(func() int { return len(fleet.Replicas()) }, 500*time.Millisecond).Should(BeNumerically("<=", 6+cfg.Rollout.MaxSurge))
	})

	It("scales down after the cooldown once load drops", func() {
		fleet.SetLoad(10)
		Eventually(func(g Gomega) {
			st := status()
			g.Expect(st.DesiredReplicas).To(Equal(2))
			g.Expect(st.ReadyReplicas).To(Equal(2))
			g.Expect(fleet.Replicas()).To(HaveLen(2))
		}).Should(Succeed())
		fleet.SetLoad(50)
	})

	It("replaces a replica that fails liveness", func() {
		victim := fleet.Replicas()[0].ID
		created := fleet.Created()
		fleet.SetHealthy(victim, false)

		Eventually(func(g Gomega) {
			ids := []string{}
			for _, r := range fleet.Replicas() {
				ids = append(ids, r.ID)
			}
			g.Expect(ids).NotTo(ContainElement(victim))
			g.Expect(healthyImages("web:v1")).To(HaveLen(2))
			g.Expect(status().ReadyReplicas).To(Equal(2))
		}).Should(Succeed())
		Expect(fleet.Created()).To(BeNumerically(">", created))
	})

	It("rolls the fleet to a new image", func() {
		loop.SetImage(context.Background(), "web:v2")
		Eventually(func(g Gomega) {
			g.Expect(fleet.Replicas()).To(HaveLen(2))
			g.Expect(healthyImages("web:v2")).To(HaveLen(2))
			st := status()
			g.Expect(st.Image).To(Equal("web:v2"))
			g.Expect(st.ReadyReplicas).To(Equal(2))
		}).Should(Succeed())
	})

	It("adopts the running replicas after a restart", func() {
		cancel()
		Eventually(done).Should(Receive(BeNil()))
		cancel = nil

		restarted := loadConfig("--image=web:v2")
		prov, err := fleetapi.New(fleetapi.Config{Endpoint: restarted.Provisioner.Endpoint, Service: restarted.Service.Name})
		Expect(err).NotTo(HaveOccurred())
		next, store, err := controller.Setup(restarted, prov, prometheus.NewRegistry(), nil)
		Expect(err).NotTo(HaveOccurred())

		n, err := next.Adopt(context.Background(), prov)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))

		created := fleet.Created()
		Expect(next.Tick(context.Background())).To(Succeed())
		st := store.Get()
		Expect(st.ReadyReplicas).To(Equal(2))
		Expect(st.DesiredReplicas).To(Equal(2))
		Expect(fleet.Created()).To(Equal(created))
	})
})
