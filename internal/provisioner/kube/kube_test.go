package kube

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/provisioner"
)

const testNamespace = "test-ns"

func newScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	_ = clientgoscheme.AddToScheme(scheme)
	return scheme
}

func makePod(id, service string, phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:              id,
			Namespace:         testNamespace,
			Labels:            map[string]string{LabelService: service, LabelReplicaID: id},
			CreationTimestamp: metav1.NewTime(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		},
		Spec:   corev1.PodSpec{Containers: []corev1.Container{{Name: containerName, Image: service + ":v1"}}},
		Status: corev1.PodStatus{Phase: phase},
	}
}

var _ = Describe("Provisioner", func() {
	var (
		ctx       context.Context
		k8sClient client.Client
		p         *Provisioner
	)

	build := func(objs ...client.Object) {
		k8sClient = fake.NewClientBuilder().WithScheme(newScheme()).WithObjects(objs...).Build()
		p = New(k8sClient, Config{
			Namespace:       testNamespace,
			HeadlessService: "web-replicas",
			Service:         "web",
			Port:            5000,
			GracePeriod:     30 * time.Second,
		})
	}

	BeforeEach(func() {
		ctx = context.Background()
		build()
	})

	Context("Create", func() {
		It("creates a labelled pod behind the headless service", func() {
			addr, err := p.Create(ctx, provisioner.ReplicaSpec{ID: "web-1a2b", Service: "web", Image: "web:v2"})
			Expect(err).NotTo(HaveOccurred())
			Expect(addr).To(Equal("web-1a2b.web-replicas.test-ns.svc:5000"))

			pod := &corev1.Pod{}
			Expect(k8sClient.Get(ctx, client.ObjectKey{Namespace: testNamespace, Name: "web-1a2b"}, pod)).To(Succeed())
			Expect(pod.Labels).To(HaveKeyWithValue(LabelService, "web"))
			Expect(pod.Labels).To(HaveKeyWithValue(LabelReplicaID, "web-1a2b"))
			Expect(pod.Spec.Hostname).To(Equal("web-1a2b"))
			Expect(pod.Spec.Subdomain).To(Equal("web-replicas"))
			Expect(pod.Spec.RestartPolicy).To(Equal(corev1.RestartPolicyNever))
			Expect(*pod.Spec.TerminationGracePeriodSeconds).To(Equal(int64(30)))
			Expect(pod.Spec.Containers).To(HaveLen(1))
			Expect(pod.Spec.Containers[0].Image).To(Equal("web:v2"))
			Expect(pod.Spec.Containers[0].Ports[0].ContainerPort).To(Equal(int32(5000)))
		})

		It("succeeds when the replica's pod already exists", func() {
			build(makePod("web-1a2b", "web", corev1.PodRunning))
			addr, err := p.Create(ctx, provisioner.ReplicaSpec{ID: "web-1a2b", Image: "web:v1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(addr).To(Equal(p.Address("web-1a2b")))
		})

		It("rejects a name taken by a pod of another replica", func() {
			other := makePod("web-1a2b", "web", corev1.PodRunning)
			other.Labels[LabelReplicaID] = "someone-else"
			build(other)
			_, err := p.Create(ctx, provisioner.ReplicaSpec{ID: "web-1a2b"})
			Expect(err).To(MatchError(provisioner.ErrRejected))
		})
	})

	Context("Terminate", func() {
		It("deletes the replica's pod", func() {
			build(makePod("web-1a2b", "web", corev1.PodRunning))
			Expect(p.Terminate(ctx, "web-1a2b")).To(Succeed())

			pods := &corev1.PodList{}
			Expect(k8sClient.List(ctx, pods, client.InNamespace(testNamespace))).To(Succeed())
			Expect(pods.Items).To(BeEmpty())
		})

		It("treats a missing pod as terminated", func() {
			Expect(p.Terminate(ctx, "web-gone")).To(Succeed())
		})
	})

	Context("List", func() {
		It("returns the running replicas of the service", func() {
			build(
				makePod("web-a", "web", corev1.PodRunning),
				makePod("web-b", "web", corev1.PodPending),
				makePod("web-c", "web", corev1.PodFailed),
				makePod("api-a", "api", corev1.PodRunning),
			)
			existing, err := p.List(ctx)
			Expect(err).NotTo(HaveOccurred())

			ids := make([]v1alpha1.ReplicaID, 0, len(existing))
			for _, e := range existing {
				ids = append(ids, e.ID)
				Expect(e.Address).To(Equal(p.Address(e.ID)))
				Expect(e.Image).To(Equal("web:v1"))
			}
			Expect(ids).To(ConsistOf(v1alpha1.ReplicaID("web-a"), v1alpha1.ReplicaID("web-b")))
		})

		It("skips unlabelled pods", func() {
			pod := makePod("web-x", "web", corev1.PodRunning)
			delete(pod.Labels, LabelReplicaID)
			build(pod)
			existing, err := p.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(existing).To(BeEmpty())
		})
	})

	Context("EnsureService", func() {
		It("creates the headless service once", func() {
			Expect(p.EnsureService(ctx)).To(Succeed())
			Expect(p.EnsureService(ctx)).To(Succeed())

			svc := &corev1.Service{}
			Expect(k8sClient.Get(ctx, client.ObjectKey{Namespace: testNamespace, Name: "web-replicas"}, svc)).To(Succeed())
			Expect(svc.Spec.ClusterIP).To(Equal(corev1.ClusterIPNone))
			Expect(svc.Spec.Selector).To(HaveKeyWithValue(LabelService, "web"))
			Expect(svc.Spec.PublishNotReadyAddresses).To(BeTrue())
		})
	})
})
