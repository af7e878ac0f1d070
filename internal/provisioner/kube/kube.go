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

// Package kube provisions replicas as Kubernetes Pods.
//
// Each replica is one Pod named after the replica id. The Pod's hostname and
// subdomain place it behind a headless Service, so its address
// <id>.<service>.<namespace>.svc:<port> is stable for the replica's lifetime.
package kube

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/logging"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/provisioner"
)

// Labels set on every replica Pod.
const (
	LabelService   = "fleet.llm-d.ai/service"
	LabelReplicaID = "fleet.llm-d.ai/replica-id"
)

const containerName = "server"

// Config configures the provisioner.
type Config struct {
	Namespace string
	// HeadlessService is the Service the replica Pods are registered under.
	HeadlessService string
	// Service is the name of the managed service.
	Service string
	// Port is the container port of the replica's endpoints.
	Port int
	// GracePeriod is passed to Pod deletion; typically the drain period.
	GracePeriod time.Duration
}

// Provisioner implements provisioner.Provisioner and provisioner.Lister on Pods.
type Provisioner struct {
	client client.Client
	cfg    Config
}

var (
	_ provisioner.Provisioner = &Provisioner{}
	_ provisioner.Lister      = &Provisioner{}
)

// New creates a Pod provisioner.
func New(c client.Client, cfg Config) *Provisioner {
	return &Provisioner{client: c, cfg: cfg}
}

// Address returns the DNS address of the replica Pod.
func (p *Provisioner) Address(id v1alpha1.ReplicaID) string {
	return fmt.Sprintf("%s.%s.%s.svc:%d", id, p.cfg.HeadlessService, p.cfg.Namespace, p.cfg.Port)
}

// EnsureService creates the headless Service if it does not exist.
func (p *Provisioner) EnsureService(ctx context.Context) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      p.cfg.HeadlessService,
			Namespace: p.cfg.Namespace,
			Labels:    map[string]string{LabelService: p.cfg.Service},
		},
		Spec: corev1.ServiceSpec{
			ClusterIP: corev1.ClusterIPNone,
			Selector:  map[string]string{LabelService: p.cfg.Service},
			// replicas must be resolvable before they report ready
			PublishNotReadyAddresses: true,
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       int32(p.cfg.Port),
				TargetPort: intstr.FromInt32(int32(p.cfg.Port)),
			}},
		},
	}
	err := p.client.Create(ctx, svc)
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating headless service %s/%s: %w", p.cfg.Namespace, p.cfg.HeadlessService, err)
	}
	ctrl.LoggerFrom(ctx).Info("Created headless service", "namespace", p.cfg.Namespace, "service", p.cfg.HeadlessService)
	return nil
}

// Create implements provisioner.Provisioner. Creating a Pod that already
// exists for the same replica succeeds.
func (p *Provisioner) Create(ctx context.Context, spec provisioner.ReplicaSpec) (string, error) {
	pod := p.podFor(spec)
	err := p.client.Create(ctx, pod)
	switch {
	case err == nil:
	case apierrors.IsAlreadyExists(err):
		existing := &corev1.Pod{}
		if err := p.client.Get(ctx, client.ObjectKeyFromObject(pod), existing); err != nil {
			return "", fmt.Errorf("getting pod %s: %w", pod.Name, err)
		}
		if existing.Labels[LabelReplicaID] != string(spec.ID) {
			return "", fmt.Errorf("%w: pod %s exists and belongs to another replica", provisioner.ErrRejected, pod.Name)
		}
	case apierrors.IsForbidden(err), apierrors.IsInvalid(err):
		return "", fmt.Errorf("%w: creating pod %s: %w", provisioner.ErrRejected, pod.Name, err)
	default:
		return "", fmt.Errorf("creating pod %s: %w", pod.Name, err)
	}
	ctrl.LoggerFrom(ctx).V(logging.DEBUG).Info("Created replica pod", "pod", pod.Name, "namespace", pod.Namespace)
	return p.Address(spec.ID), nil
}

// Terminate implements provisioner.Provisioner.
func (p *Provisioner) Terminate(ctx context.Context, id v1alpha1.ReplicaID) error {
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: string(id), Namespace: p.cfg.Namespace}}
	err := p.client.Delete(ctx, pod, client.GracePeriodSeconds(int64(p.cfg.GracePeriod.Seconds())))
	if err := client.IgnoreNotFound(err); err != nil {
		return fmt.Errorf("deleting pod %s: %w", id, err)
	}
	return nil
}

// List implements provisioner.Lister. Pods that are being deleted or have
// exited are skipped.
func (p *Provisioner) List(ctx context.Context) ([]provisioner.ExistingReplica, error) {
	pods := &corev1.PodList{}
	if err := p.client.List(ctx, pods,
		client.InNamespace(p.cfg.Namespace),
		client.MatchingLabels{LabelService: p.cfg.Service},
	); err != nil {
		return nil, fmt.Errorf("listing replica pods: %w", err)
	}

	var existing []provisioner.ExistingReplica
	for i := range pods.Items {
		pod := &pods.Items[i]
		id := pod.Labels[LabelReplicaID]
		if id == "" || pod.DeletionTimestamp != nil {
			continue
		}
		if pod.Status.Phase == corev1.PodFailed || pod.Status.Phase == corev1.PodSucceeded {
			continue
		}
		r := provisioner.ExistingReplica{
			ID:        v1alpha1.ReplicaID(id),
			Address:   p.Address(v1alpha1.ReplicaID(id)),
			CreatedAt: pod.CreationTimestamp.Time,
		}
		if len(pod.Spec.Containers) > 0 {
			r.Image = pod.Spec.Containers[0].Image
		}
		existing = append(existing, r)
	}
	return existing, nil
}

func (p *Provisioner) podFor(spec provisioner.ReplicaSpec) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      string(spec.ID),
			Namespace: p.cfg.Namespace,
			Labels: map[string]string{
				LabelService:   p.cfg.Service,
				LabelReplicaID: string(spec.ID),
			},
		},
		Spec: corev1.PodSpec{
			Hostname:  string(spec.ID),
			Subdomain: p.cfg.HeadlessService,
			// a failed replica is replaced, not restarted in place
			RestartPolicy:                 corev1.RestartPolicyNever,
			TerminationGracePeriodSeconds: ptr.To(int64(p.cfg.GracePeriod.Seconds())),
			Containers: []corev1.Container{{
				Name:  containerName,
				Image: spec.Image,
				Ports: []corev1.ContainerPort{{
					Name:          "http",
					ContainerPort: int32(p.cfg.Port),
					Protocol:      corev1.ProtocolTCP,
				}},
			}},
		},
	}
}
