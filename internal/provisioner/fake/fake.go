// Package fake provides an in-memory Provisioner for tests.
package fake

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/provisioner"
)

// Provisioner records calls and keeps the set of running replicas in memory.
type Provisioner struct {
	mu sync.Mutex

	// Addresser returns the address of a created replica. Defaults to "<id>:5000".
	Addresser func(spec provisioner.ReplicaSpec) string

	running    map[v1alpha1.ReplicaID]provisioner.ExistingReplica
	created    []provisioner.ReplicaSpec
	terminated []v1alpha1.ReplicaID

	failCreates    int
	failTerminates int
	createCalls    int
	terminateCalls int
}

var (
	_ provisioner.Provisioner = &Provisioner{}
	_ provisioner.Lister      = &Provisioner{}
)

// New creates an empty fake provisioner.
func New() *Provisioner {
	return &Provisioner{running: make(map[v1alpha1.ReplicaID]provisioner.ExistingReplica)}
}

// FailCreates makes the next n Create calls fail.
func (p *Provisioner) FailCreates(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failCreates = n
}

// FailTerminates makes the next n Terminate calls fail.
func (p *Provisioner) FailTerminates(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failTerminates = n
}

// Seed registers replicas as already running.
func (p *Provisioner) Seed(existing ...provisioner.ExistingReplica) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range existing {
		p.running[e.ID] = e
	}
}

func (p *Provisioner) Create(_ context.Context, spec provisioner.ReplicaSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	if p.failCreates > 0 {
		p.failCreates--
		return "", fmt.Errorf("%w: quota exceeded", provisioner.ErrRejected)
	}
	addr := string(spec.ID) + ":5000"
	if p.Addresser != nil {
		addr = p.Addresser(spec)
	}
	p.created = append(p.created, spec)
	p.running[spec.ID] = provisioner.ExistingReplica{ID: spec.ID, Address: addr, Image: spec.Image}
	return addr, nil
}

func (p *Provisioner) Terminate(_ context.Context, id v1alpha1.ReplicaID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminateCalls++
	if p.failTerminates > 0 {
		p.failTerminates--
		return fmt.Errorf("%w: backend unavailable", provisioner.ErrRejected)
	}
	delete(p.running, id)
	p.terminated = append(p.terminated, id)
	return nil
}

func (p *Provisioner) List(_ context.Context) ([]provisioner.ExistingReplica, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]provisioner.ExistingReplica, 0, len(p.running))
	for _, e := range p.running {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b provisioner.ExistingReplica) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out, nil
}

// Created returns the specs of successful creates, in call order.
func (p *Provisioner) Created() []provisioner.ReplicaSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.created)
}

// Terminated returns the ids of successful terminations, in call order.
func (p *Provisioner) Terminated() []v1alpha1.ReplicaID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.terminated)
}

// Calls returns the number of Create and Terminate calls, failed ones included.
func (p *Provisioner) Calls() (creates, terminates int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createCalls, p.terminateCalls
}

// Running returns the number of replicas currently running.
func (p *Provisioner) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}
