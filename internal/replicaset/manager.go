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

// Package replicaset owns the replica records of the fleet.
//
// The Manager is the only component that mutates replica state. Callers
// receive copies and drive the lifecycle through its operations; probe results
// and deadlines move replicas along Pending→Starting→Ready⇄Unhealthy→Terminating→Gone.
package replicaset

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/logging"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/probe"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/provisioner"
)

// OperationType is the kind of in-flight provisioning operation.
type OperationType string

const (
	OpAdd    OperationType = "Add"
	OpRemove OperationType = "Remove"
)

// Operation is the in-flight add or remove of one replica.
type Operation struct {
	Type        OperationType      `json:"type"`
	ReplicaID   v1alpha1.ReplicaID `json:"replicaID"`
	RequestedAt time.Time          `json:"requestedAt"`
	// Attempts counts failed provisioner calls.
	Attempts    int       `json:"attempts,omitempty"`
	NextAttempt time.Time `json:"nextAttempt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

// Config configures the manager.
type Config struct {
	Service string
	Image   string

	// StartupDeadline bounds how long a replica may stay Starting, and how long
	// an Unhealthy replica may take to recover.
	StartupDeadline time.Duration

	// QPS and Burst rate limit provisioner calls; QPS <= 0 disables the limit.
	QPS   float64
	Burst int

	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Stats summarises provisioning failures.
type Stats struct {
	// Failures is the total number of failed provisioner calls.
	Failures int64
	// Blocked is the number of operations currently waiting out a backoff.
	Blocked   int
	LastError string
}

type record struct {
	replica v1alpha1.Replica
	op      *Operation
	backoff *backoff.ExponentialBackOff
	// accepted is set once the provisioner created the replica.
	accepted bool
}

// Manager is the single owner of all replica records. It is safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	cfg         Config
	provisioner provisioner.Provisioner
	clock       clock.PassiveClock
	limiter     *rate.Limiter
	logger      logr.Logger

	replicas map[v1alpha1.ReplicaID]*record
	// replacements maps a condemned replica to the replica that replaces it.
	replacements map[v1alpha1.ReplicaID]v1alpha1.ReplicaID

	failures  int64
	lastError string
}

// NewManager creates a manager backed by p.
func NewManager(cfg Config, p provisioner.Provisioner, clk clock.PassiveClock) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	limit := rate.Inf
	if cfg.QPS > 0 {
		limit = rate.Limit(cfg.QPS)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Manager{
		cfg:          cfg,
		provisioner:  p,
		clock:        clk,
		limiter:      rate.NewLimiter(limit, burst),
		logger:       ctrl.Log.WithName("replicaset"),
		replicas:     make(map[v1alpha1.ReplicaID]*record),
		replacements: make(map[v1alpha1.ReplicaID]v1alpha1.ReplicaID),
	}
}

// Image returns the image new replicas are created from.
func (m *Manager) Image() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Image
}

// SetImage changes the image of replicas created from now on.
func (m *Manager) SetImage(image string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Image = image
}

// CurrentReplicas returns copies of all records, oldest first.
func (m *Manager) CurrentReplicas() []v1alpha1.Replica {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]v1alpha1.Replica, 0, len(m.replicas))
	for _, rec := range m.replicas {
		out = append(out, copyReplica(&rec.replica))
	}
	slices.SortFunc(out, func(a, b v1alpha1.Replica) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out
}

// Get returns a copy of one record.
func (m *Manager) Get(id v1alpha1.ReplicaID) (v1alpha1.Replica, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.replicas[id]
	if !ok {
		return v1alpha1.Replica{}, false
	}
	return copyReplica(&rec.replica), true
}

// Operation returns the in-flight operation of a replica, if any.
func (m *Manager) Operation(id v1alpha1.ReplicaID) (Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.replicas[id]
	if !ok || rec.op == nil {
		return Operation{}, false
	}
	return *rec.op, true
}

// RequestAdd records a Pending replica. The provisioner is called by Provision.
func (m *Manager) RequestAdd() v1alpha1.ReplicaID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestAddLocked()
}

func (m *Manager) requestAddLocked() v1alpha1.ReplicaID {
	id := m.newIDLocked()
	now := m.clock.Now()
	m.replicas[id] = &record{
		replica: v1alpha1.Replica{
			ID:             id,
			State:          v1alpha1.StatePending,
			Image:          m.cfg.Image,
			CreatedAt:      now,
			StateChangedAt: now,
		},
		op:      &Operation{Type: OpAdd, ReplicaID: id, RequestedAt: now},
		backoff: m.newBackoff(),
	}
	m.logger.V(logging.DEBUG).Info("Requested replica", "replica", id, "image", m.cfg.Image)
	return id
}

// RequestReplacement adds a replica replacing failed. It returns the same id on
// every call for the same failed replica.
func (m *Manager) RequestReplacement(failed v1alpha1.ReplicaID) (v1alpha1.ReplicaID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.replacements[failed]; ok {
		return id, nil
	}
	if _, ok := m.replicas[failed]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownReplica, failed)
	}
	id := m.requestAddLocked()
	m.replacements[failed] = id
	m.logger.Info("Replacing replica", "failed", failed, "replacement", id)
	return id, nil
}

// ReplacementOf returns the replacement requested for failed, if any.
func (m *Manager) ReplacementOf(failed v1alpha1.ReplicaID) (v1alpha1.ReplicaID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.replacements[failed]
	return id, ok
}

// RequestRemove moves a replica to Terminating and records a remove operation.
// Removing a replica that is already being removed returns the existing operation.
func (m *Manager) RequestRemove(id v1alpha1.ReplicaID) (Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.replicas[id]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrUnknownReplica, id)
	}
	if rec.op != nil && rec.op.Type == OpRemove {
		return *rec.op, nil
	}
	if rec.replica.State == v1alpha1.StateGone {
		return Operation{Type: OpRemove, ReplicaID: id, RequestedAt: rec.replica.StateChangedAt}, nil
	}
	if err := m.transitionLocked(rec, v1alpha1.StateTerminating); err != nil {
		return Operation{}, err
	}
	rec.op = &Operation{Type: OpRemove, ReplicaID: id, RequestedAt: m.clock.Now()}
	rec.backoff = m.newBackoff()
	rec.replica.ProvisionAttempts = 0
	m.logger.Info("Removing replica", "replica", id, "condemned", rec.replica.Condemned)
	return *rec.op, nil
}

// MarkState moves a replica along the lifecycle graph. Marking the current
// state is a no-op.
func (m *Manager) MarkState(id v1alpha1.ReplicaID, state v1alpha1.ReplicaState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.replicas[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReplica, id)
	}
	if rec.replica.State == state {
		return nil
	}
	return m.transitionLocked(rec, state)
}

// Condemn marks a replica for removal and replacement.
func (m *Manager) Condemn(id v1alpha1.ReplicaID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.replicas[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReplica, id)
	}
	m.condemnLocked(rec, reason)
	return nil
}

// ObserveProbe applies a probe result to the replica's state.
//
// A timed out probe only invalidates the last sample. A liveness failure
// condemns a replica that was Ready or Unhealthy; replicas still Starting are
// left to the startup deadline.
func (m *Manager) ObserveProbe(id v1alpha1.ReplicaID, res probe.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.replicas[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReplica, id)
	}
	r := &rec.replica
	r.LastProbe = res.At

	switch r.State {
	case v1alpha1.StateStarting, v1alpha1.StateReady, v1alpha1.StateUnhealthy:
	default:
		return nil
	}

	if res.TimedOut {
		if r.LastSample != nil {
			r.LastSample.Valid = false
		}
		return nil
	}
	if res.Sample != nil {
		s := *res.Sample
		r.LastSample = &s
	}

	switch {
	case !res.Live:
		if r.State == v1alpha1.StateStarting {
			return nil
		}
		if r.State == v1alpha1.StateReady {
			_ = m.transitionLocked(rec, v1alpha1.StateUnhealthy)
		}
		m.condemnLocked(rec, v1alpha1.ReasonLivenessFailed)
	case res.Ready:
		if r.State == v1alpha1.StateStarting || (r.State == v1alpha1.StateUnhealthy && !r.Condemned) {
			_ = m.transitionLocked(rec, v1alpha1.StateReady)
		}
	default:
		if r.State == v1alpha1.StateReady {
			_ = m.transitionLocked(rec, v1alpha1.StateUnhealthy)
		}
	}
	return nil
}

// ExpireDeadlines condemns Starting replicas that did not become Ready within
// the startup deadline of the provisioner accepting them, and Unhealthy
// replicas that did not recover within the same deadline. It returns the ids
// condemned by this call.
func (m *Manager) ExpireDeadlines() []v1alpha1.ReplicaID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.StartupDeadline <= 0 {
		return nil
	}
	now := m.clock.Now()
	var expired []v1alpha1.ReplicaID
	for _, rec := range m.replicas {
		r := &rec.replica
		if r.Condemned || now.Sub(r.StateChangedAt) <= m.cfg.StartupDeadline {
			continue
		}
		switch r.State {
		case v1alpha1.StateStarting:
			_ = m.transitionLocked(rec, v1alpha1.StateUnhealthy)
			m.condemnLocked(rec, v1alpha1.ReasonStartupDeadlineExceeded)
		case v1alpha1.StateUnhealthy:
			m.condemnLocked(rec, v1alpha1.ReasonRecoveryDeadlineExceeded)
		default:
			continue
		}
		expired = append(expired, r.ID)
	}
	slices.Sort(expired)
	return expired
}

// Provision submits pending creates to the provisioner. Replicas in backoff are
// skipped; submission stops when the rate limit is exhausted. The returned
// error joins every *ProvisioningError of this call.
func (m *Manager) Provision(ctx context.Context) error {
	var errs []error
	for _, id := range m.pendingAdds() {
		err := m.Submit(ctx, id)
		switch {
		case err == nil, errors.Is(err, ErrBackoff):
		case errors.Is(err, ErrRateLimited):
			return errors.Join(errs...)
		default:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) pendingAdds() []v1alpha1.ReplicaID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []v1alpha1.ReplicaID
	for id, rec := range m.replicas {
		if rec.replica.State == v1alpha1.StatePending && rec.op != nil && rec.op.Type == OpAdd {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b v1alpha1.ReplicaID) int {
		if c := m.replicas[a].replica.CreatedAt.Compare(m.replicas[b].replica.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a), string(b))
	})
	return ids
}

// Submit calls the provisioner to create one Pending replica.
func (m *Manager) Submit(ctx context.Context, id v1alpha1.ReplicaID) error {
	m.mu.Lock()
	rec, ok := m.replicas[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownReplica, id)
	}
	if rec.replica.State != v1alpha1.StatePending || rec.op == nil || rec.op.Type != OpAdd {
		m.mu.Unlock()
		return nil
	}
	if err := m.admitLocked(rec); err != nil {
		m.mu.Unlock()
		return err
	}
	spec := provisioner.ReplicaSpec{ID: id, Service: m.cfg.Service, Image: rec.replica.Image}
	m.mu.Unlock()

	address, err := m.provisioner.Create(ctx, spec)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		return m.failedLocked(ctx, rec, err)
	}
	rec.accepted = true
	rec.replica.Address = address
	rec.replica.ProvisionAttempts = 0
	if rec.replica.State != v1alpha1.StatePending {
		// removed while the create was in flight; Finalize terminates it
		return nil
	}
	rec.op = nil
	_ = m.transitionLocked(rec, v1alpha1.StateStarting)
	ctrl.LoggerFrom(ctx).Info("Replica created", "replica", id, "address", address)
	return nil
}

// Finalize terminates a Terminating replica and moves it to Gone. A replica
// the provisioner never accepted goes straight to Gone.
func (m *Manager) Finalize(ctx context.Context, id v1alpha1.ReplicaID) error {
	m.mu.Lock()
	rec, ok := m.replicas[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownReplica, id)
	}
	if rec.replica.State != v1alpha1.StateTerminating {
		state := rec.replica.State
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s, not %s", ErrInvalidTransition, id, state, v1alpha1.StateTerminating)
	}
	if !rec.accepted {
		rec.op = nil
		_ = m.transitionLocked(rec, v1alpha1.StateGone)
		m.mu.Unlock()
		return nil
	}
	if err := m.admitLocked(rec); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	err := m.provisioner.Terminate(ctx, id)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		return m.failedLocked(ctx, rec, err)
	}
	rec.op = nil
	_ = m.transitionLocked(rec, v1alpha1.StateGone)
	ctrl.LoggerFrom(ctx).Info("Replica terminated", "replica", id)
	return nil
}

// Reap purges Gone records and returns their ids.
func (m *Manager) Reap() []v1alpha1.ReplicaID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reaped []v1alpha1.ReplicaID
	for id, rec := range m.replicas {
		if rec.replica.State.IsTerminal() {
			delete(m.replicas, id)
			delete(m.replacements, id)
			reaped = append(reaped, id)
		}
	}
	slices.Sort(reaped)
	return reaped
}

// Adopt takes ownership of replicas that already run, as Starting replicas
// whose readiness is established by the next probe. Known ids are skipped.
func (m *Manager) Adopt(existing []provisioner.ExistingReplica) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	adopted := 0
	for _, e := range existing {
		if _, ok := m.replicas[e.ID]; ok || e.ID == "" {
			continue
		}
		created := e.CreatedAt
		if created.IsZero() {
			created = now
		}
		m.replicas[e.ID] = &record{
			replica: v1alpha1.Replica{
				ID:             e.ID,
				State:          v1alpha1.StateStarting,
				Address:        e.Address,
				Image:          e.Image,
				CreatedAt:      created,
				StateChangedAt: now,
			},
			backoff:  m.newBackoff(),
			accepted: true,
		}
		adopted++
	}
	if adopted > 0 {
		m.logger.Info("Adopted existing replicas", "count", adopted)
	}
	return adopted
}

// Stats returns provisioning failure counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Failures: m.failures, LastError: m.lastError}
	for _, rec := range m.replicas {
		if rec.op != nil && rec.op.Attempts > 0 {
			s.Blocked++
		}
	}
	return s
}

func (m *Manager) admitLocked(rec *record) error {
	now := m.clock.Now()
	if rec.op != nil && now.Before(rec.op.NextAttempt) {
		return fmt.Errorf("%w: %s until %s", ErrBackoff, rec.replica.ID, rec.op.NextAttempt.Format(time.RFC3339))
	}
	if !m.limiter.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

func (m *Manager) failedLocked(ctx context.Context, rec *record, err error) error {
	if rec.op == nil {
		rec.op = &Operation{Type: OpRemove, ReplicaID: rec.replica.ID, RequestedAt: m.clock.Now()}
	}
	rec.op.Attempts++
	rec.op.NextAttempt = m.clock.Now().Add(rec.backoff.NextBackOff())
	rec.op.LastError = err.Error()
	rec.replica.ProvisionAttempts = rec.op.Attempts
	m.failures++
	m.lastError = err.Error()

	perr := &ProvisioningError{Op: rec.op.Type, ReplicaID: rec.replica.ID, Attempts: rec.op.Attempts, Err: err}
	ctrl.LoggerFrom(ctx).Error(perr, "Provisioning failed", "replica", rec.replica.ID, "nextAttempt", rec.op.NextAttempt)
	return perr
}

func (m *Manager) transitionLocked(rec *record, next v1alpha1.ReplicaState) error {
	cur := rec.replica.State
	if !cur.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, rec.replica.ID, cur, next)
	}
	rec.replica.State = next
	rec.replica.StateChangedAt = m.clock.Now()
	m.logger.V(logging.DEBUG).Info("Replica state changed", "replica", rec.replica.ID, "from", cur, "to", next)
	return nil
}

func (m *Manager) condemnLocked(rec *record, reason string) {
	if rec.replica.Condemned {
		return
	}
	rec.replica.Condemned = true
	rec.replica.CondemnedReason = reason
	m.logger.Info("Replica condemned", "replica", rec.replica.ID, "state", rec.replica.State, "reason", reason)
}

func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if m.cfg.BackoffInitial > 0 {
		b.InitialInterval = m.cfg.BackoffInitial
	}
	if m.cfg.BackoffMax > 0 {
		b.MaxInterval = m.cfg.BackoffMax
	}
	b.Reset()
	return b
}

func (m *Manager) newIDLocked() v1alpha1.ReplicaID {
	prefix := m.cfg.Service
	if prefix == "" {
		prefix = "replica"
	}
	for {
		id := v1alpha1.ReplicaID(prefix + "-" + uuid.NewString()[:8])
		if _, taken := m.replicas[id]; !taken {
			return id
		}
	}
}

func copyReplica(r *v1alpha1.Replica) v1alpha1.Replica {
	out := *r
	if r.LastSample != nil {
		s := *r.LastSample
		out.LastSample = &s
	}
	return out
}
