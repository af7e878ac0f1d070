package collector

import (
	"sync"
	"time"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
)

// counterReading is the previous cumulative counter value of one replica.
type counterReading struct {
	value float64
	at    time.Time
}

// RateTracker converts cumulative counter readings into per-second rates.
// Thread-safe: probes of different replicas may call Observe concurrently.
type RateTracker struct {
	mu   sync.Mutex
	last map[v1alpha1.ReplicaID]counterReading
}

// NewRateTracker creates an empty tracker.
func NewRateTracker() *RateTracker {
	return &RateTracker{last: make(map[v1alpha1.ReplicaID]counterReading)}
}

// Observe records a counter reading and returns the rate since the previous one.
// ok is false for the first reading, a counter reset, or a non-advancing clock.
func (r *RateTracker) Observe(id v1alpha1.ReplicaID, value float64, at time.Time) (rate float64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, seen := r.last[id]
	r.last[id] = counterReading{value: value, at: at}
	if !seen || value < prev.value {
		return 0, false
	}
	elapsed := at.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	return (value - prev.value) / elapsed, true
}

// Forget drops the history of a replica, e.g. once it is gone.
func (r *RateTracker) Forget(id v1alpha1.ReplicaID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.last, id)
}

// Len returns the number of replicas with a recorded reading.
func (r *RateTracker) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.last)
}
