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

package collector

import (
	"math"
	"time"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
)

// Aggregator computes the fleet utilization signal from per-replica samples.
type Aggregator struct {
	// targetPerReplica is the load one replica carries at utilization 1.0.
	targetPerReplica float64
	// staleness excludes samples older than this.
	staleness time.Duration
}

// NewAggregator creates an aggregator. targetPerReplica must be > 0.
func NewAggregator(targetPerReplica float64, staleness time.Duration) *Aggregator {
	return &Aggregator{targetPerReplica: targetPerReplica, staleness: staleness}
}

// IsFresh reports whether s may be aggregated at now.
func (a *Aggregator) IsFresh(now time.Time, s v1alpha1.UtilizationSample) bool {
	if !s.Valid || math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return false
	}
	if s.Timestamp.After(now) {
		// clock skew between probe and tick; treat as just taken
		return true
	}
	return now.Sub(s.Timestamp) <= a.staleness
}

// Aggregate averages the valid, fresh samples and returns observed/target-per-replica,
// clamped to >= 0. With no usable samples it returns v1alpha1.Unknown.
func (a *Aggregator) Aggregate(now time.Time, samples []v1alpha1.UtilizationSample) v1alpha1.AggregateValue {
	var (
		sum float64
		n   int
	)
	for _, s := range samples {
		if !a.IsFresh(now, s) {
			continue
		}
		sum += s.Value
		n++
	}
	if n == 0 || a.targetPerReplica <= 0 {
		return v1alpha1.Unknown
	}

	utilization := (sum / float64(n)) / a.targetPerReplica
	if utilization < 0 {
		utilization = 0
	}
	return v1alpha1.AggregateValue{
		Utilization: utilization,
		SampleCount: n,
		Known:       true,
	}
}

// SamplesOf collects the last samples of replicas currently in the Ready state.
func SamplesOf(replicas []v1alpha1.Replica) []v1alpha1.UtilizationSample {
	samples := make([]v1alpha1.UtilizationSample, 0, len(replicas))
	for i := range replicas {
		r := &replicas[i]
		if r.State != v1alpha1.StateReady || r.LastSample == nil {
			continue
		}
		samples = append(samples, *r.LastSample)
	}
	return samples
}
