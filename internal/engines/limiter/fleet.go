package limiter

import (
	"slices"
	"strings"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
)

// fleetCounts classifies the replicas of a request.
// Condemned replicas are remediated outside the budgets and are not counted.
type fleetCounts struct {
	image string
	// live replicas are Pending, Starting, Ready or Unhealthy and not condemned.
	live int
	// fresh replicas are live and run the requested image.
	fresh int
	ready int
	// terminating replicas are draining on the normal path.
	terminating int
}

func classify(req Request) fleetCounts {
	f := fleetCounts{image: req.Image}
	for i := range req.Replicas {
		r := &req.Replicas[i]
		if r.Condemned {
			continue
		}
		switch {
		case r.State == v1alpha1.StateTerminating:
			f.terminating++
		case r.State.IsLive():
			f.live++
			if !f.isStale(r) {
				f.fresh++
			}
			if f.isReady(r) {
				f.ready++
			}
		}
	}
	return f
}

func (f *fleetCounts) isStale(r *v1alpha1.Replica) bool {
	return f.image != "" && r.Image != "" && r.Image != f.image
}

func (f *fleetCounts) isReady(r *v1alpha1.Replica) bool {
	return r.State == v1alpha1.StateReady
}

// removalCandidates returns the replicas that may be drained, best victim first:
// Unhealthy, then stale, then the newest Ready. In-flight adds are never candidates.
func removalCandidates(req Request) []*v1alpha1.Replica {
	f := fleetCounts{image: req.Image}
	var out []*v1alpha1.Replica
	for i := range req.Replicas {
		r := &req.Replicas[i]
		if r.Condemned || (r.State != v1alpha1.StateReady && r.State != v1alpha1.StateUnhealthy) {
			continue
		}
		out = append(out, r)
	}
	rank := func(r *v1alpha1.Replica) int {
		switch {
		case r.State == v1alpha1.StateUnhealthy:
			return 0
		case f.isStale(r):
			return 1
		default:
			return 2
		}
	}
	slices.SortStableFunc(out, func(a, b *v1alpha1.Replica) int {
		if ra, rb := rank(a), rank(b); ra != rb {
			return ra - rb
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out
}
