// Package controller implements the periodic reconciliation loop of the fleet autoscaler.
//
// The controller package owns the tick. It wires the probe client, the
// aggregator, the recommender and the rollout controller around the replica
// set manager, which holds every replica record.
//
// # Reconciliation Flow
//
// Each tick runs, in order:
//
//  1. Probe every addressable Starting, Ready or Unhealthy replica, in parallel
//  2. Apply the probe results to the replica records
//  3. Condemn replicas that missed the startup or recovery deadline
//  4. Take a FleetSnapshot and aggregate the samples of Ready replicas
//  5. Ask the recommender for a scaling decision
//  6. Reconcile the rollout controller against the snapshot and decision
//  7. Submit pending creates to the provisioner
//  8. Reap Gone records
//  9. Publish the FleetStatus and the Prometheus metrics
//
// # Timing
//
// A tick has a deadline of the probe timeout plus a fixed overhead. A tick
// that takes longer is logged and counted as an overrun; ticks that fire while
// one is running are dropped, never queued. Cancelling the context passed to
// Run stops the loop once the current tick has finished.
//
// # Error Handling
//
// Nothing in a tick is fatal. Probe failures become replica state, missing
// data holds the replica count, and provisioning failures are retried with
// backoff on later ticks and surfaced in the decision status.
//
// # Usage
//
//	loop := controller.NewLoop(cfg, controller.Dependencies{
//		Replicas:    manager,
//		Prober:      probeClient,
//		Aggregator:  aggregator,
//		Recommender: recommender.New(policy),
//		Rollout:     rolloutController,
//		Decisions:   common.NewDecisionCache(),
//		Status:      common.NewStatusStore(service, image),
//		Metrics:     emitter,
//	})
//	if err := loop.Run(ctx); err != nil {
//		setupLog.Error(err, "loop exited")
//	}
//
// See also:
//   - internal/replicaset: replica records and provisioning
//   - internal/engines/recommender: desired count computation
//   - internal/actuator: bounded rollout
package controller
