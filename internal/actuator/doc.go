// Package actuator applies scaling decisions to the replica set.
//
// The RolloutController converts the latest ScalingDecision into a RolloutPlan
// of Add and Remove actions and executes it through the replicaset.Manager.
//
// # Reconciliation Flow
//
// Each tick the controller:
//
//  1. Replaces the target with the incoming decision, if any (latest wins).
//  2. Removes every condemned replica and, while the fleet is below target,
//     requests exactly one replacement for it. These emergency actions are
//     outside the surge and unavailable budgets.
//  3. Asks the Limiter for the normal-path changes allowed by maxSurge and
//     maxUnavailable, and records them as Add and Remove requests.
//  4. Finalizes Terminating replicas whose drain period has elapsed.
//  5. Updates the DecisionStatus of the current decision.
//
// # Superseded Plans
//
// Plans are recomputed from the fleet on every tick. In-flight adds keep
// counting toward the target and are left to finish; removals are chosen
// again against the newest target. A replica moves to Terminating as soon as
// its removal is planned and is finalized after the drain period.
//
// # Image Updates
//
// SetImage changes the image of new replicas. Replicas on another image are
// stale and the Limiter replaces them within the same budgets.
//
// # Decision Progress
//
// A decision is applied once the fleet has as many Ready, current-image
// replicas as it asks for. While provisioning calls fail, the decision is
// reported stuck with the number of failed calls since it was emitted.
package actuator
