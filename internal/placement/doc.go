// Package placement is the control plane of volrep: it records, per volume,
// which nodes hold replicas, which of them coordinates writes and the epoch
// that names that arrangement. It also keeps the node directory replicas use
// to reach each other and checks node health.
//
// # Epochs
//
// Assign picks the epoch. Re-assigning an unchanged placement keeps the
// epoch; any change to the replica set, coordinator or quorum bumps it.
// Volume groups use the epoch as their coordinator version, so a placement
// change is what lets a new coordinator supersede an old one.
//
//	Assign(vol-1, [a b c], coord a)  → epoch 1
//	Assign(vol-1, [a b c], coord a)  → epoch 1
//	ReplaceReplica(vol-1, c, d)      → epoch 2
//
// # Health
//
// HealthMonitor reports transitions through a callback; the placement
// service feeds them into Registry.SetNodeStatus so /nodes shows liveness.
// Health does not move replicas by itself.
package placement
