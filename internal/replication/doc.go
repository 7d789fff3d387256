// Package replication keeps one logical volume consistent across a small
// group of replicas.
//
// One node coordinates each volume. The coordinator orders writes, sends
// each write to every replica that is active or catching up, and reports
// the write committed once a quorum of active replicas acknowledged it.
// Other nodes open the volume as readers and fail reads over between
// replicas.
//
// # Replica states
//
// The coordinator tracks every replica in one of four states:
//
//	Loading ──► Offline ──► Syncing ──► Active
//	               ▲           │          │
//	               └───────────┴──────────┘
//	                    (observed error)
//
// Each move to Syncing must carry a strictly newer replica version, and a
// move to Active must repeat that version and the last op the coordinator
// saw the replica apply. While any replica needs to catch up, the
// coordinator keeps recent writes in a WriteOpsBuffer and replays the
// missing ones when the replica syncs.
//
// # Open
//
// Opening asks every replica for its sequence id and the coordinator it
// follows. The id reported by a quorum wins and the replicas that agree are
// activated. When a quorum instead follows another coordinator, that
// coordinator is asked to step down and open is retried with force.
//
// # Concurrency
//
// Each VolumeGroup runs all state changes as jobs on its own FIFO executor.
// RPCs run on other goroutines and post their results back as jobs. Writes
// to one replica travel through a per-replica queue, so a replica sees its
// writes in op order. Close waits for every in-flight request.
package replication
