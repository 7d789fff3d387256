// Package volume implements the replica side of volume replication: the
// copy of a volume a node stores and the rules it follows when coordinators
// open it, write to it and report its membership.
//
// # Replica lifecycle
//
//	activate ──► Loading ──open/groupinfo──► Active
//	                 ▲                          │ listed nonfunctional
//	                 │                          ▼
//	                 └──── rejoin ◄──────── Offline
//
// A rejoin runs AddToGroup(Loading), bumps the persisted incarnation, runs
// AddToGroup(Syncing) with the last applied op, waits for the coordinator's
// replay to reach the group's last op and finishes with AddToGroup(Active).
// Failed attempts restart from Loading a bounded number of times.
//
// # Ordering
//
// ApplyWrite accepts only the op following the last one applied, under the
// current incarnation. The data change and the new sequence id are stored
// in one storage.Store Apply.
package volume
