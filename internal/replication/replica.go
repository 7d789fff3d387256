package replication

import "github.com/dreamware/volrep/internal/cluster"

const (
	// InvalidVersion is the recorded version of a replica that has never
	// synced with this coordinator.
	InvalidVersion uint64 = 0
	// StartVersion is the first version a replica may sync with.
	StartVersion uint64 = 1
)

// ReplicaHandle is the coordinator's record of one replica.
type ReplicaHandle struct {
	ID              string
	Version         uint64
	State           cluster.State
	LastError       error
	AppliedOpID     uint64
	AppliedCommitID uint64

	// set while the replica has announced it is loading and still needs the
	// buffered writes replayed when it syncs
	awaitingReplay bool
}

func newReplicaHandle(id string, state cluster.State) *ReplicaHandle {
	return &ReplicaHandle{ID: id, Version: InvalidVersion, State: state}
}

type bucket int

const (
	bucketFunctional bucket = iota
	bucketSyncing
	bucketNonfunctional
)

func (b bucket) String() string {
	switch b {
	case bucketFunctional:
		return "functional"
	case bucketSyncing:
		return "syncing"
	default:
		return "nonfunctional"
	}
}

// bucketOf derives the membership list a replica state belongs to. Loading
// and Offline replicas are both nonfunctional.
func bucketOf(s cluster.State) bucket {
	switch s {
	case cluster.StateActive:
		return bucketFunctional
	case cluster.StateSyncing:
		return bucketSyncing
	default:
		return bucketNonfunctional
	}
}

func validReplicaState(s cluster.State) bool {
	switch s {
	case cluster.StateLoading, cluster.StateSyncing, cluster.StateActive, cluster.StateOffline:
		return true
	}
	return false
}

// writeable replicas receive broadcast writes.
func (r *ReplicaHandle) writeable() bool {
	return r.State == cluster.StateActive || r.State == cluster.StateSyncing
}

func (r *ReplicaHandle) lastErrorString() string {
	if r.LastError == nil {
		return ""
	}
	return r.LastError.Error()
}
