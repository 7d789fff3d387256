package replication

import (
	"context"

	"github.com/dreamware/volrep/internal/cluster"
)

// ReplicaStatus is the coordinator's view of one replica.
type ReplicaStatus struct {
	ID              string        `json:"id"`
	State           cluster.State `json:"state"`
	Version         uint64        `json:"version"`
	AppliedOpID     uint64        `json:"applied_op_id"`
	AppliedCommitID uint64        `json:"applied_commit_id"`
	LastError       string        `json:"last_error,omitempty"`
}

// Status is a point-in-time snapshot of a volume group.
type Status struct {
	VolumeID      string          `json:"volume_id"`
	Coordinator   bool            `json:"coordinator"`
	State         cluster.State   `json:"state"`
	Version       uint64          `json:"version"`
	Quorum        int             `json:"quorum"`
	OpSeqNo       uint64          `json:"op_seq_no"`
	CommitNo      uint64          `json:"commit_no"`
	Functional    []string        `json:"functional"`
	Syncing       []string        `json:"syncing"`
	Nonfunctional []string        `json:"nonfunctional"`
	Buffered      int             `json:"buffered"`   // writes held for replay
	BufferCap     int             `json:"buffer_cap"` // replay capacity, 0 when not buffering
	Queued        int             `json:"queued"`     // writes waiting in replica outboxes
	Switching     bool            `json:"switching"`
	InFlight      int             `json:"in_flight"`
	Failure       string          `json:"failure,omitempty"`
	Replicas      []ReplicaStatus `json:"replicas"`
}

// Status returns a snapshot of the group for operational inspection.
func (g *VolumeGroup) Status(ctx context.Context) (Status, error) {
	var s Status
	err := g.call(ctx, func(st *groupState) error {
		s = st.status()
		return nil
	})
	return s, err
}

func (st *groupState) status() Status {
	s := Status{
		VolumeID:      st.g.id,
		Coordinator:   st.g.coordinator,
		State:         st.state,
		Version:       st.version,
		Quorum:        st.quorum,
		OpSeqNo:       st.opSeqNo,
		CommitNo:      st.commitNo,
		Functional:    st.ids(bucketFunctional),
		Syncing:       st.ids(bucketSyncing),
		Nonfunctional: st.ids(bucketNonfunctional),
		Switching:     st.switchCtx != nil,
		// the status call itself holds one guard
		InFlight: st.g.refs.count() - 1,
		Replicas: make([]ReplicaStatus, 0, len(st.order)),
	}
	if st.buffer != nil {
		s.Buffered = st.buffer.Len()
		s.BufferCap = st.buffer.Cap()
	}
	for _, q := range st.outboxes {
		s.Queued += q.pending()
	}
	if st.fatal != nil {
		s.Failure = st.fatal.Error()
	}
	for _, id := range st.order {
		r := st.replicas[id]
		s.Replicas = append(s.Replicas, ReplicaStatus{
			ID:              r.ID,
			State:           r.State,
			Version:         r.Version,
			AppliedOpID:     r.AppliedOpID,
			AppliedCommitID: r.AppliedCommitID,
			LastError:       r.lastErrorString(),
		})
	}
	return s
}
