package cluster

import (
	"encoding/json"
	"fmt"
)

// CoordinatorID names a coordinator incarnation: the node acting as writer
// and the epoch it opened the volume under.
type CoordinatorID struct {
	ID      string `json:"id"`
	Version uint64 `json:"version"`
}

// Newer reports whether c should supersede other.
func (c CoordinatorID) Newer(other CoordinatorID) bool {
	return c.Version > other.Version
}

// OpenVolumeRequest asks a replica for its position and its coordinator.
// Force takes the replica over even when it follows someone else.
type OpenVolumeRequest struct {
	VolumeID     string        `json:"volume_id"`
	Coordinator  CoordinatorID `json:"coordinator"`
	WritableMode bool          `json:"writable_mode"`
	Force        bool          `json:"force"`
}

// OpenVolumeResponse carries the replica's view of the volume. When Error is
// CodeInvalidCoordinator, Coordinator names the coordinator the replica
// currently follows.
type OpenVolumeResponse struct {
	Error          ErrorCode     `json:"error,omitempty"`
	Coordinator    CoordinatorID `json:"coordinator"`
	SequenceID     uint64        `json:"sequence_id"`
	ReplicaVersion uint64        `json:"replica_version"`
}

// GroupInfo is the resolved membership of a volume group as seen by its
// coordinator. It is broadcast to replicas after open and on recheck, and
// returned from AddToGroup.
type GroupInfo struct {
	GroupID       string        `json:"group_id"`
	Coordinator   CoordinatorID `json:"coordinator"`
	Functional    []string      `json:"functional"`
	Syncing       []string      `json:"syncing"`
	Nonfunctional []string      `json:"nonfunctional"`
	LastOpID      uint64        `json:"last_op_id"`
	LastCommitID  uint64        `json:"last_commit_id"`
}

// Lists reports which membership list holds replicaID.
func (g GroupInfo) Lists(replicaID string) (State, bool) {
	for _, id := range g.Functional {
		if id == replicaID {
			return StateActive, true
		}
	}
	for _, id := range g.Syncing {
		if id == replicaID {
			return StateSyncing, true
		}
	}
	for _, id := range g.Nonfunctional {
		if id == replicaID {
			return StateOffline, true
		}
	}
	return StateUnknown, false
}

type GroupInfoResponse struct {
	Error ErrorCode `json:"error,omitempty"`
}

// AddToGroupRequest is sent by a rejoining replica to move itself to
// TargetState.
type AddToGroupRequest struct {
	VolumeID       string `json:"volume_id"`
	ReplicaID      string `json:"replica_id"`
	TargetState    State  `json:"target_state"`
	ReplicaVersion uint64 `json:"replica_version"`
	LastOpID       uint64 `json:"last_op_id"`
}

type AddToGroupResponse struct {
	Error     ErrorCode  `json:"error,omitempty"`
	GroupInfo *GroupInfo `json:"group_info,omitempty"`
}

// SwitchCoordinatorRequest asks a coordinator to give up VolumeID to
// RequesterID.
type SwitchCoordinatorRequest struct {
	RequesterID string `json:"requester_id"`
	VolumeID    string `json:"volume_id"`
}

type SwitchCoordinatorResponse struct {
	Error ErrorCode `json:"error,omitempty"`
}

// WriteHeader is attached to every replicated write.
type WriteHeader struct {
	GroupID        string `json:"group_id"`
	ReplicaID      string `json:"replica_id"`
	OpID           uint64 `json:"op_id"`
	CommitID       uint64 `json:"commit_id"`
	ReplicaVersion uint64 `json:"replica_version"`
}

// WriteRequest carries one replicated write.
type WriteRequest struct {
	Header  WriteHeader `json:"header"`
	Payload []byte      `json:"payload"`
}

type WriteResponse struct {
	Error          ErrorCode `json:"error,omitempty"`
	ReplicaVersion uint64    `json:"replica_version"`
}

// ReadRequest reads one key from a replica.
type ReadRequest struct {
	VolumeID string `json:"volume_id"`
	Key      string `json:"key"`
}

type ReadResponse struct {
	Error      ErrorCode `json:"error,omitempty"`
	Value      []byte    `json:"value,omitempty"`
	SequenceID uint64    `json:"sequence_id"`
}

// MutationOp is the kind of change a write payload carries.
type MutationOp string

const (
	OpPut    MutationOp = "put"
	OpDelete MutationOp = "delete"
)

// Mutation is the payload format of replicated writes. The replication
// protocol treats it as opaque bytes; replicas decode it to apply the change.
type Mutation struct {
	Op    MutationOp `json:"op"`
	Key   string     `json:"key"`
	Value []byte     `json:"value,omitempty"`
}

// EncodeMutation serializes m as a write payload.
func EncodeMutation(m Mutation) ([]byte, error) {
	if m.Key == "" {
		return nil, fmt.Errorf("mutation: empty key")
	}
	switch m.Op {
	case OpPut, OpDelete:
	default:
		return nil, fmt.Errorf("mutation: unknown op %q", m.Op)
	}
	return json.Marshal(m)
}

// DecodeMutation parses a write payload, rejecting payloads with an empty
// key.
func DecodeMutation(payload []byte) (Mutation, error) {
	var m Mutation
	if err := json.Unmarshal(payload, &m); err != nil {
		return Mutation{}, fmt.Errorf("mutation: %w", err)
	}
	if m.Key == "" {
		return Mutation{}, fmt.Errorf("mutation: empty key")
	}
	return m, nil
}
