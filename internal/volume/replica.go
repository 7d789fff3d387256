package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/volrep/internal/cluster"
	"github.com/dreamware/volrep/internal/logging"
	"github.com/dreamware/volrep/internal/storage"
)

// Coordinator is the coordinator-facing half of the protocol a replica
// needs while rejoining. *cluster.Client implements it.
type Coordinator interface {
	AddToGroup(ctx context.Context, coordinatorID string, req cluster.AddToGroupRequest) (cluster.AddToGroupResponse, error)
}

// Options tune a replica. Zero fields take the defaults below.
type Options struct {
	// RejoinRetries bounds how many times a failed rejoin is restarted
	RejoinRetries int
	// RetryWait is the pause between rejoin attempts and activation retries
	RetryWait time.Duration
	// SyncTimeout bounds the wait for replayed writes while syncing
	SyncTimeout time.Duration
	// RPCTimeout bounds each AddToGroup call
	RPCTimeout time.Duration
	Logger     *slog.Logger
}

const (
	defaultRejoinRetries = 5
	defaultRetryWait     = 200 * time.Millisecond
	defaultSyncTimeout   = 10 * time.Second
	defaultRPCTimeout    = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.RejoinRetries <= 0 {
		o.RejoinRetries = defaultRejoinRetries
	}
	if o.RetryWait <= 0 {
		o.RetryWait = defaultRetryWait
	}
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = defaultSyncTimeout
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = defaultRPCTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Replica is one node's copy of a volume. It applies the coordinator's
// writes strictly in op order, serves reads, and walks itself back into the
// group after the coordinator reports it nonfunctional.
type Replica struct {
	VolumeID string
	NodeID   string

	store storage.Store
	coord Coordinator
	opts  Options
	log   *slog.Logger

	mu     sync.Mutex
	meta   storage.Meta
	state  cluster.State
	group  *cluster.GroupInfo
	closed bool
	// closed and replaced after every applied write
	progress chan struct{}

	rejoining atomic.Bool
	ops       OperationStats

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
}

// OperationStats tracks operation counts
type OperationStats struct {
	Gets    uint64 `json:"gets"`
	Puts    uint64 `json:"puts"`
	Deletes uint64 `json:"deletes"`
}

// Info contains operational metadata about a replica
type Info struct {
	VolumeID    string                `json:"volume_id"`
	NodeID      string                `json:"node_id"`
	State       cluster.State         `json:"state"`
	Incarnation uint64                `json:"incarnation"`
	SequenceID  uint64                `json:"sequence_id"`
	CommitID    uint64                `json:"commit_id"`
	Coordinator cluster.CoordinatorID `json:"coordinator"`
	Group       *cluster.GroupInfo    `json:"group,omitempty"`
	Rejoining   bool                  `json:"rejoining"`
	Ops         OperationStats        `json:"ops"`
	Storage     storage.StoreStats    `json:"storage"`
}

// NewReplica loads a replica from store. A replica that has never run
// starts at incarnation 1.
func NewReplica(volumeID, nodeID string, store storage.Store, coord Coordinator, opts Options) (*Replica, error) {
	opts = opts.withDefaults()
	meta, err := store.Meta()
	if err != nil {
		return nil, fmt.Errorf("load replica %s: %w", volumeID, err)
	}
	if meta.Incarnation == 0 {
		meta.Incarnation = 1
		if err := store.SaveMeta(meta); err != nil {
			return nil, fmt.Errorf("init replica %s: %w", volumeID, err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Replica{
		VolumeID: volumeID,
		NodeID:   nodeID,
		store:    store,
		coord:    coord,
		opts:     opts,
		log:      opts.Logger.With(logging.Volume(volumeID), logging.Replica(nodeID)),
		meta:     meta,
		state:    cluster.StateLoading,
		progress: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.log.Info("replica loaded", logging.Version(meta.Incarnation), logging.OpID(meta.SequenceID))
	return r, nil
}

func (r *Replica) coordinatorLocked() cluster.CoordinatorID {
	return cluster.CoordinatorID{ID: r.meta.Coordinator, Version: r.meta.CoordinatorVersion}
}

// Open answers a coordinator or reader opening the volume. A writable open
// from a coordinator other than the one this replica follows is rejected
// with cluster.ErrInvalidCoordinator, carrying the current coordinator,
// unless it is forced or opens under a newer version.
func (r *Replica) Open(req cluster.OpenVolumeRequest) (cluster.OpenVolumeResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return cluster.OpenVolumeResponse{}, cluster.ErrClosed
	}

	cur := r.coordinatorLocked()
	resp := cluster.OpenVolumeResponse{
		Coordinator:    cur,
		SequenceID:     r.meta.SequenceID,
		ReplicaVersion: r.meta.Incarnation,
	}
	if !req.WritableMode {
		return resp, nil
	}
	if cur.ID != "" && cur.ID != req.Coordinator.ID && !req.Force && !req.Coordinator.Newer(cur) {
		r.log.Info("rejecting open from other coordinator",
			logging.Coordinator(req.Coordinator.ID), logging.Version(req.Coordinator.Version))
		return resp, cluster.ErrInvalidCoordinator
	}

	if cur != req.Coordinator {
		meta := r.meta
		meta.Coordinator = req.Coordinator.ID
		meta.CoordinatorVersion = req.Coordinator.Version
		if err := r.store.SaveMeta(meta); err != nil {
			return resp, err
		}
		r.meta = meta
		r.log.Info("following coordinator",
			logging.Coordinator(req.Coordinator.ID), logging.Version(req.Coordinator.Version))
	}
	resp.Coordinator = req.Coordinator
	return resp, nil
}

// ApplyWrite applies one replicated write. The header must carry this
// replica's incarnation and the op right after the last applied one.
func (r *Replica) ApplyWrite(hdr cluster.WriteHeader, payload []byte) (cluster.WriteResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp := cluster.WriteResponse{ReplicaVersion: r.meta.Incarnation}
	if r.closed {
		return resp, cluster.ErrClosed
	}
	if hdr.ReplicaVersion != r.meta.Incarnation {
		return resp, fmt.Errorf("%w: write for version %d, replica at %d", cluster.ErrInvalidVersion, hdr.ReplicaVersion, r.meta.Incarnation)
	}
	if hdr.OpID != r.meta.SequenceID+1 {
		return resp, fmt.Errorf("%w: op %d after op %d", cluster.ErrOutOfOrder, hdr.OpID, r.meta.SequenceID)
	}
	m, err := cluster.DecodeMutation(payload)
	if err != nil {
		return resp, err
	}

	change := storage.Change{Key: m.Key, Value: m.Value}
	switch m.Op {
	case cluster.OpPut:
		atomic.AddUint64(&r.ops.Puts, 1)
	case cluster.OpDelete:
		change.Delete = true
		atomic.AddUint64(&r.ops.Deletes, 1)
	default:
		return resp, fmt.Errorf("mutation: unknown op %q", m.Op)
	}

	meta := r.meta
	meta.SequenceID = hdr.OpID
	meta.CommitID = hdr.CommitID
	if err := r.store.Apply([]storage.Change{change}, meta); err != nil {
		return resp, err
	}
	r.meta = meta
	close(r.progress)
	r.progress = make(chan struct{})
	return resp, nil
}

// Read returns the value stored under key. Reads are refused while the
// replica is catching up.
func (r *Replica) Read(key string) (cluster.ReadResponse, error) {
	r.mu.Lock()
	state, seq, closed := r.state, r.meta.SequenceID, r.closed
	r.mu.Unlock()
	if closed {
		return cluster.ReadResponse{}, cluster.ErrClosed
	}
	if state == cluster.StateSyncing || r.rejoining.Load() {
		return cluster.ReadResponse{SequenceID: seq}, fmt.Errorf("%w: replica %s is %s", cluster.ErrNotReady, r.NodeID, state)
	}

	atomic.AddUint64(&r.ops.Gets, 1)
	value, err := r.store.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return cluster.ReadResponse{SequenceID: seq}, cluster.ErrNotFound
	}
	if err != nil {
		return cluster.ReadResponse{SequenceID: seq}, err
	}
	return cluster.ReadResponse{Value: value, SequenceID: seq}, nil
}

// UpdateGroupInfo records the membership the coordinator resolved. A replica
// listed as nonfunctional starts rejoining unless it already is.
func (r *Replica) UpdateGroupInfo(info cluster.GroupInfo) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return cluster.ErrClosed
	}
	cur := r.coordinatorLocked()
	if cur.ID != "" && info.Coordinator.ID != cur.ID && !info.Coordinator.Newer(cur) {
		r.mu.Unlock()
		return fmt.Errorf("%w: group info from %s, following %s", cluster.ErrInvalidCoordinator, info.Coordinator.ID, cur.ID)
	}
	g := info
	r.group = &g
	listed, ok := info.Lists(r.NodeID)
	if ok && !r.rejoining.Load() {
		switch listed {
		case cluster.StateActive, cluster.StateSyncing:
			r.setStateLocked(listed)
		case cluster.StateOffline:
			r.setStateLocked(cluster.StateOffline)
		}
	}
	r.mu.Unlock()

	if ok && listed == cluster.StateOffline {
		r.startRejoin(info)
	}
	return nil
}

func (r *Replica) setStateLocked(s cluster.State) {
	if r.state == s {
		return
	}
	r.log.Info("replica state changed", logging.From(string(r.state)), logging.To(string(s)),
		logging.Version(r.meta.Incarnation), logging.OpID(r.meta.SequenceID))
	r.state = s
}

func (r *Replica) setState(s cluster.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setStateLocked(s)
}

// Info returns metadata about the replica
func (r *Replica) Info() Info {
	r.mu.Lock()
	info := Info{
		VolumeID:    r.VolumeID,
		NodeID:      r.NodeID,
		State:       r.state,
		Incarnation: r.meta.Incarnation,
		SequenceID:  r.meta.SequenceID,
		CommitID:    r.meta.CommitID,
		Coordinator: r.coordinatorLocked(),
		Group:       r.group,
	}
	r.mu.Unlock()
	info.Rejoining = r.rejoining.Load()
	info.Ops = OperationStats{
		Gets:    atomic.LoadUint64(&r.ops.Gets),
		Puts:    atomic.LoadUint64(&r.ops.Puts),
		Deletes: atomic.LoadUint64(&r.ops.Deletes),
	}
	info.Storage = r.store.Stats()
	return info
}

// Close stops any rejoin in progress and closes the store.
func (r *Replica) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.bg.Wait()
	return r.store.Close()
}
