package replication

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/volrep/internal/cluster"
	"github.com/dreamware/volrep/internal/logging"
)

// Locator returns the replica set a volume is placed on.
type Locator interface {
	Lookup(ctx context.Context, volumeID string) (cluster.Placement, error)
}

// Transport issues the volume protocol calls to replicas and coordinators.
// *cluster.Client implements it over HTTP.
type Transport interface {
	Open(ctx context.Context, replicaID string, req cluster.OpenVolumeRequest) (cluster.OpenVolumeResponse, error)
	UpdateGroupInfo(ctx context.Context, replicaID string, info cluster.GroupInfo) error
	Write(ctx context.Context, replicaID string, req cluster.WriteRequest) (cluster.WriteResponse, error)
	Read(ctx context.Context, replicaID string, req cluster.ReadRequest) (cluster.ReadResponse, error)
	SwitchCoordinator(ctx context.Context, coordinatorID string, req cluster.SwitchCoordinatorRequest) error
}

// VolumeGroup is the handle for one replicated volume on this node. As
// coordinator it owns the replica states, orders writes and drives rejoin.
// As reader it keeps an optimistic view of the replicas and fails reads over
// between them.
//
// All group state lives in a groupState that is only touched by jobs run on
// the group's executor, so calls on the handle never race each other.
type VolumeGroup struct {
	id          string
	self        string
	coordinator bool
	cfg         config
	log         *slog.Logger
	locator     Locator
	transport   Transport

	refs      *tracker
	exec      *executor
	openMu    sync.Mutex
	bg        sync.WaitGroup
	closeOnce sync.Once
}

type groupState struct {
	g *VolumeGroup

	state      cluster.State
	version    uint64
	quorum     int
	opSeqNo    uint64
	commitNo   uint64
	generation uint64

	replicas map[string]*ReplicaHandle
	order    []string
	outboxes map[string]*fifo

	buffer    *WriteOpsBuffer
	switchCtx *CoordinatorSwitchContext
	// payloads of writes not yet answered by every target, by op id
	inflight map[uint64][]byte

	recheckTimer Timer
	rechecking   bool
	nextRead     int
	// replicas whose sequence ids disagreed with the last settled open
	diverged map[string]uint64

	fatal  error
	closed bool
}

// New creates an unopened group handle. coordinator selects whether this
// node coordinates writes for the volume or only reads from it.
func New(volumeID, self string, coordinator bool, locator Locator, transport Transport, opts ...Option) (*VolumeGroup, error) {
	g := &VolumeGroup{
		id:          volumeID,
		self:        self,
		coordinator: coordinator,
		locator:     locator,
		transport:   transport,
		refs:        newTracker(),
	}
	if err := g.cfg.init(opts...); err != nil {
		return nil, err
	}
	role := "reader"
	if coordinator {
		role = "coordinator"
	}
	g.log = g.cfg.logger.With(logging.Volume(volumeID), logging.Node(self), logging.Type(role))
	g.exec = newExecutor(&groupState{
		g:        g,
		state:    cluster.StateUnknown,
		replicas: make(map[string]*ReplicaHandle),
		outboxes: make(map[string]*fifo),
		inflight: make(map[uint64][]byte),
	})
	return g, nil
}

// ID returns the volume id.
func (g *VolumeGroup) ID() string { return g.id }

// IsCoordinator reports whether this handle issues writes for the volume.
func (g *VolumeGroup) IsCoordinator() bool { return g.coordinator }

// call runs fn on the executor and waits for its result. The guard is
// released by the job itself so Close cannot stop the executor under it.
func (g *VolumeGroup) call(ctx context.Context, fn func(st *groupState) error) error {
	guard, err := g.refs.acquire()
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	if !g.exec.schedule(func(st *groupState) {
		defer guard.Release()
		done <- fn(st)
	}) {
		guard.Release()
		return cluster.ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *VolumeGroup) goAsync(fn func()) {
	g.bg.Add(1)
	go func() {
		defer g.bg.Done()
		fn()
	}()
}

// Close waits for in-flight requests to finish, then stops the group's
// timers and goroutines. New calls fail with cluster.ErrClosed as soon as
// Close starts.
func (g *VolumeGroup) Close(ctx context.Context) error {
	drained := g.refs.close()
	select {
	case <-drained:
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "close %s with %d requests in flight", g.id, g.refs.count())
	}
	g.closeOnce.Do(func() {
		done := make(chan struct{})
		if g.exec.schedule(func(st *groupState) {
			st.shutdown()
			close(done)
		}) {
			<-done
		}
		g.exec.stop()
		g.bg.Wait()
		g.log.Info("volume group closed")
	})
	return nil
}

func (st *groupState) shutdown() {
	st.closed = true
	st.stopRecheck()
	st.retireOutboxes()
}

func (st *groupState) replica(id string) (*ReplicaHandle, bool) {
	r, ok := st.replicas[id]
	return r, ok
}

func (st *groupState) groupSize() int { return len(st.order) }

// ids lists the replicas in bucket b, in placement order.
func (st *groupState) ids(b bucket) []string {
	out := make([]string, 0, len(st.order))
	for _, id := range st.order {
		if bucketOf(st.replicas[id].State) == b {
			out = append(out, id)
		}
	}
	return out
}

func (st *groupState) count(b bucket) int {
	n := 0
	for _, r := range st.replicas {
		if bucketOf(r.State) == b {
			n++
		}
	}
	return n
}

func (st *groupState) writeTargets() []*ReplicaHandle {
	out := make([]*ReplicaHandle, 0, len(st.order))
	for _, id := range st.order {
		if r := st.replicas[id]; r.writeable() {
			out = append(out, r)
		}
	}
	return out
}

func (st *groupState) coordinatorID() cluster.CoordinatorID {
	return cluster.CoordinatorID{ID: st.g.self, Version: st.version}
}

func (st *groupState) groupInfo() cluster.GroupInfo {
	return cluster.GroupInfo{
		GroupID:       st.g.id,
		Coordinator:   st.coordinatorID(),
		Functional:    st.ids(bucketFunctional),
		Syncing:       st.ids(bucketSyncing),
		Nonfunctional: st.ids(bucketNonfunctional),
		LastOpID:      st.opSeqNo,
		LastCommitID:  st.commitNo,
	}
}

// reset repopulates the replica records from a placement and advances the
// group version. Coordinators start
// every replica offline and learn their state from open; readers assume
// every replica is active.
func (st *groupState) reset(pl cluster.Placement) error {
	if len(pl.Replicas) == 0 {
		return errors.Wrapf(cluster.ErrNotFound, "volume %s has no replicas", st.g.id)
	}
	quorum := pl.Quorum
	if quorum <= 0 {
		quorum = len(pl.Replicas)/2 + 1
	}
	if quorum > len(pl.Replicas) {
		return errors.Newf("volume %s: quorum %d exceeds %d replicas", st.g.id, quorum, len(pl.Replicas))
	}

	st.generation++
	st.retireOutboxes()
	st.stopRecheck()

	initial := cluster.StateActive
	if st.g.coordinator {
		initial = cluster.StateOffline
	}
	st.order = slices.Clone(pl.Replicas)
	st.replicas = make(map[string]*ReplicaHandle, len(st.order))
	for _, id := range st.order {
		st.replicas[id] = newReplicaHandle(id, initial)
	}
	st.quorum = quorum
	// every open cycle runs under a new version so replicas can fence the
	// previous one; placement may push it further
	st.version = max(st.version+1, pl.Epoch)
	st.buffer = nil
	st.inflight = make(map[uint64][]byte)
	st.nextRead = 0
	st.setGroupState(cluster.StateLoading)
	return nil
}

func (st *groupState) setGroupState(s cluster.State) {
	if st.state == s {
		return
	}
	from := st.state
	st.state = s
	level := slog.LevelInfo
	if s == cluster.StateOffline {
		level = slog.LevelWarn
	}
	st.g.log.LogAttrs(context.Background(), level, "volume group state changed",
		logging.From(string(from)), logging.To(string(s)), logging.Version(st.version),
		logging.Quorum(st.quorum), logging.OpID(st.opSeqNo))
}

func (st *groupState) logTransition(r *ReplicaHandle, from cluster.State) {
	st.g.log.LogAttrs(context.Background(), slog.LevelInfo, "replica state changed",
		logging.Replica(r.ID), logging.From(string(from)), logging.To(string(r.State)),
		logging.Version(r.Version), logging.OpID(r.AppliedOpID), logging.Err(r.LastError))
}

// fail latches a fatal error. The group stops accepting work and every
// later call returns err.
func (st *groupState) fail(err error) {
	if st.fatal != nil {
		return
	}
	st.fatal = err
	st.g.log.LogAttrs(context.Background(), slog.LevelError, "volume group failed", logging.Err(err))
	st.state = cluster.StateOffline
	st.stopRecheck()
}

func (st *groupState) checkInvariants() error {
	if len(st.replicas) != len(st.order) {
		return integrityViolation("volume %s: %d replica records for %d placed replicas", st.g.id, len(st.replicas), len(st.order))
	}
	functional := 0
	for _, id := range st.order {
		r, ok := st.replicas[id]
		if !ok {
			return integrityViolation("volume %s: no record for replica %s", st.g.id, id)
		}
		if !validReplicaState(r.State) {
			return integrityViolation("volume %s: replica %s in state %q", st.g.id, id, r.State)
		}
		if bucketOf(r.State) == bucketFunctional {
			functional++
		}
	}
	if st.state == cluster.StateActive && functional < st.quorum {
		return integrityViolation("volume %s active with %d functional replicas, quorum %d", st.g.id, functional, st.quorum)
	}
	if st.buffer != nil && st.buffer.Newest() != st.opSeqNo {
		return integrityViolation("volume %s: buffer ends at op %d, group at %d", st.g.id, st.buffer.Newest(), st.opSeqNo)
	}
	return nil
}

func (st *groupState) verify() error {
	if err := st.checkInvariants(); err != nil {
		st.fail(err)
		return err
	}
	return nil
}

// ensureBuffer starts buffering writes for replay if it is not already on.
// Writes from op id from onward that are still in flight are kept, so a
// replica demoted mid-stream can be replayed what it missed.
func (st *groupState) ensureBuffer(from uint64) {
	if st.buffer != nil {
		return
	}
	if from == 0 || from > st.opSeqNo+1 {
		from = st.opSeqNo + 1
	}
	for id := from; id <= st.opSeqNo; id++ {
		if _, ok := st.inflight[id]; !ok {
			from = id + 1
		}
	}
	b := NewWriteOpsBuffer(st.g.cfg.bufferCapacity, from)
	for id := from; id <= st.opSeqNo; id++ {
		_ = b.Append(id, st.inflight[id])
	}
	st.buffer = b
	st.g.log.LogAttrs(context.Background(), slog.LevelDebug, "buffering writes for replay", logging.OpID(from))
}

// releaseBuffer drops the buffer once no replica still needs replay.
func (st *groupState) releaseBuffer() {
	if st.buffer == nil {
		return
	}
	for _, r := range st.replicas {
		if r.awaitingReplay {
			return
		}
	}
	st.buffer = nil
	st.g.log.Debug("write buffering stopped")
}

// changeReplicaState applies a replica-requested transition. It is the only
// place outside write handling where replica records change.
func (st *groupState) changeReplicaState(id string, to cluster.State, version, opID uint64, cause error) error {
	r, ok := st.replica(id)
	if !ok {
		return errors.Wrapf(cluster.ErrNotFound, "replica %s not in volume %s", id, st.g.id)
	}
	switch to {
	case cluster.StateLoading:
		st.markLoading(r)
		return st.verify()
	case cluster.StateSyncing:
		return st.markSyncing(r, version, opID)
	case cluster.StateActive:
		return st.markActive(r, version, opID)
	case cluster.StateOffline:
		st.markOffline(r, cause)
		return st.verify()
	default:
		return errors.Wrapf(ErrIllegalTransition, "replica %s: unknown target state %q", id, to)
	}
}

// markLoading records that a replica is coming back. It is held offline
// and writes are buffered until it syncs.
func (st *groupState) markLoading(r *ReplicaHandle) {
	if r.writeable() {
		st.markOffline(r, errReplicaRestarted)
	}
	r.awaitingReplay = true
	st.ensureBuffer(r.AppliedOpID + 1)
}

func (st *groupState) markSyncing(r *ReplicaHandle, version, appliedOpID uint64) error {
	if bucketOf(r.State) != bucketNonfunctional {
		return errors.Wrapf(ErrIllegalTransition, "replica %s: %s -> %s", r.ID, r.State, cluster.StateSyncing)
	}
	if version <= r.Version {
		return errors.Wrapf(cluster.ErrInvalidVersion, "replica %s: version %d not newer than %d", r.ID, version, r.Version)
	}
	if appliedOpID > st.opSeqNo {
		return errors.Wrapf(cluster.ErrOutOfOrder, "replica %s applied op %d beyond group op %d", r.ID, appliedOpID, st.opSeqNo)
	}
	var replay []BufferedOp
	if appliedOpID < st.opSeqNo {
		if st.buffer == nil {
			return errors.Wrapf(cluster.ErrReplayUnavailable, "replica %s at op %d, group at %d, nothing buffered", r.ID, appliedOpID, st.opSeqNo)
		}
		ops, err := st.buffer.Range(appliedOpID+1, st.opSeqNo)
		if err != nil {
			return errors.Wrapf(err, "replica %s", r.ID)
		}
		replay = ops
	}

	from := r.State
	r.State = cluster.StateSyncing
	r.Version = version
	r.AppliedOpID = appliedOpID
	r.awaitingReplay = false
	st.logTransition(r, from)

	for _, op := range replay {
		st.replayTo(r, op)
	}
	st.releaseBuffer()
	return st.verify()
}

func (st *groupState) markActive(r *ReplicaHandle, version, opID uint64) error {
	if r.State != cluster.StateSyncing {
		return errors.Wrapf(ErrIllegalTransition, "replica %s: %s -> %s", r.ID, r.State, cluster.StateActive)
	}
	if version != r.Version {
		return errors.Wrapf(cluster.ErrInvalidVersion, "replica %s: version %d, synced as %d", r.ID, version, r.Version)
	}
	if r.AppliedOpID != opID {
		return errors.Wrapf(cluster.ErrOutOfOrder, "replica %s: reports op %d, coordinator recorded %d", r.ID, opID, r.AppliedOpID)
	}
	from := r.State
	r.State = cluster.StateActive
	r.LastError = nil
	st.logTransition(r, from)

	if st.state == cluster.StateOffline && st.count(bucketFunctional) >= st.quorum {
		st.setGroupState(cluster.StateActive)
	}
	return st.verify()
}

// markOffline demotes a writeable replica after an observed error. Offline
// replicas only have the error recorded.
func (st *groupState) markOffline(r *ReplicaHandle, cause error) {
	if !r.writeable() {
		if cause != nil {
			r.LastError = cause
		}
		return
	}
	from := r.State
	r.State = cluster.StateOffline
	r.LastError = cause
	r.awaitingReplay = true
	st.logTransition(r, from)

	functional := st.count(bucketFunctional)
	if st.state == cluster.StateActive && functional < st.quorum {
		st.setGroupState(cluster.StateOffline)
	}
	if functional == 0 {
		st.opSeqNo = 0
		st.buffer = nil
		st.inflight = make(map[uint64][]byte)
		st.g.log.Warn("no functional replicas left, op sequence reset")
	} else {
		st.ensureBuffer(r.AppliedOpID + 1)
	}
	st.scheduleRecheck()
}

// writeResponded folds one write reply into the replica record. It reports
// whether the reply counts toward the write quorum, and the replica error if
// the reply failed. Replies for an earlier generation, an older replica
// version, or a replica no longer receiving writes are ignored.
func (st *groupState) writeResponded(gen uint64, hdr cluster.WriteHeader, resp cluster.WriteResponse, err error) (bool, error) {
	if gen != st.generation {
		return false, nil
	}
	r, ok := st.replica(hdr.ReplicaID)
	if !ok || r.Version != hdr.ReplicaVersion || !r.writeable() {
		return false, nil
	}
	if err == nil && resp.ReplicaVersion != InvalidVersion && resp.ReplicaVersion != hdr.ReplicaVersion {
		err = errors.Wrapf(cluster.ErrInvalidVersion, "replica %s answered as version %d, sent %d", r.ID, resp.ReplicaVersion, hdr.ReplicaVersion)
	}
	if err != nil {
		st.markOffline(r, err)
		if verr := st.verify(); verr != nil {
			return false, verr
		}
		return false, err
	}
	if r.AppliedOpID+1 != hdr.OpID {
		st.fail(integrityViolation("replica %s acknowledged op %d after op %d", r.ID, hdr.OpID, r.AppliedOpID))
		return false, st.fatal
	}
	r.AppliedOpID = hdr.OpID
	r.AppliedCommitID = hdr.CommitID
	return r.State == cluster.StateActive, nil
}

// AddToGroup handles a replica's request to move through the rejoin states.
// Only the coordinator accepts it.
func (g *VolumeGroup) AddToGroup(ctx context.Context, req cluster.AddToGroupRequest) (cluster.GroupInfo, error) {
	var info cluster.GroupInfo
	err := g.call(ctx, func(st *groupState) error {
		if st.fatal != nil {
			return st.fatal
		}
		if !g.coordinator {
			return errors.Wrapf(cluster.ErrInvalidCoordinator, "%s does not coordinate %s", g.self, g.id)
		}
		if st.state == cluster.StateUnknown || st.state == cluster.StateLoading {
			return errors.Wrapf(cluster.ErrNotReady, "volume %s is %s", g.id, st.state)
		}
		if err := st.changeReplicaState(req.ReplicaID, req.TargetState, req.ReplicaVersion, req.LastOpID, nil); err != nil {
			return err
		}
		info = st.groupInfo()
		return nil
	})
	return info, err
}

// GroupInfo returns the current membership as the coordinator sees it.
func (g *VolumeGroup) GroupInfo(ctx context.Context) (cluster.GroupInfo, error) {
	var info cluster.GroupInfo
	err := g.call(ctx, func(st *groupState) error {
		info = st.groupInfo()
		return nil
	})
	return info, err
}
