package replication

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/emirpasic/gods/sets/linkedhashset"

	"github.com/dreamware/volrep/internal/cluster"
	"github.com/dreamware/volrep/internal/logging"
)

// WriteResult identifies a committed write.
type WriteResult struct {
	OpID     uint64 `json:"op_id"`
	CommitID uint64 `json:"commit_id"`
}

// request is the closed set of work the group dispatches to replicas.
type request interface {
	isRequest()
}

// broadcastRequest sends one write to every writeable replica and completes
// its callback as soon as a quorum of functional replicas acknowledged.
type broadcastRequest struct {
	opID     uint64
	commitID uint64
	payload  []byte
	gen      uint64

	pending int
	acks    int
	replies int
	first   error
	errs    []replicaError
	done    bool
	replay  bool

	// nil for replay writes
	cb    func(WriteResult, error)
	guard *guard
}

// failoverRequest reads from one replica at a time until one answers.
type failoverRequest struct {
	key  string
	gen  uint64
	sent map[string]bool
	// replicas a reader still believes reachable, built after its first
	// failure
	candidates *linkedhashset.Set
	attempts   int
	last       error
	errs       []replicaError

	cb    func(cluster.ReadResponse, error)
	guard *guard
}

func (*broadcastRequest) isRequest() {}
func (*failoverRequest) isRequest()  {}

func (st *groupState) dispatch(req request) {
	switch req := req.(type) {
	case *broadcastRequest:
		st.broadcast(req, st.writeTargets())
	case *failoverRequest:
		st.tryRead(req)
	}
}

func (st *groupState) writable() error {
	if st.fatal != nil {
		return st.fatal
	}
	if !st.g.coordinator {
		return errors.Wrapf(cluster.ErrInvalidCoordinator, "%s does not coordinate %s", st.g.self, st.g.id)
	}
	return st.serving()
}

func (st *groupState) serving() error {
	if st.fatal != nil {
		return st.fatal
	}
	switch st.state {
	case cluster.StateActive:
		return nil
	case cluster.StateOffline:
		return errors.Wrapf(cluster.ErrGroupDown, "volume %s", st.g.id)
	default:
		return errors.Wrapf(cluster.ErrNotReady, "volume %s is %s", st.g.id, st.state)
	}
}

// WriteAsync submits a write. cb is called exactly once, on the group's
// executor, and must not block.
func (g *VolumeGroup) WriteAsync(payload []byte, cb func(WriteResult, error)) error {
	guard, err := g.refs.acquire()
	if err != nil {
		return err
	}
	if !g.exec.schedule(func(st *groupState) {
		if err := st.writable(); err != nil {
			guard.Release()
			cb(WriteResult{}, err)
			return
		}
		st.opSeqNo++
		req := &broadcastRequest{
			opID:     st.opSeqNo,
			commitID: st.commitNo,
			payload:  payload,
			gen:      st.generation,
			cb:       cb,
			guard:    guard,
		}
		st.inflight[req.opID] = payload
		if st.buffer != nil {
			if err := st.buffer.Append(req.opID, payload); err != nil {
				st.fail(integrityViolation("volume %s: buffering op %d: %v", g.id, req.opID, err))
				guard.Release()
				cb(WriteResult{}, st.fatal)
				return
			}
		}
		st.dispatch(req)
	}) {
		guard.Release()
		return cluster.ErrClosed
	}
	return nil
}

// Write replicates payload and waits until a quorum acknowledged it.
func (g *VolumeGroup) Write(ctx context.Context, payload []byte) (WriteResult, error) {
	type result struct {
		res WriteResult
		err error
	}
	done := make(chan result, 1)
	if err := g.WriteAsync(payload, func(res WriteResult, err error) {
		done <- result{res, err}
	}); err != nil {
		return WriteResult{}, err
	}
	select {
	case r := <-done:
		return r.res, r.err
	case <-ctx.Done():
		return WriteResult{}, ctx.Err()
	}
}

func (st *groupState) broadcast(req *broadcastRequest, targets []*ReplicaHandle) {
	req.pending = len(targets)
	if req.pending == 0 {
		st.finishBroadcast(req)
		return
	}
	for _, r := range targets {
		st.sendWrite(req, r)
	}
}

// outbox returns the queue that carries writes to one replica, so that a
// replica receives its writes in op order.
func (st *groupState) outbox(replicaID string) *fifo {
	q, ok := st.outboxes[replicaID]
	if !ok {
		q = newFIFO()
		st.outboxes[replicaID] = q
	}
	return q
}

// retireOutboxes lets queued writes drain on the old queues and starts
// fresh ones on next use.
func (st *groupState) retireOutboxes() {
	for _, q := range st.outboxes {
		st.g.goAsync(q.stop)
	}
	st.outboxes = make(map[string]*fifo)
}

func (st *groupState) sendWrite(req *broadcastRequest, r *ReplicaHandle) {
	g := st.g
	hdr := cluster.WriteHeader{
		GroupID:        g.id,
		ReplicaID:      r.ID,
		OpID:           req.opID,
		CommitID:       req.commitID,
		ReplicaVersion: r.Version,
	}
	wr := cluster.WriteRequest{Header: hdr, Payload: req.payload}
	gen := st.generation
	if !st.outbox(r.ID).push(func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.rpcTimeout)
		resp, err := g.transport.Write(ctx, hdr.ReplicaID, wr)
		cancel()
		g.exec.schedule(func(st *groupState) {
			st.onWriteResponse(req, gen, hdr, resp, err)
		})
	}) {
		st.onWriteResponse(req, gen, hdr, cluster.WriteResponse{}, cluster.ErrClosed)
	}
}

func (st *groupState) onWriteResponse(req *broadcastRequest, gen uint64, hdr cluster.WriteHeader, resp cluster.WriteResponse, err error) {
	req.pending--
	acked, rerr := st.writeResponded(gen, hdr, resp, err)
	switch {
	case acked:
		req.acks++
		req.replies++
	case rerr != nil:
		if req.first == nil {
			req.first = rerr
		}
		req.errs = append(req.errs, replicaError{cause: rerr, replicaID: hdr.ReplicaID})
	case err == nil:
		req.replies++
	}

	if !req.done && req.cb != nil {
		switch {
		case st.fatal != nil:
			req.done = true
			req.cb(WriteResult{}, st.fatal)
		case req.acks >= st.quorum:
			req.done = true
			if req.gen == st.generation && req.opID > st.commitNo {
				st.commitNo = req.opID
			}
			req.cb(WriteResult{OpID: req.opID, CommitID: st.commitNo}, nil)
		}
	}
	if req.pending == 0 {
		st.finishBroadcast(req)
	}
}

func (st *groupState) finishBroadcast(req *broadcastRequest) {
	if !req.replay && req.gen == st.generation {
		delete(st.inflight, req.opID)
	}
	if !req.done && req.cb != nil {
		req.done = true
		req.cb(WriteResult{}, &GroupError{
			cause:   cluster.ErrGroupDown,
			first:   req.first,
			errors:  req.errs,
			replies: req.replies,
		})
	}
	if req.guard != nil {
		req.guard.Release()
	}
}

// replayTo resends one buffered op to a syncing replica through its outbox,
// ahead of any new write.
func (st *groupState) replayTo(r *ReplicaHandle, op BufferedOp) {
	guard, err := st.g.refs.acquire()
	if err != nil {
		return
	}
	req := &broadcastRequest{
		opID:     op.OpID,
		commitID: st.commitNo,
		payload:  op.Payload,
		gen:      st.generation,
		replay:   true,
		guard:    guard,
	}
	st.broadcast(req, []*ReplicaHandle{r})
}

// ReadAsync reads key from one replica at a time until one answers. cb is
// called exactly once, on the group's executor, and must not block.
func (g *VolumeGroup) ReadAsync(key string, cb func(cluster.ReadResponse, error)) error {
	guard, err := g.refs.acquire()
	if err != nil {
		return err
	}
	if !g.exec.schedule(func(st *groupState) {
		if err := st.serving(); err != nil {
			guard.Release()
			cb(cluster.ReadResponse{}, err)
			return
		}
		st.dispatch(&failoverRequest{
			key:   key,
			gen:   st.generation,
			sent:  make(map[string]bool),
			cb:    cb,
			guard: guard,
		})
	}) {
		guard.Release()
		return cluster.ErrClosed
	}
	return nil
}

// Read fetches key from the first replica able to serve it.
func (g *VolumeGroup) Read(ctx context.Context, key string) (cluster.ReadResponse, error) {
	type result struct {
		resp cluster.ReadResponse
		err  error
	}
	done := make(chan result, 1)
	if err := g.ReadAsync(key, func(resp cluster.ReadResponse, err error) {
		done <- result{resp, err}
	}); err != nil {
		return cluster.ReadResponse{}, err
	}
	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return cluster.ReadResponse{}, ctx.Err()
	}
}

// pickFunctional returns the next functional replica not yet tried,
// rotating the starting point between reads.
func (st *groupState) pickFunctional(skip map[string]bool) (string, bool) {
	ids := st.ids(bucketFunctional)
	for i := range ids {
		idx := (st.nextRead + i) % len(ids)
		if !skip[ids[idx]] {
			st.nextRead = (idx + 1) % len(ids)
			return ids[idx], true
		}
	}
	return "", false
}

func (st *groupState) nextReadTarget(req *failoverRequest) (string, bool) {
	if req.candidates == nil {
		return st.pickFunctional(req.sent)
	}
	it := req.candidates.Iterator()
	if !it.Next() {
		return "", false
	}
	id := it.Value().(string)
	req.candidates.Remove(id)
	return id, true
}

func (st *groupState) tryRead(req *failoverRequest) {
	g := st.g
	if st.fatal != nil {
		st.finishRead(req, cluster.ReadResponse{}, st.fatal)
		return
	}
	if req.attempts >= st.groupSize() {
		st.finishRead(req, cluster.ReadResponse{}, st.readExhausted(req))
		return
	}
	id, ok := st.nextReadTarget(req)
	if !ok {
		st.finishRead(req, cluster.ReadResponse{}, st.readExhausted(req))
		return
	}
	req.sent[id] = true
	req.attempts++
	gen := st.generation
	rr := cluster.ReadRequest{VolumeID: g.id, Key: req.key}
	g.goAsync(func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.rpcTimeout)
		resp, err := g.transport.Read(ctx, id, rr)
		cancel()
		g.exec.schedule(func(st *groupState) {
			st.onReadResponse(req, gen, id, resp, err)
		})
	})
}

func (st *groupState) onReadResponse(req *failoverRequest, gen uint64, id string, resp cluster.ReadResponse, err error) {
	if err == nil || errors.Is(err, cluster.ErrNotFound) {
		st.finishRead(req, resp, err)
		return
	}
	req.last = err
	req.errs = append(req.errs, replicaError{cause: err, replicaID: id})
	st.g.log.LogAttrs(context.Background(), slog.LevelDebug, "read failed over",
		logging.Replica(id), logging.Attempt(req.attempts), logging.Err(err))

	if st.g.coordinator {
		if r, ok := st.replica(id); ok && gen == st.generation {
			st.markOffline(r, err)
			if verr := st.verify(); verr != nil {
				st.finishRead(req, cluster.ReadResponse{}, verr)
				return
			}
		}
	} else if req.candidates == nil {
		req.candidates = linkedhashset.New()
		for _, cand := range st.ids(bucketFunctional) {
			if !req.sent[cand] {
				req.candidates.Add(cand)
			}
		}
	}
	st.tryRead(req)
}

// readExhausted is the error for a read that ran out of replicas to try.
func (st *groupState) readExhausted(req *failoverRequest) error {
	if req.last == nil {
		return errors.Wrapf(cluster.ErrGroupDown, "volume %s: no replica to read from", st.g.id)
	}
	return &GroupError{cause: cluster.ErrGroupDown, first: req.last, errors: req.errs}
}

func (st *groupState) finishRead(req *failoverRequest, resp cluster.ReadResponse, err error) {
	req.cb(resp, err)
	req.guard.Release()
}
