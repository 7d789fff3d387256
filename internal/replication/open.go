package replication

import (
	"context"
	"log/slog"
	"maps"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/volrep/internal/cluster"
	"github.com/dreamware/volrep/internal/logging"
)

type openReply struct {
	replicaID string
	resp      cluster.OpenVolumeResponse
	err       error
}

type openOutcome struct {
	switchTo *cluster.CoordinatorID
	announce bool
	targets  []string
	info     cluster.GroupInfo
	err      error
}

// Open loads the group from placement and asks every replica where it
// stands. A coordinator settles the group's sequence position from a quorum
// of replies and activates the replicas that agree; a reader only needs one
// replica to answer.
//
// Open returns nil when the group could be settled even if fewer than a
// quorum of replicas are functional; the group is then Offline and the
// periodic recheck keeps trying to bring replicas back.
//
// Each pass through open runs under a higher group version than the last.
// When a quorum of replicas follows another coordinator, Open asks it to
// step down and retries with force. The retry is bounded by
// WithMaxSwitchRetries; past it Open fails with cluster.ErrInvalidCoordinator.
func (g *VolumeGroup) Open(ctx context.Context) error {
	guard, err := g.refs.acquire()
	if err != nil {
		return err
	}
	defer guard.Release()

	g.openMu.Lock()
	defer g.openMu.Unlock()

	force := false
	for {
		pl, err := g.locator.Lookup(ctx, g.id)
		if err != nil {
			return errors.Wrapf(err, "open %s", g.id)
		}

		var (
			targets []string
			req     cluster.OpenVolumeRequest
		)
		if err := g.call(ctx, func(st *groupState) error {
			if st.fatal != nil {
				return st.fatal
			}
			if err := st.reset(pl); err != nil {
				return err
			}
			targets = append(targets, st.order...)
			req = cluster.OpenVolumeRequest{
				VolumeID:     g.id,
				Coordinator:  st.coordinatorID(),
				WritableMode: g.coordinator,
				Force:        force,
			}
			return nil
		}); err != nil {
			g.abortOpen()
			return err
		}

		replies := g.prepare(ctx, targets, req)

		var out openOutcome
		if err := g.call(ctx, func(st *groupState) error {
			out = st.resolveOpen(replies)
			return nil
		}); err != nil {
			g.abortOpen()
			return err
		}

		if out.switchTo != nil {
			if err := g.handoff(ctx, *out.switchTo); err != nil {
				return err
			}
			force = true
			continue
		}
		if out.err != nil {
			return out.err
		}
		if out.announce {
			g.announce(ctx, out.info, out.targets)
		}
		return nil
	}
}

// abortOpen leaves a group that was interrupted mid-open offline, with a
// recheck pending.
func (g *VolumeGroup) abortOpen() {
	guard, err := g.refs.acquire()
	if err != nil {
		return
	}
	if !g.exec.schedule(func(st *groupState) {
		defer guard.Release()
		if st.state == cluster.StateLoading {
			st.setGroupState(cluster.StateOffline)
			st.scheduleRecheck()
		}
	}) {
		guard.Release()
	}
}

// prepare sends the open request to every target in parallel and collects
// one reply per target, in target order.
func (g *VolumeGroup) prepare(ctx context.Context, targets []string, req cluster.OpenVolumeRequest) []openReply {
	replies := make([]openReply, len(targets))
	var eg errgroup.Group
	for i, id := range targets {
		eg.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, g.cfg.rpcTimeout)
			defer cancel()
			resp, err := g.transport.Open(cctx, id, req)
			replies[i] = openReply{replicaID: id, resp: resp, err: err}
			return nil
		})
	}
	_ = eg.Wait()
	return replies
}

// announce pushes membership to replicas. Failures are logged; the recheck
// repeats the announcement for replicas still offline.
func (g *VolumeGroup) announce(ctx context.Context, info cluster.GroupInfo, targets []string) {
	var eg errgroup.Group
	for _, id := range targets {
		eg.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, g.cfg.rpcTimeout)
			defer cancel()
			if err := g.transport.UpdateGroupInfo(cctx, id, info); err != nil {
				g.log.LogAttrs(ctx, slog.LevelWarn, "group info update failed", logging.Replica(id), logging.Err(err))
			}
			return nil
		})
	}
	_ = eg.Wait()
}

func (st *groupState) resolveOpen(replies []openReply) openOutcome {
	if st.fatal != nil {
		return openOutcome{err: st.fatal}
	}
	if !st.g.coordinator {
		return st.resolveReaderOpen(replies)
	}

	var (
		rejections []cluster.CoordinatorID
		seqs       []uint64
		errs       []replicaError
	)
	for _, rep := range replies {
		switch {
		case rep.err == nil:
			seqs = append(seqs, rep.resp.SequenceID)
		case errors.Is(rep.err, cluster.ErrInvalidCoordinator):
			rejections = append(rejections, rep.resp.Coordinator)
			errs = append(errs, replicaError{cause: rep.err, replicaID: rep.replicaID})
		default:
			errs = append(errs, replicaError{cause: rep.err, replicaID: rep.replicaID})
		}
	}

	if target, ok := switchTarget(rejections, st.quorum, st.g.self); ok {
		return openOutcome{switchTo: &target}
	}

	winner, ok := winningSequence(seqs, st.quorum, st.groupSize())
	if !ok {
		st.switchCtx = nil
		st.setGroupState(cluster.StateOffline)
		ge := &GroupError{cause: cluster.ErrGroupDown, errors: errs, replies: len(seqs)}
		if len(errs) > 0 {
			ge.first = errs[0].cause
		}
		return openOutcome{err: ge}
	}

	st.opSeqNo, st.commitNo = winner, winner
	st.noteDivergence(replies, winner)
	for _, rep := range replies {
		r, ok := st.replica(rep.replicaID)
		switch {
		case !ok:
		case rep.err != nil:
			r.LastError = rep.err
		case rep.resp.SequenceID != winner:
			r.LastError = errors.Newf("sequence %d diverges from group sequence %d", rep.resp.SequenceID, winner)
		default:
			v := rep.resp.ReplicaVersion
			if err := st.markSyncing(r, v, winner); err != nil {
				r.LastError = err
				continue
			}
			if err := st.markActive(r, v, winner); err != nil {
				r.LastError = err
			}
		}
	}
	if st.fatal != nil {
		return openOutcome{err: st.fatal}
	}

	// replicas left behind need the writes made from here on
	for _, r := range st.replicas {
		if bucketOf(r.State) == bucketNonfunctional {
			r.awaitingReplay = true
			st.ensureBuffer(st.opSeqNo + 1)
		}
	}

	st.switchCtx = nil
	if st.count(bucketFunctional) >= st.quorum {
		st.setGroupState(cluster.StateActive)
	} else {
		st.setGroupState(cluster.StateOffline)
	}
	if st.count(bucketNonfunctional) > 0 {
		st.scheduleRecheck()
	}
	if err := st.verify(); err != nil {
		return openOutcome{err: err}
	}
	return openOutcome{
		announce: true,
		targets:  append([]string(nil), st.order...),
		info:     st.groupInfo(),
	}
}

// noteDivergence warns about replicas whose sequence id differs from the
// winner. Nothing buffered can bring them back: one behind needs writes
// made before this open, one ahead holds writes the group dropped. The
// warning is logged once per distinct set so rechecks do not repeat it.
func (st *groupState) noteDivergence(replies []openReply, winner uint64) {
	diverged := make(map[string]uint64)
	for _, rep := range replies {
		if rep.err == nil && rep.resp.SequenceID != winner {
			diverged[rep.replicaID] = rep.resp.SequenceID
		}
	}
	if maps.Equal(diverged, st.diverged) {
		return
	}
	st.diverged = diverged
	if len(diverged) == 0 {
		return
	}
	ids := make([]string, 0, len(diverged))
	for id := range diverged {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	attrs := []slog.Attr{logging.OpID(st.opSeqNo), slog.Any("replicas", ids)}
	for _, id := range ids {
		attrs = append(attrs, slog.Uint64("seq."+id, diverged[id]))
	}
	st.g.log.LogAttrs(context.Background(), slog.LevelWarn,
		"replicas diverge from the group sequence and cannot rejoin without a full resync", attrs...)
}

// resolveReaderOpen settles a reader: one answering replica is enough.
func (st *groupState) resolveReaderOpen(replies []openReply) openOutcome {
	var (
		ok   int
		errs []replicaError
	)
	for _, rep := range replies {
		if rep.err == nil {
			ok++
			if rep.resp.SequenceID > st.opSeqNo {
				st.opSeqNo = rep.resp.SequenceID
			}
			continue
		}
		errs = append(errs, replicaError{cause: rep.err, replicaID: rep.replicaID})
	}
	if ok == 0 {
		st.setGroupState(cluster.StateOffline)
		ge := &GroupError{cause: cluster.ErrGroupDown, errors: errs}
		if len(errs) > 0 {
			ge.first = errs[0].cause
		}
		return openOutcome{err: ge}
	}
	st.setGroupState(cluster.StateActive)
	if err := st.verify(); err != nil {
		return openOutcome{err: err}
	}
	return openOutcome{}
}

// handoff asks the coordinator a quorum of replicas follows to step down,
// so the next open, sent with force, can take the volume over. It gives up
// with cluster.ErrInvalidCoordinator after the configured number of tries.
func (g *VolumeGroup) handoff(ctx context.Context, target cluster.CoordinatorID) error {
	var attempt int
	if err := g.call(ctx, func(st *groupState) error {
		if st.switchCtx == nil || st.switchCtx.Target.ID != target.ID {
			st.switchCtx = &CoordinatorSwitchContext{Target: target}
		}
		st.switchCtx.Retries++
		attempt = st.switchCtx.Retries
		if attempt > g.cfg.maxSwitchRetries {
			st.switchCtx = nil
			st.setGroupState(cluster.StateOffline)
			return errors.Wrapf(cluster.ErrInvalidCoordinator,
				"volume %s: replicas still follow %s after %d switch attempts", g.id, target.ID, attempt-1)
		}
		return nil
	}); err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, g.cfg.switchTimeout)
	err := g.transport.SwitchCoordinator(sctx, target.ID, cluster.SwitchCoordinatorRequest{
		RequesterID: g.self,
		VolumeID:    g.id,
	})
	cancel()
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
	}
	g.log.LogAttrs(ctx, level, "asked coordinator to step down",
		logging.Coordinator(target.ID), logging.Version(target.Version), logging.Attempt(attempt), logging.Err(err))
	return nil
}
