package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dreamware/volrep/internal/cluster"
	"github.com/dreamware/volrep/internal/logging"
)

// startRejoin runs the rejoin sequence in the background. At most one runs
// at a time.
func (r *Replica) startRejoin(info cluster.GroupInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.rejoining.CompareAndSwap(false, true) {
		return
	}
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		defer r.rejoining.Store(false)
		r.rejoin(info.Coordinator.ID)
	}()
}

func (r *Replica) rejoin(coordinator string) {
	for attempt := 1; attempt <= r.opts.RejoinRetries; attempt++ {
		err := r.rejoinOnce(coordinator)
		if err == nil {
			return
		}
		if r.ctx.Err() != nil {
			return
		}
		r.log.LogAttrs(r.ctx, slog.LevelWarn, "rejoin attempt failed",
			logging.Coordinator(coordinator), logging.Attempt(attempt), logging.Err(err))
		if !r.sleep(r.opts.RetryWait) {
			return
		}
	}
	r.setState(cluster.StateOffline)
	r.log.Error("rejoin abandoned", logging.Coordinator(coordinator), logging.Attempt(r.opts.RejoinRetries))
}

// rejoinOnce walks Loading, Syncing and Active with the coordinator. The
// incarnation is bumped before syncing so writes addressed to the previous
// incarnation are refused.
func (r *Replica) rejoinOnce(coordinator string) error {
	r.setState(cluster.StateLoading)
	r.mu.Lock()
	version, applied := r.meta.Incarnation, r.meta.SequenceID
	r.mu.Unlock()
	if _, err := r.add(coordinator, cluster.StateLoading, version, applied); err != nil {
		return err
	}

	r.mu.Lock()
	meta := r.meta
	meta.Incarnation++
	if err := r.store.SaveMeta(meta); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("bump incarnation: %w", err)
	}
	r.meta = meta
	r.setStateLocked(cluster.StateSyncing)
	version, applied = meta.Incarnation, meta.SequenceID
	r.mu.Unlock()

	resp, err := r.add(coordinator, cluster.StateSyncing, version, applied)
	if err != nil {
		return err
	}
	target := applied
	if resp.GroupInfo != nil {
		target = resp.GroupInfo.LastOpID
	}
	if err := r.waitApplied(target); err != nil {
		return err
	}

	// the coordinator may not have folded in the last replay acks yet
	for i := 0; ; i++ {
		r.mu.Lock()
		seq := r.meta.SequenceID
		r.mu.Unlock()
		resp, err = r.add(coordinator, cluster.StateActive, version, seq)
		if err == nil {
			break
		}
		if !errors.Is(err, cluster.ErrOutOfOrder) || i >= r.opts.RejoinRetries {
			return err
		}
		if !r.sleep(r.opts.RetryWait) {
			return r.ctx.Err()
		}
	}

	r.mu.Lock()
	if resp.GroupInfo != nil {
		g := *resp.GroupInfo
		r.group = &g
	}
	r.setStateLocked(cluster.StateActive)
	r.mu.Unlock()
	return nil
}

func (r *Replica) add(coordinator string, to cluster.State, version, lastOpID uint64) (cluster.AddToGroupResponse, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.opts.RPCTimeout)
	defer cancel()
	resp, err := r.coord.AddToGroup(ctx, coordinator, cluster.AddToGroupRequest{
		VolumeID:       r.VolumeID,
		ReplicaID:      r.NodeID,
		TargetState:    to,
		ReplicaVersion: version,
		LastOpID:       lastOpID,
	})
	if err != nil {
		return resp, fmt.Errorf("add to group as %s: %w", to, err)
	}
	return resp, nil
}

// waitApplied blocks until the replica applied op target.
func (r *Replica) waitApplied(target uint64) error {
	timer := time.NewTimer(r.opts.SyncTimeout)
	defer timer.Stop()
	for {
		r.mu.Lock()
		seq, progress := r.meta.SequenceID, r.progress
		r.mu.Unlock()
		if seq >= target {
			return nil
		}
		select {
		case <-progress:
		case <-timer.C:
			return fmt.Errorf("replay stalled at op %d, waiting for %d", seq, target)
		case <-r.ctx.Done():
			return r.ctx.Err()
		}
	}
}

func (r *Replica) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.ctx.Done():
		return false
	}
}
