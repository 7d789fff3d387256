package replication

import (
	"context"

	"github.com/dreamware/volrep/internal/cluster"
	"github.com/dreamware/volrep/internal/logging"
)

// scheduleRecheck arms the recheck timer unless one is already pending.
// Only coordinators recheck.
func (st *groupState) scheduleRecheck() {
	g := st.g
	if !g.coordinator || st.rechecking || st.closed || st.fatal != nil {
		return
	}
	st.rechecking = true
	st.recheckTimer = g.cfg.clock.AfterFunc(g.cfg.recheckInterval, g.recheck)
}

func (st *groupState) stopRecheck() {
	if st.recheckTimer != nil {
		st.recheckTimer.Stop()
		st.recheckTimer = nil
	}
	st.rechecking = false
}

// recheck runs when the timer fires. An offline group is opened again; an
// active group re-announces membership to its nonfunctional replicas so
// they start rejoining. Each cycle holds a guard until it is done.
func (g *VolumeGroup) recheck() {
	guard, err := g.refs.acquire()
	if err != nil {
		return
	}
	if !g.exec.schedule(func(st *groupState) {
		st.rechecking = false
		st.recheckTimer = nil
		if st.fatal != nil || st.closed {
			guard.Release()
			return
		}
		switch {
		case st.state == cluster.StateOffline:
			g.log.Info("recheck: reopening offline group")
			g.goAsync(func() {
				defer guard.Release()
				if err := g.Open(context.Background()); err != nil {
					g.log.Warn("recheck: reopen failed", logging.Err(err))
					g.exec.schedule(func(st *groupState) { st.scheduleRecheck() })
				}
			})
		case st.count(bucketNonfunctional) > 0:
			info := st.groupInfo()
			targets := st.ids(bucketNonfunctional)
			g.goAsync(func() {
				defer guard.Release()
				g.announce(context.Background(), info, targets)
				g.exec.schedule(func(st *groupState) {
					if st.count(bucketNonfunctional) > 0 {
						st.scheduleRecheck()
					}
				})
			})
		default:
			guard.Release()
		}
	}) {
		guard.Release()
	}
}
