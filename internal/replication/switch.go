package replication

import (
	"golang.org/x/exp/slices"

	"github.com/dreamware/volrep/internal/cluster"
)

// CoordinatorSwitchContext tracks a handoff to another coordinator while
// open retries with force.
type CoordinatorSwitchContext struct {
	Target  cluster.CoordinatorID
	Retries int
}

// switchTarget returns the coordinator that at least quorum replicas named
// when rejecting our open. Replicas naming self do not count.
func switchTarget(rejections []cluster.CoordinatorID, quorum int, self string) (cluster.CoordinatorID, bool) {
	votes := make(map[string]int)
	latest := make(map[string]cluster.CoordinatorID)
	for _, c := range rejections {
		if c.ID == "" || c.ID == self {
			continue
		}
		votes[c.ID]++
		if prev, ok := latest[c.ID]; !ok || c.Newer(prev) {
			latest[c.ID] = c
		}
	}
	ids := make([]string, 0, len(votes))
	for id := range votes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if votes[id] >= quorum {
			return latest[id], true
		}
	}
	return cluster.CoordinatorID{}, false
}

// winningSequence picks the sequence id the group resumes from. An id
// reported by at least quorum replicas wins. A group of exactly three
// replicas reporting three distinct ids resumes from the id at the quorum
// index of the descending order.
func winningSequence(seqs []uint64, quorum, groupSize int) (uint64, bool) {
	if quorum < 1 || len(seqs) == 0 {
		return 0, false
	}
	counts := make(map[uint64]int, len(seqs))
	for _, s := range seqs {
		counts[s]++
	}
	var (
		best  uint64
		found bool
	)
	for s, n := range counts {
		if n >= quorum && (!found || s > best) {
			best, found = s, true
		}
	}
	if found {
		return best, true
	}
	if groupSize == 3 && len(seqs) == 3 && len(counts) == 3 {
		sorted := slices.Clone(seqs)
		slices.SortFunc(sorted, func(a, b uint64) int {
			switch {
			case a > b:
				return -1
			case a < b:
				return 1
			}
			return 0
		})
		return sorted[quorum-1], true
	}
	return 0, false
}
