package replication

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/volrep/internal/cluster"
)

func TestRecheckAnnouncesToNonfunctional(t *testing.T) {
	tr := newFakeTransport(allAt(5))
	tr.setOpenErr("n3", errors.New("down"))
	g, clk := newTestGroup(t, tr, true)
	require.NoError(t, g.Open(context.Background()))

	require.Len(t, tr.groupInfos("n3"), 1)
	require.Equal(t, 1, clk.pending())

	require.Equal(t, 1, clk.fire())
	require.Eventually(t, func() bool {
		return len(tr.groupInfos("n3")) == 2 && clk.pending() == 1
	}, waitFor, tick)

	infos := tr.groupInfos("n3")
	assert.Equal(t, []string{"n3"}, infos[1].Nonfunctional)
	assert.Len(t, tr.groupInfos("n1"), 1, "functional replicas are not re-announced")
}

func TestRecheckReopensOfflineGroup(t *testing.T) {
	tr := newFakeTransport(map[string]uint64{"n1": 15, "n2": 12, "n3": 10})
	g, clk := newTestGroup(t, tr, true)
	require.NoError(t, g.Open(context.Background()))
	require.Equal(t, cluster.StateOffline, mustStatus(t, g).State)

	tr.setSeqs(allAt(12))
	require.Equal(t, 1, clk.fire())

	require.Eventually(t, func() bool {
		s := mustStatus(t, g)
		return s.State == cluster.StateActive && len(s.Functional) == 3
	}, waitFor, tick)
	assert.Equal(t, uint64(12), mustStatus(t, g).OpSeqNo)
	assert.Zero(t, clk.pending())
}

func TestRecheckArmedOnce(t *testing.T) {
	tr := newFakeTransport(allAt(0))
	tr.setOpenErr("n3", errors.New("down"))
	tr.writeFn = func(id string, req cluster.WriteRequest) (cluster.WriteResponse, error) {
		if id == "n2" {
			return cluster.WriteResponse{}, errors.New("down")
		}
		return cluster.WriteResponse{ReplicaVersion: req.Header.ReplicaVersion}, nil
	}
	g, clk := newTestGroup(t, tr, true)
	require.NoError(t, g.Open(context.Background()))
	require.Equal(t, 1, clk.pending())

	_, err := g.Write(context.Background(), []byte("x"))
	require.ErrorIs(t, err, cluster.ErrGroupDown)

	s := mustStatus(t, g)
	assert.Equal(t, cluster.StateOffline, s.State)
	assert.Equal(t, []string{"n2", "n3"}, s.Nonfunctional)
	assert.Equal(t, 1, clk.pending())
}

func TestCloseStopsRecheck(t *testing.T) {
	tr := newFakeTransport(allAt(0))
	tr.setOpenErr("n3", errors.New("down"))
	clk := &manualClock{}
	g, err := New("vol-1", "n1", true, threeReplicas("n1"), tr, WithClock(clk))
	require.NoError(t, err)
	require.NoError(t, g.Open(context.Background()))
	require.Equal(t, 1, clk.pending())

	require.NoError(t, g.Close(context.Background()))
	assert.Zero(t, clk.pending())
}
