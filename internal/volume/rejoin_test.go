package volume

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dreamware/volrep/internal/cluster"
)

type fakeCoordinator struct {
	mu    sync.Mutex
	calls []cluster.AddToGroupRequest
	fn    func(ctx context.Context, req cluster.AddToGroupRequest) (cluster.AddToGroupResponse, error)
}

func (f *fakeCoordinator) AddToGroup(ctx context.Context, coordinatorID string, req cluster.AddToGroupRequest) (cluster.AddToGroupResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return cluster.AddToGroupResponse{}, nil
	}
	return fn(ctx, req)
}

func (f *fakeCoordinator) states() []cluster.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]cluster.State, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.TargetState
	}
	return out
}

func (f *fakeCoordinator) call(i int) cluster.AddToGroupRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

var n1 = cluster.CoordinatorID{ID: "n1", Version: 1}

// offlineReplica returns a replica following n1 that has applied ops 1..applied.
func offlineReplica(t *testing.T, coord *fakeCoordinator, applied uint64) *Replica {
	t.Helper()
	r, _ := newTestReplica(t, coord)
	if _, err := r.Open(cluster.OpenVolumeRequest{Coordinator: n1, WritableMode: true}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for op := uint64(1); op <= applied; op++ {
		apply(t, r, 1, op, "k", "v")
	}
	return r
}

func nonfunctional(last uint64) cluster.GroupInfo {
	return cluster.GroupInfo{
		GroupID:       "vol-1",
		Coordinator:   n1,
		Functional:    []string{"n1", "n3"},
		Nonfunctional: []string{"n2"},
		LastOpID:      last,
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func equalStates(got, want []cluster.State) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestRejoinCatchesUpFromReplay(t *testing.T) {
	coord := &fakeCoordinator{}
	r := offlineReplica(t, coord, 2)

	replayed := make(chan error, 1)
	coord.fn = func(ctx context.Context, req cluster.AddToGroupRequest) (cluster.AddToGroupResponse, error) {
		switch req.TargetState {
		case cluster.StateSyncing:
			// the coordinator replays ops 3 and 4 under the new incarnation
			go func() {
				for op := uint64(3); op <= 4; op++ {
					hdr := cluster.WriteHeader{OpID: op, CommitID: op - 1, ReplicaVersion: req.ReplicaVersion}
					raw, _ := cluster.EncodeMutation(cluster.Mutation{Op: cluster.OpPut, Key: "k", Value: []byte("new")})
					if _, err := r.ApplyWrite(hdr, raw); err != nil {
						replayed <- err
						return
					}
				}
				replayed <- nil
			}()
			return cluster.AddToGroupResponse{GroupInfo: &cluster.GroupInfo{Coordinator: n1, LastOpID: 4}}, nil
		case cluster.StateActive:
			return cluster.AddToGroupResponse{GroupInfo: &cluster.GroupInfo{
				GroupID: "vol-1", Coordinator: n1, Functional: []string{"n1", "n2", "n3"}, LastOpID: 4,
			}}, nil
		}
		return cluster.AddToGroupResponse{}, nil
	}

	if err := r.UpdateGroupInfo(nonfunctional(4)); err != nil {
		t.Fatalf("UpdateGroupInfo failed: %v", err)
	}
	waitUntil(t, "replica to become active", func() bool {
		info := r.Info()
		return info.State == cluster.StateActive && !info.Rejoining
	})
	if err := <-replayed; err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	want := []cluster.State{cluster.StateLoading, cluster.StateSyncing, cluster.StateActive}
	if got := coord.states(); !equalStates(got, want) {
		t.Fatalf("Expected calls %v, got %v", want, got)
	}
	if c := coord.call(0); c.ReplicaVersion != 1 || c.LastOpID != 2 {
		t.Errorf("Loading should report version 1 at op 2, got %+v", c)
	}
	if c := coord.call(1); c.ReplicaVersion != 2 || c.LastOpID != 2 {
		t.Errorf("Syncing should report version 2 at op 2, got %+v", c)
	}
	if c := coord.call(2); c.LastOpID != 4 {
		t.Errorf("Active should report op 4, got %+v", c)
	}

	info := r.Info()
	if info.Incarnation != 2 || info.SequenceID != 4 {
		t.Errorf("Expected incarnation 2 at op 4, got %d at %d", info.Incarnation, info.SequenceID)
	}
	if info.Group == nil || len(info.Group.Functional) != 3 {
		t.Errorf("Expected group info from activation, got %+v", info.Group)
	}
	resp, err := r.Read("k")
	if err != nil || string(resp.Value) != "new" {
		t.Errorf("Expected replayed value, got %q (%v)", resp.Value, err)
	}
}

func TestRejoinOldIncarnationWritesRefused(t *testing.T) {
	coord := &fakeCoordinator{}
	r := offlineReplica(t, coord, 1)

	syncing := make(chan struct{})
	release := make(chan struct{})
	coord.fn = func(ctx context.Context, req cluster.AddToGroupRequest) (cluster.AddToGroupResponse, error) {
		if req.TargetState == cluster.StateSyncing {
			close(syncing)
			select {
			case <-release:
			case <-ctx.Done():
				return cluster.AddToGroupResponse{}, ctx.Err()
			}
		}
		return cluster.AddToGroupResponse{GroupInfo: &cluster.GroupInfo{Coordinator: n1, LastOpID: 1}}, nil
	}

	if err := r.UpdateGroupInfo(nonfunctional(1)); err != nil {
		t.Fatalf("UpdateGroupInfo failed: %v", err)
	}
	<-syncing

	hdr := cluster.WriteHeader{OpID: 2, ReplicaVersion: 1}
	if _, err := r.ApplyWrite(hdr, mutation(t, cluster.OpPut, "k", "stale")); !errors.Is(err, cluster.ErrInvalidVersion) {
		t.Errorf("Expected ErrInvalidVersion for old incarnation, got %v", err)
	}
	if _, err := r.Read("k"); !errors.Is(err, cluster.ErrNotReady) {
		t.Errorf("Expected reads refused while rejoining, got %v", err)
	}
	close(release)

	waitUntil(t, "replica to become active", func() bool {
		return r.Info().State == cluster.StateActive
	})
}

func TestRejoinRetriesActivation(t *testing.T) {
	coord := &fakeCoordinator{}
	r := offlineReplica(t, coord, 0)

	var refused bool
	coord.fn = func(ctx context.Context, req cluster.AddToGroupRequest) (cluster.AddToGroupResponse, error) {
		if req.TargetState == cluster.StateActive && !refused {
			refused = true
			return cluster.AddToGroupResponse{}, cluster.ErrOutOfOrder
		}
		return cluster.AddToGroupResponse{}, nil
	}

	if err := r.UpdateGroupInfo(nonfunctional(0)); err != nil {
		t.Fatalf("UpdateGroupInfo failed: %v", err)
	}
	waitUntil(t, "replica to become active", func() bool {
		info := r.Info()
		return info.State == cluster.StateActive && !info.Rejoining
	})

	want := []cluster.State{cluster.StateLoading, cluster.StateSyncing, cluster.StateActive, cluster.StateActive}
	if got := coord.states(); !equalStates(got, want) {
		t.Errorf("Expected calls %v, got %v", want, got)
	}
}

func TestRejoinGivesUp(t *testing.T) {
	coord := &fakeCoordinator{
		fn: func(ctx context.Context, req cluster.AddToGroupRequest) (cluster.AddToGroupResponse, error) {
			return cluster.AddToGroupResponse{}, cluster.ErrGroupDown
		},
	}
	r := offlineReplica(t, coord, 0)

	if err := r.UpdateGroupInfo(nonfunctional(0)); err != nil {
		t.Fatalf("UpdateGroupInfo failed: %v", err)
	}
	waitUntil(t, "rejoin to stop", func() bool {
		return !r.Info().Rejoining && len(coord.states()) == 2
	})

	if got := r.Info().State; got != cluster.StateOffline {
		t.Errorf("Expected offline after abandoned rejoin, got %s", got)
	}
	want := []cluster.State{cluster.StateLoading, cluster.StateLoading}
	if got := coord.states(); !equalStates(got, want) {
		t.Errorf("Expected one Loading call per attempt, got %v", got)
	}
}

func TestRejoinRunsOnce(t *testing.T) {
	release := make(chan struct{})
	coord := &fakeCoordinator{}
	r := offlineReplica(t, coord, 0)
	coord.fn = func(ctx context.Context, req cluster.AddToGroupRequest) (cluster.AddToGroupResponse, error) {
		if req.TargetState == cluster.StateLoading {
			<-release
		}
		return cluster.AddToGroupResponse{}, nil
	}

	for i := 0; i < 3; i++ {
		if err := r.UpdateGroupInfo(nonfunctional(0)); err != nil {
			t.Fatalf("UpdateGroupInfo failed: %v", err)
		}
	}
	waitUntil(t, "first Loading call", func() bool { return len(coord.states()) == 1 })
	close(release)
	waitUntil(t, "replica to become active", func() bool {
		info := r.Info()
		return info.State == cluster.StateActive && !info.Rejoining
	})

	loading := 0
	for _, s := range coord.states() {
		if s == cluster.StateLoading {
			loading++
		}
	}
	if loading != 1 {
		t.Errorf("Expected a single rejoin, saw %d Loading calls", loading)
	}
}

func TestCloseStopsRejoin(t *testing.T) {
	coord := &fakeCoordinator{}
	r := offlineReplica(t, coord, 0)
	started := make(chan struct{})
	coord.fn = func(ctx context.Context, req cluster.AddToGroupRequest) (cluster.AddToGroupResponse, error) {
		close(started)
		<-ctx.Done()
		return cluster.AddToGroupResponse{}, ctx.Err()
	}

	if err := r.UpdateGroupInfo(nonfunctional(0)); err != nil {
		t.Fatalf("UpdateGroupInfo failed: %v", err)
	}
	<-started

	done := make(chan error, 1)
	go func() { done <- r.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not stop the rejoin")
	}
	if len(coord.states()) != 1 {
		t.Errorf("Expected no calls after close, got %v", coord.states())
	}
}
