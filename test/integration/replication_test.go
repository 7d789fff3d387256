package integration

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/volrep/internal/cluster"
)

const (
	placementBin = "../../bin/placement"
	nodeBin      = "../../bin/node"
	placementURL = "http://127.0.0.1:18080"
)

// TestSystem runs a placement service and three nodes as separate processes.
type TestSystem struct {
	t         *testing.T
	placement *exec.Cmd
	nodes     map[string]*exec.Cmd
	dataDir   string
	pc        *cluster.PlacementClient
}

func nodeURL(id string) string {
	return fmt.Sprintf("http://127.0.0.1:1808%s", id[1:])
}

func NewTestSystem(t *testing.T) *TestSystem {
	return &TestSystem{
		t:       t,
		nodes:   make(map[string]*exec.Cmd),
		dataDir: t.TempDir(),
		pc:      cluster.NewPlacementClient(placementURL),
	}
}

func (ts *TestSystem) Start(ids ...string) error {
	ts.placement = exec.Command(placementBin)
	ts.placement.Env = append(os.Environ(), "PLACEMENT_LISTEN=:18080", "HEALTH_INTERVAL=200ms")
	ts.placement.Stdout = os.Stdout
	ts.placement.Stderr = os.Stderr
	if err := ts.placement.Start(); err != nil {
		return fmt.Errorf("start placement: %w", err)
	}
	if err := waitForService(placementURL + "/health"); err != nil {
		return err
	}
	for _, id := range ids {
		if err := ts.StartNode(id); err != nil {
			return err
		}
	}
	return nil
}

// StartNode launches (or relaunches) a node. Its bbolt files survive
// restarts in the system's data directory.
func (ts *TestSystem) StartNode(id string) error {
	addr := nodeURL(id)
	cmd := exec.Command(nodeBin)
	cmd.Env = append(os.Environ(),
		"NODE_ID="+id,
		"NODE_LISTEN=:1808"+id[1:],
		"NODE_ADDR="+addr,
		"PLACEMENT_ADDR="+placementURL,
		"DATA_DIR="+filepath.Join(ts.dataDir, id),
		"RECHECK_INTERVAL=200ms",
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start node %s: %w", id, err)
	}
	ts.nodes[id] = cmd
	return waitForService(addr + "/health")
}

func (ts *TestSystem) KillNode(id string) {
	if cmd := ts.nodes[id]; cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	delete(ts.nodes, id)
}

func (ts *TestSystem) Stop() {
	for id := range ts.nodes {
		ts.KillNode(id)
	}
	if ts.placement != nil && ts.placement.Process != nil {
		_ = ts.placement.Process.Kill()
		_ = ts.placement.Wait()
	}
}

func waitForService(url string) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", url)
}

type keyValue struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type writeResult struct {
	OpID     uint64 `json:"op_id"`
	CommitID uint64 `json:"commit_id"`
}

func put(node, volume, key, value string) (writeResult, error) {
	var res writeResult
	err := cluster.PostJSON(context.Background(), nodeURL(node)+"/groups/"+volume+"/put", keyValue{key, value}, &res)
	return res, err
}

func get(node, volume, key string) (string, error) {
	var out keyValue
	err := cluster.GetJSON(context.Background(), nodeURL(node)+"/groups/"+volume+"/get?key="+key, &out)
	return out.Value, err
}

// applied reports how far a node's replica of volume has applied.
func applied(node, volume string) uint64 {
	var info struct {
		Replicas []struct {
			VolumeID   string `json:"volume_id"`
			SequenceID uint64 `json:"sequence_id"`
		} `json:"replicas"`
	}
	if err := cluster.GetJSON(context.Background(), nodeURL(node)+"/info", &info); err != nil {
		return 0
	}
	for _, r := range info.Replicas {
		if r.VolumeID == volume {
			return r.SequenceID
		}
	}
	return 0
}

func TestReplicatedVolume(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	for _, bin := range []string{placementBin, nodeBin} {
		if _, err := os.Stat(bin); os.IsNotExist(err) {
			t.Skipf("Skipping integration test: %s not found (build ./cmd/... into bin/ first)", bin)
		}
	}

	ts := NewTestSystem(t)
	require.NoError(t, ts.Start("n1", "n2", "n3"))
	defer ts.Stop()

	ctx := context.Background()
	p, err := ts.pc.Assign(ctx, cluster.Placement{VolumeID: "vol-1", Replicas: []string{"n1", "n2", "n3"}})
	require.NoError(t, err)
	require.Equal(t, "n1", p.Coordinator)
	require.Equal(t, 2, p.Quorum)

	t.Run("WriteAndRead", func(t *testing.T) {
		res, err := put("n1", "vol-1", "greeting", "hello")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), res.OpID)

		v, err := get("n1", "vol-1", "greeting")
		require.NoError(t, err)
		assert.Equal(t, "hello", v)

		v, err = get("n2", "vol-1", "greeting")
		require.NoError(t, err)
		assert.Equal(t, "hello", v, "reader node reads through the group")

		_, err = get("n1", "vol-1", "missing")
		assert.ErrorIs(t, err, cluster.ErrNotFound)
	})

	t.Run("ConcurrentWrites", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := put("n1", "vol-1", fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i)); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("concurrent put: %v", err)
		}
		assert.Eventually(t, func() bool {
			return applied("n1", "vol-1") == 21 && applied("n2", "vol-1") == 21 && applied("n3", "vol-1") == 21
		}, 5*time.Second, 50*time.Millisecond, "every replica applies every write")
	})

	t.Run("QuorumSurvivesOneNode", func(t *testing.T) {
		ts.KillNode("n3")
		res, err := put("n1", "vol-1", "while-down", "yes")
		require.NoError(t, err)
		assert.Equal(t, uint64(22), res.OpID)
	})

	t.Run("RestartedNodeCatchesUp", func(t *testing.T) {
		require.NoError(t, ts.StartNode("n3"))
		assert.Eventually(t, func() bool {
			return applied("n3", "vol-1") == 22
		}, 10*time.Second, 100*time.Millisecond, "n3 rejoins and replays the write it missed")

		res, err := put("n1", "vol-1", "after-rejoin", "yes")
		require.NoError(t, err)
		assert.Equal(t, uint64(23), res.OpID)
		assert.Eventually(t, func() bool {
			return applied("n3", "vol-1") == 23
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("NodesListed", func(t *testing.T) {
		nodes, err := ts.pc.Nodes(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(nodes))
		for _, n := range nodes {
			ids = append(ids, n.ID)
		}
		assert.Equal(t, []string{"n1", "n2", "n3"}, ids)
	})
}
