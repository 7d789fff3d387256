package replication

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/volrep/internal/cluster"
	"github.com/dreamware/volrep/internal/logging"
)

type fakeLocator struct {
	mu sync.Mutex
	pl cluster.Placement
}

func (f *fakeLocator) Lookup(_ context.Context, volumeID string) (cluster.Placement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if volumeID != f.pl.VolumeID {
		return cluster.Placement{}, cluster.ErrNotFound
	}
	return f.pl.Clone(), nil
}

func threeReplicas(coordinator string) *fakeLocator {
	return &fakeLocator{pl: cluster.Placement{
		VolumeID:    "vol-1",
		Coordinator: coordinator,
		Replicas:    []string{"n1", "n2", "n3"},
		Epoch:       1,
		Quorum:      2,
	}}
}

// fakeTransport answers protocol calls from per-method hooks and records
// what it was sent. Hooks run without the lock held and may block.
type fakeTransport struct {
	mu       sync.Mutex
	seqs     map[string]uint64
	openErr  map[string]error
	openFn   func(id string, req cluster.OpenVolumeRequest) (cluster.OpenVolumeResponse, error)
	writeFn  func(id string, req cluster.WriteRequest) (cluster.WriteResponse, error)
	readFn   func(id string, req cluster.ReadRequest) (cluster.ReadResponse, error)
	switchFn func(id string, req cluster.SwitchCoordinatorRequest) error

	opens    []cluster.OpenVolumeRequest
	writes   map[string][]cluster.WriteHeader
	reads    []string
	infos    map[string][]cluster.GroupInfo
	switches []string
}

func newFakeTransport(seqs map[string]uint64) *fakeTransport {
	return &fakeTransport{
		seqs:    seqs,
		openErr: make(map[string]error),
		writes:  make(map[string][]cluster.WriteHeader),
		infos:   make(map[string][]cluster.GroupInfo),
	}
}

func (f *fakeTransport) Open(_ context.Context, id string, req cluster.OpenVolumeRequest) (cluster.OpenVolumeResponse, error) {
	f.mu.Lock()
	f.opens = append(f.opens, req)
	fn := f.openFn
	err := f.openErr[id]
	seq := f.seqs[id]
	f.mu.Unlock()
	if fn != nil {
		return fn(id, req)
	}
	if err != nil {
		return cluster.OpenVolumeResponse{}, err
	}
	return cluster.OpenVolumeResponse{Coordinator: req.Coordinator, SequenceID: seq, ReplicaVersion: StartVersion}, nil
}

func (f *fakeTransport) UpdateGroupInfo(_ context.Context, id string, info cluster.GroupInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos[id] = append(f.infos[id], info)
	return nil
}

func (f *fakeTransport) Write(_ context.Context, id string, req cluster.WriteRequest) (cluster.WriteResponse, error) {
	f.mu.Lock()
	f.writes[id] = append(f.writes[id], req.Header)
	fn := f.writeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(id, req)
	}
	return cluster.WriteResponse{ReplicaVersion: req.Header.ReplicaVersion}, nil
}

func (f *fakeTransport) Read(_ context.Context, id string, req cluster.ReadRequest) (cluster.ReadResponse, error) {
	f.mu.Lock()
	f.reads = append(f.reads, id)
	fn := f.readFn
	f.mu.Unlock()
	if fn != nil {
		return fn(id, req)
	}
	return cluster.ReadResponse{Value: []byte("v-" + id)}, nil
}

func (f *fakeTransport) SwitchCoordinator(_ context.Context, id string, req cluster.SwitchCoordinatorRequest) error {
	f.mu.Lock()
	f.switches = append(f.switches, id)
	fn := f.switchFn
	f.mu.Unlock()
	if fn != nil {
		return fn(id, req)
	}
	return nil
}

func (f *fakeTransport) setSeqs(seqs map[string]uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seqs = seqs
}

func (f *fakeTransport) setOpenErr(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.openErr, id)
		return
	}
	f.openErr[id] = err
}

func (f *fakeTransport) writeOps(id string, version uint64) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uint64
	for _, h := range f.writes[id] {
		if version == 0 || h.ReplicaVersion == version {
			out = append(out, h.OpID)
		}
	}
	return out
}

func (f *fakeTransport) groupInfos(id string) []cluster.GroupInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cluster.GroupInfo(nil), f.infos[id]...)
}

func (f *fakeTransport) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reads)
}

// openVersions lists the coordinator version of every open sent, in order.
func (f *fakeTransport) openVersions() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, 0, len(f.opens))
	for _, req := range f.opens {
		out = append(out, req.Coordinator.Version)
	}
	return out
}

// logBuffer collects log output from handlers running on other goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (f *fakeTransport) switchTargets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.switches...)
}

// manualClock fires timers only when told to.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	c       *manualClock
	f       func()
	d       time.Duration
	stopped bool
	fired   bool
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{c: c, f: f, d: d}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *manualClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fire runs every pending timer and reports how many ran.
func (c *manualClock) fire() int {
	c.mu.Lock()
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
	return len(due)
}

func newTestGroup(t *testing.T, tr *fakeTransport, coordinator bool, opts ...Option) (*VolumeGroup, *manualClock) {
	t.Helper()
	clk := &manualClock{}
	self := "n1"
	opts = append([]Option{WithClock(clk), WithLogger(logging.Discard()), WithRPCTimeout(time.Second)}, opts...)
	g, err := New("vol-1", self, coordinator, threeReplicas("n1"), tr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, g.Close(context.Background()))
	})
	return g, clk
}

func mustStatus(t *testing.T, g *VolumeGroup) Status {
	t.Helper()
	s, err := g.Status(context.Background())
	require.NoError(t, err)
	return s
}

func replicaStatus(s Status, id string) ReplicaStatus {
	for _, r := range s.Replicas {
		if r.ID == id {
			return r
		}
	}
	return ReplicaStatus{}
}
