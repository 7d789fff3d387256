package volume

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/volrep/internal/cluster"
	"github.com/dreamware/volrep/internal/storage"
)

// Host keeps the replicas a node serves. With a data directory each
// replica gets its own bbolt file; without one replicas live in memory.
type Host struct {
	nodeID  string
	dataDir string
	coord   Coordinator
	opts    Options

	mu       sync.Mutex
	replicas map[string]*Replica
	closed   bool
}

// NewHost creates a host for nodeID. Replicas live in bbolt files under
// dataDir, or in memory when dataDir is empty.
func NewHost(nodeID, dataDir string, coord Coordinator, opts Options) *Host {
	return &Host{
		nodeID:   nodeID,
		dataDir:  dataDir,
		coord:    coord,
		opts:     opts,
		replicas: make(map[string]*Replica),
	}
}

// Activate returns the replica for a volume, creating its store on first use.
func (h *Host) Activate(volumeID string) (*Replica, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, cluster.ErrClosed
	}
	if r, ok := h.replicas[volumeID]; ok {
		return r, nil
	}

	store, err := h.openStore(volumeID)
	if err != nil {
		return nil, err
	}
	r, err := NewReplica(volumeID, h.nodeID, store, h.coord, h.opts)
	if err != nil {
		store.Close()
		return nil, err
	}
	h.replicas[volumeID] = r
	return r, nil
}

func (h *Host) openStore(volumeID string) (storage.Store, error) {
	if h.dataDir == "" {
		return storage.NewMemoryStore(), nil
	}
	if volumeID == "" || filepath.Base(volumeID) != volumeID {
		return nil, fmt.Errorf("invalid volume id %q", volumeID)
	}
	if err := os.MkdirAll(h.dataDir, 0o755); err != nil {
		return nil, err
	}
	return storage.OpenBolt(filepath.Join(h.dataDir, volumeID+".db"))
}

// Replica returns an activated replica, or cluster.ErrVolumeNotActivated.
func (h *Host) Replica(volumeID string) (*Replica, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.replicas[volumeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", cluster.ErrVolumeNotActivated, volumeID)
	}
	return r, nil
}

// Volumes lists activated volumes, sorted.
func (h *Host) Volumes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.replicas))
	for id := range h.replicas {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Close closes every active replica. Later calls return cluster.ErrClosed.
func (h *Host) Close() error {
	h.mu.Lock()
	h.closed = true
	replicas := h.replicas
	h.replicas = make(map[string]*Replica)
	h.mu.Unlock()

	var errs []error
	for _, r := range replicas {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
