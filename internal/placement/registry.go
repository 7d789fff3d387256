package placement

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/volrep/internal/cluster"
)

var (
	ErrInvalidPlacement = errors.New("invalid placement")
	ErrInvalidNode      = errors.New("invalid node")
)

// Registry is the authoritative record of where volumes live: the replica
// set, coordinator and quorum of each volume under its current epoch, and
// the address of every registered node.
//
// Read operations take the read lock; all returned placements are clones.
type Registry struct {
	mu      sync.RWMutex
	volumes map[string]cluster.Placement
	nodes   map[string]cluster.NodeInfo
}

// NewRegistry creates an empty registry. It is safe for concurrent use.
//
// Example:
//
//	reg := placement.NewRegistry()
//	_ = reg.Register(cluster.NodeInfo{ID: "n1", Addr: "http://10.0.0.1:8081"})
//	p, err := reg.Assign(cluster.Placement{VolumeID: "vol-1", Replicas: []string{"n1", "n2", "n3"}})
func NewRegistry() *Registry {
	return &Registry{
		volumes: make(map[string]cluster.Placement),
		nodes:   make(map[string]cluster.NodeInfo),
	}
}

// Register adds or updates a node's address. A re-registering node keeps
// its health status.
func (r *Registry) Register(node cluster.NodeInfo) error {
	if node.ID == "" || node.Addr == "" {
		return fmt.Errorf("%w: id and addr are required", ErrInvalidNode)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.nodes[node.ID]; ok && node.Status == "" {
		node.Status = prev.Status
	}
	r.nodes[node.ID] = node
	return nil
}

// Resolve returns the registered node, or cluster.ErrNotFound.
func (r *Registry) Resolve(nodeID string) (cluster.NodeInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return cluster.NodeInfo{}, fmt.Errorf("node %s: %w", nodeID, cluster.ErrNotFound)
	}
	return node, nil
}

// Nodes returns all registered nodes ordered by id.
func (r *Registry) Nodes() []cluster.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]cluster.NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b cluster.NodeInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// SetNodeStatus records a node's liveness as seen by the health monitor.
func (r *Registry) SetNodeStatus(nodeID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		n.Status = status
		r.nodes[nodeID] = n
	}
}

// Assign stores the placement of a volume. The coordinator defaults to the
// first replica and the quorum to a majority. The epoch is chosen here: it
// stays put when nothing changed and is bumped otherwise, so every distinct
// replica set of a volume is named by a distinct epoch.
func (r *Registry) Assign(p cluster.Placement) (cluster.Placement, error) {
	p = p.Clone()
	if err := normalize(&p); err != nil {
		return cluster.Placement{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.volumes[p.VolumeID]
	switch {
	case !ok:
		p.Epoch = 1
	case samePlacement(prev, p):
		p.Epoch = prev.Epoch
	default:
		p.Epoch = prev.Epoch + 1
	}
	r.volumes[p.VolumeID] = p
	return p.Clone(), nil
}

func normalize(p *cluster.Placement) error {
	if p.VolumeID == "" {
		return fmt.Errorf("%w: volume id is required", ErrInvalidPlacement)
	}
	if len(p.Replicas) == 0 {
		return fmt.Errorf("%w: %s has no replicas", ErrInvalidPlacement, p.VolumeID)
	}
	seen := make(map[string]bool, len(p.Replicas))
	for _, id := range p.Replicas {
		if id == "" || seen[id] {
			return fmt.Errorf("%w: %s has an empty or duplicate replica %q", ErrInvalidPlacement, p.VolumeID, id)
		}
		seen[id] = true
	}
	if p.Coordinator == "" {
		p.Coordinator = p.Replicas[0]
	}
	if !seen[p.Coordinator] {
		return fmt.Errorf("%w: coordinator %s is not a replica of %s", ErrInvalidPlacement, p.Coordinator, p.VolumeID)
	}
	if p.Quorum == 0 {
		p.Quorum = len(p.Replicas)/2 + 1
	}
	if p.Quorum < 1 || p.Quorum > len(p.Replicas) {
		return fmt.Errorf("%w: quorum %d out of range for %d replicas", ErrInvalidPlacement, p.Quorum, len(p.Replicas))
	}
	return nil
}

func samePlacement(a, b cluster.Placement) bool {
	if a.Coordinator != b.Coordinator || a.Quorum != b.Quorum || len(a.Replicas) != len(b.Replicas) {
		return false
	}
	x, y := slices.Clone(a.Replicas), slices.Clone(b.Replicas)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

// Lookup returns the current placement of a volume, or cluster.ErrNotFound.
func (r *Registry) Lookup(volumeID string) (cluster.Placement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.volumes[volumeID]
	if !ok {
		return cluster.Placement{}, fmt.Errorf("volume %s: %w", volumeID, cluster.ErrNotFound)
	}
	return p.Clone(), nil
}

// Remove forgets a volume. Removing an unknown volume is not an error.
func (r *Registry) Remove(volumeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.volumes, volumeID)
}

// All returns every placement ordered by volume id.
func (r *Registry) All() []cluster.Placement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]cluster.Placement, 0, len(r.volumes))
	for _, p := range r.volumes {
		out = append(out, p.Clone())
	}
	slices.SortFunc(out, func(a, b cluster.Placement) int { return strings.Compare(a.VolumeID, b.VolumeID) })
	return out
}

// VolumesForNode lists the volumes a node holds a replica of, sorted.
func (r *Registry) VolumesForNode(nodeID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, p := range r.volumes {
		if slices.Contains(p.Replicas, nodeID) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// ReplaceReplica swaps one replica of a volume for another under a new
// epoch. If the replaced node was the coordinator, the replacement takes
// over that role.
func (r *Registry) ReplaceReplica(volumeID, oldID, newID string) (cluster.Placement, error) {
	p, err := r.Lookup(volumeID)
	if err != nil {
		return cluster.Placement{}, err
	}
	i := slices.Index(p.Replicas, oldID)
	if i < 0 {
		return cluster.Placement{}, fmt.Errorf("%w: %s is not a replica of %s", ErrInvalidPlacement, oldID, volumeID)
	}
	p.Replicas[i] = newID
	if p.Coordinator == oldID {
		p.Coordinator = newID
	}
	return r.Assign(p)
}
