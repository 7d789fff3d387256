package cluster

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// PlacementClient talks to the placement service. It serves both as the
// placement lookup for volume groups and as the Resolver for Client,
// caching node addresses until Forget is called.
type PlacementClient struct {
	base  string
	mu    sync.RWMutex
	addrs map[string]string
}

// NewPlacementClient returns a client for the placement service at base.
func NewPlacementClient(base string) *PlacementClient {
	return &PlacementClient{
		base:  strings.TrimRight(base, "/"),
		addrs: make(map[string]string),
	}
}

// Lookup returns the current placement of a volume.
func (p *PlacementClient) Lookup(ctx context.Context, volumeID string) (Placement, error) {
	var out Placement
	if err := GetJSON(ctx, p.base+"/placement/"+url.PathEscape(volumeID), &out); err != nil {
		return Placement{}, fmt.Errorf("lookup %s: %w", volumeID, err)
	}
	if len(out.Replicas) == 0 {
		return Placement{}, fmt.Errorf("lookup %s: %w", volumeID, ErrNotFound)
	}
	return out, nil
}

// Resolve returns a node's address, asking placement on a cache miss.
func (p *PlacementClient) Resolve(ctx context.Context, nodeID string) (string, error) {
	p.mu.RLock()
	addr, ok := p.addrs[nodeID]
	p.mu.RUnlock()
	if ok {
		return addr, nil
	}

	var node NodeInfo
	if err := GetJSON(ctx, p.base+"/resolve/"+url.PathEscape(nodeID), &node); err != nil {
		return "", fmt.Errorf("resolve %s: %w", nodeID, err)
	}
	if node.Addr == "" {
		return "", fmt.Errorf("resolve %s: %w", nodeID, ErrNotFound)
	}

	p.mu.Lock()
	p.addrs[nodeID] = node.Addr
	p.mu.Unlock()
	return node.Addr, nil
}

// Forget drops a cached address, typically after the node re-registered.
func (p *PlacementClient) Forget(nodeID string) {
	p.mu.Lock()
	delete(p.addrs, nodeID)
	p.mu.Unlock()
}

// Register announces node to placement, replacing any earlier address.
func (p *PlacementClient) Register(ctx context.Context, node NodeInfo) error {
	return PostJSON(ctx, p.base+"/register", RegisterRequest{Node: node}, nil)
}

// Nodes lists the registered nodes with their last known health.
func (p *PlacementClient) Nodes(ctx context.Context) ([]NodeInfo, error) {
	var out struct {
		Nodes []NodeInfo `json:"nodes"`
	}
	if err := GetJSON(ctx, p.base+"/nodes", &out); err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

// Assign stores a placement and returns it with the epoch the service chose.
func (p *PlacementClient) Assign(ctx context.Context, pl Placement) (Placement, error) {
	var out Placement
	if err := PostJSON(ctx, p.base+"/volumes/assign", pl, &out); err != nil {
		return Placement{}, err
	}
	return out, nil
}

// Volumes lists placements, only those holding a replica on node when it
// is not empty.
func (p *PlacementClient) Volumes(ctx context.Context, node string) ([]Placement, error) {
	u := p.base + "/volumes"
	if node != "" {
		u += "?node=" + url.QueryEscape(node)
	}
	var out struct {
		Volumes []Placement `json:"volumes"`
	}
	if err := GetJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return out.Volumes, nil
}

// Replace swaps one replica of a volume for another under a new epoch.
func (p *PlacementClient) Replace(ctx context.Context, volumeID, oldID, newID string) (Placement, error) {
	body := struct {
		VolumeID string `json:"volume_id"`
		Old      string `json:"old"`
		New      string `json:"new"`
	}{volumeID, oldID, newID}
	var out Placement
	if err := PostJSON(ctx, p.base+"/volumes/replace", body, &out); err != nil {
		return Placement{}, err
	}
	return out, nil
}

// Remove deletes a volume's placement. Removing an unknown volume is not
// an error.
func (p *PlacementClient) Remove(ctx context.Context, volumeID string) error {
	return doJSON(ctx, httpClient, http.MethodDelete, p.base+"/placement/"+url.PathEscape(volumeID), nil, nil)
}
