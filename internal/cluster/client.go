package cluster

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Resolver maps a node identifier to the base URL it serves on.
type Resolver interface {
	Resolve(ctx context.Context, nodeID string) (string, error)
}

// StaticResolver resolves from a fixed map, for tests and fixed deployments.
type StaticResolver map[string]string

func (s StaticResolver) Resolve(_ context.Context, nodeID string) (string, error) {
	addr, ok := s[nodeID]
	if !ok {
		return "", fmt.Errorf("resolve %s: %w", nodeID, ErrNotFound)
	}
	return addr, nil
}

// Client issues volume protocol RPCs to replica services over HTTP+JSON.
// Protocol errors reported in a response body are returned as the matching
// sentinel error together with the decoded response.
type Client struct {
	resolver Resolver
	http     *http.Client
}

// NewClient creates a client. A zero timeout keeps the package default of 5s.
func NewClient(resolver Resolver, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = httpClient.Timeout
	}
	return &Client{
		resolver: resolver,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) endpoint(ctx context.Context, nodeID, format string, args ...any) (string, error) {
	base, err := c.resolver.Resolve(ctx, nodeID)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(base, "/") + fmt.Sprintf(format, args...), nil
}

func (c *Client) post(ctx context.Context, nodeID string, body, out any, format string, args ...any) error {
	u, err := c.endpoint(ctx, nodeID, format, args...)
	if err != nil {
		return err
	}
	return doJSON(ctx, c.http, http.MethodPost, u, body, out)
}

// Open asks a replica for its sequence id and coordinator opinion.
func (c *Client) Open(ctx context.Context, replicaID string, req OpenVolumeRequest) (OpenVolumeResponse, error) {
	var resp OpenVolumeResponse
	if err := c.post(ctx, replicaID, req, &resp, "/volumes/%s/open", url.PathEscape(req.VolumeID)); err != nil {
		return resp, err
	}
	return resp, resp.Error.Err()
}

// UpdateGroupInfo pushes resolved membership to a replica.
func (c *Client) UpdateGroupInfo(ctx context.Context, replicaID string, info GroupInfo) error {
	var resp GroupInfoResponse
	if err := c.post(ctx, replicaID, info, &resp, "/volumes/%s/groupinfo", url.PathEscape(info.GroupID)); err != nil {
		return err
	}
	return resp.Error.Err()
}

// Write sends one replicated write to a replica.
func (c *Client) Write(ctx context.Context, replicaID string, req WriteRequest) (WriteResponse, error) {
	var resp WriteResponse
	if err := c.post(ctx, replicaID, req, &resp, "/volumes/%s/write", url.PathEscape(req.Header.GroupID)); err != nil {
		return resp, err
	}
	return resp, resp.Error.Err()
}

// Read fetches a key from a replica.
func (c *Client) Read(ctx context.Context, replicaID string, req ReadRequest) (ReadResponse, error) {
	var resp ReadResponse
	if err := c.post(ctx, replicaID, req, &resp, "/volumes/%s/read", url.PathEscape(req.VolumeID)); err != nil {
		return resp, err
	}
	return resp, resp.Error.Err()
}

// SwitchCoordinator asks another node to take over as coordinator of a volume.
func (c *Client) SwitchCoordinator(ctx context.Context, coordinatorID string, req SwitchCoordinatorRequest) error {
	var resp SwitchCoordinatorResponse
	if err := c.post(ctx, coordinatorID, req, &resp, "/groups/%s/switch", url.PathEscape(req.VolumeID)); err != nil {
		return err
	}
	return resp.Error.Err()
}

// AddToGroup is sent by a replica to its coordinator to move through the
// rejoin states.
func (c *Client) AddToGroup(ctx context.Context, coordinatorID string, req AddToGroupRequest) (AddToGroupResponse, error) {
	var resp AddToGroupResponse
	if err := c.post(ctx, coordinatorID, req, &resp, "/groups/%s/add", url.PathEscape(req.VolumeID)); err != nil {
		return resp, err
	}
	return resp, resp.Error.Err()
}
