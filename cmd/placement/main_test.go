package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/volrep/internal/cluster"
	"github.com/dreamware/volrep/internal/logging"
	"github.com/dreamware/volrep/internal/placement"
)

func newTestService(t *testing.T) (*server, *cluster.PlacementClient) {
	t.Helper()
	srv := newServer(logging.Discard())
	ts := httptest.NewServer(cluster.Middleware(logging.Discard(), srv.routes()))
	t.Cleanup(ts.Close)
	return srv, cluster.NewPlacementClient(ts.URL)
}

func TestHandleRegister(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{"successful registration", `{"node":{"id":"n1","addr":"http://localhost:8081"}}`, http.StatusNoContent},
		{"missing id", `{"node":{"addr":"http://localhost:8081"}}`, http.StatusBadRequest},
		{"missing address", `{"node":{"id":"n1"}}`, http.StatusBadRequest},
		{"invalid json", `{"node":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(logging.Discard())
			req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			srv.routes().ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedStatus == http.StatusNoContent {
				assert.Len(t, srv.registry.Nodes(), 1)
			} else {
				assert.Empty(t, srv.registry.Nodes())
			}
		})
	}
}

func TestNodeDirectoryRoundTrip(t *testing.T) {
	srv, pc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, pc.Register(ctx, cluster.NodeInfo{ID: "n2", Addr: "http://n2"}))
	require.NoError(t, pc.Register(ctx, cluster.NodeInfo{ID: "n1", Addr: "http://n1"}))
	srv.registry.SetNodeStatus("n1", placement.StatusHealthy)

	nodes, err := pc.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, cluster.NodeInfo{ID: "n1", Addr: "http://n1", Status: placement.StatusHealthy}, nodes[0])

	addr, err := pc.Resolve(ctx, "n2")
	require.NoError(t, err)
	assert.Equal(t, "http://n2", addr)

	_, err = pc.Resolve(ctx, "ghost")
	assert.ErrorIs(t, err, cluster.ErrNotFound)
}

func TestPlacementRoundTrip(t *testing.T) {
	_, pc := newTestService(t)
	ctx := context.Background()

	_, err := pc.Lookup(ctx, "vol-1")
	assert.ErrorIs(t, err, cluster.ErrNotFound)

	p, err := pc.Assign(ctx, cluster.Placement{VolumeID: "vol-1", Replicas: []string{"n1", "n2", "n3"}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Epoch)
	assert.Equal(t, "n1", p.Coordinator)
	assert.Equal(t, 2, p.Quorum)

	got, err := pc.Lookup(ctx, "vol-1")
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = pc.Assign(ctx, cluster.Placement{VolumeID: "vol-2", Replicas: []string{"n2", "n4"}})
	require.NoError(t, err)

	all, err := pc.Volumes(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	onN1, err := pc.Volumes(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, onN1, 1)
	assert.Equal(t, "vol-1", onN1[0].VolumeID)
	none, err := pc.Volumes(ctx, "n9")
	require.NoError(t, err)
	assert.Empty(t, none)

	p, err = pc.Replace(ctx, "vol-1", "n3", "n4")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p.Epoch)
	assert.Equal(t, []string{"n1", "n2", "n4"}, p.Replicas)

	_, err = pc.Replace(ctx, "vol-9", "n1", "n2")
	assert.ErrorIs(t, err, cluster.ErrNotFound)

	require.NoError(t, pc.Remove(ctx, "vol-1"))
	_, err = pc.Lookup(ctx, "vol-1")
	assert.ErrorIs(t, err, cluster.ErrNotFound)
}

func TestHandleAssignRejectsInvalid(t *testing.T) {
	srv := newServer(logging.Discard())
	tests := []struct {
		name string
		body any
	}{
		{"no replicas", cluster.Placement{VolumeID: "vol-1"}},
		{"coordinator outside set", cluster.Placement{VolumeID: "vol-1", Replicas: []string{"n1"}, Coordinator: "n2"}},
		{"bad json", "not a placement"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, _ := json.Marshal(tt.body)
			w := httptest.NewRecorder()
			srv.routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/volumes/assign", bytes.NewReader(raw)))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Empty(t, srv.registry.All())
}

func TestRoutesMethods(t *testing.T) {
	srv := newServer(logging.Discard())
	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/register", http.StatusMethodNotAllowed},
		{http.MethodPost, "/nodes", http.StatusMethodNotAllowed},
		{http.MethodGet, "/volumes", http.StatusOK},
		{http.MethodGet, "/volumes/assign", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/placement/vol-1", http.StatusNoContent},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		srv.routes().ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
		assert.Equal(t, tt.want, w.Code, "%s %s", tt.method, tt.path)
	}
}
