package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	crdberrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/volrep/internal/cluster"
	"github.com/dreamware/volrep/internal/config"
	"github.com/dreamware/volrep/internal/logging"
	"github.com/dreamware/volrep/internal/replication"
	"github.com/dreamware/volrep/internal/volume"
)

// Transport is everything a node sends to other nodes: the replication
// transport for the groups it coordinates or reads through, and AddToGroup
// for its replicas' rejoins. *cluster.Client implements it.
type Transport interface {
	replication.Transport
	volume.Coordinator
}

// Node is one process of the cluster: the replicas it stores and the
// volume group handles it runs.
type Node struct {
	ID      string
	locator replication.Locator
	host    *volume.Host
	groups  *replication.Manager
	log     *slog.Logger
}

// NewNode wires a node's replica host and group manager.
//
// Parameters:
//   - cfg: node configuration; DataDir selects bbolt storage over memory
//   - locator: placement lookup, usually the placement client
//   - transport: client used to reach other nodes
//   - log: logger tagged with the node id
//
// Returns an error when cfg.Replication holds invalid values.
func NewNode(cfg config.Config, locator replication.Locator, transport Transport, log *slog.Logger) (*Node, error) {
	rc := cfg.Replication
	groups, err := replication.NewManager(cfg.NodeID, locator, transport,
		replication.WithRecheckInterval(rc.RecheckInterval.Std()),
		replication.WithSwitchTimeout(rc.SwitchTimeout.Std()),
		replication.WithRPCTimeout(rc.RPCTimeout.Std()),
		replication.WithBufferCapacity(rc.BufferCapacity),
		replication.WithMaxSwitchRetries(rc.MaxSwitchRetries),
		replication.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	host := volume.NewHost(cfg.NodeID, cfg.DataDir, transport, volume.Options{
		RejoinRetries: rc.RejoinRetries,
		RPCTimeout:    rc.RPCTimeout.Std(),
		Logger:        log,
	})
	return &Node{ID: cfg.NodeID, locator: locator, host: host, groups: groups, log: log}, nil
}

// Close closes every volume group this node runs, then its replicas.
func (n *Node) Close(ctx context.Context) error {
	return errors.Join(n.groups.Close(ctx), n.host.Close())
}

func (n *Node) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /info", n.handleInfo)

	mux.HandleFunc("POST /volumes/{id}/open", n.handleOpen)
	mux.HandleFunc("POST /volumes/{id}/groupinfo", n.handleGroupInfo)
	mux.HandleFunc("POST /volumes/{id}/write", n.handleWrite)
	mux.HandleFunc("POST /volumes/{id}/read", n.handleReplicaRead)

	mux.HandleFunc("POST /groups/{id}/put", n.handlePut)
	mux.HandleFunc("POST /groups/{id}/delete", n.handleDelete)
	mux.HandleFunc("GET /groups/{id}/get", n.handleGet)
	mux.HandleFunc("GET /groups/{id}/status", n.handleStatus)
	mux.HandleFunc("POST /groups/{id}/add", n.handleAdd)
	mux.HandleFunc("POST /groups/{id}/switch", n.handleSwitch)
	return mux
}

// replica returns the local replica of a volume, activating it when
// placement lists this node among the volume's replicas.
func (n *Node) replica(ctx context.Context, volumeID string) (*volume.Replica, error) {
	r, err := n.host.Replica(volumeID)
	if !errors.Is(err, cluster.ErrVolumeNotActivated) {
		return r, err
	}
	pl, lerr := n.locator.Lookup(ctx, volumeID)
	if lerr != nil || !slices.Contains(pl.Replicas, n.ID) {
		return nil, err
	}
	n.log.Info("activating volume", logging.Volume(volumeID), logging.Version(pl.Epoch))
	return n.host.Activate(volumeID)
}

// Replica side. These answer 200 with the protocol error code in the body.

func (n *Node) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req cluster.OpenVolumeRequest
	if err := cluster.ReadJSON(w, r, &req); err != nil {
		cluster.BadRequest(w, err.Error())
		return
	}
	req.VolumeID = r.PathValue("id")
	var resp cluster.OpenVolumeResponse
	rep, err := n.replica(r.Context(), req.VolumeID)
	if err == nil {
		resp, err = rep.Open(req)
	}
	resp.Error = cluster.CodeOf(err)
	cluster.WriteJSON(w, http.StatusOK, resp)
}

func (n *Node) handleGroupInfo(w http.ResponseWriter, r *http.Request) {
	var info cluster.GroupInfo
	if err := cluster.ReadJSON(w, r, &info); err != nil {
		cluster.BadRequest(w, err.Error())
		return
	}
	rep, err := n.replica(r.Context(), r.PathValue("id"))
	if err == nil {
		err = rep.UpdateGroupInfo(info)
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.GroupInfoResponse{Error: cluster.CodeOf(err)})
}

func (n *Node) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req cluster.WriteRequest
	if err := cluster.ReadJSON(w, r, &req); err != nil {
		cluster.BadRequest(w, err.Error())
		return
	}
	var resp cluster.WriteResponse
	rep, err := n.host.Replica(r.PathValue("id"))
	if err == nil {
		resp, err = rep.ApplyWrite(req.Header, req.Payload)
	}
	if err != nil {
		n.log.Debug("write refused", logging.Volume(r.PathValue("id")), logging.OpID(req.Header.OpID), logging.Err(err))
	}
	resp.Error = cluster.CodeOf(err)
	cluster.WriteJSON(w, http.StatusOK, resp)
}

func (n *Node) handleReplicaRead(w http.ResponseWriter, r *http.Request) {
	var req cluster.ReadRequest
	if err := cluster.ReadJSON(w, r, &req); err != nil {
		cluster.BadRequest(w, err.Error())
		return
	}
	var resp cluster.ReadResponse
	rep, err := n.host.Replica(r.PathValue("id"))
	if err == nil {
		resp, err = rep.Read(req.Key)
	}
	resp.Error = cluster.CodeOf(err)
	cluster.WriteJSON(w, http.StatusOK, resp)
}

// Coordinator side.

type keyValue struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

func (n *Node) mutate(w http.ResponseWriter, r *http.Request, op cluster.MutationOp) {
	var kv keyValue
	if err := cluster.ReadJSON(w, r, &kv); err != nil {
		cluster.BadRequest(w, err.Error())
		return
	}
	m := cluster.Mutation{Op: op, Key: kv.Key}
	if op == cluster.OpPut {
		m.Value = []byte(kv.Value)
	}
	payload, err := cluster.EncodeMutation(m)
	if err != nil {
		cluster.BadRequest(w, err.Error())
		return
	}
	g, err := n.groups.Group(r.Context(), r.PathValue("id"))
	if err != nil {
		n.writeGroupError(w, r.PathValue("id"), err)
		return
	}
	res, err := g.Write(r.Context(), payload)
	if err != nil {
		n.writeGroupError(w, g.ID(), err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, res)
}

// writeGroupError answers a failed coordinator-side call. A group stopped
// by a broken invariant is also logged with its stack, since it serves
// nothing until the node restarts.
func (n *Node) writeGroupError(w http.ResponseWriter, volumeID string, err error) {
	if crdberrors.HasAssertionFailure(err) {
		n.log.Error("volume group integrity failure", logging.Volume(volumeID), slog.String("detail", fmt.Sprintf("%+v", err)))
	}
	cluster.WriteError(w, err)
}

func (n *Node) handlePut(w http.ResponseWriter, r *http.Request) {
	n.mutate(w, r, cluster.OpPut)
}

func (n *Node) handleDelete(w http.ResponseWriter, r *http.Request) {
	n.mutate(w, r, cluster.OpDelete)
}

type getResponse struct {
	Key        string `json:"key"`
	Value      string `json:"value"`
	SequenceID uint64 `json:"sequence_id"`
}

func (n *Node) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		cluster.BadRequest(w, "key is required")
		return
	}
	g, err := n.groups.Group(r.Context(), r.PathValue("id"))
	if err != nil {
		n.writeGroupError(w, r.PathValue("id"), err)
		return
	}
	resp, err := g.Read(r.Context(), key)
	if err != nil {
		n.writeGroupError(w, g.ID(), err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, getResponse{Key: key, Value: string(resp.Value), SequenceID: resp.SequenceID})
}

func (n *Node) handleStatus(w http.ResponseWriter, r *http.Request) {
	g, err := n.groups.Group(r.Context(), r.PathValue("id"))
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	st, err := g.Status(r.Context())
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, st)
}

func (n *Node) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req cluster.AddToGroupRequest
	if err := cluster.ReadJSON(w, r, &req); err != nil {
		cluster.BadRequest(w, err.Error())
		return
	}
	var resp cluster.AddToGroupResponse
	g, err := n.groups.Group(r.Context(), r.PathValue("id"))
	if err == nil {
		var info cluster.GroupInfo
		info, err = g.AddToGroup(r.Context(), req)
		if err == nil {
			resp.GroupInfo = &info
		}
	}
	resp.Error = cluster.CodeOf(err)
	cluster.WriteJSON(w, http.StatusOK, resp)
}

func (n *Node) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req cluster.SwitchCoordinatorRequest
	if err := cluster.ReadJSON(w, r, &req); err != nil {
		cluster.BadRequest(w, err.Error())
		return
	}
	err := n.groups.Relinquish(r.Context(), r.PathValue("id"), req.RequesterID)
	cluster.WriteJSON(w, http.StatusOK, cluster.SwitchCoordinatorResponse{Error: cluster.CodeOf(err)})
}

type nodeInfo struct {
	NodeID   string        `json:"node_id"`
	Replicas []volume.Info `json:"replicas"`
	Groups   []string      `json:"groups"`
}

func (n *Node) handleInfo(w http.ResponseWriter, _ *http.Request) {
	info := nodeInfo{NodeID: n.ID, Replicas: []volume.Info{}, Groups: n.groups.Volumes()}
	for _, id := range n.host.Volumes() {
		if rep, err := n.host.Replica(id); err == nil {
			info.Replicas = append(info.Replicas, rep.Info())
		}
	}
	cluster.WriteJSON(w, http.StatusOK, info)
}
