// Command placement runs the volrep placement service: the registry of
// volume replica sets and epochs, and the node directory replicas use to
// find each other.
//
// Configuration comes from CONFIG_FILE (YAML) and the environment:
//   - PLACEMENT_LISTEN: listen address (default ":8080")
//   - HEALTH_INTERVAL, HEALTH_FAILURES: node probing
//   - LOG_FORMAT, LOG_LEVEL
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/volrep/internal/cluster"
	"github.com/dreamware/volrep/internal/config"
	"github.com/dreamware/volrep/internal/logging"
	"github.com/dreamware/volrep/internal/placement"
)

// logFatal is a variable so tests can intercept fatal exits.
var logFatal = func(format string, args ...any) {
	slog.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logFatal("%v", err)
		return
	}
	if err := cfg.ValidatePlacement(); err != nil {
		logFatal("%v", err)
		return
	}
	log := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(log)

	srv := newServer(log)
	monitor := placement.NewHealthMonitor(cfg.HealthInterval.Std(), cfg.HealthFailures, log)
	monitor.SetOnStatusChange(srv.registry.SetNodeStatus)
	go monitor.Start(context.Background(), srv.registry.Nodes)

	httpSrv := &http.Server{
		Addr:              cfg.PlacementListen,
		Handler:           cluster.Middleware(log, srv.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("placement listening", slog.String("addr", cfg.PlacementListen))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	monitor.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error("shutdown", logging.Err(err))
	}
	log.Info("placement stopped")
}

type server struct {
	registry *placement.Registry
	log      *slog.Logger
}

func newServer(log *slog.Logger) *server {
	return &server{registry: placement.NewRegistry(), log: log}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /resolve/{node}", s.handleResolve)
	mux.HandleFunc("GET /volumes", s.handleListVolumes)
	mux.HandleFunc("POST /volumes/assign", s.handleAssign)
	mux.HandleFunc("POST /volumes/replace", s.handleReplace)
	mux.HandleFunc("GET /placement/{volume}", s.handleLookup)
	mux.HandleFunc("DELETE /placement/{volume}", s.handleRemove)
	return mux
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := cluster.ReadJSON(w, r, &req); err != nil {
		cluster.BadRequest(w, err.Error())
		return
	}
	if err := s.registry.Register(req.Node); err != nil {
		cluster.BadRequest(w, err.Error())
		return
	}
	s.log.Info("node registered", logging.Node(req.Node.ID), slog.String("addr", req.Node.Addr))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}{Nodes: s.registry.Nodes()})
}

func (s *server) handleResolve(w http.ResponseWriter, r *http.Request) {
	node, err := s.registry.Resolve(r.PathValue("node"))
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, node)
}

// handleListVolumes lists all placements, or with ?node= only the volumes
// that node holds a replica of.
func (s *server) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	var out []cluster.Placement
	if node := r.URL.Query().Get("node"); node != "" {
		for _, id := range s.registry.VolumesForNode(node) {
			if p, err := s.registry.Lookup(id); err == nil {
				out = append(out, p)
			}
		}
	} else {
		out = s.registry.All()
	}
	if out == nil {
		out = []cluster.Placement{}
	}
	cluster.WriteJSON(w, http.StatusOK, struct {
		Volumes []cluster.Placement `json:"volumes"`
	}{Volumes: out})
}

func (s *server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req cluster.Placement
	if err := cluster.ReadJSON(w, r, &req); err != nil {
		cluster.BadRequest(w, err.Error())
		return
	}
	p, err := s.registry.Assign(req)
	if err != nil {
		cluster.BadRequest(w, err.Error())
		return
	}
	s.log.Info("volume assigned", logging.Volume(p.VolumeID), logging.Coordinator(p.Coordinator),
		logging.Version(p.Epoch), logging.Quorum(p.Quorum), slog.Any("replicas", p.Replicas))
	cluster.WriteJSON(w, http.StatusOK, p)
}

type replaceRequest struct {
	VolumeID string `json:"volume_id"`
	Old      string `json:"old"`
	New      string `json:"new"`
}

func (s *server) handleReplace(w http.ResponseWriter, r *http.Request) {
	var req replaceRequest
	if err := cluster.ReadJSON(w, r, &req); err != nil {
		cluster.BadRequest(w, err.Error())
		return
	}
	p, err := s.registry.ReplaceReplica(req.VolumeID, req.Old, req.New)
	switch {
	case errors.Is(err, placement.ErrInvalidPlacement):
		cluster.BadRequest(w, err.Error())
		return
	case err != nil:
		cluster.WriteError(w, err)
		return
	}
	s.log.Info("replica replaced", logging.Volume(p.VolumeID), logging.From(req.Old), logging.To(req.New),
		logging.Version(p.Epoch))
	cluster.WriteJSON(w, http.StatusOK, p)
}

func (s *server) handleLookup(w http.ResponseWriter, r *http.Request) {
	p, err := s.registry.Lookup(r.PathValue("volume"))
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, p)
}

func (s *server) handleRemove(w http.ResponseWriter, r *http.Request) {
	s.registry.Remove(r.PathValue("volume"))
	w.WriteHeader(http.StatusNoContent)
}
