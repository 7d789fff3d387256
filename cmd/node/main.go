// Command node runs a volrep node. A node stores replicas of the volumes
// placement assigns to it and coordinates the volumes it is named
// coordinator of.
//
//	┌──────────────────────────────────────────────┐
//	│                    node                      │
//	├──────────────────────────────────────────────┤
//	│  replica side (volume.Host)                  │
//	│    /volumes/{id}/open|groupinfo|write|read   │
//	│  coordinator side (replication.Manager)      │
//	│    /groups/{id}/put|delete|get|status        │
//	│    /groups/{id}/add|switch                   │
//	│  /health  /info                              │
//	└──────────────────────────────────────────────┘
//
// Configuration comes from CONFIG_FILE (YAML) and the environment:
//   - NODE_ID: node identifier (generated when unset)
//   - NODE_LISTEN: listen address (default ":8081")
//   - NODE_ADDR: public address registered with placement
//   - PLACEMENT_ADDR: placement service URL
//   - DATA_DIR: bbolt data directory; replicas live in memory when unset
//
// Example:
//
//	NODE_ID=n1 NODE_LISTEN=:8081 NODE_ADDR=http://localhost:8081 \
//	PLACEMENT_ADDR=http://localhost:8080 DATA_DIR=/var/lib/volrep ./node
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

	"github.com/google/uuid"

	"github.com/dreamware/volrep/internal/cluster"
	"github.com/dreamware/volrep/internal/config"
	"github.com/dreamware/volrep/internal/logging"
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
	generated := cfg.NodeID == ""
	if generated {
		cfg.NodeID = "node-" + uuid.NewString()[:8]
	}
	if err := cfg.ValidateNode(); err != nil {
		logFatal("%v", err)
		return
	}
	log := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel).With(logging.Node(cfg.NodeID))
	slog.SetDefault(log)
	if generated {
		log.Warn("NODE_ID not set, using a generated id")
	}

	pc := cluster.NewPlacementClient(cfg.PlacementAddr)
	n, err := NewNode(cfg, pc, cluster.NewClient(pc, cfg.Replication.RPCTimeout.Std()), log)
	if err != nil {
		logFatal("node: %v", err)
		return
	}

	s := &http.Server{
		Addr:              cfg.Listen,
		Handler:           cluster.Middleware(log, n.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("node listening", slog.String("listen", cfg.Listen), slog.String("public", cfg.Addr))
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal("listen: %v", err)
		}
	}()

	ctx := context.Background()
	register(ctx, pc, cluster.NodeInfo{ID: cfg.NodeID, Addr: cfg.Addr}, log)
	n.activateAssigned(ctx, pc)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		log.Error("server shutdown", logging.Err(err))
	}
	if err := n.Close(ctx); err != nil {
		log.Error("node shutdown", logging.Err(err))
	}
	log.Info("node stopped")
}

var (
	registerAttempts = 10
	registerWait     = 400 * time.Millisecond
)

// register announces the node to placement, retrying while placement
// starts up. A node that cannot register is useless, so failure is fatal.
func register(ctx context.Context, pc *cluster.PlacementClient, node cluster.NodeInfo, log *slog.Logger) {
	var lastErr error
	for i := 0; i < registerAttempts; i++ {
		lastErr = pc.Register(ctx, node)
		if lastErr == nil {
			log.Info("registered with placement")
			return
		}
		log.Warn("register retry", logging.Attempt(i+1), logging.Err(lastErr))
		time.Sleep(registerWait)
	}
	logFatal("failed to register with placement: %v", lastErr)
}

// activateAssigned activates every volume placement already lists for this
// node, so replicas recovered from disk answer opens right away.
func (n *Node) activateAssigned(ctx context.Context, pc *cluster.PlacementClient) {
	vols, err := pc.Volumes(ctx, n.ID)
	if err != nil {
		n.log.Warn("listing assigned volumes", logging.Err(err))
		return
	}
	for _, p := range vols {
		if _, err := n.host.Activate(p.VolumeID); err != nil {
			n.log.Error("activate volume", logging.Volume(p.VolumeID), logging.Err(err))
		}
	}
}
