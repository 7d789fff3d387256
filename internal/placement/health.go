package placement

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/volrep/internal/cluster"
	"github.com/dreamware/volrep/internal/logging"
)

// Node liveness as reported in /nodes.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth tracks the health of a single node.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor checks every registered node's /health endpoint on an
// interval. A node becomes unhealthy after maxFailures consecutive failed
// checks and healthy again on the first success; each transition is
// reported through the status callback.
type HealthMonitor struct {
	log         *slog.Logger
	httpClient  *http.Client
	checkFunc   func(addr string) error
	onChange    func(nodeID, status string)
	interval    time.Duration
	maxFailures int

	mu    sync.RWMutex
	nodes map[string]*NodeHealth

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthMonitor creates a monitor that is idle until Start is called.
//
// Parameters:
//   - interval: time between check rounds
//   - maxFailures: consecutive failed checks before a node is unhealthy (3 when < 1)
//   - log: logger for transitions; slog.Default() when nil
//
// Example:
//
//	monitor := placement.NewHealthMonitor(5*time.Second, 3, log)
//	monitor.SetOnStatusChange(func(id, status string) {
//	    _ = registry.SetNodeStatus(id, status)
//	})
//	go monitor.Start(ctx, registry.Nodes)
//	defer monitor.Stop()
func NewHealthMonitor(interval time.Duration, maxFailures int, log *slog.Logger) *HealthMonitor {
	if maxFailures < 1 {
		maxFailures = 3
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &HealthMonitor{
		log:         log,
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		interval:    interval,
		maxFailures: maxFailures,
		nodes:       make(map[string]*NodeHealth),
		ctx:         ctx,
		cancel:      cancel,
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnStatusChange sets the callback run on every health transition. It
// is called without the monitor's lock held.
func (h *HealthMonitor) SetOnStatusChange(fn func(nodeID, status string)) {
	h.onChange = fn
}

// SetCheckFunction overrides the HTTP health check, for tests.
func (h *HealthMonitor) SetCheckFunction(fn func(addr string) error) {
	h.checkFunc = fn
}

// Start checks all nodes returned by nodes immediately and then every
// interval until ctx is canceled or Stop is called. It blocks.
func (h *HealthMonitor) Start(ctx context.Context, nodes func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info("health monitor started", slog.Duration("interval", h.interval))
	h.checkAll(nodes())
	for {
		select {
		case <-ticker.C:
			h.checkAll(nodes())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop cancels a running Start and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *HealthMonitor) checkAll(nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(node)
	}

	h.mu.Lock()
	for id := range h.nodes {
		if !current[id] {
			delete(h.nodes, id)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkNode(node cluster.NodeInfo) {
	h.mu.Lock()
	health, ok := h.nodes[node.ID]
	if !ok {
		now := time.Now()
		health = &NodeHealth{NodeID: node.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(node.Addr)

	h.mu.Lock()
	prev := health.Status
	health.LastCheck = time.Now()
	if err != nil {
		health.ConsecutiveFails++
		h.log.Debug("health check failed", logging.Node(node.ID), logging.Attempt(health.ConsecutiveFails), logging.Err(err))
		if health.ConsecutiveFails >= h.maxFailures {
			health.Status = StatusUnhealthy
		}
	} else {
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
	}
	status := health.Status
	h.mu.Unlock()

	if status == prev {
		return
	}
	h.log.Info("node health changed", logging.Node(node.ID), logging.From(prev), logging.To(status))
	if h.onChange != nil {
		h.onChange(node.ID, status)
	}
}

func (h *HealthMonitor) defaultHealthCheck(addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	url = strings.TrimRight(url, "/") + "/health"

	req, err := http.NewRequestWithContext(h.ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// NodeHealth returns a copy of a node's health record, or nil if the node
// is not monitored.
func (h *HealthMonitor) NodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	if !ok {
		return nil
	}
	c := *health
	return &c
}

// AllNodeHealth returns a copy of every tracked node's health, keyed by
// node id.
func (h *HealthMonitor) AllNodeHealth() map[string]NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		out[id] = *health
	}
	return out
}

// IsHealthy reports whether nodeID passed its last checks. Nodes never
// checked are not healthy.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	return ok && health.Status == StatusHealthy
}
