package replication

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/volrep/internal/cluster"
	"github.com/dreamware/volrep/internal/logging"
)

// Manager keeps the volume group handles of one node. Handles are created
// and opened on first use: as coordinator when placement names this node,
// as reader otherwise.
type Manager struct {
	self      string
	locator   Locator
	transport Transport
	opts      []Option
	log       *slog.Logger

	mu     sync.Mutex
	groups map[string]*managedGroup
	closed bool
}

type managedGroup struct {
	g     *VolumeGroup
	err   error
	ready chan struct{}
}

// NewManager creates a Manager for node self. The options apply to every
// group it opens.
func NewManager(self string, locator Locator, transport Transport, opts ...Option) (*Manager, error) {
	var cfg config
	if err := cfg.init(opts...); err != nil {
		return nil, err
	}
	return &Manager{
		self:      self,
		locator:   locator,
		transport: transport,
		opts:      opts,
		log:       cfg.logger.With(logging.Node(self)),
		groups:    make(map[string]*managedGroup),
	}, nil
}

// Group returns the open handle for a volume, opening it if needed.
// Concurrent callers share one open; a failed open is not cached.
func (m *Manager) Group(ctx context.Context, volumeID string) (*VolumeGroup, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, cluster.ErrClosed
	}
	if mg, ok := m.groups[volumeID]; ok {
		m.mu.Unlock()
		select {
		case <-mg.ready:
			return mg.g, mg.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	mg := &managedGroup{ready: make(chan struct{})}
	m.groups[volumeID] = mg
	m.mu.Unlock()

	mg.g, mg.err = m.open(ctx, volumeID)
	if mg.err != nil {
		m.mu.Lock()
		if m.groups[volumeID] == mg {
			delete(m.groups, volumeID)
		}
		m.mu.Unlock()
	}
	close(mg.ready)
	return mg.g, mg.err
}

func (m *Manager) open(ctx context.Context, volumeID string) (*VolumeGroup, error) {
	pl, err := m.locator.Lookup(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	g, err := New(volumeID, m.self, pl.Coordinator == m.self, m.locator, m.transport, m.opts...)
	if err != nil {
		return nil, err
	}
	if err := g.Open(ctx); err != nil {
		if cerr := g.Close(context.Background()); cerr != nil {
			m.log.Warn("close after failed open", logging.Volume(volumeID), logging.Err(cerr))
		}
		return nil, err
	}
	return g, nil
}

// Relinquish gives up coordination of a volume at another node's request.
// The local handle is closed once its in-flight requests finish, so the
// requester can take the replicas over with a forced open.
func (m *Manager) Relinquish(ctx context.Context, volumeID, requester string) error {
	m.mu.Lock()
	mg, ok := m.groups[volumeID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-mg.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if mg.err != nil || !mg.g.IsCoordinator() {
		return nil
	}

	m.mu.Lock()
	if m.groups[volumeID] == mg {
		delete(m.groups, volumeID)
	}
	m.mu.Unlock()

	m.log.Info("relinquishing coordination", logging.Volume(volumeID), logging.Coordinator(requester))
	return mg.g.Close(ctx)
}

// Volumes lists the volumes with an open handle, sorted.
func (m *Manager) Volumes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.groups))
	for id, mg := range m.groups {
		select {
		case <-mg.ready:
			if mg.err == nil {
				out = append(out, id)
			}
		default:
		}
	}
	slices.Sort(out)
	return out
}

// Close closes every handle, waiting for in-flight requests.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	groups := make([]*managedGroup, 0, len(m.groups))
	for _, mg := range m.groups {
		groups = append(groups, mg)
	}
	m.groups = make(map[string]*managedGroup)
	m.mu.Unlock()

	var eg errgroup.Group
	for _, mg := range groups {
		eg.Go(func() error {
			select {
			case <-mg.ready:
			case <-ctx.Done():
				return ctx.Err()
			}
			if mg.err != nil {
				return nil
			}
			return mg.g.Close(ctx)
		})
	}
	return eg.Wait()
}
