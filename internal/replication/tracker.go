package replication

import (
	"sync"

	"github.com/dreamware/volrep/internal/cluster"
)

// tracker counts in-flight work against a group so Close can wait for it.
// Each unit of work holds a guard for its lifetime.
type tracker struct {
	mu      sync.Mutex
	n       int
	closing bool
	drained chan struct{}
}

func newTracker() *tracker {
	return &tracker{drained: make(chan struct{})}
}

type guard struct {
	once sync.Once
	t    *tracker
}

// acquire registers one unit of work. It fails with cluster.ErrClosed once
// close has begun.
func (t *tracker) acquire() (*guard, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return nil, cluster.ErrClosed
	}
	t.n++
	return &guard{t: t}, nil
}

// Release may be called any number of times; only the first counts.
func (g *guard) Release() {
	g.once.Do(g.t.release)
}

func (t *tracker) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 && t.closing {
		close(t.drained)
	}
}

// close stops new acquisitions and returns a channel closed when the last
// guard is released.
func (t *tracker) close() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closing {
		t.closing = true
		if t.n == 0 {
			close(t.drained)
		}
	}
	return t.drained
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}
