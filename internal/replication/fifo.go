package replication

import "sync"

// fifo runs functions one at a time, in submission order, on its own
// goroutine. Push never blocks the caller.
type fifo struct {
	mu       sync.Mutex
	resume   chan struct{}
	pendings []func()
	stopping bool

	donec chan struct{}
}

func newFIFO() *fifo {
	f := &fifo{
		resume: make(chan struct{}, 1),
		donec:  make(chan struct{}),
	}
	go f.run()
	return f
}

// push queues fn. It reports false once stop has been called.
func (f *fifo) push(fn func()) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopping {
		return false
	}
	f.pendings = append(f.pendings, fn)
	f.wake()
	return true
}

func (f *fifo) wake() {
	select {
	case f.resume <- struct{}{}:
	default:
	}
}

func (f *fifo) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pendings)
}

// stop refuses new work, runs what is already queued and waits for the
// goroutine to exit.
func (f *fifo) stop() {
	f.mu.Lock()
	f.stopping = true
	f.wake()
	f.mu.Unlock()
	<-f.donec
}

func (f *fifo) run() {
	defer close(f.donec)
	for {
		f.mu.Lock()
		if len(f.pendings) == 0 {
			stopping := f.stopping
			f.mu.Unlock()
			if stopping {
				return
			}
			<-f.resume
			continue
		}
		todo := f.pendings[0]
		f.pendings[0] = nil
		f.pendings = f.pendings[1:]
		f.mu.Unlock()

		todo()
	}
}

// job is a unit of work on the group state. The state pointer is only ever
// handed to jobs, so every mutation happens on the executor goroutine.
type job func(st *groupState)

type executor struct {
	q  *fifo
	st *groupState
}

func newExecutor(st *groupState) *executor {
	return &executor{q: newFIFO(), st: st}
}

func (e *executor) schedule(j job) bool {
	return e.q.push(func() { j(e.st) })
}

func (e *executor) stop() { e.q.stop() }
