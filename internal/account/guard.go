package account

import "sync"

// State is the lifecycle state of an Account.
type State int

const (
	StateUninitialized State = iota
	StateConfiguring
	StateConfigured
	StateIORunning
	StateIOStopped
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfiguring:
		return "configuring"
	case StateConfigured:
		return "configured"
	case StateIORunning:
		return "io_running"
	case StateIOStopped:
		return "io_stopped"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Exclusive operations tracked by the guard.
const (
	opConfigure = "configure"
	opStartIO   = "start_io"
	opRestore   = "restore"
	opExport    = "export"
)

// guard is the single place where lifecycle transitions are checked. At
// most one exclusive operation runs at a time, configure and restore only
// run with IO stopped, and IO only starts on a configured account with no
// operation in flight.
type guard struct {
	mu   sync.Mutex
	idle *sync.Cond

	op         string
	configured bool
	ioRunning  bool
	ioStarted  bool
	closed     bool
}

func newGuard(configured bool) *guard {
	g := &guard{configured: configured}
	g.idle = sync.NewCond(&g.mu)
	return g
}

// begin claims the exclusive slot for op or reports why it cannot run.
func (g *guard) begin(op string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	if g.op == opConfigure {
		return ErrConfigureInProgress
	}
	if g.op != "" {
		return ErrBusy
	}

	switch op {
	case opConfigure, opRestore, opExport:
		if g.ioRunning {
			return ErrIORunning
		}
	case opStartIO:
		if !g.configured {
			return ErrNotConfigured
		}
	}

	g.op = op
	return nil
}

// end releases the slot. apply, when non-nil, runs under the lock so its
// changes become visible together with the release.
func (g *guard) end(apply func(g *guard)) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if apply != nil {
		apply(g)
	}
	g.op = ""
	g.idle.Broadcast()
}

// close marks the guard closed and waits for an in-flight operation. It
// reports false if the guard was already closed.
func (g *guard) close() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return false
	}
	g.closed = true
	for g.op != "" {
		g.idle.Wait()
	}
	return true
}

func (g *guard) setIORunning(running bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ioRunning = running
	if running {
		g.ioStarted = true
	}
}

func (g *guard) snapshot() (closed, configured, ioRunning bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed, g.configured, g.ioRunning
}

func (g *guard) state() State {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.closed:
		return StateClosed
	case g.op == opConfigure:
		return StateConfiguring
	case g.ioRunning:
		return StateIORunning
	case !g.configured:
		return StateUninitialized
	case g.ioStarted:
		return StateIOStopped
	default:
		return StateConfigured
	}
}
