package blockbuf

// gate is a manual-reset event. While open, waiters pass straight through;
// while closed, they block on ch until the next open.
//
// A gate has no lock of its own. Every method must be called with the
// owning Buffer's mutex held, and waiters must take the channel from wait
// under that same lock before releasing it, so an open between the check
// and the select is never lost.
type gate struct {
	ch   chan struct{}
	open bool
}

func newGate(open bool) gate {
	g := gate{ch: make(chan struct{})}
	if open {
		g.set()
	}
	return g
}

// set opens the gate and releases every parked waiter.
func (g *gate) set() {
	if g.open {
		return
	}
	close(g.ch)
	g.open = true
}

// reset closes the gate. Waiters that arrive afterwards park on a fresh
// channel.
func (g *gate) reset() {
	if !g.open {
		return
	}
	g.ch = make(chan struct{})
	g.open = false
}

// wait returns the channel that is closed when the gate next opens.
func (g *gate) wait() <-chan struct{} {
	return g.ch
}
