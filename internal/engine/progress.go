package engine

import "sync"

// progressGate coalesces executor progress reports. It keeps progress
// monotonic, lets a write through only once the value has grown by step
// points since the last write, and never writes 100: completion does that.
// After close, reports are dropped so a timed-out executor cannot touch the
// task again.
type progressGate struct {
	mu        sync.Mutex
	step      int
	current   int
	persisted int
	closed    bool
}

func newProgressGate(step int) *progressGate {
	if step <= 0 {
		step = defaultProgressStep
	}
	return &progressGate{step: step}
}

// report records pct and calls persist, under the gate's lock, when a write
// is due.
func (g *progressGate) report(pct int, persist func(int)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	pct = clampPercent(pct)
	if pct <= g.current {
		return
	}
	g.current = pct
	if pct >= 100 || pct-g.persisted < g.step {
		return
	}
	g.persisted = pct
	persist(pct)
}

// close stops further writes. It waits for an in-flight write to finish.
func (g *progressGate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
