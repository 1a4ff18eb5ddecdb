// Package throttle rate-limits state emissions to observers.
package throttle

import (
	"sync"
	"time"

	"marketsync/internal/clock"
	"marketsync/internal/metrics"
)

// Gate emits at most one value per interval. The first value after an idle
// period goes out immediately; values offered during the window overwrite a
// single pending slot, which is emitted when the window closes. The last
// value offered is therefore always delivered.
type Gate[T any] struct {
	interval time.Duration
	clock    clock.Clock
	emit     func(T)
	metrics  *metrics.Metrics

	mu         sync.Mutex
	timer      clock.Timer
	gen        uint64
	pending    T
	hasPending bool
	stopped    bool

	emitMu    sync.Mutex // keeps emissions ordered
	delivered uint64     // window generation of the last emission
}

// NewGate creates a gate calling emit at most once per interval
func NewGate[T any](interval time.Duration, clk clock.Clock, m *metrics.Metrics, emit func(T)) *Gate[T] {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Gate[T]{interval: interval, clock: clk, emit: emit, metrics: m}
}

// Offer submits a value for emission
func (g *Gate[T]) Offer(v T) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	if g.timer != nil {
		if g.hasPending {
			g.metrics.IncCoalesced()
		}
		g.pending = v
		g.hasPending = true
		g.mu.Unlock()
		return
	}
	gen := g.scheduleLocked()
	g.mu.Unlock()

	g.deliver(gen, v)
}

// Flush emits v immediately, drops any pending value and restarts the window
func (g *Gate[T]) Flush(v T) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	var zero T
	g.pending = zero
	g.hasPending = false
	gen := g.scheduleLocked()
	g.mu.Unlock()

	g.deliver(gen, v)
}

// Stop cancels the window timer. Pending values are discarded.
func (g *Gate[T]) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	var zero T
	g.pending = zero
	g.hasPending = false
}

// scheduleLocked starts a new window. Callbacks from earlier windows are
// ignored by generation.
func (g *Gate[T]) scheduleLocked() uint64 {
	g.gen++
	gen := g.gen
	g.timer = g.clock.AfterFunc(g.interval, func() { g.tick(gen) })
	return gen
}

func (g *Gate[T]) tick(gen uint64) {
	g.mu.Lock()
	if g.stopped || gen != g.gen {
		g.mu.Unlock()
		return
	}
	if !g.hasPending {
		g.timer = nil
		g.mu.Unlock()
		return
	}
	v := g.pending
	var zero T
	g.pending = zero
	g.hasPending = false
	next := g.scheduleLocked()
	g.mu.Unlock()

	g.deliver(next, v)
}

// deliver emits v unless a value from a later window already went out
func (g *Gate[T]) deliver(gen uint64, v T) {
	g.emitMu.Lock()
	defer g.emitMu.Unlock()
	if gen <= g.delivered {
		g.metrics.IncCoalesced()
		return
	}
	g.delivered = gen
	g.emit(v)
	g.metrics.IncEmitted()
}
