package stream

import (
	"sync"

	"marketsync/internal/types"
)

// Factory builds a connection for symbol. The registry supplies the shared
// limiter through the factory closure.
type Factory func(symbol types.Symbol, visible bool) *Conn

// Registry owns the connections of one channel class. Every symbol has its
// own connection and retry state; the connection-rate limiter is shared.
type Registry struct {
	kind    types.StreamKind
	factory Factory

	mu      sync.RWMutex
	conns   map[types.Symbol]*Conn
	visible bool
}

// NewRegistry creates an empty registry
func NewRegistry(kind types.StreamKind, factory Factory) *Registry {
	return &Registry{
		kind:    kind,
		factory: factory,
		conns:   make(map[types.Symbol]*Conn),
		visible: true,
	}
}

// Kind returns the channel class
func (r *Registry) Kind() types.StreamKind {
	return r.kind
}

// Ensure creates and starts a connection for symbol if none exists, or
// restarts an idle one. Safe to call repeatedly.
func (r *Registry) Ensure(symbol types.Symbol) *Conn {
	r.mu.Lock()
	c, ok := r.conns[symbol]
	if !ok {
		c = r.factory(symbol, r.visible)
		r.conns[symbol] = c
	}
	r.mu.Unlock()

	if c.State() == types.Disconnected && !c.PendingTimer() {
		c.Start()
	}
	return c
}

// Get returns the connection for symbol, if tracked
func (r *Registry) Get(symbol types.Symbol) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[symbol]
	return c, ok
}

// Teardown closes the connection for symbol and forgets it
func (r *Registry) Teardown(symbol types.Symbol) {
	r.mu.Lock()
	c, ok := r.conns[symbol]
	delete(r.conns, symbol)
	r.mu.Unlock()

	if ok {
		c.Teardown()
	}
}

// TeardownAll closes every connection
func (r *Registry) TeardownAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[types.Symbol]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.Teardown()
	}
}

// IsConnected reports whether symbol's subscription is acknowledged
func (r *Registry) IsConnected(symbol types.Symbol) bool {
	c, ok := r.Get(symbol)
	return ok && c.IsConnected()
}

// State returns symbol's connection state, Disconnected if untracked
func (r *Registry) State(symbol types.Symbol) types.ConnectionState {
	c, ok := r.Get(symbol)
	if !ok {
		return types.Disconnected
	}
	return c.State()
}

// SetVisible forwards visibility to every connection and remembers it for new ones
func (r *Registry) SetVisible(visible bool) {
	r.mu.Lock()
	r.visible = visible
	conns := r.snapshotLocked()
	r.mu.Unlock()

	for _, c := range conns {
		c.SetVisible(visible)
	}
}

// NotifyOnline wakes every connection waiting for the network
func (r *Registry) NotifyOnline() {
	r.mu.RLock()
	conns := r.snapshotLocked()
	r.mu.RUnlock()

	for _, c := range conns {
		c.NotifyOnline()
	}
}

func (r *Registry) snapshotLocked() []*Conn {
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
