// Package network tracks whether the venue is reachable.
package network

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DialFunc opens a probe connection
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Monitor probes a TCP address periodically and reports transitions.
// It starts in the online state.
type Monitor struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc
	log      *logrus.Entry

	mu        sync.Mutex
	online    bool
	listeners map[int]func()
	nextID    int
}

// Config holds probe settings
type Config struct {
	Addr     string
	Interval time.Duration
	Timeout  time.Duration
	Dial     DialFunc
}

// NewMonitor creates a monitor
func NewMonitor(cfg Config, log *logrus.Entry) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Dial == nil {
		d := &net.Dialer{}
		cfg.Dial = d.DialContext
	}
	return &Monitor{
		addr:      cfg.Addr,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		dial:      cfg.Dial,
		log:       log,
		online:    true,
		listeners: make(map[int]func()),
	}
}

// Online reports the last known reachability
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnOnline registers fn for offline→online transitions. fn runs on the
// monitor goroutine.
func (m *Monitor) OnOnline(fn func()) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Set records a reachability observation and fires listeners on recovery
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	var fns []func()
	if online && !was {
		for _, fn := range m.listeners {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	if was != online {
		m.log.WithField("online", online).Info("network reachability changed")
	}
	for _, fn := range fns {
		fn()
	}
}

// Probe runs one reachability check
func (m *Monitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	conn, err := m.dial(ctx, "tcp", m.addr)
	if err != nil {
		m.log.WithError(err).Debug("probe failed")
		return false
	}
	_ = conn.Close()
	return true
}

// Run probes until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	if m.addr == "" {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Set(m.Probe(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
