// Package stream maintains one live subscription per (market, channel) and
// recovers it across transport failures.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"marketsync/internal/backoff"
	"marketsync/internal/clock"
	"marketsync/internal/exchange"
	"marketsync/internal/exchange/kraken"
	"marketsync/internal/metrics"
	"marketsync/internal/ratelimit"
	"marketsync/internal/symbols"
	"marketsync/internal/types"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Sink receives decoded stream data
type Sink interface {
	ApplyBookUpdate(symbol types.Symbol, update types.BookUpdate) bool
	AppendTrades(symbol types.Symbol, trades []types.Trade)
}

// Options configures a Conn
type Options struct {
	Kind           types.StreamKind
	Symbol         types.Symbol
	URL            string
	Depth          int
	ConnectTimeout time.Duration

	Limiter *ratelimit.Limiter
	Backoff backoff.Policy
	Dialer  Dialer
	Clock   clock.Clock
	Codec   *symbols.Codec
	Sink    Sink

	// Online reports network reachability at error time. Nil means always online.
	Online func() bool
	// Visible is the initial visibility. Only the book channel reacts to it.
	Visible bool
	// OnState is called after every state change, outside the connection lock
	OnState func(kind types.StreamKind, symbol types.Symbol, state types.ConnectionState)

	Metrics *metrics.Metrics
	Log     *logrus.Entry
}

// allowed is the transition table. Staying in the same state is always allowed.
var allowed = map[types.ConnectionState][]types.ConnectionState{
	types.Disconnected: {types.Connecting},
	types.Connecting:   {types.Open, types.Reconnecting, types.Disconnected},
	types.Open:         {types.Subscribing, types.Subscribed, types.Reconnecting, types.Disconnected, types.Closing},
	types.Subscribing:  {types.Subscribed, types.Open, types.Reconnecting, types.Disconnected, types.Closing},
	types.Subscribed:   {types.Open, types.Reconnecting, types.Disconnected, types.Closing},
	types.Reconnecting: {types.Connecting, types.Disconnected},
	types.Closing:      {types.Disconnected},
}

// Conn is the per-(symbol, channel) connection state machine. All events are
// handled under one lock, so no two handlers for the same connection overlap.
type Conn struct {
	id   string
	opts Options
	wire string
	log  *logrus.Entry

	state  atomic.Int32
	health atomic.Value
	hmu    sync.Mutex // serializes health read-modify-write

	mu         sync.Mutex
	gen        uint64 // bumps whenever the current transport is abandoned
	transport  Transport
	cancelDial context.CancelFunc
	timer      clock.Timer
	timerSeq   uint64
	attempts   int
	visible    bool
	tearDown   bool
	failed     bool // retries exhausted
	offline    bool // waiting for a network-online signal
	changed    bool
}

// NewConn creates a connection in the Disconnected state
func NewConn(opts Options) *Conn {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Codec == nil {
		opts.Codec = symbols.NewCodec()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.URL == "" {
		opts.URL = kraken.DefaultWSURL
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWebsocketDialer()
	}

	c := &Conn{
		id:      uuid.NewString(),
		opts:    opts,
		wire:    opts.Codec.ToWire(opts.Symbol),
		visible: opts.Visible,
	}
	c.log = opts.Log.WithFields(logrus.Fields{
		"conn_id": c.id,
		"kind":    string(opts.Kind),
		"symbol":  opts.Symbol.String(),
	})
	c.state.Store(int32(types.Disconnected))
	c.health.Store(exchange.HealthStatus{})
	return c
}

// ID returns the connection's log correlation id
func (c *Conn) ID() string {
	return c.id
}

// State returns the current lifecycle state without locking
func (c *Conn) State() types.ConnectionState {
	return types.ConnectionState(c.state.Load())
}

// IsConnected reports whether the venue has acknowledged the subscription
func (c *Conn) IsConnected() bool {
	return c.State() == types.Subscribed
}

// Attempts returns the consecutive failed attempts since the last success
func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Failed reports whether the retry budget is exhausted
func (c *Conn) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Health returns connection health information
func (c *Conn) Health() exchange.HealthStatus {
	if status, ok := c.health.Load().(exchange.HealthStatus); ok {
		return status
	}
	return exchange.HealthStatus{}
}

// Start begins connecting if the connection is idle. Calling it on a live
// connection is a no-op.
func (c *Conn) Start() {
	c.do(func() {
		if c.State() != types.Disconnected {
			return
		}
		c.tearDown = false
		c.failed = false
		c.offline = false
		c.attempts = 0
		c.setState(types.Connecting)
		c.connectLocked()
	})
}

// Teardown cancels pending timers and dials and closes the transport with
// normal closure. A later Start begins fresh.
func (c *Conn) Teardown() {
	c.do(func() {
		c.tearDown = true
		c.stopTimerLocked()
		if c.cancelDial != nil {
			c.cancelDial()
			c.cancelDial = nil
		}
		c.gen++
		if c.transport != nil {
			c.setState(types.Closing)
			if err := c.transport.Close(websocket.CloseNormalClosure, "teardown"); err != nil {
				c.log.WithError(err).Debug("close on teardown")
			}
			c.transport = nil
		}
		c.attempts = 0
		c.failed = false
		c.offline = false
		c.setState(types.Disconnected)
		c.updateConnected(false)
		c.log.Info("connection torn down")
	})
}

// SetVisible toggles the book subscription without closing the transport
func (c *Conn) SetVisible(visible bool) {
	c.do(func() {
		if c.visible == visible {
			return
		}
		c.visible = visible
		if c.opts.Kind != types.KindBook || c.transport == nil {
			return
		}

		gen := c.gen
		switch state := c.State(); {
		case !visible && (state == types.Subscribing || state == types.Subscribed):
			if err := c.sendLocked(kraken.EncodeUnsubscribe(c.opts.Kind, c.wire, c.opts.Depth)); err != nil {
				c.lostLocked(gen, websocket.CloseAbnormalClosure, err)
				return
			}
			c.setState(types.Open)
			c.log.Debug("unsubscribed while hidden")
		case visible && state == types.Open:
			if err := c.sendLocked(kraken.EncodeSubscribe(c.opts.Kind, c.wire, c.opts.Depth)); err != nil {
				c.lostLocked(gen, websocket.CloseAbnormalClosure, err)
				return
			}
			c.setState(types.Subscribing)
		}
	})
}

// NotifyOnline wakes a connection that gave up or was waiting for the
// network. The attempt counter is reset and a connection attempt starts now.
func (c *Conn) NotifyOnline() {
	c.do(func() {
		if c.tearDown {
			return
		}
		state := c.State()
		waiting := state == types.Reconnecting && c.transport == nil
		if !c.failed && !c.offline && !waiting {
			return
		}
		c.log.WithField("attempts", c.attempts).Info("network online, reconnecting")
		c.stopTimerLocked()
		c.failed = false
		c.offline = false
		c.attempts = 0
		c.setState(types.Connecting)
		c.connectLocked()
	})
}

// connectLocked passes the rate gate and dials. A denied attempt is retried
// after the limiter window without consuming a retry.
func (c *Conn) connectLocked() {
	now := c.opts.Clock.Now()
	if l := c.opts.Limiter; l != nil {
		granted := l.TryAcquire(now)
		c.opts.Metrics.SetAttemptsInWindow(string(c.opts.Kind), l.InWindow(now))
		if !granted {
			c.opts.Metrics.IncRateLimited(string(c.opts.Kind))
			c.log.WithError(types.ErrRateLimited).WithField("retry_in", l.Window()).Debug("connection attempt deferred")
			c.scheduleLocked(l.Window(), c.connectLocked)
			return
		}
	}

	c.gen++
	gen := c.gen
	c.setState(types.Connecting)

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	c.cancelDial = cancel
	go c.dial(ctx, cancel, gen)
}

func (c *Conn) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	t, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
	cancel()

	c.do(func() {
		if gen != c.gen || c.tearDown {
			if t != nil {
				_ = t.Close(websocket.CloseNormalClosure, "stale")
			}
			return
		}
		c.cancelDial = nil
		if err != nil {
			c.incrementErrorCount()
			c.lostLocked(gen, websocket.CloseAbnormalClosure, err)
			return
		}

		c.transport = t
		c.setState(types.Open)
		c.updateConnected(true)
		c.log.Info("transport open")

		if err := c.sendLocked(kraken.EncodePing()); err != nil {
			c.lostLocked(gen, websocket.CloseAbnormalClosure, err)
			return
		}
		if c.opts.Kind != types.KindBook || c.visible {
			if err := c.sendLocked(kraken.EncodeSubscribe(c.opts.Kind, c.wire, c.opts.Depth)); err != nil {
				c.lostLocked(gen, websocket.CloseAbnormalClosure, err)
				return
			}
			c.setState(types.Subscribing)
		}

		go c.readLoop(t, gen)
	})
}

func (c *Conn) readLoop(t Transport, gen uint64) {
	for {
		raw, err := t.ReadMessage()
		if err != nil {
			c.do(func() {
				if gen == c.gen {
					c.incrementErrorCount()
				}
				c.lostLocked(gen, closeCode(err), err)
			})
			return
		}
		if !c.handleFrame(gen, raw) {
			return
		}
	}
}

// handleFrame processes one inbound frame. Returns false once the transport
// has been abandoned.
func (c *Conn) handleFrame(gen uint64, raw []byte) bool {
	frame, err := kraken.DecodeFrame(raw)
	if err != nil {
		c.opts.Metrics.IncProtocolError(string(c.opts.Kind))
		c.log.WithError(err).Warn("dropping malformed frame")
		return true
	}
	c.opts.Metrics.IncFrame(string(c.opts.Kind), c.opts.Symbol.String())
	c.incrementMessageCount()

	switch frame.Kind {
	case kraken.FrameControl:
		return c.current(gen)

	case kraken.FrameSubscriptionStatus:
		live := true
		c.do(func() {
			if gen != c.gen {
				live = false
				return
			}
			c.onSubscriptionStatusLocked(gen, frame)
			live = gen == c.gen
		})
		return live

	case kraken.FrameBook:
		if !c.current(gen) {
			return false
		}
		if !c.forUs(frame) {
			return true
		}
		if !c.opts.Sink.ApplyBookUpdate(c.opts.Symbol, frame.Book) {
			c.log.Debug("delta before snapshot dropped")
		}

	case kraken.FrameTrades:
		if !c.current(gen) {
			return false
		}
		if !c.forUs(frame) {
			return true
		}
		c.opts.Sink.AppendTrades(c.opts.Symbol, frame.Trades)
	}
	return true
}

func (c *Conn) onSubscriptionStatusLocked(gen uint64, frame kraken.Frame) {
	switch frame.Status {
	case kraken.StatusSubscribed:
		c.attempts = 0
		if c.hiddenLocked() {
			// the unsubscribe sent on hide is still in flight
			c.log.Debug("subscribed ack while hidden ignored")
			return
		}
		c.setState(types.Subscribed)
		c.log.Info("subscribed")
	case kraken.StatusUnsubscribed:
		// a visible book has a subscribe outstanding that supersedes this ack
		if !c.hiddenLocked() {
			return
		}
		if c.State() == types.Subscribed || c.State() == types.Subscribing {
			c.setState(types.Open)
		}
	case kraken.StatusError:
		err := fmt.Errorf("%w: %s", types.ErrSubscriptionRejected, frame.ErrorMessage)
		c.incrementErrorCount()
		c.log.WithError(err).Warn("subscription rejected, closing")
		c.lostLocked(gen, websocket.CloseAbnormalClosure, err)
	}
}

func (c *Conn) hiddenLocked() bool {
	return c.opts.Kind == types.KindBook && !c.visible
}

// lostLocked is the single exit path for a transport. Stale generations are ignored.
func (c *Conn) lostLocked(gen uint64, code int, err error) {
	if gen != c.gen {
		return
	}
	c.gen++
	if c.transport != nil {
		_ = c.transport.Close(code, "")
		c.transport = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.updateConnected(false)

	log := c.log.WithField("code", code)
	if err != nil {
		log = log.WithError(err)
	}

	switch {
	case c.tearDown:
		c.setState(types.Disconnected)
	case code == websocket.CloseNormalClosure:
		c.setState(types.Disconnected)
		log.Info("closed normally")
	case c.opts.Online != nil && !c.opts.Online():
		c.offline = true
		c.setState(types.Reconnecting)
		log.Warn("connection lost while offline, waiting for network")
	case c.opts.Backoff.Exhausted(c.attempts):
		c.failed = true
		c.setState(types.Disconnected)
		log.WithField("attempts", c.attempts).Error("retries exhausted, giving up")
	default:
		delay := c.opts.Backoff.Delay(c.attempts)
		c.attempts++
		c.setState(types.Reconnecting)
		c.opts.Metrics.IncReconnect(string(c.opts.Kind), c.opts.Symbol.String())
		log.WithFields(logrus.Fields{"attempt": c.attempts, "delay": delay}).Warn("connection lost, reconnecting")
		c.scheduleLocked(delay, c.connectLocked)
	}
}

// scheduleLocked replaces any pending timer with fn after d
func (c *Conn) scheduleLocked(d time.Duration, fn func()) {
	c.stopTimerLocked()
	c.timerSeq++
	seq := c.timerSeq
	c.timer = c.opts.Clock.AfterFunc(d, func() {
		c.do(func() {
			if seq != c.timerSeq || c.tearDown {
				return
			}
			c.timer = nil
			fn()
		})
	})
	c.setReconnectTime(c.opts.Clock.Now().Add(d))
}

func (c *Conn) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}

// PendingTimer reports whether a reconnect or rate-limit retry is scheduled
func (c *Conn) PendingTimer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

func (c *Conn) sendLocked(msg []byte) error {
	if c.transport == nil {
		return &types.TransportError{Op: "send", Err: errors.New("no transport")}
	}
	return c.transport.WriteMessage(msg)
}

func (c *Conn) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && !c.tearDown
}

func (c *Conn) forUs(frame kraken.Frame) bool {
	if frame.Pair == "" || frame.Pair == c.wire {
		return true
	}
	c.log.WithField("pair", frame.Pair).Warn("frame for another pair dropped")
	return false
}

// do runs fn under the lock and fires OnState afterwards if the state moved
func (c *Conn) do(fn func()) {
	c.mu.Lock()
	fn()
	changed := c.changed
	c.changed = false
	c.mu.Unlock()

	if changed && c.opts.OnState != nil {
		c.opts.OnState(c.opts.Kind, c.opts.Symbol, c.State())
	}
}

// setState applies a transition if the table allows it
func (c *Conn) setState(to types.ConnectionState) {
	from := c.State()
	if from == to {
		return
	}
	ok := false
	for _, s := range allowed[from] {
		if s == to {
			ok = true
			break
		}
	}
	if !ok {
		c.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Error("illegal state transition ignored")
		return
	}
	c.state.Store(int32(to))
	c.changed = true
	c.opts.Metrics.SetConnectionState(string(c.opts.Kind), c.opts.Symbol.String(), int(to))
	c.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Debug("state")
}

// updateConnected updates the connection status in health
func (c *Conn) updateConnected(connected bool) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	status := c.Health()
	status.Connected = connected
	status.Attempts = c.attempts
	c.health.Store(status)
}

func (c *Conn) setReconnectTime(at time.Time) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	status := c.Health()
	status.ReconnectTime = &at
	status.Attempts = c.attempts
	c.health.Store(status)
}

// incrementMessageCount increments the message count in health
func (c *Conn) incrementMessageCount() {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	status := c.Health()
	status.MessageCount++
	status.LastMessage = c.opts.Clock.Now()
	c.health.Store(status)
}

// incrementErrorCount increments the error count in health
func (c *Conn) incrementErrorCount() {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	status := c.Health()
	status.ErrorCount++
	c.health.Store(status)
}
