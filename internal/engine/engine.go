// Package engine composes the synchronized cache, the stream registries and
// the bootstrap fetchers into the market-data sync service.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marketsync/internal/backoff"
	"marketsync/internal/cache"
	"marketsync/internal/clock"
	"marketsync/internal/config"
	"marketsync/internal/exchange"
	"marketsync/internal/exchange/binance"
	"marketsync/internal/logger"
	"marketsync/internal/metrics"
	"marketsync/internal/network"
	"marketsync/internal/ratelimit"
	"marketsync/internal/stream"
	"marketsync/internal/symbols"
	"marketsync/internal/throttle"
	"marketsync/internal/types"

	"github.com/sirupsen/logrus"
)

const subscriberBuffer = 16

// MarketView is what observers receive for the active market
type MarketView struct {
	Symbol          types.Symbol          `json:"symbol"`
	Book            *types.OrderBookState `json:"book"`
	Trades          []types.Trade         `json:"trades"`
	BookConnected   bool                  `json:"bookConnected"`
	TradesConnected bool                  `json:"tradesConnected"`
	Connected       bool                  `json:"connected"`
	HasInitialData  bool                  `json:"hasInitialData"`
	Ticker          *types.Ticker         `json:"ticker,omitempty"`
}

// StreamStatus describes one stream connection
type StreamStatus struct {
	Kind      types.StreamKind      `json:"kind"`
	State     string                `json:"state"`
	Connected bool                  `json:"connected"`
	Failed    bool                  `json:"failed"`
	Health    exchange.HealthStatus `json:"health"`
}

// MarketStatus describes both streams of a market
type MarketStatus struct {
	Symbol types.Symbol `json:"symbol"`
	Active bool         `json:"active"`
	Book   StreamStatus `json:"book"`
	Trades StreamStatus `json:"trades"`
}

// ReferenceSource supplies the secondary-venue comparison view
type ReferenceSource interface {
	View(ctx context.Context, symbol types.Symbol) (*binance.ReferenceView, error)
}

// Options wires the engine's collaborators. Only Config and Source are required.
type Options struct {
	Config    config.Config
	Source    exchange.SnapshotSource
	Reference ReferenceSource
	Dialer    stream.Dialer
	Monitor   *network.Monitor
	Clock     clock.Clock
	Codec     *symbols.Codec
	Metrics   *metrics.Metrics
	Log       *logger.Log
}

// Engine owns every stream connection and the cache they feed
type Engine struct {
	cfg       config.Config
	source    exchange.SnapshotSource
	reference ReferenceSource
	monitor   *network.Monitor
	clock     clock.Clock
	metrics   *metrics.Metrics
	log       *logrus.Entry

	cache   *cache.Cache
	books   *stream.Registry
	trades  *stream.Registry
	gate    *throttle.Gate[MarketView]
	markets map[types.Symbol]struct{}
	order   []types.Symbol

	mu       sync.RWMutex
	active   types.Symbol
	visible  bool
	tickers  map[types.Symbol]*types.Ticker
	subs     map[int]chan MarketView
	nextSub  int
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	closed   bool
	unwatch  func()
	unonline func()

	wg sync.WaitGroup
}

// New builds an engine from configuration. Nothing connects until Start.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if opts.Source == nil {
		return nil, errors.New("engine: snapshot source is required")
	}
	if len(cfg.Markets.Symbols) == 0 {
		return nil, errors.New("engine: no markets configured")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Codec == nil {
		opts.Codec = symbols.NewCodec()
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	if opts.Dialer == nil {
		opts.Dialer = stream.NewWebsocketDialer()
	}

	e := &Engine{
		cfg:       cfg,
		source:    opts.Source,
		reference: opts.Reference,
		monitor:   opts.Monitor,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		log:       opts.Log.WithComponent("engine"),
		markets:   make(map[types.Symbol]struct{}, len(cfg.Markets.Symbols)),
		visible:   true,
		tickers:   make(map[types.Symbol]*types.Ticker),
		subs:      make(map[int]chan MarketView),
	}
	for _, raw := range cfg.Markets.Symbols {
		s := opts.Codec.Normalize(raw.String())
		if _, dup := e.markets[s]; dup {
			continue
		}
		e.markets[s] = struct{}{}
		e.order = append(e.order, s)
	}
	e.active = opts.Codec.Normalize(cfg.Markets.Active.String())
	if _, ok := e.markets[e.active]; !ok {
		e.active = e.order[0]
	}

	e.cache = cache.New(cache.Options{
		Depth:     cfg.Book.Depth,
		MaxTrades: cfg.Trades.MaxTrades,
		Clock:     opts.Clock,
		Metrics:   opts.Metrics,
	})
	e.gate = throttle.NewGate(cfg.Server.UpdateInterval, opts.Clock, opts.Metrics, e.publish)

	policy := backoff.Policy{
		Initial:    cfg.Backoff.Initial,
		Factor:     cfg.Backoff.Factor,
		Ceiling:    cfg.Backoff.Ceiling,
		Jitter:     cfg.Backoff.Jitter,
		MaxRetries: cfg.Backoff.MaxRetries,
	}
	var online func() bool
	if e.monitor != nil {
		online = e.monitor.Online
	}
	streamLog := opts.Log.WithComponent("stream")

	registry := func(kind types.StreamKind, sc config.StreamConfig) *stream.Registry {
		limiter := ratelimit.New(sc.RateLimit.MaxPerWindow, sc.RateLimit.Window)
		return stream.NewRegistry(kind, func(symbol types.Symbol, visible bool) *stream.Conn {
			return stream.NewConn(stream.Options{
				Kind:           kind,
				Symbol:         symbol,
				URL:            cfg.Venue.WebSocketURL,
				Depth:          cfg.Book.Depth,
				ConnectTimeout: sc.ConnectTimeout,
				Limiter:        limiter,
				Backoff:        policy,
				Dialer:         opts.Dialer,
				Clock:          opts.Clock,
				Codec:          opts.Codec,
				Sink:           e.cache,
				Online:         online,
				Visible:        visible,
				OnState:        e.onState,
				Metrics:        opts.Metrics,
				Log:            streamLog,
			})
		})
	}
	e.books = registry(types.KindBook, cfg.Book)
	e.trades = registry(types.KindTrade, cfg.Trades)

	return e, nil
}

// Start wires change notification, bootstraps every market in the
// background and ensures both streams for each of them.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine: already started")
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.unwatch = e.cache.Watch(e.onChange)
	if e.monitor != nil {
		e.unonline = e.monitor.OnOnline(e.onOnline)
		e.goRun(func(ctx context.Context) { e.monitor.Run(ctx) })
	}

	for _, symbol := range e.Markets() {
		ticket := e.cache.Ticket(symbol)
		e.goRun(func(ctx context.Context) { e.bootstrap(ctx, ticket) })
		e.books.Ensure(symbol)
		e.trades.Ensure(symbol)
	}
	e.goRun(e.pollTicker)

	e.log.WithFields(logrus.Fields{
		"markets": len(e.markets),
		"active":  e.Active().String(),
	}).Info("engine started")
	return nil
}

// Close tears down every connection and stops background work
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if e.unwatch != nil {
		e.unwatch()
	}
	if e.unonline != nil {
		e.unonline()
	}
	e.gate.Stop()
	e.books.TeardownAll()
	e.trades.TeardownAll()
	e.wg.Wait()

	e.mu.Lock()
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
	e.mu.Unlock()
	e.log.Info("engine stopped")
}

// Select switches the observed market. Its cached state is pushed at once
// and a fresh bootstrap is requested.
func (e *Engine) Select(symbol types.Symbol) error {
	if !e.Tracks(symbol) {
		return fmt.Errorf("%w: %s", types.ErrUnknownSymbol, symbol)
	}

	e.mu.Lock()
	prev := e.active
	e.active = symbol
	e.mu.Unlock()

	e.gate.Flush(e.View(symbol))
	if prev == symbol {
		return nil
	}
	e.log.WithFields(logrus.Fields{"from": prev.String(), "to": symbol.String()}).Info("active market changed")

	ticket := e.cache.Ticket(symbol)
	e.books.Ensure(symbol)
	e.trades.Ensure(symbol)
	e.goRun(func(ctx context.Context) {
		e.bootstrap(ctx, ticket)
		e.refreshTicker(ctx, symbol)
	})
	return nil
}

// SetVisible pauses or resumes the book subscriptions without dropping transports
func (e *Engine) SetVisible(visible bool) {
	e.mu.Lock()
	changed := e.visible != visible
	e.visible = visible
	e.mu.Unlock()

	if changed {
		e.log.WithField("visible", visible).Info("visibility changed")
		e.books.SetVisible(visible)
	}
}

// Visible reports the last visibility set
func (e *Engine) Visible() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.visible
}

// Active returns the observed market
func (e *Engine) Active() types.Symbol {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// Tracks reports whether symbol is one of the configured markets
func (e *Engine) Tracks(symbol types.Symbol) bool {
	_, ok := e.markets[symbol]
	return ok
}

// Markets returns the tracked markets in configuration order
func (e *Engine) Markets() []types.Symbol {
	return append([]types.Symbol(nil), e.order...)
}

// GetBook returns the cached book, nil until data arrives
func (e *Engine) GetBook(symbol types.Symbol) *types.OrderBookState {
	return e.cache.GetBook(symbol)
}

// GetTrades returns the cached trades, newest first
func (e *Engine) GetTrades(symbol types.Symbol) []types.Trade {
	return e.cache.GetTrades(symbol)
}

// IsConnected reports whether both streams of symbol are subscribed
func (e *Engine) IsConnected(symbol types.Symbol) bool {
	return e.books.IsConnected(symbol) && e.trades.IsConnected(symbol)
}

// Ticker returns the last polled 24h summary for symbol
func (e *Engine) Ticker(symbol types.Symbol) (*types.Ticker, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tickers[symbol]
	return t, ok
}

// View assembles the current observable state of symbol
func (e *Engine) View(symbol types.Symbol) MarketView {
	entry := e.cache.Get(symbol)
	ticker, _ := e.Ticker(symbol)
	bookOK := e.books.IsConnected(symbol)
	tradesOK := e.trades.IsConnected(symbol)
	return MarketView{
		Symbol:          symbol,
		Book:            entry.Book,
		Trades:          entry.Trades,
		BookConnected:   bookOK,
		TradesConnected: tradesOK,
		Connected:       bookOK && tradesOK,
		HasInitialData:  entry.HasInitialData,
		Ticker:          ticker,
	}
}

// Status reports connection details for every tracked market
func (e *Engine) Status() []MarketStatus {
	active := e.Active()
	markets := e.Markets()
	out := make([]MarketStatus, 0, len(markets))
	for _, s := range markets {
		out = append(out, MarketStatus{
			Symbol: s,
			Active: s == active,
			Book:   streamStatus(e.books, s),
			Trades: streamStatus(e.trades, s),
		})
	}
	return out
}

// Reference fetches the secondary-venue view. It is never merged into the cache.
func (e *Engine) Reference(ctx context.Context, symbol types.Symbol) (*binance.ReferenceView, error) {
	if e.reference == nil {
		return nil, types.ErrNoData
	}
	if !e.Tracks(symbol) {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownSymbol, symbol)
	}
	return e.reference.View(ctx, symbol)
}

// Subscribe returns a channel of gated views of the active market, primed
// with the current view. Slow subscribers miss intermediate views.
func (e *Engine) Subscribe() (<-chan MarketView, func()) {
	ch := make(chan MarketView, subscriberBuffer)
	ch <- e.View(e.Active())

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if c, ok := e.subs[id]; ok {
				close(c)
				delete(e.subs, id)
			}
		})
	}
}

func (e *Engine) publish(v MarketView) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if v.Symbol != e.active {
		return
	}
	for id, ch := range e.subs {
		select {
		case ch <- v:
		default:
			e.log.WithField("subscriber", id).Debug("subscriber behind, view dropped")
		}
	}
}

// onChange feeds the gate whenever the active market's entry changes
func (e *Engine) onChange(symbol types.Symbol) {
	if symbol != e.Active() {
		return
	}
	e.gate.Offer(e.View(symbol))
}

func (e *Engine) onState(kind types.StreamKind, symbol types.Symbol, state types.ConnectionState) {
	e.onChange(symbol)
}

func (e *Engine) onOnline() {
	e.log.Info("network back online, waking streams")
	e.books.NotifyOnline()
	e.trades.NotifyOnline()
}

// bootstrap seeds the ticket's market from the snapshot source. The ticket is
// taken before any stream for the market can write. Failures leave the entry
// as it was; the stream fills it eventually.
func (e *Engine) bootstrap(ctx context.Context, ticket cache.Ticket) {
	symbol := ticket.Symbol
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Bootstrap.Timeout)
	defer cancel()

	log := e.log.WithField("symbol", symbol.String())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		book, err := e.source.BookSnapshot(ctx, symbol, e.cfg.Book.Depth)
		if err != nil {
			e.bootstrapFailed(log, "book", err)
			return
		}
		if !e.cache.SeedBook(ticket, book) {
			log.Debug("book snapshot superseded by stream")
		}
	}()
	go func() {
		defer wg.Done()
		trades, err := e.source.TradeSnapshot(ctx, symbol, e.cfg.Bootstrap.TradeCount)
		if err != nil {
			e.bootstrapFailed(log, "trades", err)
			return
		}
		if !e.cache.SeedTrades(ticket, trades) {
			log.Debug("trade snapshot superseded by stream")
		}
	}()
	wg.Wait()
}

func (e *Engine) bootstrapFailed(log *logrus.Entry, op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	e.metrics.IncBootstrapError(op)
	if errors.Is(err, types.ErrNoData) {
		log.WithField("op", op).Debug("bootstrap returned no data")
		return
	}
	log.WithError(err).WithField("op", op).Warn("bootstrap failed, waiting for stream")
}

// pollTicker refreshes the active market's ticker until ctx is done
func (e *Engine) pollTicker(ctx context.Context) {
	interval := e.cfg.Bootstrap.TickerInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		e.refreshTicker(ctx, e.Active())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) refreshTicker(ctx context.Context, symbol types.Symbol) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Bootstrap.Timeout)
	defer cancel()

	t, err := e.source.Ticker(ctx, symbol)
	if err != nil {
		e.bootstrapFailed(e.log.WithField("symbol", symbol.String()), "ticker", err)
		return
	}
	e.mu.Lock()
	e.tickers[symbol] = t
	e.mu.Unlock()
	e.onChange(symbol)
}

// goRun runs fn on the engine context and tracks it for Close
func (e *Engine) goRun(fn func(ctx context.Context)) {
	e.mu.RLock()
	ctx, closed := e.ctx, e.closed
	e.mu.RUnlock()
	if ctx == nil || closed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

func streamStatus(r *stream.Registry, symbol types.Symbol) StreamStatus {
	c, ok := r.Get(symbol)
	if !ok {
		return StreamStatus{Kind: r.Kind(), State: types.Disconnected.String()}
	}
	return StreamStatus{
		Kind:      r.Kind(),
		State:     c.State().String(),
		Connected: c.IsConnected(),
		Failed:    c.Failed(),
		Health:    c.Health(),
	}
}
