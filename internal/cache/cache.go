// Package cache holds the latest book and rolling trade window per market.
package cache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"marketsync/internal/clock"
	"marketsync/internal/metrics"
	"marketsync/internal/orderbook"
	"marketsync/internal/types"
)

// DefaultMaxTrades bounds the rolling trade window
const DefaultMaxTrades = 100

// Entry is an immutable per-market snapshot. Readers never see a partial write.
type Entry struct {
	Book   *types.OrderBookState
	Trades []types.Trade

	// HasInitialData is set by the first successful seed or stream write
	HasInitialData bool

	// HasReceivedFirstStreamUpdate is set by the first stream write only
	HasReceivedFirstStreamUpdate bool

	// Version increases on every write
	Version uint64

	// BookStream and TradeStream count stream writes per data class
	BookStream  uint64
	TradeStream uint64

	// BookSeed and TradeSeed hold the ticket sequence of the last accepted seed
	BookSeed  uint64
	TradeSeed uint64
}

// Ticket records the stream version a snapshot fetch started from. A seed is
// only accepted if no stream write and no seed from a later ticket landed in
// the meantime.
type Ticket struct {
	Symbol      types.Symbol
	Seq         uint64
	BookStream  uint64
	TradeStream uint64
}

type slot struct {
	mu      sync.Mutex // serializes writers
	entry   atomic.Pointer[Entry]
	tickets atomic.Uint64
}

// Cache is safe for concurrent use. Reads are lock free.
type Cache struct {
	merger    orderbook.Merger
	maxTrades int
	clock     clock.Clock
	metrics   *metrics.Metrics

	mu       sync.RWMutex
	slots    map[types.Symbol]*slot
	watchers map[int]func(types.Symbol)
	nextID   int
}

// Options configures a Cache
type Options struct {
	Depth     int
	MaxTrades int
	Clock     clock.Clock
	Metrics   *metrics.Metrics
}

// New creates an empty cache
func New(opts Options) *Cache {
	if opts.MaxTrades <= 0 {
		opts.MaxTrades = DefaultMaxTrades
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Cache{
		merger:    orderbook.NewMerger(opts.Depth),
		maxTrades: opts.MaxTrades,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		slots:     make(map[types.Symbol]*slot),
		watchers:  make(map[int]func(types.Symbol)),
	}
}

func (c *Cache) slot(symbol types.Symbol) *slot {
	c.mu.RLock()
	s, ok := c.slots[symbol]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.slots[symbol]; ok {
		return s
	}
	s = &slot{}
	s.entry.Store(&Entry{})
	c.slots[symbol] = s
	return s
}

// Get returns the current entry for symbol; never nil
func (c *Cache) Get(symbol types.Symbol) *Entry {
	return c.slot(symbol).entry.Load()
}

// GetBook returns the current book, or nil if none has been seeded yet
func (c *Cache) GetBook(symbol types.Symbol) *types.OrderBookState {
	return c.Get(symbol).Book
}

// GetTrades returns the newest-first trade window. The slice must not be modified.
func (c *Cache) GetTrades(symbol types.Symbol) []types.Trade {
	return c.Get(symbol).Trades
}

// Ticket captures the stream versions of symbol before a snapshot fetch
func (c *Cache) Ticket(symbol types.Symbol) Ticket {
	s := c.slot(symbol)
	e := s.entry.Load()
	return Ticket{
		Symbol:      symbol,
		Seq:         s.tickets.Add(1),
		BookStream:  e.BookStream,
		TradeStream: e.TradeStream,
	}
}

// SeedBook installs a fetched book snapshot unless the entry moved past the
// ticket. Returns whether the snapshot was applied.
func (c *Cache) SeedBook(t Ticket, snap *types.OrderBookState) bool {
	if snap == nil {
		return false
	}
	book := c.merger.Apply(nil, types.BookUpdate{
		Kind: types.FullReplace,
		Asks: snap.Asks,
		Bids: snap.Bids,
	}, c.stamp(snap.Timestamp))

	return c.seed(t, func(e *Entry) bool {
		if e.BookStream > t.BookStream || e.BookSeed > t.Seq {
			return false
		}
		e.Book = book
		e.BookSeed = t.Seq
		return true
	})
}

// SeedTrades installs a fetched trade window under the same rule as SeedBook
func (c *Cache) SeedTrades(t Ticket, trades []types.Trade) bool {
	window := newestFirst(trades, c.maxTrades)
	return c.seed(t, func(e *Entry) bool {
		if e.TradeStream > t.TradeStream || e.TradeSeed > t.Seq {
			return false
		}
		e.Trades = window
		e.TradeSeed = t.Seq
		return true
	})
}

func (c *Cache) seed(t Ticket, mutate func(*Entry) bool) bool {
	s := c.slot(t.Symbol)
	s.mu.Lock()
	cur := s.entry.Load()
	next := *cur
	if !mutate(&next) {
		s.mu.Unlock()
		c.metrics.IncStaleSeed(t.Symbol.String())
		return false
	}
	next.HasInitialData = true
	next.Version = cur.Version + 1
	s.entry.Store(&next)
	s.mu.Unlock()

	c.notify(t.Symbol)
	return true
}

// ApplyBookUpdate merges a stream update. A delta arriving before any book
// exists is dropped and reported as not applied.
func (c *Cache) ApplyBookUpdate(symbol types.Symbol, update types.BookUpdate) bool {
	s := c.slot(symbol)
	s.mu.Lock()
	cur := s.entry.Load()
	book := c.merger.Apply(cur.Book, update, c.clock.Now())
	if book == nil {
		s.mu.Unlock()
		return false
	}
	next := *cur
	next.Book = book
	next.HasInitialData = true
	next.HasReceivedFirstStreamUpdate = true
	next.Version = cur.Version + 1
	next.BookStream = cur.BookStream + 1
	s.entry.Store(&next)
	s.mu.Unlock()

	c.metrics.IncBookUpdate(symbol.String(), update.Kind.String())
	c.notify(symbol)
	return true
}

// AppendTrades prepends a batch (newest first) and truncates the window
func (c *Cache) AppendTrades(symbol types.Symbol, batch []types.Trade) {
	if len(batch) == 0 {
		return
	}
	incoming := newestFirst(batch, c.maxTrades)

	s := c.slot(symbol)
	s.mu.Lock()
	cur := s.entry.Load()
	merged := make([]types.Trade, 0, min(len(incoming)+len(cur.Trades), c.maxTrades))
	merged = append(merged, incoming...)
	for _, tr := range cur.Trades {
		if len(merged) >= c.maxTrades {
			break
		}
		merged = append(merged, tr)
	}
	next := *cur
	next.Trades = merged
	next.HasInitialData = true
	next.HasReceivedFirstStreamUpdate = true
	next.Version = cur.Version + 1
	next.TradeStream = cur.TradeStream + 1
	s.entry.Store(&next)
	s.mu.Unlock()

	c.metrics.AddTrades(symbol.String(), len(batch))
	c.notify(symbol)
}

// Watch registers fn to be called after every write. fn runs on the writer's
// goroutine and must not block.
func (c *Cache) Watch(fn func(types.Symbol)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

func (c *Cache) notify(symbol types.Symbol) {
	c.mu.RLock()
	fns := make([]func(types.Symbol), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(symbol)
	}
}

func (c *Cache) stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return c.clock.Now()
	}
	return ts
}

// newestFirst returns a sorted copy truncated to max. Equal times keep input order.
func newestFirst(trades []types.Trade, max int) []types.Trade {
	out := make([]types.Trade, len(trades))
	copy(out, trades)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time > out[j].Time })
	if len(out) > max {
		out = out[:max]
	}
	return out
}
