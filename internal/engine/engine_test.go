package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketsync/internal/config"
	"marketsync/internal/exchange/binance"
	"marketsync/internal/logger"
	"marketsync/internal/metrics"
	"marketsync/internal/types"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeVenue speaks enough of the public feed to acknowledge subscriptions
// and send one snapshot or trade batch per subscription.
type fakeVenue struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	conns    atomic.Int32
	reject   atomic.Bool
}

func newFakeVenue(t *testing.T) *fakeVenue {
	v := &fakeVenue{}
	v.srv = httptest.NewServer(http.HandlerFunc(v.serve))
	t.Cleanup(v.srv.Close)
	return v
}

func (v *fakeVenue) URL() string {
	return "ws" + strings.TrimPrefix(v.srv.URL, "http")
}

func (v *fakeVenue) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	v.conns.Add(1)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			Event        string   `json:"event"`
			Pair         []string `json:"pair"`
			Subscription struct {
				Name string `json:"name"`
			} `json:"subscription"`
		}
		if json.Unmarshal(raw, &req) != nil {
			continue
		}

		switch req.Event {
		case "ping":
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"pong"}`))
		case "subscribe":
			pair, name := req.Pair[0], req.Subscription.Name
			if v.reject.Load() {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(
					`{"errorMessage":"Subscription depth not supported","event":"subscriptionStatus","pair":%q,"status":"error","subscription":{"name":%q}}`, pair, name)))
				continue
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(
				`{"channelID":1,"event":"subscriptionStatus","pair":%q,"status":"subscribed","subscription":{"name":%q}}`, pair, name)))
			if name == "book" {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(
					`[1,{"as":[["101.0","1.0","1700000000.1"]],"bs":[["99.0","2.0","1700000000.1"]]},"book-10",%q]`, pair)))
			} else {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(
					`[2,[["100.0","0.5","1700000001.0","b","m",""]],"trade",%q]`, pair)))
			}
		}
	}
}

type fakeSource struct {
	release chan struct{} // when set, snapshots wait on it
	err     error

	mu    sync.Mutex
	books int
}

func (s *fakeSource) wait(ctx context.Context) error {
	if s.release == nil {
		return nil
	}
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSource) BookSnapshot(ctx context.Context, symbol types.Symbol, depth int) (*types.OrderBookState, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.books++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &types.OrderBookState{
		Asks: []types.PriceLevel{{Price: decimal.RequireFromString("500.0"), Size: decimal.NewFromInt(1)}},
		Bids: []types.PriceLevel{{Price: decimal.RequireFromString("499.0"), Size: decimal.NewFromInt(1)}},
	}, nil
}

func (s *fakeSource) TradeSnapshot(ctx context.Context, symbol types.Symbol, count int) ([]types.Trade, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	return []types.Trade{{Price: 500, Volume: 1, Time: 1600000000, Side: types.SideBuy}}, nil
}

func (s *fakeSource) Ticker(ctx context.Context, symbol types.Symbol) (*types.Ticker, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &types.Ticker{Symbol: symbol, LastPrice: decimal.NewFromInt(100)}, nil
}

func (s *fakeSource) BookCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.books
}

type fakeReference struct{}

func (fakeReference) View(ctx context.Context, symbol types.Symbol) (*binance.ReferenceView, error) {
	return &binance.ReferenceView{Symbol: "BTCUSDT", LastPrice: decimal.NewFromInt(100)}, nil
}

func testConfig(wsURL string) config.Config {
	cfg := config.Default()
	cfg.Venue.WebSocketURL = wsURL
	cfg.Markets.Symbols = []types.Symbol{"XBT/USD", "ETH/USD"}
	cfg.Markets.Active = "XBT/USD"
	cfg.Book.RateLimit = config.RateLimit{MaxPerWindow: 10, Window: 100 * time.Millisecond}
	cfg.Trades.RateLimit = config.RateLimit{MaxPerWindow: 10, Window: 100 * time.Millisecond}
	cfg.Backoff.Initial = 10 * time.Millisecond
	cfg.Backoff.Ceiling = 50 * time.Millisecond
	cfg.Server.UpdateInterval = 10 * time.Millisecond
	cfg.Bootstrap.TickerInterval = 20 * time.Millisecond
	cfg.Bootstrap.Timeout = time.Second
	return cfg
}

func newEngine(t *testing.T, cfg config.Config, src *fakeSource) *Engine {
	t.Helper()
	e, err := New(Options{
		Config:    cfg,
		Source:    src,
		Reference: fakeReference{},
		Metrics:   metrics.New(),
		Log:       logger.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{Config: config.Default()})
	assert.Error(t, err)

	cfg := config.Default()
	cfg.Markets.Symbols = nil
	_, err = New(Options{Config: cfg, Source: &fakeSource{}})
	assert.Error(t, err)

	cfg = config.Default()
	cfg.Markets.Active = "DOGE/USD"
	e, err := New(Options{Config: cfg, Source: &fakeSource{}})
	require.NoError(t, err)
	assert.Equal(t, types.Symbol("XBT/USD"), e.Active())
}

func TestStartSyncsEveryMarket(t *testing.T) {
	venue := newFakeVenue(t)
	e := newEngine(t, testConfig(venue.URL()), &fakeSource{})
	require.NoError(t, e.Start(context.Background()))
	assert.Error(t, e.Start(context.Background()))

	for _, s := range []types.Symbol{"XBT/USD", "ETH/USD"} {
		symbol := s
		require.Eventually(t, func() bool { return e.IsConnected(symbol) }, waitFor, tick, symbol)
		require.Eventually(t, func() bool {
			book := e.GetBook(symbol)
			return book != nil && len(book.Asks) == 1 && book.Asks[0].Price.String() == "101"
		}, waitFor, tick, symbol)
		require.Eventually(t, func() bool { return len(e.GetTrades(symbol)) > 0 }, waitFor, tick, symbol)
	}
	assert.EqualValues(t, 4, venue.conns.Load())

	status := e.Status()
	require.Len(t, status, 2)
	assert.Equal(t, types.Symbol("XBT/USD"), status[0].Symbol)
	assert.True(t, status[0].Active)
	assert.Equal(t, "subscribed", status[0].Book.State)
	assert.Equal(t, types.KindBook, status[0].Book.Kind)
	assert.Equal(t, types.KindTrade, status[1].Trades.Kind)
	assert.True(t, status[1].Trades.Connected)
}

func TestSeedNeverRegressesStreamedBook(t *testing.T) {
	venue := newFakeVenue(t)
	src := &fakeSource{release: make(chan struct{})}
	e := newEngine(t, testConfig(venue.URL()), src)
	require.NoError(t, e.Start(context.Background()))

	require.Eventually(t, func() bool { return e.GetBook("XBT/USD") != nil }, waitFor, tick)
	close(src.release)
	require.Eventually(t, func() bool { return src.BookCalls() >= 2 }, waitFor, tick)

	// give the seeds a moment to land if they were going to
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "101", e.GetBook("XBT/USD").Asks[0].Price.String())
}

func TestBootstrapFailureLeavesNoData(t *testing.T) {
	venue := newFakeVenue(t)
	venue.reject.Store(true)
	src := &fakeSource{err: &types.BootstrapError{Venue: "kraken", Op: "depth", Err: errors.New("boom")}}
	e := newEngine(t, testConfig(venue.URL()), src)
	require.NoError(t, e.Start(context.Background()))

	require.Eventually(t, func() bool { return src.BookCalls() >= 2 }, waitFor, tick)
	view := e.View("XBT/USD")
	assert.False(t, view.HasInitialData)
	assert.Nil(t, view.Book)
	assert.Empty(t, view.Trades)
	assert.False(t, view.Connected)
	assert.Nil(t, view.Ticker)
}

func TestSubscribeReceivesActiveMarket(t *testing.T) {
	venue := newFakeVenue(t)
	e := newEngine(t, testConfig(venue.URL()), &fakeSource{})

	views, cancel := e.Subscribe()
	defer cancel()

	first := <-views
	assert.Equal(t, types.Symbol("XBT/USD"), first.Symbol)

	require.NoError(t, e.Start(context.Background()))

	deadline := time.After(waitFor)
	for {
		select {
		case v := <-views:
			assert.Equal(t, types.Symbol("XBT/USD"), v.Symbol)
			if v.Connected && v.Book != nil && len(v.Trades) > 0 && v.Ticker != nil {
				return
			}
		case <-deadline:
			require.FailNow(t, "never observed a connected view with data")
		}
	}
}

func TestSelectPushesNewMarketImmediately(t *testing.T) {
	venue := newFakeVenue(t)
	e := newEngine(t, testConfig(venue.URL()), &fakeSource{})
	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return e.IsConnected("ETH/USD") && e.GetBook("ETH/USD") != nil }, waitFor, tick)

	views, cancel := e.Subscribe()
	defer cancel()

	assert.ErrorIs(t, e.Select("DOGE/USD"), types.ErrUnknownSymbol)
	require.NoError(t, e.Select("ETH/USD"))
	assert.Equal(t, types.Symbol("ETH/USD"), e.Active())

	// views of the previous market may already be buffered
	deadline := time.After(time.Second)
	for {
		select {
		case v := <-views:
			if v.Symbol != "ETH/USD" {
				continue
			}
			assert.True(t, v.Connected)
			assert.NotNil(t, v.Book)
			return
		case <-deadline:
			require.FailNow(t, "no view after select")
		}
	}
}

func TestSetVisiblePausesBookOnly(t *testing.T) {
	venue := newFakeVenue(t)
	e := newEngine(t, testConfig(venue.URL()), &fakeSource{})
	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return e.IsConnected("XBT/USD") }, waitFor, tick)

	e.SetVisible(false)
	assert.False(t, e.Visible())
	assert.False(t, e.IsConnected("XBT/USD"))
	view := e.View("XBT/USD")
	assert.False(t, view.BookConnected)
	assert.True(t, view.TradesConnected)

	e.SetVisible(true)
	require.Eventually(t, func() bool { return e.IsConnected("XBT/USD") }, waitFor, tick)
}

func TestReference(t *testing.T) {
	e := newEngine(t, testConfig("ws://127.0.0.1:1"), &fakeSource{})

	view, err := e.Reference(context.Background(), "XBT/USD")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", view.Symbol)

	_, err = e.Reference(context.Background(), "DOGE/USD")
	assert.ErrorIs(t, err, types.ErrUnknownSymbol)
}

func TestCloseStopsEverything(t *testing.T) {
	venue := newFakeVenue(t)
	e := newEngine(t, testConfig(venue.URL()), &fakeSource{})
	views, _ := e.Subscribe()
	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return e.IsConnected("XBT/USD") }, waitFor, tick)

	e.Close()
	e.Close()
	assert.False(t, e.IsConnected("XBT/USD"))

	for range views {
	}
}
