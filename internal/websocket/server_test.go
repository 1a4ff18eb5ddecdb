package websocket

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"marketsync/internal/engine"
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

func level(price, size string) types.PriceLevel {
	return types.PriceLevel{Price: decimal.RequireFromString(price), Size: decimal.RequireFromString(size)}
}

type fakeSource struct {
	views chan engine.MarketView

	mu       sync.Mutex
	active   types.Symbol
	visible  []bool
	selected []types.Symbol
	noRef    bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{views: make(chan engine.MarketView, 8), active: "XBT/USD"}
}

func (f *fakeSource) Markets() []types.Symbol { return []types.Symbol{"XBT/USD", "ETH/USD"} }

func (f *fakeSource) Active() types.Symbol {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeSource) Tracks(s types.Symbol) bool { return s == "XBT/USD" || s == "ETH/USD" }

func (f *fakeSource) View(s types.Symbol) engine.MarketView {
	if s != "XBT/USD" {
		return engine.MarketView{Symbol: s}
	}
	return engine.MarketView{
		Symbol: s,
		Book: &types.OrderBookState{
			Asks: []types.PriceLevel{level("100.2", "1"), level("100.7", "2"), level("101.5", "1")},
			Bids: []types.PriceLevel{level("99.9", "1"), level("99.4", "3")},
		},
		Trades: []types.Trade{
			{Price: 100.1, Volume: 0.5, Time: 1700000002, Side: types.SideBuy},
			{Price: 100.0, Volume: 0.1, Time: 1700000001, Side: types.SideSell},
		},
		BookConnected:   true,
		TradesConnected: true,
		Connected:       true,
		HasInitialData:  true,
	}
}

func (f *fakeSource) Status() []engine.MarketStatus {
	return []engine.MarketStatus{{Symbol: "XBT/USD", Active: true, Book: engine.StreamStatus{State: "subscribed", Connected: true}}}
}

func (f *fakeSource) Ticker(s types.Symbol) (*types.Ticker, bool) {
	if s != "XBT/USD" {
		return nil, false
	}
	return &types.Ticker{Symbol: s, LastPrice: decimal.NewFromInt(100)}, true
}

func (f *fakeSource) Reference(ctx context.Context, s types.Symbol) (*binance.ReferenceView, error) {
	f.mu.Lock()
	noRef := f.noRef
	f.mu.Unlock()
	if noRef {
		return nil, types.ErrNoData
	}
	return &binance.ReferenceView{Symbol: "BTCUSDT", LastPrice: decimal.NewFromInt(101)}, nil
}

func (f *fakeSource) Select(s types.Symbol) error {
	if !f.Tracks(s) {
		return types.ErrUnknownSymbol
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = s
	f.selected = append(f.selected, s)
	return nil
}

func (f *fakeSource) SetVisible(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visible = append(f.visible, v)
}

func (f *fakeSource) Subscribe() (<-chan engine.MarketView, func()) {
	return f.views, func() {}
}

func (f *fakeSource) Selected() []types.Symbol {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Symbol(nil), f.selected...)
}

func (f *fakeSource) Visible() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.visible...)
}

func newTestServer(t *testing.T, src *fakeSource) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(Options{
		Source:  src,
		Metrics: metrics.New(),
		Log:     logger.Discard().WithComponent("server"),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func get(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestBookEndpoint(t *testing.T) {
	_, ts := newTestServer(t, newFakeSource())

	var book struct {
		MarketMessage
		Stats struct {
			BestBid string `json:"bestBid"`
			BestAsk string `json:"bestAsk"`
		} `json:"stats"`
	}
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/api/markets/xbt/usd/book", &book))

	assert.Equal(t, "XBT/USD", book.Symbol)
	assert.True(t, book.Connected)
	assert.True(t, book.HasData)
	require.Len(t, book.Asks, 3)
	assert.Equal(t, "100.2", book.Asks[0].Price)
	assert.Equal(t, "4", book.Asks[2].Cumulative)
	require.Len(t, book.Bids, 2)
	assert.Equal(t, "4", book.Bids[1].Cumulative)
	assert.Equal(t, "99.9", book.Stats.BestBid)
	assert.Equal(t, "100.2", book.Stats.BestAsk)
}

func TestBookEndpointGroupsByTick(t *testing.T) {
	_, ts := newTestServer(t, newFakeSource())

	var book MarketMessage
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/api/markets/XBT/USD/book?tick=1", &book))
	assert.Equal(t, "1", book.Tick)
	require.Len(t, book.Asks, 2)
	assert.Equal(t, "101", book.Asks[0].Price)
	assert.Equal(t, "3", book.Asks[0].Size)
	require.Len(t, book.Bids, 1)
	assert.Equal(t, "99", book.Bids[0].Price)

	assert.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/api/markets/XBT/USD/book?tick=abc", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/api/markets/XBT/USD/book?tick=-1", nil))
}

func TestBookWithoutDataIsEmpty(t *testing.T) {
	_, ts := newTestServer(t, newFakeSource())

	var book MarketMessage
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/api/markets/ETH/USD/book", &book))
	assert.False(t, book.HasData)
	assert.Empty(t, book.Asks)
	assert.NotNil(t, book.Trades)
}

func TestUnknownMarket(t *testing.T) {
	_, ts := newTestServer(t, newFakeSource())

	var body map[string]string
	assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/api/markets/DOGE/USD/book", &body))
	assert.Contains(t, body["error"], "unknown symbol")
}

func TestTradesEndpoint(t *testing.T) {
	_, ts := newTestServer(t, newFakeSource())

	var body struct {
		Symbol string        `json:"symbol"`
		Trades []types.Trade `json:"trades"`
	}
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/api/markets/XBT/USD/trades", &body))
	assert.Len(t, body.Trades, 2)

	require.Equal(t, http.StatusOK, get(t, ts.URL+"/api/markets/XBT/USD/trades?limit=1", &body))
	require.Len(t, body.Trades, 1)
	assert.Equal(t, 1700000002.0, body.Trades[0].Time)

	assert.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/api/markets/XBT/USD/trades?limit=x", nil))
}

func TestTickerAndReference(t *testing.T) {
	src := newFakeSource()
	_, ts := newTestServer(t, src)

	var ticker types.Ticker
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/api/markets/XBT/USD/ticker", &ticker))
	assert.True(t, ticker.LastPrice.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/api/markets/ETH/USD/ticker", nil))

	var ref binance.ReferenceView
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/api/markets/XBT/USD/reference", &ref))
	assert.Equal(t, "BTCUSDT", ref.Symbol)

	src.mu.Lock()
	src.noRef = true
	src.mu.Unlock()
	assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/api/markets/XBT/USD/reference", nil))
}

func TestSelectEndpoint(t *testing.T) {
	src := newFakeSource()
	_, ts := newTestServer(t, src)

	resp, err := http.Post(ts.URL+"/api/markets/ETH/USD/select", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []types.Symbol{"ETH/USD"}, src.Selected())

	resp, err = http.Get(ts.URL + "/api/markets/ETH/USD/select")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatusMarketsHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, newFakeSource())

	var status []engine.MarketStatus
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/api/status", &status))
	require.Len(t, status, 1)
	assert.Equal(t, "subscribed", status[0].Book.State)

	var markets struct {
		Markets []types.Symbol `json:"markets"`
		Active  types.Symbol   `json:"active"`
	}
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/api/markets", &markets))
	assert.Equal(t, types.Symbol("XBT/USD"), markets.Active)
	assert.Len(t, markets.Markets, 2)

	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/healthz", nil))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readType reads until a message of the wanted type arrives
func readType(t *testing.T, conn *websocket.Conn, want MessageType) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == string(want) {
			return msg
		}
	}
}

func TestWebSocketFeed(t *testing.T) {
	src := newFakeSource()
	s, ts := newTestServer(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	conn := dialWS(t, ts)
	initial := readType(t, conn, MessageTypeMarket)
	assert.Equal(t, "XBT/USD", initial["symbol"])

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "set_tick", Tick: "1"}))
	// the tick change lands before the next broadcast is read
	require.Eventually(t, func() bool {
		s.clientsMux.RLock()
		defer s.clientsMux.RUnlock()
		for c := range s.clients {
			if c.tick() != nil {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	src.views <- src.View("XBT/USD")
	market := readType(t, conn, MessageTypeMarket)
	assert.Equal(t, "1", market["tick"])
	assert.Equal(t, true, market["connected"])

	stats := readType(t, conn, MessageTypeStats)
	assert.Equal(t, "XBT/USD", stats["symbol"])
}

func TestWebSocketClientCommands(t *testing.T) {
	src := newFakeSource()
	_, ts := newTestServer(t, src)

	conn := dialWS(t, ts)
	readType(t, conn, MessageTypeMarket)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "select_market", Symbol: "ethusdc"}))
	require.Eventually(t, func() bool { return len(src.Selected()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.Symbol("ETH/USD"), src.Selected()[0])

	hidden := false
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "visibility", Visible: &hidden}))
	require.Eventually(t, func() bool { return len(src.Visible()) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, src.Visible()[0])

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "select_market", Symbol: "DOGE/USD"}))
	msg := readType(t, conn, MessageTypeError)
	assert.Contains(t, msg["message"], "unknown symbol")

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "bogus"}))
	msg = readType(t, conn, MessageTypeError)
	assert.Equal(t, "unknown message type", msg["message"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	msg = readType(t, conn, MessageTypeError)
	assert.Equal(t, "invalid message", msg["message"])
}
