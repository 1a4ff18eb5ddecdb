package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketsync/internal/clock"
	"marketsync/internal/logger"
	"marketsync/internal/symbols"
	"marketsync/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeBinance(t *testing.T, failDepth bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","price":"65010.50"}]`))
	})
	mux.HandleFunc("/api/v3/depth", func(w http.ResponseWriter, r *http.Request) {
		if failDepth {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"code":-1000,"msg":"boom"}`))
			return
		}
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"lastUpdateId":1,"bids":[["65010.00","1.0"]],"asks":[["65011.00","0.5"],["65012.00","2.0"]]}`))
	})
	mux.HandleFunc("/api/v3/trades", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id":1,"price":"65000.00","qty":"0.1","quoteQty":"6500","time":1700000000000,"isBuyerMaker":true,"isBestMatch":true},
			{"id":2,"price":"65001.00","qty":"0.2","quoteQty":"13000.2","time":1700000001000,"isBuyerMaker":false,"isBestMatch":true}]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestReferenceView(t *testing.T) {
	srv := newFakeBinance(t, false)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	ref := NewReference(Config{BaseURL: srv.URL, Clock: clock.NewManual(now)}, symbols.NewCodec(), logger.Discard().WithComponent("binance"))

	view, err := ref.View(context.Background(), "XBT/USD")
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", view.Symbol)
	assert.True(t, view.FetchedAt.Equal(now))
	assert.Equal(t, "65010.5", view.LastPrice.String())
	require.NotNil(t, view.Book)
	assert.Len(t, view.Book.Asks, 2)
	assert.Len(t, view.Book.Bids, 1)

	require.Len(t, view.Trades, 2)
	assert.Equal(t, types.SideBuy, view.Trades[0].Side, "newest first")
	assert.InDelta(t, 1700000001.0, view.Trades[0].Time, 1e-6)
	assert.Equal(t, types.SideSell, view.Trades[1].Side)
}

func TestReferencePartialFailure(t *testing.T) {
	srv := newFakeBinance(t, true)
	ref := NewReference(Config{BaseURL: srv.URL}, symbols.NewCodec(), logger.Discard().WithComponent("binance"))

	view, err := ref.View(context.Background(), "XBT/USD")
	require.NoError(t, err)
	assert.Nil(t, view.Book)
	assert.Len(t, view.Trades, 2)
}

func TestReferenceTotalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	ref := NewReference(Config{BaseURL: srv.URL}, symbols.NewCodec(), logger.Discard().WithComponent("binance"))

	_, err := ref.View(context.Background(), "XBT/USD")
	var berr *types.BootstrapError
	assert.ErrorAs(t, err, &berr)
}
