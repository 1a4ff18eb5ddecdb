// Package binance fetches a secondary-venue view of a market for comparison.
// Nothing here feeds the synchronized cache.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"marketsync/internal/clock"
	"marketsync/internal/symbols"
	"marketsync/internal/types"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DefaultLimit matches the depth and trade count of the comparison panel
const DefaultLimit = 10

// ReferenceView is a one-shot comparison snapshot
type ReferenceView struct {
	Symbol    string                `json:"symbol"`
	LastPrice decimal.Decimal       `json:"lastPrice"`
	Book      *types.OrderBookState `json:"book"`
	Trades    []types.Trade         `json:"trades"`
	FetchedAt time.Time             `json:"fetchedAt"`
}

// Reference reads public Binance spot endpoints
type Reference struct {
	client      *gobinance.Client
	codec       *symbols.Codec
	depthLimit  int
	tradesLimit int
	clock       clock.Clock
	log         *logrus.Entry
}

// Config holds reference client settings
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	DepthLimit  int
	TradesLimit int
	Clock       clock.Clock
}

// NewReference creates an unauthenticated spot client
func NewReference(cfg Config, codec *symbols.Codec, log *logrus.Entry) *Reference {
	client := gobinance.NewClient("", "")
	if cfg.BaseURL != "" {
		client.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	if cfg.DepthLimit <= 0 {
		cfg.DepthLimit = DefaultLimit
	}
	if cfg.TradesLimit <= 0 {
		cfg.TradesLimit = DefaultLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	return &Reference{
		client:      client,
		codec:       codec,
		depthLimit:  cfg.DepthLimit,
		tradesLimit: cfg.TradesLimit,
		clock:       cfg.Clock,
		log:         log,
	}
}

// View fetches price, depth and recent trades. A failed section is left
// empty; only a total failure is returned as an error.
func (r *Reference) View(ctx context.Context, symbol types.Symbol) (*ReferenceView, error) {
	sym := r.codec.ToBinance(symbol)
	view := &ReferenceView{Symbol: sym, FetchedAt: r.clock.Now()}
	log := r.log.WithField("symbol", sym)

	var failures int

	price, err := r.price(ctx, sym)
	if err != nil {
		failures++
		log.WithError(err).Warn("reference price unavailable")
	} else {
		view.LastPrice = price
	}

	book, err := r.depth(ctx, sym)
	if err != nil {
		failures++
		log.WithError(err).Warn("reference depth unavailable")
	} else {
		view.Book = book
	}

	trades, err := r.trades(ctx, sym)
	if err != nil {
		failures++
		log.WithError(err).Warn("reference trades unavailable")
	} else {
		view.Trades = trades
	}

	if failures == 3 {
		return nil, &types.BootstrapError{Venue: "binance", Op: "reference", Err: err}
	}
	return view, nil
}

func (r *Reference) price(ctx context.Context, sym string) (decimal.Decimal, error) {
	prices, err := r.client.NewListPricesService().Symbol(sym).Do(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	for _, p := range prices {
		if p.Symbol == sym {
			return decimal.NewFromString(p.Price)
		}
	}
	return decimal.Decimal{}, fmt.Errorf("%s: %w", sym, types.ErrNoData)
}

func (r *Reference) depth(ctx context.Context, sym string) (*types.OrderBookState, error) {
	resp, err := r.client.NewDepthService().Symbol(sym).Limit(r.depthLimit).Do(ctx)
	if err != nil {
		return nil, err
	}

	book := &types.OrderBookState{Timestamp: r.clock.Now()}
	for _, a := range resp.Asks {
		l, err := level(a.Price, a.Quantity)
		if err != nil {
			return nil, err
		}
		book.Asks = append(book.Asks, l)
	}
	for _, b := range resp.Bids {
		l, err := level(b.Price, b.Quantity)
		if err != nil {
			return nil, err
		}
		book.Bids = append(book.Bids, l)
	}
	return book, nil
}

func (r *Reference) trades(ctx context.Context, sym string) ([]types.Trade, error) {
	resp, err := r.client.NewRecentTradesService().Symbol(sym).Limit(r.tradesLimit).Do(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]types.Trade, 0, len(resp))
	// newest first
	for i := len(resp) - 1; i >= 0; i-- {
		t := resp[i]
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(t.Quantity)
		if err != nil {
			return nil, err
		}
		side := types.SideBuy
		if t.IsBuyerMaker {
			side = types.SideSell
		}
		out = append(out, types.Trade{
			Price:  price.InexactFloat64(),
			Volume: qty.InexactFloat64(),
			Time:   float64(t.Time) / 1000,
			Side:   side,
		})
	}
	return out, nil
}

func level(price, qty string) (types.PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return types.PriceLevel{}, fmt.Errorf("price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return types.PriceLevel{}, fmt.Errorf("quantity %q: %w", qty, err)
	}
	return types.PriceLevel{Price: p, Size: q}, nil
}
