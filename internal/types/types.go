package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is the canonical market identifier (e.g. "XBT/USD")
type Symbol string

func (s Symbol) String() string {
	return string(s)
}

// StreamKind identifies the subscription channel of a stream connection
type StreamKind string

const (
	KindBook  StreamKind = "book"
	KindTrade StreamKind = "trade"
)

// Side is the aggressor side of a trade
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PriceLevel represents a single price level in the order book.
// Price is the uniqueness key within one side; a zero Size removes the level.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBookState is an immutable, depth-bounded view of both book sides.
// Asks are ascending by price, bids descending.
type OrderBookState struct {
	Asks      []PriceLevel `json:"asks"`
	Bids      []PriceLevel `json:"bids"`
	Timestamp time.Time    `json:"timestamp"`
}

// IsEmpty reports whether the book carries no levels at all
func (b *OrderBookState) IsEmpty() bool {
	return b == nil || (len(b.Asks) == 0 && len(b.Bids) == 0)
}

// BestAsk returns the lowest ask, if any
func (b *OrderBookState) BestAsk() (PriceLevel, bool) {
	if b == nil || len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// BestBid returns the highest bid, if any
func (b *OrderBookState) BestBid() (PriceLevel, bool) {
	if b == nil || len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// UpdateKind distinguishes authoritative snapshots from incremental diffs
type UpdateKind int

const (
	FullReplace UpdateKind = iota
	Delta
)

func (k UpdateKind) String() string {
	switch k {
	case FullReplace:
		return "full_replace"
	case Delta:
		return "delta"
	default:
		return "unknown"
	}
}

// BookUpdate is a decoded book message ready for merging
type BookUpdate struct {
	Kind UpdateKind
	Asks []PriceLevel
	Bids []PriceLevel
}

// Trade is a single executed trade. Time is unix seconds with fraction.
type Trade struct {
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Time      float64 `json:"time"`
	Side      Side    `json:"side"`
	OrderType string  `json:"orderType,omitempty"` // "l" limit, "m" market
	Misc      string  `json:"misc,omitempty"`
}

// Ticker holds the 24h summary of a market
type Ticker struct {
	Symbol    Symbol          `json:"symbol"`
	LastPrice decimal.Decimal `json:"lastPrice"`
	Volume24h decimal.Decimal `json:"volume24h"`
	High24h   decimal.Decimal `json:"high24h"`
	Low24h    decimal.Decimal `json:"low24h"`
	FetchedAt time.Time       `json:"fetchedAt"`
}
