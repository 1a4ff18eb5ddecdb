package orderbook

import (
	"marketsync/internal/types"

	"github.com/shopspring/decimal"
)

// Stats summarizes a book for the status endpoint
type Stats struct {
	BestBid   decimal.Decimal `json:"bestBid"`
	BestAsk   decimal.Decimal `json:"bestAsk"`
	Spread    decimal.Decimal `json:"spread"`
	MidPrice  decimal.Decimal `json:"midPrice"`
	BidLevels int             `json:"bidLevels"`
	AskLevels int             `json:"askLevels"`

	TotalBidsQty decimal.Decimal `json:"totalBidsQty"`
	TotalAsksQty decimal.Decimal `json:"totalAsksQty"`
	TotalDelta   decimal.Decimal `json:"totalDelta"`

	// Liquidity within 0.5% and 2% of mid
	BidLiquidity05Pct   decimal.Decimal `json:"bidLiquidity05Pct"`
	AskLiquidity05Pct   decimal.Decimal `json:"askLiquidity05Pct"`
	BidLiquidity2Pct    decimal.Decimal `json:"bidLiquidity2Pct"`
	AskLiquidity2Pct    decimal.Decimal `json:"askLiquidity2Pct"`
	DeltaLiquidity05Pct decimal.Decimal `json:"deltaLiquidity05Pct"`
	DeltaLiquidity2Pct  decimal.Decimal `json:"deltaLiquidity2Pct"`
}

var (
	half  = decimal.NewFromFloat(0.5)
	pct05 = decimal.NewFromFloat(0.005)
	pct2  = decimal.NewFromFloat(0.02)
)

// Summarize computes spread and liquidity figures. An empty or one-sided
// book yields zero prices.
func Summarize(book *types.OrderBookState) Stats {
	var s Stats
	if book == nil {
		return s
	}
	s.BidLevels = len(book.Bids)
	s.AskLevels = len(book.Asks)

	for _, l := range book.Bids {
		s.TotalBidsQty = s.TotalBidsQty.Add(l.Size)
	}
	for _, l := range book.Asks {
		s.TotalAsksQty = s.TotalAsksQty.Add(l.Size)
	}
	s.TotalDelta = s.TotalBidsQty.Sub(s.TotalAsksQty)

	bid, okBid := book.BestBid()
	ask, okAsk := book.BestAsk()
	if !okBid || !okAsk {
		return s
	}
	s.BestBid = bid.Price
	s.BestAsk = ask.Price
	if ask.Price.GreaterThan(bid.Price) {
		s.Spread = ask.Price.Sub(bid.Price)
	}
	s.MidPrice = bid.Price.Add(ask.Price).Mul(half)

	minBid05 := s.MidPrice.Sub(s.MidPrice.Mul(pct05))
	minBid2 := s.MidPrice.Sub(s.MidPrice.Mul(pct2))
	for _, l := range book.Bids {
		if l.Price.GreaterThanOrEqual(minBid05) {
			s.BidLiquidity05Pct = s.BidLiquidity05Pct.Add(l.Size)
		}
		if l.Price.GreaterThanOrEqual(minBid2) {
			s.BidLiquidity2Pct = s.BidLiquidity2Pct.Add(l.Size)
		}
	}

	maxAsk05 := s.MidPrice.Add(s.MidPrice.Mul(pct05))
	maxAsk2 := s.MidPrice.Add(s.MidPrice.Mul(pct2))
	for _, l := range book.Asks {
		if l.Price.LessThanOrEqual(maxAsk05) {
			s.AskLiquidity05Pct = s.AskLiquidity05Pct.Add(l.Size)
		}
		if l.Price.LessThanOrEqual(maxAsk2) {
			s.AskLiquidity2Pct = s.AskLiquidity2Pct.Add(l.Size)
		}
	}

	// positive = more bid liquidity
	s.DeltaLiquidity05Pct = s.BidLiquidity05Pct.Sub(s.AskLiquidity05Pct)
	s.DeltaLiquidity2Pct = s.BidLiquidity2Pct.Sub(s.AskLiquidity2Pct)
	return s
}
