// Package aggregation groups book levels into coarser price buckets for display.
package aggregation

import (
	"errors"
	"fmt"
	"sort"

	"marketsync/internal/types"

	"github.com/shopspring/decimal"
)

// ErrInvalidTick is returned for a non-positive or unparsable tick size
var ErrInvalidTick = errors.New("invalid tick size")

// Grouper buckets levels by tick size. Bids are floored and asks are ceiled
// so no bucket ever crosses the spread.
type Grouper struct {
	tick decimal.Decimal
}

// New creates a grouper for tick
func New(tick decimal.Decimal) (Grouper, error) {
	if !tick.IsPositive() {
		return Grouper{}, fmt.Errorf("%w: %s", ErrInvalidTick, tick)
	}
	return Grouper{tick: tick}, nil
}

// Parse builds a grouper from a query value such as "0.5"
func Parse(raw string) (Grouper, error) {
	tick, err := decimal.NewFromString(raw)
	if err != nil {
		return Grouper{}, fmt.Errorf("%w: %q", ErrInvalidTick, raw)
	}
	return New(tick)
}

// Tick returns the bucket size
func (g Grouper) Tick() decimal.Decimal {
	return g.tick
}

// Book returns a new book with both sides grouped. The input is not modified.
func (g Grouper) Book(book *types.OrderBookState) *types.OrderBookState {
	if book == nil {
		return nil
	}
	return &types.OrderBookState{
		Asks:      g.Asks(book.Asks),
		Bids:      g.Bids(book.Bids),
		Timestamp: book.Timestamp,
	}
}

// Bids groups bid levels, highest bucket first
func (g Grouper) Bids(levels []types.PriceLevel) []types.PriceLevel {
	out := g.group(levels, func(d decimal.Decimal) decimal.Decimal { return d.Floor() })
	sort.Slice(out, func(i, j int) bool { return out[i].Price.GreaterThan(out[j].Price) })
	return out
}

// Asks groups ask levels, lowest bucket first
func (g Grouper) Asks(levels []types.PriceLevel) []types.PriceLevel {
	out := g.group(levels, func(d decimal.Decimal) decimal.Decimal { return d.Ceil() })
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out
}

func (g Grouper) group(levels []types.PriceLevel, round func(decimal.Decimal) decimal.Decimal) []types.PriceLevel {
	if len(levels) == 0 {
		return []types.PriceLevel{}
	}

	buckets := make(map[string]int, len(levels))
	out := make([]types.PriceLevel, 0, len(levels))
	for _, level := range levels {
		price := round(level.Price.Div(g.tick)).Mul(g.tick)
		key := price.String()
		if i, ok := buckets[key]; ok {
			out[i].Size = out[i].Size.Add(level.Size)
			continue
		}
		buckets[key] = len(out)
		out = append(out, types.PriceLevel{Price: price, Size: level.Size})
	}
	return out
}

// Cumulative returns the running size total for levels in order
func Cumulative(levels []types.PriceLevel) []decimal.Decimal {
	out := make([]decimal.Decimal, len(levels))
	total := decimal.Zero
	for i, level := range levels {
		total = total.Add(level.Size)
		out[i] = total
	}
	return out
}
