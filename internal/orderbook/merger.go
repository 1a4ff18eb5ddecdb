// Package orderbook merges snapshots and incremental updates into a
// depth-bounded book.
package orderbook

import (
	"sort"
	"time"

	"marketsync/internal/types"

	"github.com/shopspring/decimal"
)

// DefaultDepth is the number of levels kept per side
const DefaultDepth = 10

// Merger applies book updates. It holds no state; every call returns a new book.
type Merger struct {
	Depth int
}

// NewMerger creates a merger bounded to depth levels per side
func NewMerger(depth int) Merger {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return Merger{Depth: depth}
}

// Apply merges update into current and returns the resulting book.
//
// A FullReplace discards current. A Delta with no current book is a no-op
// and returns nil: the stream snapshot will arrive shortly. Applying the same
// delta twice yields the same book.
func (m Merger) Apply(current *types.OrderBookState, update types.BookUpdate, now time.Time) *types.OrderBookState {
	switch update.Kind {
	case types.FullReplace:
		return &types.OrderBookState{
			Asks:      m.side(nil, update.Asks, false),
			Bids:      m.side(nil, update.Bids, true),
			Timestamp: now,
		}
	case types.Delta:
		if current == nil {
			return nil
		}
		asks := current.Asks
		if len(update.Asks) > 0 {
			asks = m.side(current.Asks, update.Asks, false)
		}
		bids := current.Bids
		if len(update.Bids) > 0 {
			bids = m.side(current.Bids, update.Bids, true)
		}
		return &types.OrderBookState{Asks: asks, Bids: bids, Timestamp: now}
	default:
		return current
	}
}

// side merges changes into base keyed by price. Later entries win, zero size
// deletes. The result is sorted best-first and truncated to depth.
func (m Merger) side(base, changes []types.PriceLevel, descending bool) []types.PriceLevel {
	levels := make(map[string]types.PriceLevel, len(base)+len(changes))
	for _, l := range base {
		levels[key(l.Price)] = l
	}
	for _, l := range changes {
		k := key(l.Price)
		if l.Size.IsZero() {
			delete(levels, k)
			continue
		}
		levels[k] = l
	}

	out := make([]types.PriceLevel, 0, len(levels))
	for _, l := range levels {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if len(out) > m.Depth {
		out = out[:m.Depth]
	}
	return out
}

// key normalizes a price so "100.50" and "100.5" address the same level
func key(p decimal.Decimal) string {
	return p.String()
}
