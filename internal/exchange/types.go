package exchange

import (
	"context"
	"time"

	"marketsync/internal/types"
)

// SnapshotSource is the request/response side of a venue, used to seed the
// cache before a stream is live and to refresh it on symbol switch.
type SnapshotSource interface {
	// BookSnapshot fetches up to depth levels per side
	BookSnapshot(ctx context.Context, symbol types.Symbol, depth int) (*types.OrderBookState, error)

	// TradeSnapshot fetches up to count recent trades, newest first
	TradeSnapshot(ctx context.Context, symbol types.Symbol, count int) ([]types.Trade, error)

	// Ticker fetches the 24h summary
	Ticker(ctx context.Context, symbol types.Symbol) (*types.Ticker, error)
}

// HealthStatus represents connection health information
type HealthStatus struct {
	Connected     bool       `json:"connected"`
	LastMessage   time.Time  `json:"lastMessage"`
	MessageCount  int64      `json:"messageCount"`
	ErrorCount    int64      `json:"errorCount"`
	Attempts      int        `json:"attempts"`
	ReconnectTime *time.Time `json:"reconnectTime,omitempty"`
}
