package kraken

import (
	"marketsync/internal/types"
)

// DefaultWSURL is the public streaming endpoint (protocol v1)
const DefaultWSURL = "wss://ws.kraken.com"

// DefaultRestURL is the public request/response endpoint
const DefaultRestURL = "https://api.kraken.com"

// Request is an outbound control message
type Request struct {
	Event        string        `json:"event"`
	Pair         []string      `json:"pair,omitempty"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

// Subscription names the channel of a subscribe/unsubscribe request
type Subscription struct {
	Name  string `json:"name"`
	Depth int    `json:"depth,omitempty"`
}

// controlMessage is any inbound object frame
type controlMessage struct {
	Event        string        `json:"event"`
	Status       string        `json:"status,omitempty"`
	Pair         string        `json:"pair,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	ChannelName  string        `json:"channelName,omitempty"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Version      string        `json:"version,omitempty"`
}

// bookSides is one side object inside a book data frame
type bookSides struct {
	AsksSnapshot [][]string `json:"as"`
	BidsSnapshot [][]string `json:"bs"`
	Asks         [][]string `json:"a"`
	Bids         [][]string `json:"b"`
	Checksum     string     `json:"c"`
}

// FrameKind classifies a decoded inbound frame
type FrameKind int

const (
	FrameControl FrameKind = iota
	FrameSubscriptionStatus
	FrameBook
	FrameTrades
)

func (k FrameKind) String() string {
	switch k {
	case FrameControl:
		return "control"
	case FrameSubscriptionStatus:
		return "subscription_status"
	case FrameBook:
		return "book"
	case FrameTrades:
		return "trades"
	default:
		return "unknown"
	}
}

// Subscription status values
const (
	StatusSubscribed   = "subscribed"
	StatusUnsubscribed = "unsubscribed"
	StatusError        = "error"
)

// Frame is one decoded inbound message
type Frame struct {
	Kind FrameKind

	// control and subscription status
	Event        string
	Status       string
	ErrorMessage string

	// data frames
	ChannelID int64
	Channel   string // e.g. "book-10", "trade"
	Pair      string
	Book      types.BookUpdate
	Trades    []types.Trade
}

// rest envelope
type restResponse[T any] struct {
	Error  []string `json:"error"`
	Result T        `json:"result"`
}

// depthResult is keyed by the venue's pair name
type depthResult map[string]struct {
	Asks [][]any `json:"asks"`
	Bids [][]any `json:"bids"`
}

// tickerInfo follows the venue's single-letter field layout
type tickerInfo struct {
	Ask    []string `json:"a"`
	Bid    []string `json:"b"`
	Last   []string `json:"c"`
	Volume []string `json:"v"`
	VWAP   []string `json:"p"`
	Trades []int64  `json:"t"`
	Low    []string `json:"l"`
	High   []string `json:"h"`
	Open   string   `json:"o"`
}
