package kraken

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"marketsync/internal/types"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var (
	errShortFrame   = errors.New("data frame too short")
	errUnknownFrame = errors.New("unrecognized frame")
)

// EncodePing returns the keepalive request
func EncodePing() []byte {
	b, _ := json.Marshal(Request{Event: "ping"})
	return b
}

// EncodeSubscribe returns a subscribe request for one pair. depth is only
// sent for the book channel.
func EncodeSubscribe(kind types.StreamKind, wirePair string, depth int) []byte {
	return encodeSubscription("subscribe", kind, wirePair, depth)
}

// EncodeUnsubscribe mirrors EncodeSubscribe
func EncodeUnsubscribe(kind types.StreamKind, wirePair string, depth int) []byte {
	return encodeSubscription("unsubscribe", kind, wirePair, depth)
}

func encodeSubscription(event string, kind types.StreamKind, wirePair string, depth int) []byte {
	sub := &Subscription{Name: string(kind)}
	if kind == types.KindBook {
		sub.Depth = depth
	}
	b, _ := json.Marshal(Request{
		Event:        event,
		Pair:         []string{wirePair},
		Subscription: sub,
	})
	return b
}

// DecodeFrame classifies and decodes one inbound frame. Malformed input is
// reported as a *types.ProtocolError.
func DecodeFrame(raw []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Frame{}, protocolErr(raw, errUnknownFrame)
	}

	switch trimmed[0] {
	case '{':
		return decodeControl(raw, trimmed)
	case '[':
		return decodeData(raw, trimmed)
	default:
		return Frame{}, protocolErr(raw, errUnknownFrame)
	}
}

func decodeControl(raw, trimmed []byte) (Frame, error) {
	var msg controlMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return Frame{}, protocolErr(raw, err)
	}
	if msg.Event == "" {
		return Frame{}, protocolErr(raw, errors.New("object frame without event"))
	}

	f := Frame{
		Kind:         FrameControl,
		Event:        msg.Event,
		Status:       msg.Status,
		ErrorMessage: msg.ErrorMessage,
		Pair:         msg.Pair,
		Channel:      msg.ChannelName,
	}
	if msg.Event == "subscriptionStatus" {
		f.Kind = FrameSubscriptionStatus
	}
	return f, nil
}

// decodeData handles [channelID, payload..., channelName, pair]
func decodeData(raw, trimmed []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(trimmed, &parts); err != nil {
		return Frame{}, protocolErr(raw, err)
	}
	if len(parts) < 4 {
		return Frame{}, protocolErr(raw, errShortFrame)
	}

	var f Frame
	if err := json.Unmarshal(parts[0], &f.ChannelID); err != nil {
		return Frame{}, protocolErr(raw, fmt.Errorf("channel id: %w", err))
	}
	if err := json.Unmarshal(parts[len(parts)-2], &f.Channel); err != nil {
		return Frame{}, protocolErr(raw, fmt.Errorf("channel name: %w", err))
	}
	if err := json.Unmarshal(parts[len(parts)-1], &f.Pair); err != nil {
		return Frame{}, protocolErr(raw, fmt.Errorf("pair: %w", err))
	}
	payload := parts[1 : len(parts)-2]

	switch {
	case strings.HasPrefix(f.Channel, "book"):
		update, err := decodeBook(payload)
		if err != nil {
			return Frame{}, protocolErr(raw, err)
		}
		f.Kind = FrameBook
		f.Book = update
	case f.Channel == "trade":
		trades, err := decodeTrades(payload)
		if err != nil {
			return Frame{}, protocolErr(raw, err)
		}
		f.Kind = FrameTrades
		f.Trades = trades
	default:
		return Frame{}, protocolErr(raw, fmt.Errorf("%w: channel %q", errUnknownFrame, f.Channel))
	}
	return f, nil
}

// decodeBook merges every side object of the frame. A frame may split asks
// and bids across two objects.
func decodeBook(payload []json.RawMessage) (types.BookUpdate, error) {
	update := types.BookUpdate{Kind: types.Delta}
	for _, p := range payload {
		var sides bookSides
		if err := json.Unmarshal(p, &sides); err != nil {
			return types.BookUpdate{}, fmt.Errorf("book payload: %w", err)
		}

		if sides.AsksSnapshot != nil || sides.BidsSnapshot != nil {
			update.Kind = types.FullReplace
		}
		for _, src := range [][][]string{sides.AsksSnapshot, sides.Asks} {
			levels, err := parseLevels(src)
			if err != nil {
				return types.BookUpdate{}, fmt.Errorf("asks: %w", err)
			}
			update.Asks = append(update.Asks, levels...)
		}
		for _, src := range [][][]string{sides.BidsSnapshot, sides.Bids} {
			levels, err := parseLevels(src)
			if err != nil {
				return types.BookUpdate{}, fmt.Errorf("bids: %w", err)
			}
			update.Bids = append(update.Bids, levels...)
		}
	}
	return update, nil
}

// parseLevels reads [price, volume, timestamp(, "r")] entries
func parseLevels(raw [][]string) ([]types.PriceLevel, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]types.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("level has %d fields", len(entry))
		}
		price, err := decimal.NewFromString(entry[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", entry[0], err)
		}
		size, err := decimal.NewFromString(entry[1])
		if err != nil {
			return nil, fmt.Errorf("volume %q: %w", entry[1], err)
		}
		out = append(out, types.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}

// decodeTrades reads [[price, volume, time, side, orderType, misc], ...]
func decodeTrades(payload []json.RawMessage) ([]types.Trade, error) {
	if len(payload) != 1 {
		return nil, fmt.Errorf("trade frame has %d payloads", len(payload))
	}
	var rows [][]any
	if err := json.Unmarshal(payload[0], &rows); err != nil {
		return nil, fmt.Errorf("trade payload: %w", err)
	}

	trades := make([]types.Trade, 0, len(rows))
	for _, row := range rows {
		t, err := parseTradeRow(row)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func parseTradeRow(row []any) (types.Trade, error) {
	if len(row) < 4 {
		return types.Trade{}, fmt.Errorf("trade has %d fields", len(row))
	}
	price, err := toFloat(row[0])
	if err != nil {
		return types.Trade{}, fmt.Errorf("trade price: %w", err)
	}
	volume, err := toFloat(row[1])
	if err != nil {
		return types.Trade{}, fmt.Errorf("trade volume: %w", err)
	}
	ts, err := toFloat(row[2])
	if err != nil {
		return types.Trade{}, fmt.Errorf("trade time: %w", err)
	}
	side, err := parseSide(row[3])
	if err != nil {
		return types.Trade{}, err
	}

	t := types.Trade{Price: price, Volume: volume, Time: ts, Side: side}
	if len(row) > 4 {
		t.OrderType, _ = row[4].(string)
	}
	if len(row) > 5 {
		t.Misc, _ = row[5].(string)
	}
	return t, nil
}

func parseSide(v any) (types.Side, error) {
	s, _ := v.(string)
	switch s {
	case "b":
		return types.SideBuy, nil
	case "s":
		return types.SideSell, nil
	default:
		return "", fmt.Errorf("trade side %v", v)
	}
}

// toFloat accepts both quoted and bare JSON numbers
func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case string:
		return strconv.ParseFloat(n, 64)
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("unexpected %T", v)
	}
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case string:
		return decimal.NewFromString(n)
	case float64:
		return decimal.NewFromFloat(n), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unexpected %T", v)
	}
}

func protocolErr(raw []byte, err error) error {
	return &types.ProtocolError{Frame: string(raw), Err: err}
}
