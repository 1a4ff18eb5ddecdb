package kraken

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketsync/internal/clock"
	"marketsync/internal/exchange"
	"marketsync/internal/symbols"
	"marketsync/internal/types"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ClientConfig holds REST client settings
type ClientConfig struct {
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec float64
	Retries        uint
	HTTPClient     *http.Client
	// Clock stamps fetched snapshots. Nil means the wall clock.
	Clock          clock.Clock
}

// Client fetches bootstrap snapshots from the public REST API
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	clock   clock.Clock
	retries uint
	codec   *symbols.Codec
	log     *logrus.Entry
}

var _ exchange.SnapshotSource = (*Client)(nil)

// NewClient creates a REST client
func NewClient(cfg ClientConfig, codec *symbols.Codec, log *logrus.Entry) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultRestURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 1
	}
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 4),
		clock:   cfg.Clock,
		retries: cfg.Retries,
		codec:   codec,
		log:     log,
	}
}

// BookSnapshot fetches up to depth levels per side
func (c *Client) BookSnapshot(ctx context.Context, symbol types.Symbol, depth int) (*types.OrderBookState, error) {
	q := url.Values{}
	q.Set("pair", c.codec.ToRest(symbol))
	q.Set("count", strconv.Itoa(depth))

	result, err := get[depthResult](ctx, c, "/0/public/Depth", q)
	if err != nil {
		return nil, &types.BootstrapError{Venue: "kraken", Op: "depth", Err: err}
	}

	// one key, named by the venue's internal pair code
	for _, book := range result {
		asks, err := parseRestLevels(book.Asks)
		if err != nil {
			return nil, &types.BootstrapError{Venue: "kraken", Op: "depth", Err: err}
		}
		bids, err := parseRestLevels(book.Bids)
		if err != nil {
			return nil, &types.BootstrapError{Venue: "kraken", Op: "depth", Err: err}
		}
		return &types.OrderBookState{Asks: asks, Bids: bids, Timestamp: c.clock.Now()}, nil
	}
	return nil, &types.BootstrapError{Venue: "kraken", Op: "depth", Err: types.ErrNoData}
}

// TradeSnapshot fetches up to count recent trades, newest first
func (c *Client) TradeSnapshot(ctx context.Context, symbol types.Symbol, count int) ([]types.Trade, error) {
	q := url.Values{}
	q.Set("pair", c.codec.ToRest(symbol))
	q.Set("count", strconv.Itoa(count))

	result, err := get[map[string]json.RawMessage](ctx, c, "/0/public/Trades", q)
	if err != nil {
		return nil, &types.BootstrapError{Venue: "kraken", Op: "trades", Err: err}
	}

	for key, raw := range result {
		if key == "last" {
			continue
		}
		var rows [][]any
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, &types.BootstrapError{Venue: "kraken", Op: "trades", Err: err}
		}
		trades := make([]types.Trade, 0, len(rows))
		for _, row := range rows {
			t, err := parseTradeRow(row)
			if err != nil {
				return nil, &types.BootstrapError{Venue: "kraken", Op: "trades", Err: err}
			}
			trades = append(trades, t)
		}
		// venue returns oldest first
		for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
			trades[i], trades[j] = trades[j], trades[i]
		}
		return trades, nil
	}
	return nil, &types.BootstrapError{Venue: "kraken", Op: "trades", Err: types.ErrNoData}
}

// Ticker fetches last price and 24h figures
func (c *Client) Ticker(ctx context.Context, symbol types.Symbol) (*types.Ticker, error) {
	q := url.Values{}
	q.Set("pair", c.codec.ToRest(symbol))

	result, err := get[map[string]tickerInfo](ctx, c, "/0/public/Ticker", q)
	if err != nil {
		return nil, &types.BootstrapError{Venue: "kraken", Op: "ticker", Err: err}
	}

	for _, info := range result {
		t := &types.Ticker{Symbol: symbol, FetchedAt: c.clock.Now()}
		fields := []struct {
			dst *decimal.Decimal
			src []string
			idx int
		}{
			{&t.LastPrice, info.Last, 0},
			{&t.Volume24h, info.Volume, 1},
			{&t.High24h, info.High, 1},
			{&t.Low24h, info.Low, 1},
		}
		for _, f := range fields {
			if len(f.src) <= f.idx {
				return nil, &types.BootstrapError{Venue: "kraken", Op: "ticker", Err: errors.New("short ticker field")}
			}
			d, err := decimal.NewFromString(f.src[f.idx])
			if err != nil {
				return nil, &types.BootstrapError{Venue: "kraken", Op: "ticker", Err: err}
			}
			*f.dst = d
		}
		return t, nil
	}
	return nil, &types.BootstrapError{Venue: "kraken", Op: "ticker", Err: types.ErrNoData}
}

// get performs one rate-limited, retried GET and unwraps the envelope.
// Client errors and venue-reported errors are not retried.
func get[T any](ctx context.Context, c *Client, path string, q url.Values) (T, error) {
	endpoint := c.baseURL + path + "?" + q.Encode()

	op := func() (T, error) {
		var zero T
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return zero, backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return zero, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return zero, err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return zero, fmt.Errorf("%s: status %d", path, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return zero, backoff.Permanent(fmt.Errorf("%s: status %d", path, resp.StatusCode))
		}

		var env restResponse[T]
		if err := json.Unmarshal(body, &env); err != nil {
			return zero, backoff.Permanent(fmt.Errorf("%s: decode: %w", path, err))
		}
		if len(env.Error) > 0 {
			return zero, backoff.Permanent(fmt.Errorf("%s: %s", path, strings.Join(env.Error, "; ")))
		}
		return env.Result, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.retries),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.log.WithError(err).WithField("retry_in", d).Debug("REST request failed, retrying")
		}),
	)
}

// parseRestLevels reads [price, volume, timestamp] where the timestamp is a bare number
func parseRestLevels(rows [][]any) ([]types.PriceLevel, error) {
	out := make([]types.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("level has %d fields", len(row))
		}
		price, err := toDecimal(row[0])
		if err != nil {
			return nil, fmt.Errorf("price: %w", err)
		}
		size, err := toDecimal(row[1])
		if err != nil {
			return nil, fmt.Errorf("volume: %w", err)
		}
		out = append(out, types.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}
