// Package symbols converts between canonical market symbols and the forms
// each venue puts on the wire.
package symbols

import (
	"strings"

	"marketsync/internal/types"
)

// krakenAliases maps user-facing stablecoin pairs to the Kraken pair that
// actually carries the liquidity.
var krakenAliases = map[string]string{
	"BTCUSDC": "XBT/USD",
	"ETHUSDC": "ETH/USD",
	"SOLUSDC": "SOL/USD",
	"LTCUSDC": "LTC/USD",
}

// binanceAssets renames Kraken asset codes to Binance ones
var binanceAssets = map[string]string{
	"XBT": "BTC",
	"XDG": "DOGE",
	"USD": "USDT",
}

// Codec is the symbol translation table for one deployment
type Codec struct {
	aliases map[string]string
}

// NewCodec returns the Kraken codec with the default alias table
func NewCodec() *Codec {
	return NewCodecWithAliases(krakenAliases)
}

// NewCodecWithAliases builds a codec from a custom alias table
func NewCodecWithAliases(aliases map[string]string) *Codec {
	c := &Codec{aliases: make(map[string]string, len(aliases))}
	for from, to := range aliases {
		c.aliases[strings.ToUpper(from)] = to
	}
	return c
}

// Normalize uppercases and trims a user supplied symbol and resolves aliases
func (c *Codec) Normalize(raw string) types.Symbol {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if wire, ok := c.aliases[s]; ok {
		return types.Symbol(wire)
	}
	return types.Symbol(s)
}

// ToWire returns the streaming pair name. Unknown symbols pass through.
func (c *Codec) ToWire(s types.Symbol) string {
	if wire, ok := c.aliases[string(s)]; ok {
		return wire
	}
	return string(s)
}

// FromWire maps a streaming pair name back to the canonical symbol
func (c *Codec) FromWire(wire string) types.Symbol {
	return types.Symbol(wire)
}

// ToRest returns the request/response form, which drops the separator
func (c *Codec) ToRest(s types.Symbol) string {
	return strings.ReplaceAll(c.ToWire(s), "/", "")
}

// ToBinance converts to a Binance spot symbol, e.g. XBT/USD -> BTCUSDT
func (c *Codec) ToBinance(s types.Symbol) string {
	wire := c.ToWire(s)
	base, quote, ok := strings.Cut(wire, "/")
	if !ok {
		return wire
	}
	if b, ok := binanceAssets[base]; ok {
		base = b
	}
	if q, ok := binanceAssets[quote]; ok {
		quote = q
	}
	return base + quote
}

// Split returns the base and quote assets of a canonical symbol
func Split(s types.Symbol) (base, quote string, ok bool) {
	return strings.Cut(string(s), "/")
}

// Join builds a canonical symbol from its assets
func Join(base, quote string) types.Symbol {
	return types.Symbol(strings.ToUpper(base) + "/" + strings.ToUpper(quote))
}
