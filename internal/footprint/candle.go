// Package footprint implements the per-symbol footprint/candle
// aggregation state machine (spec.md C4): trade -> bin -> candle, with
// trade deduplication, gap recording, and completion detection.
package footprint

import (
	"math"

	"github.com/flowtrace/engine/internal/errs"
	"github.com/flowtrace/engine/internal/trade"
)

const volumeTolerance = 1e-8

// Bin accumulates volume for one price-bin of a footprint candle.
type Bin struct {
	Volume    float64
	BuyVolume float64
	SellVolume float64
	BuyQuote  float64
	SellQuote float64
}

// Candle is a single footprint candle: OHLCV plus the per-price-bin
// volume distribution, keyed by (venue, symbol, interval, openTime).
type Candle struct {
	Venue    trade.Venue
	Symbol   string
	Interval string // e.g. "1m", "5m", "1h"

	OpenTime  int64 // ms, aligned to the interval grid
	CloseTime int64 // ms, = OpenTime + intervalMs - 1 once complete

	Open, High, Low, Close float64

	TotalVolume float64
	BuyVolume   float64
	SellVolume  float64
	QuoteVolume float64

	Delta    float64 // BuyVolume - SellVolume
	DeltaMin float64
	DeltaMax float64

	TradeCount int64
	FirstTradeID int64
	LastTradeID  int64

	Complete bool

	Bins map[int64]*Bin // price-bin index -> accumulated volume
}

// NewCandle starts a fresh, empty open candle for the given open time.
func NewCandle(venue trade.Venue, symbol, interval string, openTime int64) *Candle {
	return &Candle{
		Venue:    venue,
		Symbol:   symbol,
		Interval: interval,
		OpenTime: openTime,
		Bins:     make(map[int64]*Bin),
	}
}

// binIndexEpsilon bounds how far a price/binWidth ratio may sit from the
// nearest integer before it's treated as a real fraction rather than
// float64 division noise (e.g. 100.1/0.1 evaluating to
// 1000.9999999999999 instead of the exact 1001).
const binIndexEpsilon = 1e-7

// BinIndex computes floor(price / binWidth) in integer space, per spec.md
// §9: both operands come from fixed-decimal prices and tick sizes, so the
// true ratio always lands on or near an integer; rounding before flooring
// removes the float64 drift a plain division/floor would otherwise carry
// into the bin assignment.
func BinIndex(price, binWidth float64) int64 {
	ratio := price / binWidth
	if rounded := math.Round(ratio); math.Abs(ratio-rounded) < binIndexEpsilon {
		return int64(rounded)
	}
	return int64(math.Floor(ratio))
}

// Apply folds a single trade into the candle, per spec.md §4.4 step 5.
// The caller is responsible for completion detection (step 4) and for
// ensuring the trade's id/gap bookkeeping (steps 1-2) happened first.
func (c *Candle) Apply(t trade.Trade, binWidth float64) {
	isFirst := c.TradeCount == 0

	if isFirst {
		c.Open = t.Price
		c.FirstTradeID = t.TradeID
	}
	c.Close = t.Price

	if isFirst || t.Price > c.High {
		c.High = t.Price
	}
	if isFirst || t.Price < c.Low {
		c.Low = t.Price
	}

	quote := t.QuoteVolume()
	c.TotalVolume += t.Quantity
	c.QuoteVolume += quote

	if !t.IsBuyerMaker {
		c.BuyVolume += t.Quantity
	} else {
		c.SellVolume += t.Quantity
	}

	c.Delta = c.BuyVolume - c.SellVolume
	if isFirst || c.Delta > c.DeltaMax {
		c.DeltaMax = c.Delta
	}
	if isFirst || c.Delta < c.DeltaMin {
		c.DeltaMin = c.Delta
	}

	binIdx := BinIndex(t.Price, binWidth)
	bin, ok := c.Bins[binIdx]
	if !ok {
		bin = &Bin{}
		c.Bins[binIdx] = bin
	}
	bin.Volume += t.Quantity
	if !t.IsBuyerMaker {
		bin.BuyVolume += t.Quantity
		bin.BuyQuote += quote
	} else {
		bin.SellVolume += t.Quantity
		bin.SellQuote += quote
	}

	c.TradeCount++
	c.LastTradeID = t.TradeID
}

// CompleteAt finalizes the candle: sets CloseTime per spec.md §9's mandated
// formula and flips the Complete flag.
func (c *Candle) CompleteAt(intervalMs int64) {
	c.CloseTime = c.OpenTime + intervalMs - 1
	c.Complete = true
}

// Validate checks the §3 invariants, returning every violated rule per
// spec.md §4.1 ("the rejection surfaces a ValidationError listing every
// violated rule").
func (c *Candle) Validate(intervalMs int64) error {
	var rules []string

	if c.Low > c.Open || c.Open > c.High {
		rules = append(rules, "low <= open <= high")
	}
	if c.Low > c.Close || c.Close > c.High {
		rules = append(rules, "low <= close <= high")
	}
	if math.Abs(c.TotalVolume-(c.BuyVolume+c.SellVolume)) > volumeTolerance {
		rules = append(rules, "volume == buyVolume + sellVolume")
	}
	if math.Abs(c.Delta-(c.BuyVolume-c.SellVolume)) > volumeTolerance {
		rules = append(rules, "delta == buyVolume - sellVolume")
	}
	if c.OpenTime%intervalMs != 0 {
		rules = append(rules, "openTime aligned to interval grid")
	}
	if c.Complete && c.CloseTime != c.OpenTime+intervalMs-1 {
		rules = append(rules, "closeTime == openTime + interval - 1")
	}

	if len(rules) > 0 {
		return &errs.ValidationError{Rules: rules}
	}
	return nil
}
