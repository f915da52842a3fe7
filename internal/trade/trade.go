// Package trade defines the venue-agnostic trade and symbol-configuration
// types that flow through the rest of the engine.
package trade

import "fmt"

// Venue tags the small fixed set of supported futures venues. Kept as a
// tagged enum rather than an open string so adapters are selected by
// switch rather than dynamic dispatch, per the pack's systems-language
// idiom.
type Venue string

const (
	VenueBinance Venue = "BINANCE"
	VenueBybit   Venue = "BYBIT"
	VenueOKX     Venue = "OKX"
)

// Trade is a single normalized trade event from a venue stream.
type Trade struct {
	Venue          Venue
	Symbol         string
	TradeID        int64
	EventTimestamp int64 // ms since epoch, when the venue emitted the event
	TradeTimestamp int64 // ms since epoch, when the trade occurred
	PriceString    string
	Price          float64
	Quantity       float64
	IsBuyerMaker   bool
}

// QuoteVolume is price * quantity for this trade.
func (t Trade) QuoteVolume() float64 {
	return t.Price * t.Quantity
}

// SymbolStatus is the lifecycle state of a tracked symbol.
type SymbolStatus string

const (
	StatusPendingReview SymbolStatus = "PENDING_REVIEW"
	StatusActive        SymbolStatus = "ACTIVE"
	StatusDelisted      SymbolStatus = "DELISTED"
	StatusDisabled      SymbolStatus = "DISABLED"
)

// SymbolConfig describes how a (venue, symbol) pair should be aggregated.
type SymbolConfig struct {
	Venue             Venue
	Symbol            string
	TickValue         float64
	QuantityPrecision int
	PricePrecision    int
	BinMultiplier     int
	Active            bool
	Status            SymbolStatus
	// ConfigRevision increments every time BinMultiplier (or any field
	// that invalidates an open candle's binning) changes.
	ConfigRevision int64
}

// BinWidth is the price width of one footprint bin: tickValue * binMultiplier.
func (c SymbolConfig) BinWidth() float64 {
	return c.TickValue * float64(c.BinMultiplier)
}

// Key uniquely identifies a (venue, symbol) pair.
type Key struct {
	Venue  Venue
	Symbol string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Venue, k.Symbol)
}
