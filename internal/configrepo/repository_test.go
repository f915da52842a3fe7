package configrepo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtrace/engine/internal/trade"
)

type fakeRow struct {
	venue, symbol, status string
	tickValue             float64
	qtyPrec, pricePrec    int
	binMultiplier         int
	active                bool
	revision              int64
}

func (f fakeRow) Scan(dest ...interface{}) error {
	*dest[0].(*string) = f.venue
	*dest[1].(*string) = f.symbol
	*dest[2].(*float64) = f.tickValue
	*dest[3].(*int) = f.qtyPrec
	*dest[4].(*int) = f.pricePrec
	*dest[5].(*int) = f.binMultiplier
	*dest[6].(*string) = f.status
	*dest[7].(*bool) = f.active
	*dest[8].(*int64) = f.revision
	return nil
}

func TestScanSymbolConfig(t *testing.T) {
	row := fakeRow{
		venue: "BINANCE", symbol: "BTCUSDT", status: "ACTIVE",
		tickValue: 0.1, qtyPrec: 3, pricePrec: 1, binMultiplier: 10, active: true, revision: 2,
	}

	cfg, err := scanSymbolConfig(row)
	require.NoError(t, err)
	assert.Equal(t, trade.VenueBinance, cfg.Venue)
	assert.Equal(t, "BTCUSDT", cfg.Symbol)
	assert.Equal(t, trade.StatusActive, cfg.Status)
	assert.Equal(t, 10, cfg.BinMultiplier)
	assert.Equal(t, int64(2), cfg.ConfigRevision)
	assert.True(t, cfg.Active)
}
