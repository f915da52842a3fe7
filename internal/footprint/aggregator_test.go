package footprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtrace/engine/internal/trade"
)

type recordingSink struct {
	candles []*Candle
}

func (s *recordingSink) EmitCandle(c *Candle) {
	s.candles = append(s.candles, c)
}

func mkTrade(id int64, ts int64, price, qty float64, isBuyerMaker bool) trade.Trade {
	return trade.Trade{
		Venue:          trade.VenueBinance,
		Symbol:         "BTCUSDT",
		TradeID:        id,
		TradeTimestamp: ts,
		Price:          price,
		Quantity:       qty,
		IsBuyerMaker:   isBuyerMaker,
	}
}

// S1 — Single candle, per spec.md §8.
func TestAggregator_S1_SingleCandle(t *testing.T) {
	sink := &recordingSink{}
	agg := New(sink)
	cfg := trade.SymbolConfig{TickValue: 0.1, BinMultiplier: 1}

	// 1699999980000 is the 1m grid boundary; all three trades fall inside
	// the minute that starts there.
	require.NoError(t, agg.Apply(cfg, "1m", mkTrade(1, 1699999980500, 100.0, 1, false)))
	require.NoError(t, agg.Apply(cfg, "1m", mkTrade(2, 1700000010000, 100.2, 2, true)))
	require.NoError(t, agg.Apply(cfg, "1m", mkTrade(3, 1700000039999, 100.1, 1, false)))

	// Still open: no candle emitted yet.
	assert.Empty(t, sink.candles)

	agg.FlushOpen(trade.VenueBinance, "BTCUSDT", "1m")
	require.Len(t, sink.candles, 1)

	c := sink.candles[0]
	assert.Equal(t, 100.0, c.Open)
	assert.Equal(t, 100.2, c.High)
	assert.Equal(t, 100.0, c.Low)
	assert.Equal(t, 100.1, c.Close)
	assert.Equal(t, 4.0, c.TotalVolume)
	assert.Equal(t, 2.0, c.BuyVolume)
	assert.Equal(t, 2.0, c.SellVolume)
	assert.Equal(t, 0.0, c.Delta)
	assert.Equal(t, 1.0, c.DeltaMax)
	assert.Equal(t, -1.0, c.DeltaMin)
	assert.True(t, c.Complete)
	assert.Equal(t, int64(1699999980000+60000-1), c.CloseTime)

	// Bin indices must land in integer space: 100.0/0.1, 100.2/0.1 and
	// 100.1/0.1 are 1000, 1002 and 1001 respectively, not 1000 twice as a
	// naive float64 division/floor would produce for the third trade.
	require.Len(t, c.Bins, 3)
	require.Contains(t, c.Bins, int64(1000))
	require.Contains(t, c.Bins, int64(1001))
	require.Contains(t, c.Bins, int64(1002))
	assert.Equal(t, 1.0, c.Bins[1000].Volume)
	assert.Equal(t, 1.0, c.Bins[1001].Volume)
	assert.Equal(t, 2.0, c.Bins[1002].Volume)
}

// S3 — Gap + recovery: feeding the gap-filled ids directly must equal
// feeding the recovered ids out of order via the recovery path.
func TestAggregator_S3_GapAndRecovery(t *testing.T) {
	cfg := trade.SymbolConfig{TickValue: 0.1, BinMultiplier: 1}
	base := int64(1700000000000)

	direct := New(&recordingSink{})
	direct.LoadFloor(trade.VenueBinance, "BTCUSDT", "1m", 10)
	require.NoError(t, direct.Apply(cfg, "1m", mkTrade(11, base+1000, 100.0, 1, false)))
	require.NoError(t, direct.Apply(cfg, "1m", mkTrade(12, base+2000, 100.1, 1, false)))
	require.NoError(t, direct.Apply(cfg, "1m", mkTrade(13, base+3000, 100.2, 1, false)))
	direct.FlushOpen(trade.VenueBinance, "BTCUSDT", "1m")

	recovered := New(&recordingSink{})
	recovered.LoadFloor(trade.VenueBinance, "BTCUSDT", "1m", 10)
	require.NoError(t, recovered.Apply(cfg, "1m", mkTrade(13, base+3000, 100.2, 1, false)))
	gaps := recovered.PendingGaps(trade.VenueBinance, "BTCUSDT", "1m")
	require.Len(t, gaps, 1)
	assert.Equal(t, Gap{StartID: 10, EndID: 13}, gaps[0])

	require.NoError(t, recovered.Apply(cfg, "1m", mkTrade(11, base+1000, 100.0, 1, false)))
	require.NoError(t, recovered.Apply(cfg, "1m", mkTrade(12, base+2000, 100.1, 1, false)))
	recovered.FlushOpen(trade.VenueBinance, "BTCUSDT", "1m")

	directCandle := direct.sink.(*recordingSink).candles[0]
	recoveredCandle := recovered.sink.(*recordingSink).candles[0]

	assert.Equal(t, directCandle.TotalVolume, recoveredCandle.TotalVolume)
	assert.Equal(t, directCandle.Open, recoveredCandle.Open)
	assert.Equal(t, directCandle.Close, recoveredCandle.Close)
	assert.Equal(t, directCandle.High, recoveredCandle.High)
	assert.Equal(t, directCandle.Low, recoveredCandle.Low)
}

// S6 — Period rollover: a trade at 23:59:30 and one at 00:00:15 the next
// day emit two distinct complete candles.
func TestAggregator_S6_PeriodRollover(t *testing.T) {
	sink := &recordingSink{}
	agg := New(sink)
	cfg := trade.SymbolConfig{TickValue: 0.1, BinMultiplier: 1}

	dayStart := int64(1700000000000 - (1700000000000 % 86400000))
	beforeMidnight := dayStart + 86400000 - 30000 // 23:59:30
	afterMidnight := dayStart + 86400000 + 15000  // next day 00:00:15

	require.NoError(t, agg.Apply(cfg, "1m", mkTrade(1, beforeMidnight, 100.0, 1, false)))
	require.NoError(t, agg.Apply(cfg, "1m", mkTrade(2, afterMidnight, 101.0, 1, false)))

	require.Len(t, sink.candles, 1, "crossing the interval boundary emits the first candle immediately")
	agg.FlushOpen(trade.VenueBinance, "BTCUSDT", "1m")
	require.Len(t, sink.candles, 2)

	assert.NotEqual(t, sink.candles[0].OpenTime, sink.candles[1].OpenTime)
}

// Deduplication floor: a trade at or below the loaded floor is rejected
// and never folded into a candle (§8 Property 7).
func TestAggregator_DeduplicationFloor(t *testing.T) {
	sink := &recordingSink{}
	agg := New(sink)
	cfg := trade.SymbolConfig{TickValue: 0.1, BinMultiplier: 1}

	agg.LoadFloor(trade.VenueBinance, "BTCUSDT", "1m", 5)

	err := agg.Apply(cfg, "1m", mkTrade(5, 1700000000000, 100.0, 1, false))
	require.Error(t, err)

	err = agg.Apply(cfg, "1m", mkTrade(3, 1700000000000, 100.0, 1, false))
	require.Error(t, err)

	require.NoError(t, agg.Apply(cfg, "1m", mkTrade(6, 1700000000000, 100.0, 1, false)))
	assert.Equal(t, int64(6), agg.LastTradeID(trade.VenueBinance, "BTCUSDT", "1m"))
}
