package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtrace/engine/internal/footprint"
	"github.com/flowtrace/engine/internal/trade"
)

func sampleCandle() *footprint.Candle {
	c := footprint.NewCandle(trade.VenueBinance, "BTCUSDT", "1m", 1700000000000)
	c.Apply(trade.Trade{TradeID: 1, TradeTimestamp: 1700000000500, Price: 100.0, Quantity: 1, IsBuyerMaker: false}, 0.1)
	c.Apply(trade.Trade{TradeID: 2, TradeTimestamp: 1700000030000, Price: 100.2, Quantity: 2, IsBuyerMaker: true}, 0.1)
	c.CompleteAt(60000)
	return c
}

func TestHeader_RoundTrip(t *testing.T) {
	h := Header{Version: 1, RecordSize: 0, Count: 3, FirstTS: 100, LastTS: 900, Symbol: "BTCUSDT", Interval: "1m"}
	buf, err := h.Marshal()
	require.NoError(t, err)
	require.Len(t, buf, HeaderSize)

	got, err := UnmarshalHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestFullFootprint_RoundTrip(t *testing.T) {
	c := sampleCandle()
	magic, payload, err := EncodeFullFootprint(c)
	require.NoError(t, err)
	assert.Equal(t, MagicCompressedFootprint, magic)

	decoded, err := DecodeRecord(magic, payload)
	require.NoError(t, err)

	assert.Equal(t, c.Venue, decoded.Venue)
	assert.Equal(t, c.Symbol, decoded.Symbol)
	assert.Equal(t, c.Interval, decoded.Interval)
	assert.Equal(t, c.OpenTime, decoded.OpenTime)
	assert.Equal(t, c.CloseTime, decoded.CloseTime)
	assert.Equal(t, c.Open, decoded.Open)
	assert.Equal(t, c.High, decoded.High)
	assert.Equal(t, c.TotalVolume, decoded.TotalVolume)
	assert.Equal(t, c.Complete, decoded.Complete)
	require.Len(t, decoded.Bins, len(c.Bins))
	for idx, bin := range c.Bins {
		assert.Equal(t, bin.Volume, decoded.Bins[idx].Volume)
	}
}

func TestCandleOnly_RoundTrip(t *testing.T) {
	c := sampleCandle()
	magic, payload, err := EncodeCandleOnly(c)
	require.NoError(t, err)
	assert.Equal(t, MagicCandleOnly, magic)

	decoded, err := DecodeRecord(magic, payload)
	require.NoError(t, err)
	assert.Equal(t, c.Close, decoded.Close)
	assert.Empty(t, decoded.Bins)
}

func TestFootprintOnly_RoundTrip(t *testing.T) {
	c := sampleCandle()
	magic, payload, err := EncodeFootprintOnly(c)
	require.NoError(t, err)
	assert.Equal(t, MagicFootprint, magic)

	decoded, err := DecodeRecord(magic, payload)
	require.NoError(t, err)

	// The aggregations-only record carries the bin histogram and trade
	// accounting but none of the OHLCV scalars.
	assert.Equal(t, c.OpenTime, decoded.OpenTime)
	assert.Equal(t, c.CloseTime, decoded.CloseTime)
	assert.Equal(t, c.TradeCount, decoded.TradeCount)
	assert.Equal(t, c.Complete, decoded.Complete)
	require.Len(t, decoded.Bins, len(c.Bins))
	for idx, bin := range c.Bins {
		assert.Equal(t, bin.Volume, decoded.Bins[idx].Volume)
	}
	assert.Zero(t, decoded.Open)
	assert.Zero(t, decoded.High)
	assert.Zero(t, decoded.Low)
	assert.Zero(t, decoded.Close)
	assert.Zero(t, decoded.TotalVolume)
}

func TestWriteReadRecord_LengthPrefixFraming(t *testing.T) {
	c := sampleCandle()
	magic, payload, err := EncodeFullFootprint(c)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, magic, payload))
	require.NoError(t, WriteRecord(&buf, magic, payload))

	gotMagic1, gotPayload1, err := ReadRecord(&buf)
	require.NoError(t, err)
	assert.Equal(t, magic, gotMagic1)
	assert.Equal(t, payload, gotPayload1)

	gotMagic2, gotPayload2, err := ReadRecord(&buf)
	require.NoError(t, err)
	assert.Equal(t, magic, gotMagic2)
	assert.Equal(t, payload, gotPayload2)
}

func TestReadRecord_LegacyJSON(t *testing.T) {
	legacy := `{"venue":"BINANCE","symbol":"BTCUSDT","interval":"1m","openTime":1700000000000,"closeTime":1700000059999,"open":100.0,"high":100.5,"low":99.5,"close":100.2,"volume":10,"buyVolume":6,"sellVolume":4,"complete":true}`

	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, [4]byte{}, []byte(legacy)))

	magic, payload, err := ReadRecord(&buf)
	require.NoError(t, err)
	assert.Equal(t, [4]byte{}, magic)

	c, err := DecodeRecord(magic, payload)
	require.NoError(t, err)
	assert.Equal(t, trade.VenueBinance, c.Venue)
	assert.Equal(t, "BTCUSDT", c.Symbol)
	assert.Equal(t, 100.2, c.Close)
	assert.True(t, c.Complete)
}
