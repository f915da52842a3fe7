package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtrace/engine/internal/codec"
	"github.com/flowtrace/engine/internal/footprint"
	"github.com/flowtrace/engine/internal/partition"
	"github.com/flowtrace/engine/internal/trade"
)

// fakeDedupeCache is an in-memory stand-in for cache.RedisCache,
// exercising the second dedupe tier without a live Redis instance.
type fakeDedupeCache struct {
	seen      map[string]bool
	markCalls int
}

func newFakeDedupeCache() *fakeDedupeCache {
	return &fakeDedupeCache{seen: make(map[string]bool)}
}

func (f *fakeDedupeCache) SeenOpenTime(ctx context.Context, periodFileKey string, openTimeMs int64) (bool, error) {
	return f.seen[dedupeCacheKey(periodFileKey, openTimeMs)], nil
}

func (f *fakeDedupeCache) MarkOpenTime(ctx context.Context, periodFileKey string, openTimeMs int64) error {
	f.markCalls++
	f.seen[dedupeCacheKey(periodFileKey, openTimeMs)] = true
	return nil
}

func dedupeCacheKey(periodFileKey string, openTimeMs int64) string {
	return fmt.Sprintf("%s:%d", periodFileKey, openTimeMs)
}

func candleAt(openTime int64, price float64) *footprint.Candle {
	c := footprint.NewCandle(trade.VenueBinance, "BTCUSDT", "1m", openTime)
	c.Apply(trade.Trade{TradeID: 1, TradeTimestamp: openTime + 1, Price: price, Quantity: 1}, 0.1)
	c.CompleteAt(60000)
	return c
}

func TestStore_SaveAndFindBySymbol(t *testing.T) {
	s := New(t.TempDir(), true)

	base := int64(1700000000000)
	base -= base % 60000

	require.NoError(t, s.Save(candleAt(base, 100.0)))
	require.NoError(t, s.Save(candleAt(base+60000, 100.5)))

	found, err := s.FindBySymbol(trade.VenueBinance, "BTCUSDT", "1m", base, base+120000, 0)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, 100.0, found[0].Open)
	assert.Equal(t, 100.5, found[1].Open)
}

func TestStore_Save_IdempotentOnDuplicate(t *testing.T) {
	s := New(t.TempDir(), false)
	base := int64(1700000000000)
	base -= base % 60000

	c := candleAt(base, 100.0)
	require.NoError(t, s.Save(c))
	require.NoError(t, s.Save(c)) // duplicate save must succeed, not double-append

	found, err := s.FindBySymbol(trade.VenueBinance, "BTCUSDT", "1m", base, base, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestStore_FindLatest(t *testing.T) {
	s := New(t.TempDir(), false)
	base := int64(1700000000000)
	base -= base % 60000

	require.NoError(t, s.Save(candleAt(base, 100.0)))
	require.NoError(t, s.Save(candleAt(base+60000, 101.0)))
	require.NoError(t, s.Save(candleAt(base+120000, 102.0)))

	latest, err := s.FindLatest(trade.VenueBinance, "BTCUSDT", "1m")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 102.0, latest.Open)
}

// S6 — Period rollover: candles straddling a day boundary land in two
// different period files.
func TestStore_PeriodRollover_SeparateFiles(t *testing.T) {
	s := New(t.TempDir(), false)

	dayStart := int64(1700000000000 - (1700000000000 % 86400000))
	beforeMidnight := dayStart + 86400000 - 60000
	afterMidnight := dayStart + 86400000

	require.NoError(t, s.Save(candleAt(beforeMidnight, 100.0)))
	require.NoError(t, s.Save(candleAt(afterMidnight, 101.0)))

	day1, err := s.FindBySymbol(trade.VenueBinance, "BTCUSDT", "1m", beforeMidnight, beforeMidnight, 0)
	require.NoError(t, err)
	day2, err := s.FindBySymbol(trade.VenueBinance, "BTCUSDT", "1m", afterMidnight, afterMidnight, 0)
	require.NoError(t, err)

	require.Len(t, day1, 1)
	require.Len(t, day2, 1)
	assert.Equal(t, 100.0, day1[0].Open)
	assert.Equal(t, 101.0, day2[0].Open)
}

func TestStore_Save_ConsultsAndMarksDedupeCache(t *testing.T) {
	dataDir := t.TempDir()
	dedupe := newFakeDedupeCache()

	s := New(dataDir, false)
	s.SetDedupeCache(dedupe)

	base := int64(1700000000000)
	base -= base % 60000
	c := candleAt(base, 100.0)

	require.NoError(t, s.Save(c))
	assert.Equal(t, 2, dedupe.markCalls, "candle and footprint records each mark their own cache key")

	// A second Store instance sharing the data directory (simulating a
	// sibling process) and the same cache must treat the open-time as
	// already written, even with its own in-memory recentCache empty.
	other := New(dataDir, false)
	other.SetDedupeCache(dedupe)
	require.NoError(t, other.Save(candleAt(base, 999.0)))

	found, err := other.FindBySymbol(trade.VenueBinance, "BTCUSDT", "1m", base, base, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, 100.0, found[0].Open, "the dedupe cache short-circuited the second write before it could overwrite the first")
}

// candleWithManyBins builds a candle carrying several hundred price bins
// with identical, highly repetitive field values, the kind of payload
// spec.md §4.1's period-file format is compressed for.
func candleWithManyBins(openTime int64) *footprint.Candle {
	c := footprint.NewCandle(trade.VenueBinance, "BTCUSDT", "1m", openTime)
	c.Open, c.High, c.Low, c.Close = 100.0, 100.0, 100.0, 100.0
	c.TotalVolume = 500
	c.BuyVolume, c.SellVolume = 250, 250
	c.TradeCount = 500
	for i := int64(0); i < 500; i++ {
		c.Bins[1000+i] = &footprint.Bin{Volume: 1.0, BuyVolume: 0.5, SellVolume: 0.5}
	}
	c.CompleteAt(60000)
	return c
}

// rawRecordPayload reads the single record written at path (past the
// codec.HeaderSize header) and returns its magic and still-compressed
// payload bytes, bypassing codec.DecodeRecord so the test can inspect
// the bytes actually persisted to disk.
func rawRecordPayload(t *testing.T, path string) (magic [4]byte, payload []byte) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Seek(int64(codec.HeaderSize), 0)
	require.NoError(t, err)

	magic, payload, err = codec.ReadRecord(f)
	require.NoError(t, err)
	return magic, payload
}

// TestStore_Save_WritesLZ4CompressedRecords exercises spec.md §4.1's "all
// three magics carry an LZ4-compressed FlatBuffer" requirement end to
// end: the bytes Save actually appends to both the candles/ and
// footprints/ period files must be smaller than the uncompressed
// FlatBuffer they decode back into, by at least 4:1 for a payload this
// repetitive.
func TestStore_Save_WritesLZ4CompressedRecords(t *testing.T) {
	s := New(t.TempDir(), false)
	base := int64(1700000000000)
	base -= base % 60000

	c := candleWithManyBins(base)
	require.NoError(t, s.Save(c))

	period, err := partition.For(c.Interval, c.OpenTime)
	require.NoError(t, err)

	candlePath := s.periodPath(trade.VenueBinance, "BTCUSDT", KindCandles, "1m", period.Name)
	footPath := s.periodPath(trade.VenueBinance, "BTCUSDT", KindFootprints, "1m", period.Name)

	// The candle-only record has no bin histogram to compress, so it's
	// checked for the LZ4 container and a correct round trip only; the
	// 4:1 ratio target applies to the footprint-only record, whose 500
	// repetitive bins are exactly what spec.md §4.1 compresses period
	// files for.
	for _, tc := range []struct {
		name      string
		path      string
		wantMagic [4]byte
		wantRatio bool
	}{
		{"candle-only", candlePath, codec.MagicCandleOnly, false},
		{"footprint-only", footPath, codec.MagicFootprint, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			magic, compressed := rawRecordPayload(t, tc.path)
			assert.Equal(t, tc.wantMagic, magic)

			zr := lz4.NewReader(bytes.NewReader(compressed))
			uncompressed, err := io.ReadAll(zr)
			require.NoError(t, err, "payload must be a valid LZ4 stream")

			if tc.wantRatio {
				ratio := float64(len(uncompressed)) / float64(len(compressed))
				assert.GreaterOrEqualf(t, ratio, 4.0, "compression ratio %.1f:1 (%d -> %d bytes) below the 4:1 target", ratio, len(uncompressed), len(compressed))
			}

			decoded, err := codec.DecodeRecord(magic, compressed)
			require.NoError(t, err)
			assert.Equal(t, c.OpenTime, decoded.OpenTime)
		})
	}
}

func TestStore_FindWithFootprint_EmptyBinsWhenMissing(t *testing.T) {
	s := New(t.TempDir(), false)
	base := int64(1700000000000)
	base -= base % 60000
	c := candleAt(base, 100.0)
	c.Bins = nil // force candle-only save path

	require.NoError(t, s.Save(c))

	found, err := s.FindWithFootprint(trade.VenueBinance, "BTCUSDT", "1m", base, base, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Empty(t, found[0].Bins)
}
