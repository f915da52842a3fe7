package worker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtrace/engine/internal/footprint"
	"github.com/flowtrace/engine/internal/trade"
)

type fakeRepo struct {
	cfg trade.SymbolConfig
}

func (f *fakeRepo) ActiveSymbols(ctx context.Context, venue trade.Venue) ([]trade.SymbolConfig, error) {
	return []trade.SymbolConfig{f.cfg}, nil
}
func (f *fakeRepo) Get(ctx context.Context, venue trade.Venue, symbol string) (*trade.SymbolConfig, error) {
	cfg := f.cfg
	return &cfg, nil
}
func (f *fakeRepo) Upsert(ctx context.Context, cfg trade.SymbolConfig) error { return nil }
func (f *fakeRepo) VenueWSURL(ctx context.Context, venue trade.Venue) (string, error) {
	return "", nil
}
func (f *fakeRepo) VenueRESTURL(ctx context.Context, venue trade.Venue) (string, error) {
	return "", nil
}

type collectingSink struct {
	mu      sync.Mutex
	candles []*footprint.Candle
}

func (s *collectingSink) EmitCandle(c *footprint.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles = append(s.candles, c)
}

func TestPool_InitializeAndRouteTrades(t *testing.T) {
	repo := &fakeRepo{cfg: trade.SymbolConfig{TickValue: 0.1, BinMultiplier: 1, Active: true}}
	sink := &collectingSink{}

	p := New(2, []string{"1m"}, repo, sink)
	require.NoError(t, p.Initialize())
	defer p.Shutdown()

	id1, ok := p.Route("BTCUSDT")
	require.True(t, ok)
	id2, ok := p.Route("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, id1, id2)

	trades := []trade.Trade{
		{Venue: trade.VenueBinance, Symbol: "BTCUSDT", TradeID: 1, TradeTimestamp: 1700000000500, Price: 100.0, Quantity: 1},
	}
	result, err := p.RouteTrades(trade.VenueBinance, "BTCUSDT", trades, PriorityNormal)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.TradeCount)
}

func TestPool_DefaultsSizeToGOMAXPROCS(t *testing.T) {
	p := New(0, []string{"1m"}, &fakeRepo{}, &collectingSink{})
	assert.Greater(t, p.size, 0)
}

type fakePriceCache struct {
	mu     sync.Mutex
	prices map[string]float64
	sets   int
}

func newFakePriceCache() *fakePriceCache {
	return &fakePriceCache{prices: make(map[string]float64)}
}

func (c *fakePriceCache) SetLastPrice(ctx context.Context, venue, symbol string, price float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.prices[venue+":"+symbol] = price
	return nil
}

func (c *fakePriceCache) LastPrice(ctx context.Context, venue, symbol string) (float64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[venue+":"+symbol]
	return p, ok, nil
}

// TestPool_ResolvesBinMultiplierFromPriceTierWhenUnset exercises the
// trade.ResolveBinMultiplier path a symbol config with BinMultiplier=0
// takes: the batch is processed successfully and the price cache records
// the trade's price, exactly once, for the next batch to read back.
func TestPool_ResolvesBinMultiplierFromPriceTierWhenUnset(t *testing.T) {
	repo := &fakeRepo{cfg: trade.SymbolConfig{TickValue: 1, BinMultiplier: 0, Active: true}}
	sink := &collectingSink{}
	priceCache := newFakePriceCache()

	p := New(1, []string{"1m"}, repo, sink)
	p.SetPriceCache(priceCache)
	require.NoError(t, p.Initialize())
	defer p.Shutdown()

	trades := []trade.Trade{
		{Venue: trade.VenueBinance, Symbol: "BTCUSDT", TradeID: 1, TradeTimestamp: 1700000000500, Price: 15000, Quantity: 1},
	}
	result, err := p.RouteTrades(trade.VenueBinance, "BTCUSDT", trades, PriorityNormal)
	require.NoError(t, err)
	require.True(t, result.Success)

	price, ok, err := priceCache.LastPrice(context.Background(), string(trade.VenueBinance), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 15000.0, price)
	assert.Equal(t, 1, priceCache.sets)
}

// TestPool_CountsDuplicateTrades exercises the spec.md §7 duplicate-trade
// counter: resending an already-seen trade id must not error out of
// RouteTrades (it's dropped silently), but must still be counted.
func TestPool_CountsDuplicateTrades(t *testing.T) {
	repo := &fakeRepo{cfg: trade.SymbolConfig{TickValue: 0.1, BinMultiplier: 1, Active: true}}
	sink := &collectingSink{}

	p := New(1, []string{"1m"}, repo, sink)
	require.NoError(t, p.Initialize())
	defer p.Shutdown()

	trades := []trade.Trade{
		{Venue: trade.VenueBinance, Symbol: "BTCUSDT", TradeID: 1, TradeTimestamp: 1700000000500, Price: 100.0, Quantity: 1},
	}

	result, err := p.RouteTrades(trade.VenueBinance, "BTCUSDT", trades, PriorityNormal)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, int64(0), p.DuplicateTrades())

	result, err = p.RouteTrades(trade.VenueBinance, "BTCUSDT", trades, PriorityNormal)
	require.NoError(t, err)
	require.True(t, result.Success, "a duplicate trade is dropped silently, not a routing failure")
	assert.Equal(t, int64(1), p.DuplicateTrades())
}
