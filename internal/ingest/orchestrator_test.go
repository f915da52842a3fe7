package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtrace/engine/internal/footprint"
	"github.com/flowtrace/engine/internal/trade"
	"github.com/flowtrace/engine/internal/worker"
)

type fakeRepo struct {
	active []trade.SymbolConfig
}

func (f *fakeRepo) ActiveSymbols(ctx context.Context, venue trade.Venue) ([]trade.SymbolConfig, error) {
	return f.active, nil
}
func (f *fakeRepo) Get(ctx context.Context, venue trade.Venue, symbol string) (*trade.SymbolConfig, error) {
	for _, c := range f.active {
		if c.Symbol == symbol {
			return &c, nil
		}
	}
	return &trade.SymbolConfig{Symbol: symbol, TickValue: 0.1, BinMultiplier: 1}, nil
}
func (f *fakeRepo) Upsert(ctx context.Context, cfg trade.SymbolConfig) error { return nil }
func (f *fakeRepo) VenueWSURL(ctx context.Context, venue trade.Venue) (string, error) {
	return "wss://example", nil
}
func (f *fakeRepo) VenueRESTURL(ctx context.Context, venue trade.Venue) (string, error) {
	return "https://example", nil
}

type fakeConnector struct {
	connectCalls int
	lastStreams  []string
}

func (f *fakeConnector) Connect(ctx context.Context, streams []string) error {
	f.connectCalls++
	f.lastStreams = streams
	return nil
}
func (f *fakeConnector) Close() error { return nil }

func TestOrchestrator_StandbyWhenNoActiveSymbols(t *testing.T) {
	repo := &fakeRepo{}
	pool := worker.New(1, []string{"1m"}, repo, &noopSink{})
	require.NoError(t, pool.Initialize())
	defer pool.Shutdown()

	conn := &fakeConnector{}
	o := New(trade.VenueBinance, pool, conn, repo, nil, nil, nil, "", func(s string) string { return s })

	require.NoError(t, o.Start(context.Background()))
	assert.True(t, o.InStandby())
	assert.Equal(t, 0, conn.connectCalls)
}

func TestOrchestrator_StartsStreamingWithActiveSymbols(t *testing.T) {
	repo := &fakeRepo{active: []trade.SymbolConfig{{Symbol: "BTCUSDT", TickValue: 0.1, BinMultiplier: 1, Active: true}}}
	pool := worker.New(2, []string{"1m"}, repo, &noopSink{})
	require.NoError(t, pool.Initialize())
	defer pool.Shutdown()

	conn := &fakeConnector{}
	o := New(trade.VenueBinance, pool, conn, repo, nil, nil, nil, "", func(s string) string { return s + "@aggTrade" })

	require.NoError(t, o.Start(context.Background()))
	assert.False(t, o.InStandby())
	assert.Equal(t, 1, conn.connectCalls)
	assert.Equal(t, []string{"BTCUSDT@aggTrade"}, conn.lastStreams)
}

func TestOrchestrator_AddSymbolsIsIdempotent(t *testing.T) {
	repo := &fakeRepo{}
	pool := worker.New(1, []string{"1m"}, repo, &noopSink{})
	require.NoError(t, pool.Initialize())
	defer pool.Shutdown()

	conn := &fakeConnector{}
	o := New(trade.VenueBinance, pool, conn, repo, nil, nil, nil, "", func(s string) string { return s })
	require.NoError(t, o.Start(context.Background()))

	cfg := trade.SymbolConfig{Symbol: "ETHUSDT", TickValue: 0.01, BinMultiplier: 1}
	require.NoError(t, o.AddSymbols(context.Background(), []trade.SymbolConfig{cfg}))
	firstCalls := conn.connectCalls

	require.NoError(t, o.AddSymbols(context.Background(), []trade.SymbolConfig{cfg}))
	assert.Equal(t, firstCalls, conn.connectCalls, "re-adding an already-tracked symbol is a no-op")
}

// rejectingRepo errors on any Get lookup, forcing processTrades to fail
// so OnTrade's drop counter can be exercised deterministically.
type rejectingRepo struct {
	fakeRepo
}

func (r *rejectingRepo) Get(ctx context.Context, venue trade.Venue, symbol string) (*trade.SymbolConfig, error) {
	return nil, assert.AnError
}

func TestOrchestrator_MetricsCountsDroppedTrades(t *testing.T) {
	repo := &rejectingRepo{fakeRepo{active: []trade.SymbolConfig{{Symbol: "BTCUSDT", TickValue: 0.1, BinMultiplier: 1, Active: true}}}}
	pool := worker.New(1, []string{"1m"}, repo, &noopSink{})
	require.NoError(t, pool.Initialize())
	defer pool.Shutdown()

	conn := &fakeConnector{}
	o := New(trade.VenueBinance, pool, conn, repo, nil, nil, nil, "", func(s string) string { return s })
	require.NoError(t, o.Start(context.Background()))

	o.OnTrade(trade.Trade{Venue: trade.VenueBinance, Symbol: "BTCUSDT"})

	m, ok := o.Metrics().(Metrics)
	require.True(t, ok)
	assert.Equal(t, int64(1), m.DroppedTrades)
	assert.Equal(t, 1, m.SymbolCount)
}

type noopSink struct{}

func (noopSink) EmitCandle(*footprint.Candle) {}
