package main

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/flowtrace/engine/internal/config"
	"github.com/flowtrace/engine/internal/trade"
)

// staticRepo is the trade.ConfigRepository used when FLOWTRACE_USE_DATABASE
// is false: a fixed symbol list read once from the environment, for
// running the engine against a handful of symbols without standing up
// Postgres.
type staticRepo struct {
	cfg     *config.Config
	symbols map[string]trade.SymbolConfig
}

func newStaticRepo(cfg *config.Config) *staticRepo {
	tickValue, _ := strconv.ParseFloat(getEnv("FLOWTRACE_STATIC_TICK_VALUE", "0.1"), 64)
	binMultiplier, _ := strconv.Atoi(getEnv("FLOWTRACE_STATIC_BIN_MULTIPLIER", "1"))

	symbols := make(map[string]trade.SymbolConfig)
	for _, s := range strings.Split(getEnv("FLOWTRACE_STATIC_SYMBOLS", "BTCUSDT"), ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		symbols[s] = trade.SymbolConfig{
			Symbol:        s,
			TickValue:     tickValue,
			BinMultiplier: binMultiplier,
			Active:        true,
			Status:        trade.StatusActive,
		}
	}

	return &staticRepo{cfg: cfg, symbols: symbols}
}

func (r *staticRepo) ActiveSymbols(ctx context.Context, venue trade.Venue) ([]trade.SymbolConfig, error) {
	out := make([]trade.SymbolConfig, 0, len(r.symbols))
	for _, cfg := range r.symbols {
		cfg.Venue = venue
		out = append(out, cfg)
	}
	return out, nil
}

func (r *staticRepo) Get(ctx context.Context, venue trade.Venue, symbol string) (*trade.SymbolConfig, error) {
	if cfg, ok := r.symbols[symbol]; ok {
		cfg.Venue = venue
		return &cfg, nil
	}
	return &trade.SymbolConfig{Venue: venue, Symbol: symbol, TickValue: 0.1, BinMultiplier: 1, Active: true}, nil
}

func (r *staticRepo) Upsert(ctx context.Context, cfg trade.SymbolConfig) error {
	r.symbols[cfg.Symbol] = cfg
	return nil
}

func (r *staticRepo) VenueWSURL(ctx context.Context, venue trade.Venue) (string, error) {
	switch venue {
	case trade.VenueBinance:
		return r.cfg.BinanceWSBaseURL, nil
	case trade.VenueBybit:
		return r.cfg.BybitWSBaseURL, nil
	case trade.VenueOKX:
		return r.cfg.OKXWSBaseURL, nil
	default:
		return "", nil
	}
}

func (r *staticRepo) VenueRESTURL(ctx context.Context, venue trade.Venue) (string, error) {
	switch venue {
	case trade.VenueBinance:
		return r.cfg.BinanceRESTBaseURL, nil
	case trade.VenueBybit:
		return r.cfg.BybitRESTBaseURL, nil
	case trade.VenueOKX:
		return r.cfg.OKXRESTBaseURL, nil
	default:
		return "", nil
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

var _ trade.ConfigRepository = (*staticRepo)(nil)
