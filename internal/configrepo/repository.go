package configrepo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/flowtrace/engine/internal/trade"
)

// SymbolRepository is the Postgres-backed trade.ConfigRepository
// implementation. Nothing under internal/footprint, internal/worker, or
// internal/ingest imports this package directly; they only see the
// trade.ConfigRepository interface.
type SymbolRepository struct {
	db *DB
}

func NewSymbolRepository(db *DB) *SymbolRepository {
	return &SymbolRepository{db: db}
}

func (r *SymbolRepository) ActiveSymbols(ctx context.Context, venue trade.Venue) ([]trade.SymbolConfig, error) {
	query := `
		SELECT venue, symbol, tick_value, quantity_precision, price_precision,
		       bin_multiplier, status, is_active, config_revision
		FROM symbol_configs
		WHERE venue = $1 AND is_active = true
		ORDER BY symbol ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, string(venue))
	if err != nil {
		return nil, fmt.Errorf("configrepo: active symbols: %w", err)
	}
	defer rows.Close()

	var out []trade.SymbolConfig
	for rows.Next() {
		cfg, err := scanSymbolConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("configrepo: scan active symbol: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (r *SymbolRepository) Get(ctx context.Context, venue trade.Venue, symbol string) (*trade.SymbolConfig, error) {
	query := `
		SELECT venue, symbol, tick_value, quantity_precision, price_precision,
		       bin_multiplier, status, is_active, config_revision
		FROM symbol_configs
		WHERE venue = $1 AND symbol = $2
	`

	row := r.db.Pool.QueryRow(ctx, query, string(venue), symbol)
	cfg, err := scanSymbolConfig(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("configrepo: get symbol: %w", err)
	}
	return &cfg, nil
}

// Upsert inserts or updates a symbol's configuration. A bin-multiplier
// change bumps config_revision, which is how the aggregator learns to
// force-complete an open candle instead of mixing bin widths within it.
func (r *SymbolRepository) Upsert(ctx context.Context, cfg trade.SymbolConfig) error {
	query := `
		INSERT INTO symbol_configs
			(venue, symbol, tick_value, quantity_precision, price_precision,
			 bin_multiplier, status, is_active, config_revision, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
			COALESCE((SELECT config_revision FROM symbol_configs WHERE venue = $1 AND symbol = $2), 0), now())
		ON CONFLICT (venue, symbol) DO UPDATE SET
			tick_value         = EXCLUDED.tick_value,
			quantity_precision = EXCLUDED.quantity_precision,
			price_precision    = EXCLUDED.price_precision,
			bin_multiplier     = CASE WHEN symbol_configs.bin_multiplier <> EXCLUDED.bin_multiplier
			                          THEN EXCLUDED.bin_multiplier ELSE symbol_configs.bin_multiplier END,
			config_revision    = CASE WHEN symbol_configs.bin_multiplier <> EXCLUDED.bin_multiplier
			                          THEN symbol_configs.config_revision + 1 ELSE symbol_configs.config_revision END,
			status             = EXCLUDED.status,
			is_active          = EXCLUDED.is_active,
			updated_at         = now()
	`

	_, err := r.db.Pool.Exec(ctx, query,
		string(cfg.Venue), cfg.Symbol, cfg.TickValue, cfg.QuantityPrecision, cfg.PricePrecision,
		cfg.BinMultiplier, string(cfg.Status), cfg.Active,
	)
	if err != nil {
		return fmt.Errorf("configrepo: upsert symbol: %w", err)
	}
	return nil
}

func (r *SymbolRepository) VenueWSURL(ctx context.Context, venue trade.Venue) (string, error) {
	var url string
	err := r.db.Pool.QueryRow(ctx, `SELECT ws_url FROM venue_endpoints WHERE venue = $1`, string(venue)).Scan(&url)
	if err != nil {
		return "", fmt.Errorf("configrepo: venue ws url: %w", err)
	}
	return url, nil
}

func (r *SymbolRepository) VenueRESTURL(ctx context.Context, venue trade.Venue) (string, error) {
	var url string
	err := r.db.Pool.QueryRow(ctx, `SELECT rest_url FROM venue_endpoints WHERE venue = $1`, string(venue)).Scan(&url)
	if err != nil {
		return "", fmt.Errorf("configrepo: venue rest url: %w", err)
	}
	return url, nil
}

// rowScanner covers both pgx.Rows and pgx.Row, which share a Scan method
// but no common interface in pgx/v5.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSymbolConfig(row rowScanner) (trade.SymbolConfig, error) {
	var cfg trade.SymbolConfig
	var venue, status string
	err := row.Scan(&venue, &cfg.Symbol, &cfg.TickValue, &cfg.QuantityPrecision, &cfg.PricePrecision,
		&cfg.BinMultiplier, &status, &cfg.Active, &cfg.ConfigRevision)
	if err != nil {
		return trade.SymbolConfig{}, err
	}
	cfg.Venue = trade.Venue(venue)
	cfg.Status = trade.SymbolStatus(status)
	return cfg, nil
}

var _ trade.ConfigRepository = (*SymbolRepository)(nil)
