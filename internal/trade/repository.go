package trade

import "context"

// ConfigRepository is the interface the core consumes for symbol
// configuration and active-symbol lists. spec.md scopes its concrete
// backing store (a database, a config file) out of the core; the default
// adapter lives in internal/configrepo.
type ConfigRepository interface {
	ActiveSymbols(ctx context.Context, venue Venue) ([]SymbolConfig, error)
	Get(ctx context.Context, venue Venue, symbol string) (*SymbolConfig, error)
	Upsert(ctx context.Context, cfg SymbolConfig) error
	VenueWSURL(ctx context.Context, venue Venue) (string, error)
	VenueRESTURL(ctx context.Context, venue Venue) (string, error)
}
