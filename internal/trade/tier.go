package trade

import "sort"

// BinMultiplierTier maps a minimum market price to the bin multiplier that
// should apply once price crosses that threshold. The highest threshold
// at or below the price wins.
type BinMultiplierTier struct {
	MinPrice      float64
	BinMultiplier int
}

// DefaultBinMultiplierTiers is the tier table spec.md §3 refers to
// ("recomputed from current market price via a tier table"). High-priced
// assets (BTC-scale) get coarser bins; low-priced assets get finer ones,
// so the footprint histogram stays a tractable, informative size either
// way.
var DefaultBinMultiplierTiers = []BinMultiplierTier{
	{MinPrice: 10000, BinMultiplier: 50},
	{MinPrice: 1000, BinMultiplier: 10},
	{MinPrice: 100, BinMultiplier: 5},
	{MinPrice: 10, BinMultiplier: 2},
	{MinPrice: 0, BinMultiplier: 1},
}

// ResolveBinMultiplier returns the bin multiplier for the given market
// price using tiers, which must be sorted ascending by MinPrice (callers
// passing DefaultBinMultiplierTiers get this for free via init sorting).
func ResolveBinMultiplier(tiers []BinMultiplierTier, marketPrice float64) int {
	best := 1
	for _, tier := range tiers {
		if marketPrice >= tier.MinPrice {
			best = tier.BinMultiplier
		}
	}
	return best
}

func init() {
	sort.Slice(DefaultBinMultiplierTiers, func(i, j int) bool {
		return DefaultBinMultiplierTiers[i].MinPrice < DefaultBinMultiplierTiers[j].MinPrice
	})
}
