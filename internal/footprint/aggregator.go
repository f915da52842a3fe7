package footprint

import (
	"fmt"
	"sync"

	"github.com/flowtrace/engine/internal/errs"
	"github.com/flowtrace/engine/internal/partition"
	"github.com/flowtrace/engine/internal/trade"
)

// Gap records an observed trade-id discontinuity for later recovery via
// syncMissingTrades, per spec.md §4.4 step 2.
type Gap struct {
	StartID int64 // last contiguous id seen, exclusive
	EndID   int64 // first id of the new contiguous run, exclusive
}

// symbolState is the per-(venue,symbol,interval) mutable aggregation
// state: the in-progress candle, the dedup floor, and pending gaps.
type symbolState struct {
	open        *Candle
	lastTradeID int64 // dedup floor; trades with id <= this are dropped
	gaps        []Gap
	dirty       bool
	configRev   int64 // ConfigRevision the open candle was built under
}

// Sink receives candles the moment they are finalized (spec.md §4.4 step
// 4: "emit it downstream"). Implementations typically hand the candle to
// C2's store.
type Sink interface {
	EmitCandle(c *Candle)
}

// Aggregator owns the footprint state machine for every (venue, symbol,
// interval) triple assigned to one worker. Its methods take an internal
// mutex, so concurrent calls do not race; per-key trade order still
// depends on callers serializing access per worker, matching the
// consistent-hash ownership invariant of C5.
type Aggregator struct {
	mu     sync.Mutex
	states map[string]*symbolState
	sink   Sink
}

func New(sink Sink) *Aggregator {
	return &Aggregator{
		states: make(map[string]*symbolState),
		sink:   sink,
	}
}

func stateKey(venue trade.Venue, symbol, interval string) string {
	return fmt.Sprintf("%s:%s:%s", venue, symbol, interval)
}

// LoadFloor adopts a deduplication floor for a (venue, symbol, interval)
// key, per spec.md §4.4 "State load": after loadStatesForSymbols returns
// {s: L}, no trade with id <= L is ever counted into a candle (§8
// Property 7). Call once per key during worker initialization, before
// any trade is applied.
func (a *Aggregator) LoadFloor(venue trade.Venue, symbol, interval string, lastTradeID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := stateKey(venue, symbol, interval)
	st, ok := a.states[key]
	if !ok {
		st = &symbolState{}
		a.states[key] = st
	}
	st.lastTradeID = lastTradeID
}

// Apply feeds one trade through the spec.md §4.4 state machine: dedup
// (step 1), gap recording (step 2), interval boundary detection with
// candle completion (steps 3-4), and the fold itself (step 5). Returns
// *errs.DuplicateTradeError for a dropped duplicate (non-fatal; caller
// should count it and move on), the partition error for an unknown
// interval, and nil otherwise.
func (a *Aggregator) Apply(cfg trade.SymbolConfig, interval string, t trade.Trade) error {
	intervalMs, err := partition.IntervalMs(interval)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := stateKey(t.Venue, t.Symbol, interval)
	st, ok := a.states[key]
	if !ok {
		st = &symbolState{}
		a.states[key] = st
	}

	// Step 1: dedup floor.
	if t.TradeID <= st.lastTradeID {
		return &errs.DuplicateTradeError{TradeID: t.TradeID, LastTradeID: st.lastTradeID}
	}

	// Step 2: gap detection, non-blocking.
	if st.lastTradeID != 0 && t.TradeID > st.lastTradeID+1 {
		st.gaps = append(st.gaps, Gap{StartID: st.lastTradeID, EndID: t.TradeID})
	}
	st.lastTradeID = t.TradeID

	// Step 3: interval alignment.
	intervalStart := (t.TradeTimestamp / intervalMs) * intervalMs

	// Step 4: boundary crossing, or a config revision change, closes the
	// open candle so bin widths never mix within one candle.
	if st.open != nil && (st.open.OpenTime != intervalStart || st.configRev != cfg.ConfigRevision) {
		a.emit(st)
	}
	st.configRev = cfg.ConfigRevision
	if st.open == nil {
		st.open = NewCandle(t.Venue, t.Symbol, interval, intervalStart)
	}

	// Step 5: fold the trade into the (possibly fresh) open candle.
	st.open.Apply(t, cfg.BinWidth())
	st.dirty = true

	return nil
}

// emit finalizes st.open, hands it to the sink, and clears the slot. Must
// be called with a.mu held.
func (a *Aggregator) emit(st *symbolState) {
	if st.open == nil {
		return
	}
	intervalMs, _ := partition.IntervalMs(st.open.Interval)
	st.open.CompleteAt(intervalMs)
	if a.sink != nil {
		a.sink.EmitCandle(st.open)
	}
	st.open = nil
}

// FlushOpen force-completes and emits the open candle for a key, used
// when a bin-multiplier config change invalidates further accumulation
// into it (spec.md §9's config-revision handling) or on graceful
// shutdown.
func (a *Aggregator) FlushOpen(venue trade.Venue, symbol, interval string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[stateKey(venue, symbol, interval)]
	if !ok {
		return
	}
	a.emit(st)
}

// PendingGaps returns and clears the gap list recorded for a key, for
// the orchestrator's gap-recovery use case (spec.md §4.4 and §6's
// syncMissingTrades).
func (a *Aggregator) PendingGaps(venue trade.Venue, symbol, interval string) []Gap {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[stateKey(venue, symbol, interval)]
	if !ok || len(st.gaps) == 0 {
		return nil
	}
	gaps := st.gaps
	st.gaps = nil
	return gaps
}

// LastTradeID returns the current dedup floor for a key, used by C3
// flush and by the sidecar's lastTradeIds persistence.
func (a *Aggregator) LastTradeID(venue trade.Venue, symbol, interval string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[stateKey(venue, symbol, interval)]
	if !ok {
		return 0
	}
	return st.lastTradeID
}

// DirtySnapshot returns a shallow copy of the open candle for a key if it
// has unflushed trades, and clears the dirty flag. Used by the periodic
// flush-to-sidecar loop (spec.md §4.4's "dirty-flag periodic flush").
func (a *Aggregator) DirtySnapshot(venue trade.Venue, symbol, interval string) *Candle {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[stateKey(venue, symbol, interval)]
	if !ok || !st.dirty || st.open == nil {
		return nil
	}
	st.dirty = false

	cp := *st.open
	cp.Bins = make(map[int64]*Bin, len(st.open.Bins))
	for k, v := range st.open.Bins {
		binCopy := *v
		cp.Bins[k] = &binCopy
	}
	return &cp
}
