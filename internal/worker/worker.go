package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowtrace/engine/internal/errs"
	"github.com/flowtrace/engine/internal/footprint"
	"github.com/flowtrace/engine/internal/sidecar"
	"github.com/flowtrace/engine/internal/trade"
)

// dirtyFlushInterval is the periodic dirty-candle snapshot cadence spec.md
// §4.4's "State flush" describes.
const dirtyFlushInterval = 30 * time.Second

// Sink receives every candle a worker's aggregator completes. Typically
// backed by a store.Store.
type Sink interface {
	EmitCandle(c *footprint.Candle)
}

// PriceCache is the last-traded-price lookup a worker consults to
// resolve a symbol's bin multiplier via trade.ResolveBinMultiplier when
// its configuration leaves BinMultiplier unset (0), per spec.md §3's
// "recomputed from current market price via a tier table." Typically
// backed by internal/cache.RedisCache; when nil, the tier is resolved
// from each batch's own last trade price.
type PriceCache interface {
	SetLastPrice(ctx context.Context, venue, symbol string, price float64) error
	LastPrice(ctx context.Context, venue, symbol string) (float64, bool, error)
}

// Worker owns a disjoint set of symbols and processes its inbox
// strictly sequentially, per spec.md §4.5. It is constructed by Pool
// and should not be used directly.
type Worker struct {
	ID         int
	Intervals  []string
	ConfigRepo trade.ConfigRepository
	PriceCache PriceCache
	StateStore sidecar.StateStore

	urgent chan *Message
	normal chan *Message
	ready  chan struct{}
	quit   chan struct{}
	done   chan error // send on exit: nil for clean shutdown, non-nil for crash

	symbols    map[trade.Key]struct{}
	aggregator *footprint.Aggregator

	duplicateTrades atomic.Int64
}

func newWorker(id int, intervals []string, repo trade.ConfigRepository, sink Sink, priceCache PriceCache, stateStore sidecar.StateStore) *Worker {
	return &Worker{
		ID:         id,
		Intervals:  intervals,
		ConfigRepo: repo,
		PriceCache: priceCache,
		StateStore: stateStore,
		urgent:     make(chan *Message, 256),
		normal:     make(chan *Message, 1024),
		ready:      make(chan struct{}),
		quit:       make(chan struct{}),
		done:       make(chan error, 1),
		symbols:    make(map[trade.Key]struct{}),
		aggregator: footprint.New(sink),
	}
}

// Send enqueues a message, routing to the urgent or normal channel by
// its Priority. Messages get a correlation id here if the caller didn't
// already set one.
func (w *Worker) Send(m *Message) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Priority == PriorityUrgent {
		w.urgent <- m
	} else {
		w.normal <- m
	}
}

// Run is the worker's goroutine body: it initializes, signals
// WORKER_READY by closing ready, then services its inbox until a
// SHUTDOWN message or quit is closed. Panics are recovered and reported
// on done so the pool can treat them as a crash, per spec.md §4.5's
// crash-recovery flow.
func (w *Worker) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.done <- fmt.Errorf("worker %d panic: %v", w.ID, r)
			return
		}
	}()

	close(w.ready)

	flushTicker := time.NewTicker(dirtyFlushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-w.quit:
			w.done <- nil
			return
		case <-ctx.Done():
			w.done <- nil
			return
		case m := <-w.urgent:
			w.handle(m)
		case <-flushTicker.C:
			w.flushDirtySnapshots()
		default:
			select {
			case m := <-w.urgent:
				w.handle(m)
			case m := <-w.normal:
				w.handle(m)
			case <-flushTicker.C:
				w.flushDirtySnapshots()
			case <-w.quit:
				w.done <- nil
				return
			case <-ctx.Done():
				w.done <- nil
				return
			}
		}
	}
}

// flushDirtySnapshots implements the periodic dirty-candle flush spec.md
// §4.4 describes: every assigned (symbol, interval) with unflushed trades
// since the last flush is snapshotted and batched to the sidecar in one
// writeDirty call. Best-effort: sidecar errors are logged, never fatal to
// the worker loop.
func (w *Worker) flushDirtySnapshots() {
	if w.StateStore == nil {
		return
	}

	var batch []sidecar.DirtyEntry
	for key := range w.symbols {
		for _, interval := range w.Intervals {
			snap := w.aggregator.DirtySnapshot(key.Venue, key.Symbol, interval)
			if snap == nil {
				continue
			}
			raw, err := json.Marshal(snap)
			if err != nil {
				log.Printf("[Worker %d] marshal dirty snapshot for %s@%s failed: %v", w.ID, key.Symbol, interval, err)
				continue
			}
			batch = append(batch, sidecar.DirtyEntry{Symbol: key.Symbol, Snapshot: raw})
		}
	}
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.StateStore.WriteDirty(ctx, batch); err != nil {
		log.Printf("[Worker %d] writeDirty failed for %d dirty candle(s): %v", w.ID, len(batch), err)
	}
}

func (w *Worker) handle(m *Message) {
	start := time.Now()

	switch m.Type {
	case MsgSymbolAssignment:
		for _, k := range m.AssignSymbols {
			w.symbols[k] = struct{}{}
		}
		w.reply(m, Result{Success: true, WorkerID: w.ID})

	case MsgWorkerInit:
		w.initSymbol(m)

	case MsgProcessTrades:
		w.processTrades(m, start)

	case MsgWorkerStatus:
		w.reply(m, Result{Success: true, WorkerID: w.ID, TradeCount: len(w.symbols)})

	case MsgSyncMetrics, MsgHeartbeat:
		w.reply(m, Result{Success: true, WorkerID: w.ID})

	case MsgShutdown:
		w.flushAllDirty()
		w.reply(m, Result{Success: true, WorkerID: w.ID})
		close(w.quit)

	default:
		log.Printf("[Worker %d] unknown message type %q", w.ID, m.Type)
	}
}

func (w *Worker) initSymbol(m *Message) {
	w.symbols[trade.Key{Venue: m.Venue, Symbol: m.Symbol}] = struct{}{}
	if w.ConfigRepo == nil {
		w.reply(m, Result{Success: true, WorkerID: w.ID})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := w.ConfigRepo.Get(ctx, m.Venue, m.Symbol)
	if err != nil || cfg == nil {
		w.reply(m, Result{Success: false, WorkerID: w.ID, Err: err})
		return
	}

	// Adopt the sidecar's last trade id as the dedup floor for every interval.
	if w.StateStore != nil {
		states, err := w.StateStore.LoadStatesForSymbols(ctx, []string{m.Symbol})
		if err != nil {
			log.Printf("[Worker %d] loadStatesForSymbols for %s failed, starting from a zero floor: %v", w.ID, m.Symbol, err)
		} else if last, ok := states[m.Symbol]; ok {
			for _, interval := range w.Intervals {
				w.aggregator.LoadFloor(m.Venue, m.Symbol, interval, last)
			}
		}
	}
	w.reply(m, Result{Success: true, WorkerID: w.ID})
}

func (w *Worker) processTrades(m *Message, start time.Time) {
	if w.ConfigRepo == nil {
		w.reply(m, Result{Success: false, WorkerID: w.ID, Err: fmt.Errorf("worker %d: no config repository", w.ID)})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := w.ConfigRepo.Get(ctx, m.Venue, m.Symbol)
	if err != nil || cfg == nil {
		w.reply(m, Result{Success: false, WorkerID: w.ID, Err: err})
		return
	}
	w.resolveTieredBinMultiplier(ctx, m.Venue, m.Symbol, cfg, m.Trades)

	for _, interval := range w.Intervals {
		for _, t := range m.Trades {
			// spec.md §7: a duplicate trade is dropped silently, but still
			// counted for the health/metrics surface.
			var dup *errs.DuplicateTradeError
			if err := w.aggregator.Apply(*cfg, interval, t); errors.As(err, &dup) {
				w.duplicateTrades.Add(1)
			}
		}
	}

	w.reply(m, Result{
		Success:        true,
		WorkerID:       w.ID,
		TradeCount:     len(m.Trades),
		ProcessingTime: time.Since(start),
	})
}

// resolveTieredBinMultiplier fills in cfg.BinMultiplier from the
// tier table when the repository left it unset, using either the
// price cache's last-known price or, failing that, the batch's own
// last trade price. Best-effort: cache errors are logged, not
// propagated, consistent with the rest of the per-trade error policy.
func (w *Worker) resolveTieredBinMultiplier(ctx context.Context, venue trade.Venue, symbol string, cfg *trade.SymbolConfig, trades []trade.Trade) {
	if len(trades) == 0 {
		return
	}
	lastPrice := trades[len(trades)-1].Price

	if w.PriceCache != nil {
		if price, ok, err := w.PriceCache.LastPrice(ctx, string(venue), symbol); err != nil {
			log.Printf("[Worker %d] price cache lookup for %s failed: %v", w.ID, symbol, err)
		} else if ok {
			lastPrice = price
		}
		if err := w.PriceCache.SetLastPrice(ctx, string(venue), symbol, trades[len(trades)-1].Price); err != nil {
			log.Printf("[Worker %d] price cache update for %s failed: %v", w.ID, symbol, err)
		}
	}

	if cfg.BinMultiplier <= 0 {
		cfg.BinMultiplier = trade.ResolveBinMultiplier(trade.DefaultBinMultiplierTiers, lastPrice)
	}
}

func (w *Worker) flushAllDirty() {
	for key := range w.symbols {
		for _, interval := range w.Intervals {
			w.aggregator.FlushOpen(key.Venue, key.Symbol, interval)
		}
	}
}

func (w *Worker) reply(m *Message, r Result) {
	if m.Reply != nil {
		m.Reply <- r
	}
}

// QueueDepth returns the number of messages currently buffered in this
// worker's inboxes, for health/metrics reporting.
func (w *Worker) QueueDepth() int {
	return len(w.urgent) + len(w.normal)
}

// DuplicateTrades returns the number of trades this worker has dropped as
// duplicates (trade id at or below a key's dedup floor), per spec.md §7's
// duplicate-trade counter.
func (w *Worker) DuplicateTrades() int64 {
	return w.duplicateTrades.Load()
}

// Symbols returns the worker's currently-assigned symbol set, used by
// the pool to preserve affinity across a crash.
func (w *Worker) Symbols() []trade.Key {
	out := make([]trade.Key, 0, len(w.symbols))
	for k := range w.symbols {
		out = append(out, k)
	}
	return out
}
