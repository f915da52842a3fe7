// Package ingest implements the C7 ingestion orchestrator: boot
// sequencing, standby mode for an empty symbol set, and the
// addSymbols/removeSymbols lifecycle that keeps venue subscriptions and
// worker routing in sync.
package ingest

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/flowtrace/engine/internal/sidecar"
	"github.com/flowtrace/engine/internal/store"
	"github.com/flowtrace/engine/internal/trade"
	"github.com/flowtrace/engine/internal/venue"
	"github.com/flowtrace/engine/internal/worker"
)

// Connector is the subset of a venue connector the orchestrator drives.
type Connector interface {
	Connect(ctx context.Context, streams []string) error
	Close() error
}

// Orchestrator wires C5's worker pool, a venue connector, the
// persistence sidecar, and the symbol-configuration repository into the
// boot sequence spec.md §4.7 describes.
type Orchestrator struct {
	Venue      trade.Venue
	Pool       *worker.Pool
	Connector  Connector
	Repo       trade.ConfigRepository
	Sidecar    sidecar.StateStore
	GapReader  sidecar.GapReader
	Store      *store.Store
	SocketPath string

	mu       sync.Mutex
	symbols  map[string]trade.SymbolConfig
	standby  bool
	streamFn func(symbol string) string

	droppedTrades atomic.Int64
}

// StreamNamer lets each venue package supply its own stream-naming
// convention (e.g. "btcusdt@aggTrade" for Binance).
type StreamNamer func(symbol string) string

func New(v trade.Venue, pool *worker.Pool, conn Connector, repo trade.ConfigRepository, ss sidecar.StateStore, gr sidecar.GapReader, st *store.Store, socketPath string, namer StreamNamer) *Orchestrator {
	return &Orchestrator{
		Venue:      v,
		Pool:       pool,
		Connector:  conn,
		Repo:       repo,
		Sidecar:    ss,
		GapReader:  gr,
		Store:      st,
		SocketPath: socketPath,
		symbols:    make(map[string]trade.SymbolConfig),
		streamFn:   namer,
	}
}

// Start runs the four boot phases from spec.md §4.7. Phase 0 (pool
// readiness) is the caller's responsibility via Pool.Initialize, since
// one pool is typically shared across connectors; Start assumes it has
// already returned successfully.
func (o *Orchestrator) Start(ctx context.Context) error {
	active, err := o.Repo.ActiveSymbols(ctx, o.Venue)
	if err != nil {
		return err
	}

	if len(active) == 0 {
		o.mu.Lock()
		o.standby = true
		o.mu.Unlock()
		log.Printf("[Orchestrator] no active symbols for %s, entering standby mode", o.Venue)
		return nil
	}

	symbols := make([]string, 0, len(active))
	o.mu.Lock()
	for _, cfg := range active {
		o.symbols[cfg.Symbol] = cfg
		symbols = append(symbols, cfg.Symbol)
	}
	o.mu.Unlock()

	if err := o.initRouting(ctx, symbols); err != nil {
		return err
	}

	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = o.streamFn(s)
	}
	return o.Connector.Connect(ctx, streams)
}

// initRouting implements phase 2: assign every symbol to a worker via
// the consistent-hash ring, send SYMBOL_ASSIGNMENT plus one WORKER_INIT
// per symbol to each owning worker, and an empty SYMBOL_ASSIGNMENT to
// every idle worker, all before any trade can arrive.
func (o *Orchestrator) initRouting(ctx context.Context, symbols []string) error {
	byWorker := make(map[int][]string)
	for _, s := range symbols {
		workerID, ok := o.Pool.Route(s)
		if !ok {
			continue
		}
		byWorker[workerID] = append(byWorker[workerID], s)
	}

	if o.Sidecar != nil {
		if _, err := o.Sidecar.LoadStatesForSymbols(ctx, symbols); err != nil {
			log.Printf("[Orchestrator] loadStatesForSymbols failed, workers will start from a zero floor: %v", err)
		}
	}

	// WORKER_INIT goes to every worker that owns at least one symbol, so
	// each can adopt its dedup floor before the first trade arrives.
	for workerID, assigned := range byWorker {
		keys := make([]trade.Key, len(assigned))
		for i, s := range assigned {
			keys[i] = trade.Key{Venue: o.Venue, Symbol: s}
		}
		if err := o.Pool.AssignSymbols(workerID, keys); err != nil {
			return err
		}
		for _, symbol := range assigned {
			if _, err := o.Pool.InitSymbol(o.Venue, symbol); err != nil {
				return err
			}
		}
	}

	// Every worker, even one with zero symbols, must acknowledge an
	// (empty) assignment. Flush tickers already run from worker spawn.
	for _, workerID := range o.Pool.AllWorkerIDs() {
		if _, ok := byWorker[workerID]; ok {
			continue
		}
		if err := o.Pool.AssignSymbols(workerID, nil); err != nil {
			return err
		}
	}

	return nil
}

// OnTrade is the callback registered with the venue connector (phase
// 3). It fans the trade out to the router. Per-trade failures are
// logged and counted, never propagated: one bad trade must not stall
// the stream.
func (o *Orchestrator) OnTrade(t trade.Trade) {
	result, err := o.Pool.RouteTrades(t.Venue, t.Symbol, []trade.Trade{t}, worker.PriorityNormal)
	if err != nil {
		o.droppedTrades.Add(1)
		log.Printf("[Orchestrator] routing trade for %s failed: %v", t.Symbol, err)
		return
	}
	if !result.Success {
		o.droppedTrades.Add(1)
		log.Printf("[Orchestrator] worker %d rejected trade for %s: %v", result.WorkerID, t.Symbol, result.Err)
	}
}

// AddSymbols is idempotent: symbols already tracked are skipped. New
// symbols get routed and subscribed on the venue stream.
func (o *Orchestrator) AddSymbols(ctx context.Context, cfgs []trade.SymbolConfig) error {
	o.mu.Lock()
	var fresh []trade.SymbolConfig
	for _, cfg := range cfgs {
		if _, exists := o.symbols[cfg.Symbol]; exists {
			continue
		}
		o.symbols[cfg.Symbol] = cfg
		fresh = append(fresh, cfg)
	}
	wasStandby := o.standby
	o.standby = false
	o.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}

	symbols := make([]string, len(fresh))
	for i, cfg := range fresh {
		symbols[i] = cfg.Symbol
	}
	if err := o.initRouting(ctx, symbols); err != nil {
		return err
	}

	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = o.streamFn(s)
	}

	if wasStandby {
		log.Printf("[Orchestrator] leaving standby mode with %d symbols", len(symbols))
		return o.Connector.Connect(ctx, streams)
	}
	// A running connector re-subscribes its full active set on its next
	// CONNECTED transition; for a live add we reconnect with the union.
	return o.Connector.Connect(ctx, o.allStreams())
}

// RemoveSymbols reconnects the venue stream without the given symbols
// and drops them from local tracking. The owning worker is not
// notified: it keeps the symbols assigned and their aggregation state,
// including any open candle, in memory.
func (o *Orchestrator) RemoveSymbols(ctx context.Context, symbols []string) error {
	o.mu.Lock()
	for _, s := range symbols {
		delete(o.symbols, s)
	}
	o.mu.Unlock()

	return o.Connector.Connect(ctx, o.allStreams())
}

func (o *Orchestrator) allStreams() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	streams := make([]string, 0, len(o.symbols))
	for s := range o.symbols {
		streams = append(streams, o.streamFn(s))
	}
	return streams
}

// InStandby reports whether the orchestrator is waiting for its first
// symbol.
func (o *Orchestrator) InStandby() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.standby
}

// stater is implemented by every venue connector; kept unexported and
// satisfied structurally so Connector doesn't have to widen just for
// metrics reporting.
type stater interface {
	State() venue.ConnState
}

// Metrics is the plain-struct health/metrics snapshot spec.md §6's
// getHealthMetrics/isHealthy describe: per-venue connection state,
// standby/symbol counts, and the shared pool's per-worker queue depth.
type Metrics struct {
	Venue           trade.Venue     `json:"venue"`
	Standby         bool            `json:"standby"`
	SymbolCount     int             `json:"symbolCount"`
	ConnState       venue.ConnState `json:"connState,omitempty"`
	QueueDepths     map[int]int     `json:"queueDepths"`
	FailedWorkers   []int           `json:"failedWorkers,omitempty"`
	DroppedTrades   int64           `json:"droppedTrades"`
	DuplicateTrades int64           `json:"duplicateTrades"`
}

// Metrics takes a point-in-time snapshot suitable for a health endpoint
// or periodic logging; it never touches the network. Returns Metrics
// boxed as interface{} so transport's orchestratorAPI stays decoupled
// from this package's concrete types.
func (o *Orchestrator) Metrics() interface{} {
	o.mu.Lock()
	m := Metrics{
		Venue:       o.Venue,
		Standby:     o.standby,
		SymbolCount: len(o.symbols),
	}
	o.mu.Unlock()

	if s, ok := o.Connector.(stater); ok {
		m.ConnState = s.State()
	}
	m.QueueDepths = o.Pool.QueueDepths()
	m.FailedWorkers = o.Pool.FailedWorkers()
	m.DroppedTrades = o.droppedTrades.Load()
	m.DuplicateTrades = o.Pool.DuplicateTrades()
	return m
}

var _ venue.TradeHandler = (&Orchestrator{}).OnTrade
