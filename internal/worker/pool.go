package worker

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/flowtrace/engine/internal/errs"
	"github.com/flowtrace/engine/internal/sidecar"
	"github.com/flowtrace/engine/internal/trade"
)

// Spawn-retry and crash-recovery constants, per spec.md §4.5.
const (
	maxSpawnAttempts = 3
	spawnBaseDelay   = 1 * time.Second
	spawnMaxDelay    = 10 * time.Second

	maxCrashesInWindow = 3
	crashWindow        = 5 * time.Minute
	crashRespawnDelay  = 1 * time.Second

	readyTimeout = 15 * time.Second
)

// Pool is the fixed-size worker pool and consistent-hash router
// described in spec.md §4.5.
type Pool struct {
	size       int
	intervals  []string
	repo       trade.ConfigRepository
	sink       Sink
	priceCache PriceCache
	stateStore sidecar.StateStore

	mu       sync.RWMutex
	workers  map[int]*Worker
	ring     *Ring
	crashLog map[int][]time.Time
	failed   map[int]bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Size defaults to machine parallelism when n <= 0, per spec.md §4.5.
func New(n int, intervals []string, repo trade.ConfigRepository, sink Sink) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:      n,
		intervals: intervals,
		repo:      repo,
		sink:      sink,
		workers:   make(map[int]*Worker),
		ring:      NewRing(),
		crashLog:  make(map[int][]time.Time),
		failed:    make(map[int]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetPriceCache wires an optional last-traded-price cache into every
// worker subsequently spawned (by Initialize or crash recovery), so
// they can resolve a symbol's bin multiplier from the tier table when
// its configuration leaves it unset. Call before Initialize.
func (p *Pool) SetPriceCache(c PriceCache) {
	p.priceCache = c
}

// SetStateStore wires the persistence sidecar into every worker
// subsequently spawned, so each can run its periodic dirty-candle flush
// (spec.md §4.4). Call before Initialize.
func (p *Pool) SetStateStore(ss sidecar.StateStore) {
	p.stateStore = ss
}

// Initialize spawns every worker with retry, waits for all of them to
// signal WORKER_READY, and adds them to the routing ring. A worker that
// never comes up after maxSpawnAttempts, or a readiness barrier that
// times out, is a fatal startup error for the whole pool.
func (p *Pool) Initialize() error {
	var readyWG sync.WaitGroup
	readyWG.Add(p.size)

	for id := 0; id < p.size; id++ {
		id := id
		w, err := p.spawnWithRetry(id)
		if err != nil {
			return &errs.StartupFailureError{Component: fmt.Sprintf("worker-pool(worker %d)", id), Err: err}
		}

		p.mu.Lock()
		p.workers[id] = w
		p.ring.AddWorker(id)
		p.mu.Unlock()

		go func() {
			<-w.ready
			readyWG.Done()
		}()
		go p.supervise(id, w)
	}

	done := make(chan struct{})
	go func() {
		readyWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(readyTimeout):
		return &errs.StartupFailureError{Component: "worker-pool", Err: fmt.Errorf("readiness barrier timed out after %s", readyTimeout)}
	}
}

// spawnWithRetry attempts to bring up worker id up to maxSpawnAttempts
// times with exponential backoff between attempts (1s, then 2s; the
// delay doubles and is capped at 10s).
func (p *Pool) spawnWithRetry(id int) (*Worker, error) {
	delay := spawnBaseDelay
	var lastErr error

	for attempt := 1; attempt <= maxSpawnAttempts; attempt++ {
		w := newWorker(id, p.intervals, p.repo, p.sink, p.priceCache, p.stateStore)
		go w.Run(p.ctx)

		select {
		case <-w.ready:
			return w, nil
		case <-time.After(readyTimeout):
			lastErr = fmt.Errorf("worker %d attempt %d: did not become ready", id, attempt)
			log.Printf("[Pool] %v", lastErr)
		}

		if attempt < maxSpawnAttempts {
			time.Sleep(delay)
			delay *= 2
			if delay > spawnMaxDelay {
				delay = spawnMaxDelay
			}
		}
	}
	return nil, lastErr
}

// supervise watches a worker's done channel and handles crash recovery
// per spec.md §4.5.
func (p *Pool) supervise(id int, w *Worker) {
	for {
		err := <-w.done
		if err == nil {
			return // clean shutdown
		}

		log.Printf("[Pool] worker %d crashed: %v", id, err)
		symbols := w.Symbols()

		p.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-crashWindow)
		kept := p.crashLog[id][:0]
		for _, t := range p.crashLog[id] {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		p.crashLog[id] = append(kept, now)
		tooManyCrashes := len(p.crashLog[id]) > maxCrashesInWindow
		if tooManyCrashes {
			p.failed[id] = true
			p.ring.RemoveWorker(id)
		}
		p.mu.Unlock()

		if tooManyCrashes {
			log.Printf("[Pool] worker %d exceeded %d crashes in %s, marking permanently failed", id, maxCrashesInWindow, crashWindow)
			return
		}

		time.Sleep(crashRespawnDelay)

		nw := newWorker(id, p.intervals, p.repo, p.sink, p.priceCache, p.stateStore)
		go nw.Run(p.ctx)
		select {
		case <-nw.ready:
		case <-time.After(readyTimeout):
			log.Printf("[Pool] worker %d failed to come back up after crash", id)
			p.mu.Lock()
			p.failed[id] = true
			p.ring.RemoveWorker(id)
			p.mu.Unlock()
			return
		}

		if len(symbols) > 0 {
			nw.Send(&Message{Type: MsgSymbolAssignment, AssignSymbols: symbols})
			for _, k := range symbols {
				reply := make(chan Result, 1)
				nw.Send(&Message{Type: MsgWorkerInit, Venue: k.Venue, Symbol: k.Symbol, Reply: reply})
				<-reply
			}
		}

		p.mu.Lock()
		p.workers[id] = nw
		p.mu.Unlock()

		w = nw
	}
}

// AllWorkerIDs returns every worker id currently in the pool, including
// ones with zero assigned symbols, so callers can reach idle workers
// too.
func (p *Pool) AllWorkerIDs() []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]int, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	return ids
}

// AssignSymbols sends a SYMBOL_ASSIGNMENT message to workerID.
func (p *Pool) AssignSymbols(workerID int, keys []trade.Key) error {
	p.mu.RLock()
	w, ok := p.workers[workerID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("worker: no such worker %d", workerID)
	}

	reply := make(chan Result, 1)
	w.Send(&Message{Type: MsgSymbolAssignment, AssignSymbols: keys, Reply: reply})
	select {
	case <-reply:
		return nil
	case <-time.After(30 * time.Second):
		return &errs.TimeoutError{Op: "worker.SYMBOL_ASSIGNMENT", Timeout: "30s"}
	}
}

// InitSymbol sends WORKER_INIT for (venue, symbol) to its resolved
// worker, letting it load per-symbol state before any trade arrives.
func (p *Pool) InitSymbol(venue trade.Venue, symbol string) (Result, error) {
	workerID, ok := p.Route(symbol)
	if !ok {
		return Result{}, fmt.Errorf("worker: no workers available to route %q", symbol)
	}

	p.mu.RLock()
	w, ok := p.workers[workerID]
	p.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("worker: resolved worker %d not found", workerID)
	}

	reply := make(chan Result, 1)
	w.Send(&Message{Type: MsgWorkerInit, Venue: venue, Symbol: symbol, Reply: reply})
	select {
	case r := <-reply:
		return r, nil
	case <-time.After(30 * time.Second):
		return Result{}, &errs.TimeoutError{Op: "worker.WORKER_INIT", Timeout: "30s"}
	}
}

// QueueDepths reports each live worker's buffered message count, keyed
// by worker id, for the health/metrics snapshot.
func (p *Pool) QueueDepths() map[int]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[int]int, len(p.workers))
	for id, w := range p.workers {
		out[id] = w.QueueDepth()
	}
	return out
}

// FailedWorkers returns the ids of workers marked permanently failed
// after exceeding the crash-window threshold.
func (p *Pool) FailedWorkers() []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]int, 0, len(p.failed))
	for id, failed := range p.failed {
		if failed {
			out = append(out, id)
		}
	}
	return out
}

// DuplicateTrades sums every live worker's duplicate-trade counter, for
// the health/metrics snapshot's spec.md §7 duplicate-trade total.
func (p *Pool) DuplicateTrades() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var total int64
	for _, w := range p.workers {
		total += w.DuplicateTrades()
	}
	return total
}

// Route resolves the worker id owning symbol via the consistent-hash
// ring.
func (p *Pool) Route(symbol string) (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ring.Route(symbol)
}

// RouteTrades groups trades by symbol (they are expected to already
// share one venue+symbol) and dispatches one PROCESS_TRADES message to
// the resolved worker, per spec.md §4.5.
func (p *Pool) RouteTrades(venue trade.Venue, symbol string, trades []trade.Trade, priority Priority) (Result, error) {
	workerID, ok := p.Route(symbol)
	if !ok {
		return Result{}, fmt.Errorf("worker: no workers available to route %q", symbol)
	}

	p.mu.RLock()
	w, ok := p.workers[workerID]
	p.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("worker: resolved worker %d not found", workerID)
	}

	reply := make(chan Result, 1)
	w.Send(&Message{
		Type:     MsgProcessTrades,
		Priority: priority,
		Venue:    venue,
		Symbol:   symbol,
		Trades:   trades,
		Reply:    reply,
	})

	select {
	case r := <-reply:
		return r, nil
	case <-time.After(30 * time.Second):
		return Result{}, &errs.TimeoutError{Op: "worker.PROCESS_TRADES", Timeout: "30s"}
	}
}

// Shutdown sends SHUTDOWN to every worker and waits for acknowledgment
// before returning, per spec.md §4.4's "flushAll() runs to completion
// before the worker acknowledges termination".
func (p *Pool) Shutdown() {
	p.mu.RLock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			reply := make(chan Result, 1)
			w.Send(&Message{Type: MsgShutdown, Reply: reply})
			select {
			case <-reply:
			case <-time.After(30 * time.Second):
			}
		}(w)
	}
	wg.Wait()
	p.cancel()
}
