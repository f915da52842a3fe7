package worker

import (
	"time"

	"github.com/flowtrace/engine/internal/trade"
)

// MessageType enumerates the inbox message kinds spec.md §4.5 names.
type MessageType string

const (
	MsgProcessTrades    MessageType = "PROCESS_TRADES"
	MsgSymbolAssignment MessageType = "SYMBOL_ASSIGNMENT"
	MsgWorkerInit       MessageType = "WORKER_INIT"
	MsgWorkerStatus     MessageType = "WORKER_STATUS"
	MsgSyncMetrics      MessageType = "SYNC_METRICS"
	MsgHeartbeat        MessageType = "HEARTBEAT"
	MsgShutdown         MessageType = "SHUTDOWN"
)

// Priority controls inbox ordering: urgent messages (recovered trades)
// jump ahead of normal ones.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityUrgent Priority = "urgent"
)

// Message is one unit of work delivered to a worker's inbox. Every
// message carries a correlation id; Reply, if non-nil, receives exactly
// one Result.
type Message struct {
	ID       string
	Type     MessageType
	Priority Priority

	Venue          trade.Venue
	Symbol         string
	Trades         []trade.Trade
	AssignSymbols  []trade.Key
	SymbolConfig   *trade.SymbolConfig

	Reply chan Result
}

// Result is the response a worker sends back for a Message, matching
// spec.md §4.5's {success, workerId, tradeCount, processingTime} shape
// for PROCESS_TRADES and generalized for the other message types.
type Result struct {
	Success        bool
	WorkerID       int
	TradeCount     int
	ProcessingTime time.Duration
	Err            error
}
