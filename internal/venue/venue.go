// Package venue defines the shared connection state machine, rate
// limiting, and circuit breaking used by every venue-specific connector
// (C6): subscribe/resubscribe batching, zero-gap dual-connection
// rotation, and REST gap recovery with backpressure.
package venue

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/flowtrace/engine/internal/trade"
)

// ConnState is a connector's position in the state machine spec.md §4.6
// names: DISCONNECTED -> CONNECTING -> CONNECTED -> (RECONNECTING |
// ROTATING) -> CONNECTED -> CLOSING -> CLOSED.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
	StateReconnecting ConnState = "RECONNECTING"
	StateRotating     ConnState = "ROTATING"
	StateClosing      ConnState = "CLOSING"
	StateClosed       ConnState = "CLOSED"
)

// TradeHandler receives every normalized trade a connector decodes.
type TradeHandler func(trade.Trade)

// SubscribeBatchSize and SubscribeBatchPause bound each venue's
// SUBSCRIBE frame to the ~4KB payload limit spec.md §4.6 references.
const (
	SubscribeBatchSize  = 50
	SubscribeBatchPause = 100 * time.Millisecond
)

// BatchStreams splits streams into chunks of at most SubscribeBatchSize.
func BatchStreams(streams []string) [][]string {
	var batches [][]string
	for i := 0; i < len(streams); i += SubscribeBatchSize {
		end := i + SubscribeBatchSize
		if end > len(streams) {
			end = len(streams)
		}
		batches = append(batches, streams[i:end])
	}
	return batches
}

// ReconnectBackoff computes an exponential reconnect delay: initial,
// doubling on each attempt, capped at max.
func ReconnectBackoff(attempt int, initial, max time.Duration) time.Duration {
	d := initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > max {
			return max
		}
	}
	return d
}

// NewGapRecoveryLimiter returns a limiter that paces REST gap-recovery requests at spec.md §4.6's
// "token spacing (>=100ms between requests)" via x/time/rate, the only
// rate-limiting library in this codebase's dependency pack.
func NewGapRecoveryLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(100*time.Millisecond), 1)
}

// NewRESTBreaker wraps a venue's REST gap-recovery calls in a circuit
// breaker so a venue outage fails fast instead of stacking up blocked
// requests; it trips after 5 consecutive failures and probes again
// after 30s.
func NewRESTBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// RateLimitCounter tracks HTTP 429 responses observed during gap
// recovery, per spec.md §4.6 ("HTTP 429 increments a rate-limit
// counter and aborts the current batch").
type RateLimitCounter struct {
	count int64
}

func (c *RateLimitCounter) Inc() { c.count++ }
func (c *RateLimitCounter) Count() int64 { return c.count }

// AggTrade is the normalized shape of one recovered trade returned by a
// venue's aggregate-trades REST endpoint.
type AggTrade struct {
	ID           int64
	Timestamp    int64
	Price        float64
	Quantity     float64
	IsBuyerMaker bool
}

// GapRecoverer issues a venue's aggregate-trades call for the half-open
// range (fromID, toID] and returns the recovered trades in ascending
// order, per spec.md §4.6's syncMissingTrades.
type GapRecoverer interface {
	SyncMissingTrades(ctx context.Context, symbol string, fromID, toID int64) ([]AggTrade, error)
}
