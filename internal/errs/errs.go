// Package errs defines the distinct error kinds spec.md §7 requires
// components to surface as tagged types, following the teacher's
// fmt.Errorf("...: %w", err) wrapping idiom throughout repositories and
// services but giving each kind its own type so callers can
// errors.As/errors.Is against it instead of string-matching.
package errs

import "fmt"

// ValidationError is returned by C1/C2 when a candle violates an OHLC,
// volume, or delta invariant. Fatal for the offending write.
type ValidationError struct {
	Rules []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Rules)
}

// DuplicateTradeError is returned by C4 when a trade-id has already been
// applied to the aggregator state. Callers should drop silently and
// increment a metric; it is exported mainly so tests can assert on it.
type DuplicateTradeError struct {
	TradeID     int64
	LastTradeID int64
}

func (e *DuplicateTradeError) Error() string {
	return fmt.Sprintf("duplicate trade %d (last seen %d)", e.TradeID, e.LastTradeID)
}

// GapDetectedError is returned (non-fatally) by C4 when a trade-id gap is
// observed. Processing continues; the gap is recorded for recovery.
type GapDetectedError struct {
	StartID int64 // last contiguous id seen, exclusive
	EndID   int64 // first id of the new contiguous run, exclusive
}

func (e *GapDetectedError) Error() string {
	return fmt.Sprintf("trade id gap (%d, %d)", e.StartID, e.EndID)
}

// VenueTransientError wraps a retryable venue-side failure (network
// error, 5xx, 429).
type VenueTransientError struct {
	Venue string
	Op    string
	Err   error
}

func (e *VenueTransientError) Error() string {
	return fmt.Sprintf("%s: %s transient error: %v", e.Venue, e.Op, e.Err)
}

func (e *VenueTransientError) Unwrap() error { return e.Err }

// SidecarUnavailableError indicates C3's persistence sidecar could not be
// reached. Dirty state should be buffered and retried on next flush.
type SidecarUnavailableError struct {
	Err error
}

func (e *SidecarUnavailableError) Error() string {
	return fmt.Sprintf("sidecar unavailable: %v", e.Err)
}

func (e *SidecarUnavailableError) Unwrap() error { return e.Err }

// WorkerCrashError records a worker exit and the symbol set it owned at
// the time, so the pool can respawn with symbol affinity preserved.
type WorkerCrashError struct {
	WorkerID     int
	ExitCode     int
	OwnedSymbols []string
}

func (e *WorkerCrashError) Error() string {
	return fmt.Sprintf("worker %d crashed (exit %d), owned %d symbols", e.WorkerID, e.ExitCode, len(e.OwnedSymbols))
}

// StartupFailureError aborts a start operation (pool init, orchestrator
// boot). The caller may retry the whole operation.
type StartupFailureError struct {
	Component string
	Err       error
}

func (e *StartupFailureError) Error() string {
	return fmt.Sprintf("%s startup failed: %v", e.Component, e.Err)
}

func (e *StartupFailureError) Unwrap() error { return e.Err }

// TimeoutError is surfaced by any RPC (worker message, sidecar call, REST
// gap-recovery call) that exceeded its deadline. State must not have been
// mutated by the aborted operation.
type TimeoutError struct {
	Op      string
	Timeout string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}
