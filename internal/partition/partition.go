// Package partition implements the pure (interval, timestamp) -> period
// mapping used by the file store (C1/C2): which period-file a record
// belongs to, and the set of periods a time range spans.
package partition

import (
	"fmt"
	"time"
)

// Pattern names the period-naming scheme a given interval uses.
type Pattern string

const (
	PatternDay     Pattern = "day"     // YYYY-MM-DD
	PatternISOWeek Pattern = "isoweek" // YYYY-Www
	PatternMonth   Pattern = "month"   // YYYY-MM
	PatternQuarter Pattern = "quarter" // YYYY-Qq
	PatternYear    Pattern = "year"    // YYYY
)

// IntervalMs returns the duration of one candle of the given interval, in
// milliseconds. Supported intervals are the ones spec.md's partition
// table names: 1m 3m 5m 15m 30m 1h 2h 4h 8h 12h 1d.
func IntervalMs(interval string) (int64, error) {
	switch interval {
	case "1m":
		return 60_000, nil
	case "3m":
		return 3 * 60_000, nil
	case "5m":
		return 5 * 60_000, nil
	case "15m":
		return 15 * 60_000, nil
	case "30m":
		return 30 * 60_000, nil
	case "1h":
		return 3_600_000, nil
	case "2h":
		return 2 * 3_600_000, nil
	case "4h":
		return 4 * 3_600_000, nil
	case "8h":
		return 8 * 3_600_000, nil
	case "12h":
		return 12 * 3_600_000, nil
	case "1d":
		return 24 * 3_600_000, nil
	default:
		return 0, fmt.Errorf("partition: unknown interval %q", interval)
	}
}

// patternFor returns the naming scheme the given interval's period files
// use, per spec.md §3's PeriodFile table.
func patternFor(interval string) (Pattern, error) {
	switch interval {
	case "1m", "3m":
		return PatternDay, nil
	case "5m", "15m":
		return PatternISOWeek, nil
	case "30m", "1h":
		return PatternMonth, nil
	case "2h", "4h":
		return PatternQuarter, nil
	case "8h", "12h", "1d":
		return PatternYear, nil
	default:
		return "", fmt.Errorf("partition: unknown interval %q", interval)
	}
}

// Period describes one period-file's identity and time span.
type Period struct {
	Pattern Pattern
	Name    string // e.g. "2023-11-14", "2023-W46", "2023-11", "2023-Q4", "2023"
	StartMs int64  // inclusive
	EndMs   int64  // inclusive
}

// For computes the period a timestamp (ms since epoch) falls into for the
// given interval, following spec.md §4.1's partition strategy.
func For(interval string, timestampMs int64) (Period, error) {
	pattern, err := patternFor(interval)
	if err != nil {
		return Period{}, err
	}
	t := time.UnixMilli(timestampMs).UTC()

	switch pattern {
	case PatternDay:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 0, 1).Add(-time.Millisecond)
		return Period{
			Pattern: pattern,
			Name:    start.Format("2006-01-02"),
			StartMs: start.UnixMilli(),
			EndMs:   end.UnixMilli(),
		}, nil

	case PatternISOWeek:
		year, week := t.ISOWeek()
		// Monday of the ISO week: walk back to the Monday on-or-before t,
		// using the "Thursday decides the year" rule transitively via
		// time.ISOWeek, which already implements it.
		weekday := int(t.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		monday := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(weekday - 1))
		sunday := monday.AddDate(0, 0, 7).Add(-time.Millisecond)
		return Period{
			Pattern: pattern,
			Name:    fmt.Sprintf("%04d-W%02d", year, week),
			StartMs: monday.UnixMilli(),
			EndMs:   sunday.UnixMilli(),
		}, nil

	case PatternMonth:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 1, 0).Add(-time.Millisecond)
		return Period{
			Pattern: pattern,
			Name:    start.Format("2006-01"),
			StartMs: start.UnixMilli(),
			EndMs:   end.UnixMilli(),
		}, nil

	case PatternQuarter:
		q := (int(t.Month()) - 1) / 3
		startMonth := time.Month(q*3 + 1)
		start := time.Date(t.Year(), startMonth, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 3, 0).Add(-time.Millisecond)
		return Period{
			Pattern: pattern,
			Name:    fmt.Sprintf("%04d-Q%d", t.Year(), q+1),
			StartMs: start.UnixMilli(),
			EndMs:   end.UnixMilli(),
		}, nil

	case PatternYear:
		start := time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(1, 0, 0).Add(-time.Millisecond)
		return Period{
			Pattern: pattern,
			Name:    fmt.Sprintf("%04d", t.Year()),
			StartMs: start.UnixMilli(),
			EndMs:   end.UnixMilli(),
		}, nil
	}

	return Period{}, fmt.Errorf("partition: unhandled pattern %q", pattern)
}

// Range yields every unique period for the given interval whose [start,
// end] overlaps [queryStartMs, queryEndMs], in ascending order.
func Range(interval string, queryStartMs, queryEndMs int64) ([]Period, error) {
	if queryEndMs < queryStartMs {
		return nil, fmt.Errorf("partition: empty range [%d,%d]", queryStartMs, queryEndMs)
	}

	var periods []Period
	cursor := queryStartMs
	for {
		p, err := For(interval, cursor)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
		if p.EndMs >= queryEndMs {
			break
		}
		cursor = p.EndMs + 1
	}
	return periods, nil
}
