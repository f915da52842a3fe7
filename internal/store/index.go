// Package store implements the C2 append-only, partitioned file store:
// one binary period file per (venue, symbol, kind, interval, period),
// each with a JSON .idx sidecar for O(1) duplicate and range checks.
package store

import (
	"encoding/json"
	"os"
)

// Kind distinguishes the two record families a period directory holds.
type Kind string

const (
	KindCandles    Kind = "candles"
	KindFootprints Kind = "footprints"
)

// Index is the JSON .idx sidecar for one period file, per spec.md §3.
type Index struct {
	Period    string `json:"period"`
	Pattern   string `json:"pattern"`
	Count     uint32 `json:"count"`
	FirstTS   int64  `json:"firstTimestamp"`
	LastTS    int64  `json:"lastTimestamp"`
	Symbol    string `json:"symbol"`
	Interval  string `json:"interval"`
}

func readIndex(path string) (*Index, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var idx Index
	if err := json.Unmarshal(buf, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

func writeIndex(path string, idx *Index) error {
	buf, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

// Metadata is the per-interval-directory summary file, enabled
// optionally per spec.md §4.2 step 8.
type Metadata struct {
	Symbol     string   `json:"symbol"`
	Interval   string   `json:"interval"`
	PeriodList []string `json:"periods"`
	UpdatedAtMs int64   `json:"updatedAtMs"`
}

func readMetadata(path string) (*Metadata, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Metadata{}, nil
		}
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func writeMetadata(path string, m *Metadata) error {
	buf, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

func containsPeriod(periods []string, period string) bool {
	for _, p := range periods {
		if p == period {
			return true
		}
	}
	return false
}
